package handler_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/handler"
	"github.com/umqproto/umq/peers"
)

func TestBody(t *testing.T) {
	tests := []struct {
		method, args, want string
	}{
		{"echo", "", "echo"},
		{"echo", "hello", "echo\nhello"},
		{"add", "1,2", "add\n1,2"},
	}
	for _, test := range tests {
		if got := handler.Body(test.method, test.args); got != test.want {
			t.Errorf("Body(%q, %q): got %q, want %q", test.method, test.args, got, test.want)
		}
	}
}

func TestServe(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()

	methods := handler.Map{
		"echo": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{Text: req.Args}, nil
		},
		"upper": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{Text: strings.ToUpper(req.Args)}, nil
		},
		"fail": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{}, umq.NewError(400, "bad input")
		},
		"oops": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{}, errors.New("plain failure")
		},
		"count": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{Text: req.Method}, nil
		},
	}

	srvDone := make(chan error, 1)
	go func() { srvDone <- methods.Serve(context.Background(), loc.B) }()

	t.Run("Echo", func(t *testing.T) {
		rsp, err := handler.Invoke(loc.A, "echo", "hello world").Wait()
		if err != nil {
			t.Fatalf("Invoke: unexpected error: %v", err)
		}
		if got, want := rsp.Text, "hello world"; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
	})

	t.Run("Upper", func(t *testing.T) {
		rsp, err := handler.Invoke(loc.A, "upper", "shout").Wait()
		if err != nil {
			t.Fatalf("Invoke: unexpected error: %v", err)
		}
		if got, want := rsp.Text, "SHOUT"; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
	})

	t.Run("NoArgs", func(t *testing.T) {
		rsp, err := handler.Invoke(loc.A, "count", "").Wait()
		if err != nil {
			t.Fatalf("Invoke: unexpected error: %v", err)
		}
		if got, want := rsp.Text, "count"; got != want {
			t.Errorf("Response: got %q, want %q", got, want)
		}
	})

	t.Run("Exception", func(t *testing.T) {
		_, err := handler.Invoke(loc.A, "fail", "x").Wait()
		var werr *umq.Error
		if !errors.As(err, &werr) {
			t.Fatalf("Invoke: got error %[1]T (%[1]v), want *umq.Error", err)
		}
		if werr.Code() != 400 || werr.Message() != "bad input" {
			t.Errorf("Exception: got (%d, %q), want (400, bad input)", werr.Code(), werr.Message())
		}
	})

	t.Run("WrappedError", func(t *testing.T) {
		_, err := handler.Invoke(loc.A, "oops", "").Wait()
		var werr *umq.Error
		if !errors.As(err, &werr) {
			t.Fatalf("Invoke: got error %[1]T (%[1]v), want *umq.Error", err)
		}
		if werr.Code() != 0 || werr.Message() != "plain failure" {
			t.Errorf("Exception: got (%d, %q), want (0, plain failure)", werr.Code(), werr.Message())
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := handler.Invoke(loc.A, "nonesuch", "").Wait()
		var xerr *umq.ExecError
		if !errors.As(err, &xerr) {
			t.Fatalf("Invoke: got error %[1]T (%[1]v), want *umq.ExecError", err)
		}
		if got, want := xerr.Code(), umq.CodeRPCRouteError; got != want {
			t.Errorf("Code: got %d, want %d", got, want)
		}
	})

	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	if err := <-srvDone; err != nil {
		t.Errorf("Serve: unexpected error: %v", err)
	}
}
