package umq

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBase36(t *testing.T) {
	tests := []struct {
		id   ID
		text string
	}{
		{0, ""},
		{1, "1"},
		{9, "9"},
		{10, "A"},
		{35, "Z"},
		{36, "10"},
		{36*36 - 1, "ZZ"},
		{36 * 36, "100"},
		{123456789, "21I3V9"},
	}
	for _, test := range tests {
		if got := FormatID(test.id); got != test.text {
			t.Errorf("FormatID(%d): got %q, want %q", test.id, got, test.text)
		}
		got, err := ParseID(test.text)
		if err != nil {
			t.Errorf("ParseID(%q): unexpected error: %v", test.text, err)
		} else if got != test.id {
			t.Errorf("ParseID(%q): got %d, want %d", test.text, got, test.id)
		}
	}

	// Round trip is the identity over a span of values.
	for id := ID(0); id < 10000; id++ {
		got, err := ParseID(FormatID(id))
		if err != nil || got != id {
			t.Fatalf("Round trip %d: got %d, %v", id, got, err)
		}
	}
}

func TestParseIDErrors(t *testing.T) {
	for _, bad := range []string{"a", "1a", "-1", "1 2", "~", "Z!"} {
		if got, err := ParseID(bad); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ParseID(%q): got %d, %v; want ErrInvalidID", bad, got, err)
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		input string
		want  Envelope
	}{
		{"H1:hi", Envelope{Cmd: 'H', ID: 1, Body: "hi"}},
		{"C:no id means zero", Envelope{Cmd: 'C', ID: 0, Body: "no id means zero"}},
		{"RZZ:body:with:colons", Envelope{Cmd: 'R', ID: 1295, Body: "body:with:colons"}},
		{"T7:", Envelope{Cmd: 'T', ID: 7, Body: ""}},
		{"A2:R3:ok", Envelope{Cmd: 'A', ID: 2, Body: "R3:ok"}},
		{"!10:6 No RPC server", Envelope{Cmd: '!', ID: 36, Body: "6 No RPC server"}},
	}
	for _, test := range tests {
		got, err := ParseEnvelope(test.input)
		if err != nil {
			t.Errorf("ParseEnvelope(%q): unexpected error: %v", test.input, err)
			continue
		}
		if diff := cmp.Diff(test.want, got); diff != "" {
			t.Errorf("ParseEnvelope(%q) (-want, +got):\n%s", test.input, diff)
		}
		if rt := got.String(); rt != test.input {
			t.Errorf("Round trip %q: got %q", test.input, rt)
		}
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	tests := []struct {
		input string
		want  error
	}{
		{"", ErrProtocol},
		{"no separator", ErrProtocol},
		{":empty header", ErrProtocol},
		{"Cx1:lowercase id", ErrInvalidID},
		{"C-1:punctuation", ErrInvalidID},
	}
	for _, test := range tests {
		if _, err := ParseEnvelope(test.input); !errors.Is(err, test.want) {
			t.Errorf("ParseEnvelope(%q): got %v, want %v", test.input, err, test.want)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		text    string
		code    int
		message string
	}{
		{"400 bad input", 400, "bad input"},
		{"5 Unsupported version", 5, "Unsupported version"},
		{"plain text", 0, "plain text"},
		{"123plain", 0, "123plain"}, // digits not followed by a space
		{"", 0, ""},
		{"7 ", 7, ""},
	}
	for _, test := range tests {
		e := &Error{text: test.text}
		if got := e.Code(); got != test.code {
			t.Errorf("Code(%q): got %d, want %d", test.text, got, test.code)
		}
		if got := e.Message(); got != test.message {
			t.Errorf("Message(%q): got %q, want %q", test.text, got, test.message)
		}
	}

	e := NewError(400, "bad input")
	if got := e.Error(); got != "400 bad input" {
		t.Errorf("NewError: got %q, want 400 bad input", got)
	}
}

func TestSplitCallback(t *testing.T) {
	tests := []struct {
		body string
		id   ID
		rest string
		ok   bool
	}{
		{"K:ping", 20, "ping", true},
		{"10:x", 36, "x", true},
		{"1:", 1, "", true},
		{"ping", 0, "", false},        // no separator
		{":ping", 0, "", false},       // empty prefix
		{"add:1,2", 0, "", false},     // lowercase prefix is not an ID
		{"{\"a\":1}", 0, "", false},   // JSON-ish body
		{"add\n1,2", 0, "", false},    // method dialect body
		{"A B:x", 0, "", false},       // space breaks the prefix
	}
	for _, test := range tests {
		id, rest, ok := splitCallback(test.body)
		if id != test.id || rest != test.rest || ok != test.ok {
			t.Errorf("splitCallback(%q): got (%d, %q, %v), want (%d, %q, %v)",
				test.body, id, rest, ok, test.id, test.rest, test.ok)
		}
	}
}
