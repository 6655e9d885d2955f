// Package handler routes UMQ RPC requests to named method functions.
//
// The core engine delivers RPC bodies as opaque text; this package supplies
// the conventional method dialect used by the command-line tools: the method
// name is the first line of the body, everything after the first newline is
// the argument text. A [Map] dispatches inbound requests by that convention,
// and [Invoke] issues outbound calls with it.
package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/umqproto/umq"
)

// A Request is one inbound method invocation.
type Request struct {
	Peer        *umq.Peer        // the peer the request arrived on
	ID          umq.ID           // correlation ID of the request
	Method      string           // method name, the first line of the body
	Args        string           // argument text following the method line
	Attachments []umq.Attachment // attachment slots declared by the request
}

// A Func handles one method invocation. A returned error of type
// *umq.Error is relayed to the caller verbatim as an rpc-exception; any
// other error is wrapped with code zero.
type Func func(context.Context, *Request) (umq.Result, error)

// A Map routes method names to handlers.
type Map map[string]Func

// Body formats a method invocation body: the method name alone, or the
// method name and argument text separated by a newline.
func Body(method, args string) string {
	if args == "" {
		return method
	}
	return method + "\n" + args
}

// Invoke issues an RPC call for the named method on the remote peer.
func Invoke(p *umq.Peer, method, args string, atts ...umq.Attachment) *umq.Future[umq.Payload] {
	return p.RPCCall(Body(method, args), atts...)
}

// Serve pumps the peer's RPC server, dispatching each inbound request to
// its handler, until ctx ends or the connection terminates. Requests are
// handled sequentially on the calling goroutine; handlers that block should
// spawn their own work.
//
// Serve returns nil when the connection closed, and the context's error
// when ctx ended first.
func (m Map) Serve(ctx context.Context, p *umq.Peer) error {
	f := p.RPCServer()
	arm := f.Done()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-arm:
		}
		req, err := f.Wait()
		if err != nil {
			if errors.Is(err, umq.ErrBrokenPromise) || errors.Is(err, umq.ErrDisconnected) {
				return nil
			}
			return err
		}
		// Re-arm before answering, so the caller's next request cannot land
		// in an unarmed window and bounce as no-rpc-server.
		f = p.RPCServer()
		arm = f.Done()
		m.dispatch(ctx, p, req)
	}
}

// dispatch routes one request payload and relays the handler's verdict.
func (m Map) dispatch(ctx context.Context, p *umq.Peer, req umq.Payload) {
	method, args := splitBody(req.Text)
	fn, ok := m[method]
	if !ok {
		p.RPCExecError(req.ID, umq.NewExecError(umq.CodeRPCRouteError, "unknown method "+method).Error())
		return
	}
	res, err := fn(ctx, &Request{
		Peer:        p,
		ID:          req.ID,
		Method:      method,
		Args:        args,
		Attachments: req.Attachments,
	})
	if err != nil {
		var we *umq.Error
		if errors.As(err, &we) {
			p.RPCException(req.ID, we.Error())
		} else {
			p.RPCException(req.ID, umq.NewError(0, err.Error()).Error())
		}
		return
	}
	p.RPCResult(req.ID, res.Text, res.Attachments...)
}

// splitBody separates a request body into its method line and argument
// text.
func splitBody(text string) (method, args string) {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i], text[i+1:]
	}
	return text, ""
}
