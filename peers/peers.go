// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/channel"
)

// Local is a pair of in-memory connected peers with a completed
// hello/welcome handshake, suitable for testing.
type Local struct {
	A *umq.Peer // the client side
	B *umq.Peer // the server side

	Hello   umq.Payload // the hello payload B received
	Welcome umq.Payload // the welcome payload A received
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	p.A.Close()
	p.B.Close()
	aerr := p.A.Wait()
	berr := p.B.Wait()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers communicating via a
// direct channel, and completes the handshake between them: A greets with
// "hello", B accepts with "welcome".
func NewLocal() *Local {
	ca, cb := channel.Direct()
	loc := &Local{A: umq.NewPeer(), B: umq.NewPeer()}

	loc.B.StartServer(cb).Then(func(pay umq.Payload, err error) {
		if err == nil {
			loc.Hello = pay
			loc.B.AcceptClient("welcome")
		}
	})
	welcome, _ := loc.A.StartClient(ca, "hello").Wait()
	loc.Welcome = welcome
	return loc
}

// An Accepter produces connections from inbound clients.
type Accepter interface {
	Accept(context.Context) (umq.Connection, error)
}

// A Greeter inspects a client's hello payload and completes the handshake,
// typically by calling AcceptClient or RejectClient on the peer.
type Greeter func(*umq.Peer, umq.Payload)

// Loop accepts connections from acc and starts a server peer for each one
// in a goroutine, handing the hello payload to greet. Loop continues until
// acc closes or ctx ends.
//
// When ctx terminates, all running peers are shut down. When acc closes,
// the loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, newPeer func() *umq.Peer, greet Greeter) error {
	g := taskgroup.New(nil)
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := newPeer()
			peer.StartServer(conn).Then(func(pay umq.Payload, err error) {
				if err == nil {
					greet(peer, pay)
				}
			})

			go func() { <-sctx.Done(); peer.Shutdown() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, framing each
// accepted stream with channel.IO.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (umq.Connection, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
