// Program umq is a command-line utility for interacting with UMQ peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/channel"
	"github.com/umqproto/umq/handler"
	"github.com/umqproto/umq/peers"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with UMQ peers.",
		Commands: []*command.C{
			cmdServe,
			cmdCall,
			cmdWatch,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var serveFlags = struct {
	Address string `flag:"address,Service address (host:port)"`
	Ticks   int    `flag:"ticks,Number of updates published per subscription"`
}{Ticks: 5}

var cmdServe = &command.C{
	Name: "serve",
	Help: `Run a demo UMQ server.

The server accepts every client and answers the methods "echo", "reverse",
"clock", and "subscribe". The subscribe method takes a base-36 subscription
ID as its argument and publishes a short series of ticks to it.`,
	SetFlags: command.Flags(flax.MustBind, &serveFlags),
	Run:      runServe,
}

func runServe(env *command.Env) error {
	if serveFlags.Address == "" {
		return env.Usagef("missing service -address")
	}
	lst, err := net.Listen("tcp", serveFlags.Address)
	if err != nil {
		return err
	}
	log.Printf("Serving at %q", lst.Addr())

	methods := handler.Map{
		"echo": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{Text: req.Args}, nil
		},
		"reverse": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			rs := []rune(req.Args)
			for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
				rs[i], rs[j] = rs[j], rs[i]
			}
			return umq.Result{Text: string(rs)}, nil
		},
		"clock": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			return umq.Result{Text: time.Now().UTC().Format(time.RFC3339)}, nil
		},
		"subscribe": func(_ context.Context, req *handler.Request) (umq.Result, error) {
			id, err := umq.ParseID(req.Args)
			if err != nil || id == 0 {
				return umq.Result{}, umq.NewError(400, "bad subscription id")
			}
			sub := req.Peer.BeginPublish(id, umq.HWMSkip, 0)
			go func() {
				for i := 1; i <= serveFlags.Ticks; i++ {
					if !sub.Publish(fmt.Sprintf("tick-%d", i)) {
						return
					}
					time.Sleep(500 * time.Millisecond)
				}
				sub.Close()
			}()
			return umq.Result{Text: "subscribed"}, nil
		},
	}

	return peers.Loop(env.Context(), peers.NetAccepter(lst), umq.NewPeer,
		func(p *umq.Peer, hello umq.Payload) {
			log.Printf("Client connected: %q", hello.Text)
			p.AcceptClient("ok")
			go methods.Serve(env.Context(), p)
		})
}

var callFlags struct {
	Address string `flag:"address,Peer address (host:port or ws:// URL)"`
}

var cmdCall = &command.C{
	Name:     "call",
	Usage:    "<method> [<args>...]",
	Help:     "Call a method on a UMQ peer and print its response.",
	SetFlags: command.Flags(flax.MustBind, &callFlags),
	Run:      runCall,
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	p, err := dialPeer(callFlags.Address)
	if err != nil {
		return err
	}
	defer stopPeer(p)

	rsp, err := handler.Invoke(p, env.Args[0], strings.Join(env.Args[1:], " ")).Wait()
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}
	fmt.Println(rsp.Text)
	return nil
}

var cmdWatch = &command.C{
	Name:     "watch",
	Help:     "Subscribe to a UMQ peer's demo ticker and print its updates.",
	SetFlags: command.Flags(flax.MustBind, &callFlags),
	Run:      runWatch,
}

func runWatch(env *command.Env) error {
	p, err := dialPeer(callFlags.Address)
	if err != nil {
		return err
	}
	defer stopPeer(p)

	// Listen before asking the peer to publish, or an early update would
	// end the subscription.
	id := p.CreateSubscription()
	next := p.ListenSubscription(id)
	if _, err := handler.Invoke(p, "subscribe", umq.FormatID(id)).Wait(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	for {
		update, err := next.Wait()
		if errors.Is(err, umq.ErrSubscriptionClosed) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(update.Text)
		next = p.ListenSubscription(id)
	}
}

// dialPeer connects and completes the client handshake.
func dialPeer(addr string) (*umq.Peer, error) {
	if addr == "" {
		return nil, errors.New("missing peer -address")
	}
	var conn umq.Connection
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, err := channel.DialWebsocket(addr)
		if err != nil {
			return nil, err
		}
		conn = ws
	} else {
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		conn = channel.IO(nc, nc)
	}

	p := umq.NewPeer()
	if _, err := p.StartClient(conn, "umq cli").Wait(); err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return p, nil
}

func stopPeer(p *umq.Peer) {
	p.Close()
	p.Wait()
}
