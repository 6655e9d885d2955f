package umq_test

import (
	"testing"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/peers"
)

func BenchmarkRPC(b *testing.B) {
	payload := "fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?"

	newEcho := func() *peers.Local {
		loc := peers.NewLocal()
		var serve func()
		serve = func() {
			loc.B.RPCServer().Then(func(req umq.Payload, err error) {
				if err != nil {
					return
				}
				serve()
				loc.B.RPCResult(req.ID, req.Text)
			})
		}
		serve()
		return loc
	}

	b.Run("noop", func(b *testing.B) {
		loc := newEcho()
		defer loc.Stop()
		for b.Loop() {
			if _, err := loc.A.RPCCall("").Wait(); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("echo", func(b *testing.B) {
		loc := newEcho()
		defer loc.Stop()
		for b.Loop() {
			if _, err := loc.A.RPCCall(payload).Wait(); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("attachment", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()
		var serve func()
		serve = func() {
			loc.B.RPCServer().Then(func(req umq.Payload, err error) {
				if err != nil {
					return
				}
				serve()
				loc.B.RPCResult(req.ID, "ok", umq.Text(req.Text))
			})
		}
		serve()
		for b.Loop() {
			rsp, err := loc.A.RPCCall(payload).Wait()
			if err != nil {
				b.Fatal(err)
			}
			if _, err := rsp.Attachments[0].Wait(); err != nil {
				b.Fatal(err)
			}
		}
	})
}
