package umq_test

import (
	"sync/atomic"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/channel"
)

// bufConn wraps a connection, pretending its send buffer holds a fixed
// number of bytes, and counts flushes.
type bufConn struct {
	umq.Connection
	amt     int
	flushes atomic.Int32
}

func (c *bufConn) BufferedAmount() int { return c.amt }

func (c *bufConn) Flush() bool {
	c.flushes.Add(1)
	return c.Connection.Flush()
}

// newBackedUp builds a publisher peer whose connection reports amt buffered
// bytes, with the raw side of the pair returned for the test to drive.
func newBackedUp(t *testing.T, amt int) (*umq.Peer, *bufConn, umq.Connection) {
	t.Helper()
	raw, cc := channel.Direct()
	conn := &bufConn{Connection: cc, amt: amt}

	p := umq.NewPeer()
	welcome := p.StartClient(conn, "hi")
	if msg, err := raw.Receive(); err != nil || string(msg.Data) != "H1:hi" {
		t.Fatalf("Hello frame: got %q, %v", msg.Data, err)
	}
	raw.Send(umq.Message{Type: umq.TextMessage, Data: []byte("W1:ok")})
	if _, err := welcome.Wait(); err != nil {
		t.Fatalf("Handshake: unexpected error: %v", err)
	}
	return p, conn, raw
}

func expectFrame(t *testing.T, raw umq.Connection, want string) {
	t.Helper()
	msg, err := raw.Receive()
	if err != nil {
		t.Fatalf("Receive: unexpected error: %v", err)
	}
	if got := string(msg.Data); got != want {
		t.Fatalf("Frame: got %q, want %q", got, want)
	}
}

func TestHWMPolicies(t *testing.T) {
	defer leaktest.Check(t)()

	const backlog = 100000 // far above any limit used below

	t.Run("Skip", func(t *testing.T) {
		p, _, raw := newBackedUp(t, backlog)
		pub := p.BeginPublish(7, umq.HWMSkip, 1000)
		if !pub.Publish("dropped") {
			t.Error("Publish: want success with the update skipped")
		}
		// The skipped update left no frame behind: the next frame on the
		// wire is the marker attribute.
		p.SetAttribute("marker", "1")
		expectFrame(t, raw, "S:marker=1")
		raw.Shutdown()
		p.Close()
		p.Wait()
	})

	t.Run("Ignore", func(t *testing.T) {
		p, _, raw := newBackedUp(t, backlog)
		pub := p.BeginPublish(7, umq.HWMIgnore, 1000)
		if !pub.Publish("pushed") {
			t.Error("Publish: want success")
		}
		expectFrame(t, raw, "T7:pushed")
		raw.Shutdown()
		p.Close()
		p.Wait()
	})

	t.Run("Block", func(t *testing.T) {
		p, conn, raw := newBackedUp(t, backlog)
		pub := p.BeginPublish(7, umq.HWMBlock, 1000)
		if !pub.Publish("waited") {
			t.Error("Publish: want success")
		}
		if n := conn.flushes.Load(); n == 0 {
			t.Error("Flush: never called under the block policy")
		}
		expectFrame(t, raw, "T7:waited")
		raw.Shutdown()
		p.Close()
		p.Wait()
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		p, _, raw := newBackedUp(t, backlog)
		pub := p.BeginPublish(7, umq.HWMUnsubscribe, 1000)
		if pub.Publish("refused") {
			t.Error("Publish: want failure")
		}
		expectFrame(t, raw, "D7:")
		if pub.Check() {
			t.Error("Check: topic should have ended")
		}
		raw.Shutdown()
		p.Close()
		p.Wait()
	})

	t.Run("Close", func(t *testing.T) {
		p, _, raw := newBackedUp(t, backlog)
		pub := p.BeginPublish(7, umq.HWMClose, 1000)
		closeEv := p.CloseEvent()
		if pub.Publish("fatal") {
			t.Error("Publish: want failure")
		}
		msg, err := raw.Receive()
		if err != nil || msg.Type != umq.CloseMessage {
			t.Errorf("Frame: got %v, %v; want CLOSE", msg.Type, err)
		}
		if _, err := closeEv.Wait(); err != nil {
			t.Errorf("CloseEvent: unexpected error: %v", err)
		}
		raw.Shutdown()
		p.Wait()
	})

	t.Run("UnderLimit", func(t *testing.T) {
		p, _, raw := newBackedUp(t, 10) // below every limit
		pub := p.BeginPublish(7, umq.HWMUnsubscribe, 1000)
		if !pub.Publish("fits") {
			t.Error("Publish: want success below the high-water mark")
		}
		expectFrame(t, raw, "T7:fits")
		raw.Shutdown()
		p.Close()
		p.Wait()
	})

	t.Run("EngineDefault", func(t *testing.T) {
		p, _, raw := newBackedUp(t, backlog)
		p.SetHWM(500)
		pub := p.BeginPublish(7, umq.HWMSkip, 0) // inherits the engine limit
		if !pub.Publish("dropped") {
			t.Error("Publish: want success with the update skipped")
		}
		p.SetAttribute("marker", "1")
		expectFrame(t, raw, "S:marker=1")
		raw.Shutdown()
		p.Close()
		p.Wait()
	})
}
