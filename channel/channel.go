// Package channel provides implementations of the umq.Connection interface.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/umqproto/umq"
)

// directBuffer is the per-direction capacity of a Direct pair. Sends park
// in the buffer rather than blocking on the receiver's cadence.
const directBuffer = 64

// Direct constructs a connected pair of in-memory connections that pass
// messages directly without encoding. Messages sent to A are received by B
// and vice versa.
func Direct() (A, B umq.Connection) {
	a2b := make(chan umq.Message, directBuffer)
	b2a := make(chan umq.Message, directBuffer)
	astop := make(chan struct{})
	bstop := make(chan struct{})
	A = &direct{send: a2b, recv: b2a, stop: astop, peerStop: bstop}
	B = &direct{send: b2a, recv: a2b, stop: bstop, peerStop: astop}
	return
}

type direct struct {
	send     chan<- umq.Message
	recv     <-chan umq.Message
	stop     chan struct{} // closed by our Shutdown
	peerStop chan struct{} // closed by the peer's Shutdown

	closeOnce sync.Once
}

// Send implements a method of the [umq.Connection] interface.
func (d *direct) Send(msg umq.Message) bool {
	select {
	case <-d.stop:
		return false
	case <-d.peerStop:
		return false
	default:
	}
	select {
	case d.send <- msg:
		return true
	case <-d.stop:
		return false
	case <-d.peerStop:
		return false
	}
}

// Receive implements a method of the [umq.Connection] interface. Messages
// already buffered are drained before a shutdown is reported.
func (d *direct) Receive() (umq.Message, error) {
	select {
	case msg := <-d.recv:
		return msg, nil
	default:
	}
	select {
	case msg := <-d.recv:
		return msg, nil
	case <-d.stop:
		return umq.Message{}, net.ErrClosed
	case <-d.peerStop:
		return umq.Message{}, net.ErrClosed
	}
}

// Flush implements a method of the [umq.Connection] interface. Buffered
// messages are handed over as the peer reads; Flush reports true while the
// pair is alive.
func (d *direct) Flush() bool {
	select {
	case <-d.stop:
		return false
	case <-d.peerStop:
		return false
	default:
		return true
	}
}

// BufferedAmount implements a method of the [umq.Connection] interface.
func (d *direct) BufferedAmount() int { return 0 }

// Shutdown implements a method of the [umq.Connection] interface.
func (d *direct) Shutdown() {
	d.closeOnce.Do(func() { close(d.stop) })
}

// Frame type tags of the IO encoding, one per message kind.
const (
	tagText   = 'T'
	tagBinary = 'B'
	tagClose  = 'C'
)

// IO constructs a connection that frames messages onto a byte stream,
// receiving from r and sending to wc. Each message is encoded as a one-byte
// type tag, a big-endian uint32 length, and the payload.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	return &IOChannel{r: bufio.NewReader(r), rc: r, w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives framed messages on a reader and a writer.
type IOChannel struct {
	r  *bufio.Reader
	rc io.Reader // the unbuffered reader, closed on shutdown when possible

	μ    sync.Mutex // guards the writer
	w    *bufio.Writer
	c    io.Closer
	down bool
}

// Send implements a method of the [umq.Connection] interface.
func (c *IOChannel) Send(msg umq.Message) bool {
	var tag byte
	switch msg.Type {
	case umq.TextMessage:
		tag = tagText
	case umq.BinaryMessage:
		tag = tagBinary
	case umq.CloseMessage:
		tag = tagClose
	default:
		return false
	}

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.down {
		return false
	}
	var hdr [5]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(msg.Data)))
	_, err := c.w.Write(hdr[:])
	if err == nil {
		_, err = c.w.Write(msg.Data)
	}
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		c.down = true
		return false
	}
	return true
}

// Receive implements a method of the [umq.Connection] interface.
func (c *IOChannel) Receive() (umq.Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return umq.Message{}, fmt.Errorf("short frame header: %w", err)
	}
	var mt umq.MessageType
	switch hdr[0] {
	case tagText:
		mt = umq.TextMessage
	case tagBinary:
		mt = umq.BinaryMessage
	case tagClose:
		mt = umq.CloseMessage
	default:
		return umq.Message{}, fmt.Errorf("invalid frame tag %q", hdr[0])
	}
	var data []byte
	if size := binary.BigEndian.Uint32(hdr[1:]); size > 0 {
		data = make([]byte, int(size))
		if _, err := io.ReadFull(c.r, data); err != nil {
			return umq.Message{}, fmt.Errorf("short frame payload: %w", err)
		}
	}
	return umq.Message{Type: mt, Data: data}, nil
}

// Flush implements a method of the [umq.Connection] interface.
func (c *IOChannel) Flush() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return !c.down && c.w.Flush() == nil
}

// BufferedAmount implements a method of the [umq.Connection] interface.
func (c *IOChannel) BufferedAmount() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.w.Buffered()
}

// Shutdown implements a method of the [umq.Connection] interface. Closing
// the reader as well unblocks a pending Receive when the two halves are
// distinct streams, as with pipes.
func (c *IOChannel) Shutdown() {
	c.μ.Lock()
	c.down = true
	c.μ.Unlock()
	c.c.Close()
	if rc, ok := c.rc.(io.Closer); ok && any(c.rc) != any(c.c) {
		rc.Close()
	}
}
