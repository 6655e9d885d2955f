package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umqproto/umq"
)

// closeGrace bounds how long a close frame write may block.
const closeGrace = 5 * time.Second

// Websocket adapts a gorilla/websocket connection to the umq.Connection
// interface. WebSocket frames map one to one onto UMQ messages: text frames
// carry envelopes, binary frames carry attachments, and the close handshake
// becomes the close message.
func Websocket(ws *websocket.Conn) *WSChannel { return &WSChannel{ws: ws} }

// DialWebsocket connects to a UMQ peer at the given ws:// or wss:// URL.
func DialWebsocket(url string) (*WSChannel, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return Websocket(ws), nil
}

// A WSChannel carries UMQ messages over a WebSocket.
type WSChannel struct {
	μ    sync.Mutex // guards writes
	ws   *websocket.Conn
	down bool
}

// Send implements a method of the [umq.Connection] interface.
func (c *WSChannel) Send(msg umq.Message) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.down {
		return false
	}
	var err error
	switch msg.Type {
	case umq.TextMessage:
		err = c.ws.WriteMessage(websocket.TextMessage, msg.Data)
	case umq.BinaryMessage:
		err = c.ws.WriteMessage(websocket.BinaryMessage, msg.Data)
	case umq.CloseMessage:
		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = c.ws.WriteControl(websocket.CloseMessage, data, time.Now().Add(closeGrace))
		c.down = true
	default:
		return false
	}
	if err != nil {
		c.down = true
		return false
	}
	return true
}

// Receive implements a method of the [umq.Connection] interface. A close
// frame from the peer is delivered as an orderly close message.
func (c *WSChannel) Receive() (umq.Message, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return umq.Message{Type: umq.CloseMessage}, nil
			}
			return umq.Message{}, err
		}
		switch mt {
		case websocket.TextMessage:
			return umq.Message{Type: umq.TextMessage, Data: data}, nil
		case websocket.BinaryMessage:
			return umq.Message{Type: umq.BinaryMessage, Data: data}, nil
		}
	}
}

// Flush implements a method of the [umq.Connection] interface. WebSocket
// writes complete synchronously, so it reports true while the connection
// is alive.
func (c *WSChannel) Flush() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return !c.down
}

// BufferedAmount implements a method of the [umq.Connection] interface.
// The underlying library does not expose its write backlog, so the amount
// is always zero and high-water-mark policies never trigger on this
// transport.
func (c *WSChannel) BufferedAmount() int { return 0 }

// Shutdown implements a method of the [umq.Connection] interface.
func (c *WSChannel) Shutdown() {
	c.μ.Lock()
	c.down = true
	c.μ.Unlock()
	c.ws.Close()
}
