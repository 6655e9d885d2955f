package umq

import (
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// Version is the protocol version spoken by this implementation. It is
// transmitted as the ID field of the hello and welcome envelopes, and a peer
// announcing a smaller version is rejected as fatal.
const Version ID = 1

// An ID is a correlation identifier, unique per connection and direction.
// IDs are allocated monotonically and never reused for the life of the
// connection. On the wire an ID is base-36 encoded using the digits 0-9A-Z;
// the empty string encodes zero.
type ID uint64

// Command letters of the wire dialect. The set is closed: an envelope
// carrying any other letter is protocol fatal.
const (
	CmdAttachment      = 'A' // next <id> binary frames attach to the inner envelope
	CmdAttachmentError = '-' // reject the front inbound attachment slot
	CmdHello           = 'H' // client handshake, ID carries the version
	CmdWelcome         = 'W' // server handshake, ID carries the version
	CmdFatalError      = 'F' // fatal error, body is "<code> <message>"
	CmdRPCCall         = 'C' // RPC request, or callback invocation "<cb36>:<body>"
	CmdCallbackCall    = 'B' // explicit callback invocation "<cb36>:<body>"
	CmdRPCResult       = 'R' // successful RPC response
	CmdRPCException    = 'E' // RPC application exception, body "<code> <message>"
	CmdRPCError        = '!' // RPC execute error (routing/dispatch failure)
	CmdTopicUpdate     = 'T' // one update on the subscription named by ID
	CmdTopicClose      = 'D' // publisher closed the topic
	CmdTopicUnsub      = 'U' // subscriber lost interest in the topic
	CmdAttributeSet    = 'S' // body "<name>=<value>"
	CmdAttributeReset  = 'X' // body "<name>"
)

// An Envelope is the parsed form of one text frame:
//
//	<cmd><id36>:<body>
//
// The optional attachment-count prefix "A<count36>:" is itself an envelope
// with Cmd == CmdAttachment whose body is the inner envelope, verbatim.
type Envelope struct {
	Cmd  byte
	ID   ID
	Body string
}

// ParseEnvelope parses one text frame. A missing separator, an empty header,
// or a malformed ID is a protocol error.
func ParseEnvelope(s string) (Envelope, error) {
	sep := strings.IndexByte(s, ':')
	if sep < 0 {
		return Envelope{}, fmt.Errorf("missing header separator: %w", ErrProtocol)
	}
	head := s[:sep]
	if head == "" {
		return Envelope{}, fmt.Errorf("empty header: %w", ErrProtocol)
	}
	id, err := ParseID(head[1:])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Cmd: head[0], ID: id, Body: s[sep+1:]}, nil
}

// Append appends the encoded form of e to dst and returns the result.
func (e Envelope) Append(dst []byte) []byte {
	dst = append(dst, e.Cmd)
	dst = AppendID(dst, e.ID)
	dst = append(dst, ':')
	return append(dst, e.Body...)
}

// String returns the wire form of the envelope.
func (e Envelope) String() string { return string(e.Append(nil)) }

// An EnvelopeInfo combines an envelope and a flag indicating whether it was
// sent or received.
type EnvelopeInfo struct {
	Envelope      // the envelope being logged
	Sent     bool // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%s %s", value.Cond(e.Sent, "send", "recv"), e.Envelope)
}

// An EnvelopeLogger logs a text envelope exchanged with the remote peer.
type EnvelopeLogger func(env EnvelopeInfo)

const base36 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// AppendID appends the base-36 encoding of id to dst and returns the result.
// Zero encodes as the empty string.
func AppendID(dst []byte, id ID) []byte {
	if id == 0 {
		return dst
	}
	var buf [13]byte // ceil(64 / log2(36))
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = base36[id%36]
		id /= 36
	}
	return append(dst, buf[i:]...)
}

// FormatID returns the base-36 encoding of id. Zero encodes as "".
func FormatID(id ID) string { return string(AppendID(nil, id)) }

// ParseID decodes a base-36 ID. The empty string decodes to zero. Any byte
// outside 0-9A-Z reports ErrInvalidID.
func ParseID(s string) (ID, error) {
	var accum ID
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			accum = accum*36 + ID(c-'0')
		case c >= 'A' && c <= 'Z':
			accum = accum*36 + ID(c-'A'+10)
		default:
			return 0, ErrInvalidID
		}
	}
	return accum, nil
}
