package umq

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A MessageType discriminates the units delivered by a Connection.
type MessageType byte

const (
	TextMessage   MessageType = 1 + iota // a UTF-8 text envelope
	BinaryMessage                        // an attachment frame
	CloseMessage                         // orderly end of stream, empty data
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "TEXT"
	case BinaryMessage:
		return "BINARY"
	case CloseMessage:
		return "CLOSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// A Message is one unit exchanged over a Connection.
type Message struct {
	Type MessageType
	Data []byte
}

// A Connection is the transport capability consumed by a Peer: a reliable,
// ordered, message-framed bidirectional channel (a WebSocket, a
// length-prefixed TCP stream, an in-memory pair).
//
// Receive is used serially by the peer's reader task. Send and Flush must be
// safe for concurrent use with each other and with Receive.
type Connection interface {
	// Receive blocks for the next message. A CloseMessage is the last
	// message of an orderly stream; an error reports a broken one.
	Receive() (Message, error)

	// Send enqueues a message, reporting false if the connection is dead.
	Send(Message) bool

	// Flush blocks until the send buffer is empty, reporting false on
	// failure.
	Flush() bool

	// BufferedAmount reports the byte count currently buffered for send.
	BufferedAmount() int

	// Shutdown cancels any pending receive and hard-closes the connection.
	Shutdown()
}

// A Payload is the application-visible content of an envelope: the
// correlation ID, the opaque UTF-8 text, and the attachment slots declared
// by the envelope, in wire order.
type Payload struct {
	ID          ID
	Text        string
	Attachments []Attachment
}

// A Result is the response half of a callback call.
type Result struct {
	Text        string
	Attachments []Attachment
}

// A CallbackCall is an invocation of a previously created callback. Respond
// must be settled with the result of the call: resolving it sends an
// rpc-result to the caller, rejecting it sends an rpc-exception.
type CallbackCall struct {
	Payload
	Respond *Promise[Result]
}

// A Callback is a one-shot reverse RPC endpoint. The ID is conveyed to the
// remote peer, typically inside an RPC payload; Result settles when the
// peer invokes it.
type Callback struct {
	ID     ID
	Result *Future[CallbackCall]
}

// DefaultHWM is the initial per-engine high-water mark for publishers, in
// bytes of buffered channel data.
const DefaultHWM = 16384

// A Peer is one endpoint of a UMQ connection. It plays the client and the
// server role at once: both sides may issue RPC calls, create callbacks,
// publish and subscribe, and push attributes over the single shared
// connection.
//
// A Peer is bound to its connection by StartClient or StartServer and runs
// until Close or Shutdown is called, the remote peer closes, or a protocol
// fatal error occurs. Use Wait or CloseEvent to observe termination. All
// exported methods are safe for concurrent use.
type Peer struct {
	out struct {
		// Must hold the lock to send or touch the queue.
		sync.Mutex
		conn    Connection
		down    bool // no further writes are accepted
		queue   *queue.Queue[Attachment]
		sending bool // the attachment sender task is running
	}
	tasks *taskgroup.Group
	conn  Connection    // set once at start, for Shutdown
	quit  chan struct{} // closed at teardown; unblocks the sender

	μ sync.Mutex

	torn   bool  // teardown already ran
	ended  bool  // close event fired
	endErr error // captured termination error, nil when orderly

	idGen    ID
	helloP   *Promise[Payload]
	welcomeP *Promise[Payload]
	rpcP     *Promise[Payload] // armed lazily by RPCServer
	closeP   *Promise[struct{}]

	pendingRPC map[ID]*Promise[Payload]
	pendingCB  map[ID]*Promise[CallbackCall]
	subs       map[ID]*subscriber
	topics     map[ID]*topic
	attrs      map[string]Payload
	inAtt      *queue.Queue[*Promise[[]byte]]

	hwm  int
	plog EnvelopeLogger
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// StartClient binds p to conn, sends the hello envelope with the given text
// and attachments, and returns a future for the server's welcome payload.
// The future rejects with a wire *Error if the server responds with a fatal
// error, and with ErrBrokenPromise if the connection dies first.
func (p *Peer) StartClient(conn Connection, hello string, atts ...Attachment) *Future[Payload] {
	f, pr := NewFuture[Payload]()
	p.init(conn)
	p.welcomeP = pr
	p.run()
	p.send(CmdHello, Version, hello, atts)
	return f
}

// StartServer binds p to conn and returns a future for the client's hello
// payload. Once it resolves the host must decide: AcceptClient sends the
// welcome, RejectClient refuses and tears down.
func (p *Peer) StartServer(conn Connection) *Future[Payload] {
	f, pr := NewFuture[Payload]()
	p.init(conn)
	p.helloP = pr
	p.run()
	return f
}

// AcceptClient completes the server handshake with a welcome envelope.
// It is valid only after the hello future from StartServer has resolved.
func (p *Peer) AcceptClient(message string, atts ...Attachment) bool {
	return p.send(CmdWelcome, Version, message, atts)
}

// RejectClient refuses the client with a fatal rejected error and tears the
// connection down.
func (p *Peer) RejectClient(message string) {
	e := NewError(CodeRejected, message)
	p.sendFatal(e)
	p.failHandshake(e)
	p.teardown(e)
}

// init prepares the peer state for a fresh connection. It panics if the
// peer was already started; a Peer serves exactly one connection.
func (p *Peer) init(conn Connection) {
	if p.conn != nil {
		panic("peer is already started")
	}
	p.conn = conn
	p.quit = make(chan struct{})
	p.tasks = taskgroup.New(nil)
	p.idGen = 1
	p.pendingRPC = make(map[ID]*Promise[Payload])
	p.pendingCB = make(map[ID]*Promise[CallbackCall])
	p.subs = make(map[ID]*subscriber)
	p.topics = make(map[ID]*topic)
	p.attrs = make(map[string]Payload)
	p.inAtt = queue.New[*Promise[[]byte]]()
	p.hwm = DefaultHWM
	p.out.conn = conn
	p.out.queue = queue.New[Attachment]()
}

// run starts the reader task. Each received message is dispatched
// synchronously within the task; a fatal error is reported to the peer and
// tears the connection down.
func (p *Peer) run() {
	p.tasks.Go(func() error {
		for {
			msg, err := p.conn.Receive()
			if err != nil {
				p.teardown(err)
				return nil
			}
			switch msg.Type {
			case CloseMessage:
				p.teardown(nil)
				return nil
			case TextMessage:
				peerMetrics.envelopesRecv.Add(1)
				if e := p.dispatchText(string(msg.Data), nil); e != nil {
					p.sendFatal(e)
					p.failHandshake(e)
					p.teardown(e)
					return nil
				}
			case BinaryMessage:
				p.acceptBinary(msg.Data)
			}
		}
	})
}

// dispatchText routes one inbound text envelope. atts accumulates the
// attachment handles declared by enclosing attachment prefixes. A non-nil
// result is protocol fatal and is also reported to the remote peer.
func (p *Peer) dispatchText(line string, atts []Attachment) *Error {
	env, err := ParseEnvelope(line)
	if err != nil {
		if errors.Is(err, ErrInvalidID) {
			return NewError(CodeProtocolError, "Invalid message ID format")
		}
		return newCodeError(CodeProtocolError)
	}
	if env.Cmd == CmdAttachment {
		atts = p.installSlots(int(env.ID), atts)
		return p.dispatchText(env.Body, atts)
	}
	if p.plog != nil {
		p.plog(EnvelopeInfo{Envelope: env, Sent: false})
	}

	switch env.Cmd {
	case CmdAttachmentError:
		p.rejectBinary(env.Body)

	case CmdFatalError:
		e := &Error{text: env.Body}
		p.failHandshake(e)
		p.teardown(e)

	case CmdHello:
		if env.ID < Version {
			return newCodeError(CodeUnsupportedVersion)
		}
		p.μ.Lock()
		hp := p.helloP
		p.helloP = nil
		p.μ.Unlock()
		if hp != nil {
			hp.Resolve(Payload{ID: env.ID, Text: env.Body, Attachments: atts})
		} else {
			peerMetrics.envelopesDropped.Add(1)
		}

	case CmdWelcome:
		if env.ID < Version {
			return newCodeError(CodeUnsupportedVersion)
		}
		p.μ.Lock()
		wp := p.welcomeP
		p.welcomeP = nil
		p.μ.Unlock()
		if wp != nil {
			wp.Resolve(Payload{ID: env.ID, Text: env.Body, Attachments: atts})
		} else {
			peerMetrics.envelopesDropped.Add(1)
		}

	case CmdRPCCall:
		// A body of the form "<cb36>:<rest>" invokes a previously created
		// callback; anything else is a plain request for the RPC server.
		// Hosts whose method dialect could produce a bare base-36 prefix
		// should route callback invocations through CmdCallbackCall instead.
		if cb, rest, ok := splitCallback(env.Body); ok {
			return p.dispatchCallback(env.ID, cb, rest, atts)
		}
		peerMetrics.callsIn.Add(1)
		p.μ.Lock()
		rp := p.rpcP
		p.rpcP = nil
		p.μ.Unlock()
		if rp == nil {
			p.send(CmdRPCError, env.ID, NewExecError(CodeNoRPCServer, CodeMessage(CodeNoRPCServer)).Error(), nil)
			return nil
		}
		rp.Resolve(Payload{ID: env.ID, Text: env.Body, Attachments: atts})

	case CmdCallbackCall:
		i := strings.IndexByte(env.Body, ':')
		if i < 0 {
			return newCodeError(CodeProtocolError)
		}
		cb, err := ParseID(env.Body[:i])
		if err != nil {
			return NewError(CodeProtocolError, "Invalid message ID format")
		}
		return p.dispatchCallback(env.ID, cb, env.Body[i+1:], atts)

	case CmdRPCResult:
		if pr := p.pickRPC(env.ID); pr != nil {
			pr.Resolve(Payload{ID: env.ID, Text: env.Body, Attachments: atts})
		} else {
			peerMetrics.envelopesDropped.Add(1)
		}

	case CmdRPCException:
		if pr := p.pickRPC(env.ID); pr != nil {
			pr.Reject(&Error{text: env.Body})
		} else {
			peerMetrics.envelopesDropped.Add(1)
		}

	case CmdRPCError:
		if pr := p.pickRPC(env.ID); pr != nil {
			pr.Reject(&ExecError{text: env.Body})
		} else {
			peerMetrics.envelopesDropped.Add(1)
		}

	case CmdTopicUpdate:
		p.topicUpdate(env.ID, env.Body, atts)

	case CmdTopicClose:
		p.topicClosed(env.ID)

	case CmdTopicUnsub:
		p.topicUnsubscribed(env.ID)

	case CmdAttributeSet:
		i := strings.IndexByte(env.Body, '=')
		if i < 0 {
			return newCodeError(CodeProtocolError)
		}
		p.μ.Lock()
		p.attrs[env.Body[:i]] = Payload{Text: env.Body[i+1:], Attachments: atts}
		p.μ.Unlock()

	case CmdAttributeReset:
		p.μ.Lock()
		delete(p.attrs, env.Body)
		p.μ.Unlock()

	default:
		return newCodeError(CodeUnsupportedCommand)
	}
	return nil
}

// splitCallback reports whether body has the shape "<cb36>:<rest>" with a
// non-empty base-36 prefix, and if so returns the target callback ID and
// the remaining payload.
func splitCallback(body string) (ID, string, bool) {
	i := strings.IndexByte(body, ':')
	if i <= 0 {
		return 0, "", false
	}
	cb, err := ParseID(body[:i])
	if err != nil {
		return 0, "", false
	}
	return cb, body[i+1:], true
}

// dispatchCallback delivers a callback invocation to its pending entry,
// wiring a responder that relays the result back under the request ID.
// An unknown callback ID is protocol fatal.
func (p *Peer) dispatchCallback(reqID, cbID ID, body string, atts []Attachment) *Error {
	p.μ.Lock()
	pr, ok := p.pendingCB[cbID]
	delete(p.pendingCB, cbID)
	p.μ.Unlock()
	if !ok {
		return newCodeError(CodeCallbackNotFound)
	}

	resF, resP := NewFuture[Result]()
	resF.Then(func(r Result, err error) {
		if err != nil {
			p.send(CmdRPCException, reqID, err.Error(), nil)
		} else {
			p.send(CmdRPCResult, reqID, r.Text, r.Attachments)
		}
	})
	pr.Resolve(CallbackCall{
		Payload: Payload{ID: reqID, Text: body, Attachments: atts},
		Respond: resP,
	})
	return nil
}

// pickRPC removes and returns the outstanding-RPC entry for id, or nil.
func (p *Peer) pickRPC(id ID) *Promise[Payload] {
	p.μ.Lock()
	defer p.μ.Unlock()
	pr := p.pendingRPC[id]
	delete(p.pendingRPC, id)
	return pr
}

// mintLocked allocates the next correlation ID. Caller holds μ.
func (p *Peer) mintLocked() ID {
	id := p.idGen
	p.idGen++
	return id
}

// RPCCall sends an RPC request and returns a future for the response. The
// future rejects with a wire *Error for an application exception, an
// *ExecError for a dispatch failure, or ErrDisconnected if the connection
// dies before the response arrives.
func (p *Peer) RPCCall(text string, atts ...Attachment) *Future[Payload] {
	f, pr := NewFuture[Payload]()
	p.μ.Lock()
	if p.torn {
		p.μ.Unlock()
		pr.Reject(ErrDisconnected)
		return f
	}
	id := p.mintLocked()
	p.pendingRPC[id] = pr
	p.μ.Unlock()
	peerMetrics.callsOut.Add(1)

	if !p.send(CmdRPCCall, id, text, atts) {
		p.μ.Lock()
		delete(p.pendingRPC, id)
		p.μ.Unlock()
		pr.Reject(ErrDisconnected)
	}
	return f
}

// RPCServer returns a future for the next inbound RPC request. The future
// is lazy: the engine arms its internal promise only when the first waiter
// registers, and an RPC arriving with no waiter armed is answered with a
// no-rpc-server execute error. After a request is delivered, call RPCServer
// again to receive the next one; there is at most one RPC server waiter at
// a time, and arming a new one breaks the previous promise.
func (p *Peer) RPCServer() *Future[Payload] {
	return NewLazyFuture(func(pr *Promise[Payload]) {
		p.μ.Lock()
		if p.torn {
			p.μ.Unlock()
			pr.Drop()
			return
		}
		old := p.rpcP
		p.rpcP = pr
		p.μ.Unlock()
		if old != nil {
			old.Drop()
		}
	})
}

// RPCResult answers the request identified by id with a successful response.
func (p *Peer) RPCResult(id ID, text string, atts ...Attachment) bool {
	return p.send(CmdRPCResult, id, text, atts)
}

// RPCException answers the request identified by id with an application
// exception. By convention the message carries a "<code> <text>" payload;
// use NewError to build one.
func (p *Peer) RPCException(id ID, message string) bool {
	return p.send(CmdRPCException, id, message, nil)
}

// RPCExecError answers the request identified by id with an execute error,
// reporting that routing or dispatch failed rather than that the method
// raised.
func (p *Peer) RPCExecError(id ID, message string) bool {
	return p.send(CmdRPCError, id, message, nil)
}

// CreateCallback mints a one-shot callback. Convey the returned ID to the
// remote peer; Result settles with the invocation when the peer calls it,
// or with ErrBrokenPromise if the callback is cancelled or the connection
// dies first.
func (p *Peer) CreateCallback() Callback {
	f, pr := NewFuture[CallbackCall]()
	p.μ.Lock()
	if p.torn {
		p.μ.Unlock()
		pr.Drop()
		return Callback{Result: f}
	}
	id := p.mintLocked()
	p.pendingCB[id] = pr
	p.μ.Unlock()
	return Callback{ID: id, Result: f}
}

// CancelCallback withdraws a callback created by CreateCallback. The
// callback's Result future observes a broken promise.
func (p *Peer) CancelCallback(id ID) {
	p.μ.Lock()
	pr := p.pendingCB[id]
	delete(p.pendingCB, id)
	p.μ.Unlock()
	if pr != nil {
		pr.Drop()
	}
}

// RPCCallbackCall invokes a callback previously received from the remote
// peer. The call travels as an rpc-call whose body carries the target
// callback ID; the response future behaves exactly as for RPCCall.
func (p *Peer) RPCCallbackCall(cb ID, text string, atts ...Attachment) *Future[Payload] {
	return p.RPCCall(FormatID(cb)+":"+text, atts...)
}

// SetAttribute pushes a named value to the remote peer's attribute mirror.
// Updates are not acknowledged; they are visible to the peer before any
// message sent after this one.
func (p *Peer) SetAttribute(name, value string, atts ...Attachment) bool {
	return p.send(CmdAttributeSet, 0, name+"="+value, atts)
}

// ClearAttribute removes a named value from the remote peer's mirror.
func (p *Peer) ClearAttribute(name string) bool {
	return p.send(CmdAttributeReset, 0, name, nil)
}

// GetAttribute reads the local mirror of an attribute set by the remote
// peer. The second result is false if the peer never set it.
func (p *Peer) GetAttribute(name string) (Payload, bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	v, ok := p.attrs[name]
	return v, ok
}

// CloseEvent returns a future that settles when the connection terminates:
// resolved on orderly close, rejected with the captured error otherwise.
// Only one close-event future is active at a time; arming a new one breaks
// the previous promise.
func (p *Peer) CloseEvent() *Future[struct{}] {
	f, pr := NewFuture[struct{}]()
	p.μ.Lock()
	if p.ended {
		err := p.endErr
		p.μ.Unlock()
		if err != nil {
			pr.Reject(err)
		} else {
			pr.Resolve(struct{}{})
		}
		return f
	}
	old := p.closeP
	p.closeP = pr
	p.μ.Unlock()
	if old != nil {
		old.Drop()
	}
	return f
}

// Wait blocks until the peer has terminated and reports the error that
// caused it to stop, or nil after an orderly close. It returns nil if the
// peer was never started.
func (p *Peer) Wait() error {
	if p.tasks == nil {
		return nil
	}
	p.tasks.Wait()
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.endErr
}

// Flush blocks until the connection's send buffer has drained, reporting
// false on failure or if the peer was never started.
func (p *Peer) Flush() bool {
	if p.conn == nil {
		return false
	}
	return p.conn.Flush()
}

// Close terminates the connection in an orderly fashion: the channel's
// close message is emitted, every pending operation is drained, and the
// close event resolves. Close is idempotent.
func (p *Peer) Close() {
	p.out.Lock()
	if !p.out.down && p.out.conn != nil {
		p.out.conn.Send(Message{Type: CloseMessage})
	}
	p.out.Unlock()
	p.teardown(nil)
	if p.conn != nil {
		p.conn.Shutdown()
	}
}

// Shutdown terminates the connection immediately, forcing the receive task
// to exit without waiting for the peer. Pending operations are drained as
// for Close.
func (p *Peer) Shutdown() {
	if p.conn != nil {
		p.conn.Shutdown()
	}
	p.teardown(nil)
}

// SetHWM sets the engine's default high-water mark, in bytes, applied to
// topics that do not configure their own limit. It returns p to permit
// chaining.
func (p *Peer) SetHWM(size int) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if size > 0 {
		p.hwm = size
	}
	return p
}

// LogEnvelopes registers a callback invoked for each text envelope
// exchanged with the remote peer. Passing nil disables logging. The logger
// runs synchronously with dispatch and send. It returns p to permit
// chaining.
func (p *Peer) LogEnvelopes(log EnvelopeLogger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// treatErrorAsSuccess reports whether err describes an orderly stream end
// rather than a failure.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// teardown drains every pending table and settles the close event. It runs
// at most once; later calls are no-ops. Promises are collected under the
// engine mutex and settled outside it.
func (p *Peer) teardown(cause error) {
	if cause != nil && treatErrorAsSuccess(cause) {
		cause = nil
	}

	p.μ.Lock()
	if p.torn {
		p.μ.Unlock()
		return
	}
	p.torn = true
	p.ended = true
	p.endErr = cause

	rpcs := p.pendingRPC
	p.pendingRPC = make(map[ID]*Promise[Payload])
	cbs := p.pendingCB
	p.pendingCB = make(map[ID]*Promise[CallbackCall])

	var subPs []*Promise[Payload]
	for _, st := range p.subs {
		if st.prom != nil {
			subPs = append(subPs, st.prom)
			st.prom = nil
		}
		st.closed = true
	}
	var unsubs []func()
	for id, t := range p.topics {
		unsubs = append(unsubs, t.onUnsub...)
		delete(p.topics, id)
	}

	var slots []*Promise[[]byte]
	if p.inAtt != nil {
		for {
			pr, ok := p.inAtt.Pop()
			if !ok {
				break
			}
			slots = append(slots, pr)
		}
	}

	hp, wp, rp, cp := p.helloP, p.welcomeP, p.rpcP, p.closeP
	p.helloP, p.welcomeP, p.rpcP, p.closeP = nil, nil, nil, nil
	if p.quit != nil {
		close(p.quit)
	}
	p.μ.Unlock()

	p.out.Lock()
	p.out.down = true
	if p.out.queue != nil {
		p.out.queue.Clear()
	}
	p.out.Unlock()

	for _, pr := range rpcs {
		pr.Reject(ErrDisconnected)
	}
	for _, pr := range cbs {
		pr.Drop()
	}
	for _, pr := range subPs {
		pr.Reject(ErrSubscriptionClosed)
	}
	for _, fn := range unsubs {
		fn()
	}
	for _, pr := range slots {
		pr.Reject(ErrDisconnected)
	}
	if hp != nil {
		hp.Drop()
	}
	if wp != nil {
		wp.Drop()
	}
	if rp != nil {
		rp.Drop()
	}
	if cp != nil {
		if cause != nil {
			cp.Reject(cause)
		} else {
			cp.Resolve(struct{}{})
		}
	}
	if cause != nil && p.conn != nil {
		p.conn.Shutdown()
	}
}

// sendFatal reports a fatal error to the remote peer.
func (p *Peer) sendFatal(e *Error) { p.send(CmdFatalError, 0, e.Error(), nil) }

// failHandshake rejects any armed hello or welcome promise with the given
// wire error. A waiter on the handshake future sees the specific cause
// rather than a broken promise, whether the fatal frame was received from
// the remote peer or raised locally.
func (p *Peer) failHandshake(e *Error) {
	p.μ.Lock()
	hp, wp := p.helloP, p.welcomeP
	p.helloP, p.welcomeP = nil, nil
	p.μ.Unlock()
	if hp != nil {
		hp.Reject(e)
	}
	if wp != nil {
		wp.Reject(e)
	}
}

// send serialises one envelope, with an attachment-count prefix when atts
// is non-empty, and enqueues the attachments for the sender task. It
// reports false once the peer is down.
func (p *Peer) send(cmd byte, id ID, body string, atts []Attachment) bool {
	env := Envelope{Cmd: cmd, ID: id, Body: body}

	p.out.Lock()
	if p.out.down || p.out.conn == nil {
		p.out.Unlock()
		return false
	}
	if p.plog != nil {
		p.plog(EnvelopeInfo{Envelope: env, Sent: true})
	}

	var line []byte
	if len(atts) > 0 {
		line = append(line, CmdAttachment)
		line = AppendID(line, ID(len(atts)))
		line = append(line, ':')
	}
	line = env.Append(line)

	if !p.out.conn.Send(Message{Type: TextMessage, Data: line}) {
		p.out.down = true
		p.out.queue.Clear()
		p.out.Unlock()
		return false
	}
	peerMetrics.envelopesSent.Add(1)

	for _, a := range atts {
		p.out.queue.Add(a)
	}
	startSender := len(atts) > 0 && !p.out.sending
	if startSender {
		p.out.sending = true
	}
	p.out.Unlock()

	if startSender {
		p.tasks.Go(p.sendAttachments)
	}
	return true
}
