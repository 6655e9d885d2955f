// Package umq implements the UMQ peer-to-peer message protocol.
//
// UMQ layers four coupled interaction patterns over a single
// message-oriented bidirectional channel: RPC calls, one-shot reverse
// callbacks, publish/subscribe message streams, and mirrored key/value
// attributes. Each endpoint is a [Peer] that plays the client and the
// server role at once, and any of the four surfaces may carry binary
// attachments that stream out-of-band of the text envelopes while staying
// correlated with them.
//
// # Peers
//
// A [Peer] is bound to a [Connection] by one of the handshake entry points:
//
//	p := umq.NewPeer()
//	welcome := p.StartClient(conn, "credentials")
//	if _, err := welcome.Wait(); err != nil {
//	   log.Fatalf("Handshake failed: %v", err)
//	}
//
// The serving side reads the hello and decides:
//
//	hello := p.StartServer(conn)
//	hello.Then(func(pay umq.Payload, err error) {
//	   if err == nil {
//	      p.AcceptClient("ok")
//	   }
//	})
//
// The peer runs until [Peer.Close] or [Peer.Shutdown] is called, the remote
// peer closes, or a protocol fatal error occurs. [Peer.Wait] blocks for
// termination; [Peer.CloseEvent] delivers it as a future.
//
// # Futures
//
// Every asynchronous surface of the engine returns a [Future]: a one-shot
// value carrier that can be awaited ([Future.Wait]), selected on
// ([Future.Done]), or subscribed to ([Future.Then]). Futures settle exactly
// once; a promise abandoned without a result delivers [ErrBrokenPromise].
// [Peer.RPCServer] returns a lazy future whose internal promise is armed
// only when the first waiter registers, which is how the engine answers
// unserved requests instead of dropping them.
//
// # Calls
//
// To issue a call, use [Peer.RPCCall] and await the response payload:
//
//	rsp, err := p.RPCCall("echo\nhello").Wait()
//
// The body is opaque UTF-8; the method/argument convention belongs to the
// host (the handler package supplies one). To serve calls, await
// [Peer.RPCServer] and answer with [Peer.RPCResult], [Peer.RPCException],
// or [Peer.RPCExecError], re-arming the server after each request.
//
// # Subscriptions
//
// The subscriber mints an ID with [Peer.CreateSubscription], conveys it to
// the publisher inside an RPC payload, and pumps [Peer.ListenSubscription].
// The publisher registers the ID with [Peer.BeginPublish] and pushes
// updates through the returned [Subscription]. Either side may close the
// stream; back-pressure at publish time follows the topic's [HWMPolicy].
//
// # Attachments
//
// An [Attachment] is a future of a binary frame. Attachments may be charged
// after the envelope that declared them was sent, and read after it
// arrived; the engine keeps both directions in strict FIFO order. Use
// [Bytes] or [Text] for data that is ready up front, and [NewAttachment]
// to charge a slot later.
//
// # Connections
//
// The [Connection] interface is the only transport surface the engine
// consumes. The channel package provides implementations: an in-memory
// pair, a length-prefixed stream framing, and a gorilla/websocket adapter.
package umq
