package umq

// An Attachment is a one-shot shareable carrier of a binary frame bound to a
// text envelope. The sender may charge the slot long after the envelope was
// sent; the receiver may read it long after it arrived. Multiple readers
// observe the same result.
type Attachment = *Future[[]byte]

// NewAttachment constructs an empty attachment slot and the promise that
// charges it.
func NewAttachment() (Attachment, *Promise[[]byte]) { return NewFuture[[]byte]() }

// Bytes returns an attachment already charged with data.
func Bytes(data []byte) Attachment { return Resolved(data) }

// Text returns an attachment already charged with the bytes of s.
func Text(s string) Attachment { return Resolved([]byte(s)) }

// acceptBinary consumes one inbound binary frame against the front pending
// attachment slot. A frame with no declared slot is discarded.
func (p *Peer) acceptBinary(data []byte) {
	p.μ.Lock()
	pr, ok := p.inAtt.Pop()
	p.μ.Unlock()
	if !ok {
		peerMetrics.framesDropped.Add(1)
		return
	}
	peerMetrics.binaryRecv.Add(1)
	pr.Resolve(data)
}

// rejectBinary consumes the front pending attachment slot, rejecting it with
// the error text of an attachment-error frame.
func (p *Peer) rejectBinary(text string) {
	p.μ.Lock()
	pr, ok := p.inAtt.Pop()
	p.μ.Unlock()
	if ok {
		pr.Reject(&Error{text: text})
	}
}

// installSlots appends n fresh inbound attachment slots in declaration order
// and returns their read handles.
func (p *Peer) installSlots(n int, atts []Attachment) []Attachment {
	p.μ.Lock()
	defer p.μ.Unlock()
	for range n {
		f, pr := NewAttachment()
		p.inAtt.Add(pr)
		atts = append(atts, f)
	}
	return atts
}

// sendAttachments drains the outbound attachment queue in strict FIFO order.
// It runs as its own task, started by the first send that enqueues
// attachments, and exits when the queue runs dry or the peer tears down.
// Each slot is awaited in declaration order even if slots charge out of
// order; a rejected slot becomes an attachment-error frame in its position;
// the pipeline suspends while the channel flushes.
func (p *Peer) sendAttachments() error {
	for {
		p.out.Lock()
		a, ok := p.out.queue.Pop()
		if !ok {
			p.out.sending = false
			p.out.Unlock()
			return nil
		}
		p.out.Unlock()

		select {
		case <-a.Done():
		case <-p.quit:
			return nil
		}
		data, err := a.Wait()
		if err != nil {
			p.send(CmdAttachmentError, 0, err.Error(), nil)
			continue
		}

		p.out.Lock()
		conn := p.out.conn
		ok = !p.out.down && conn.Send(Message{Type: BinaryMessage, Data: data})
		p.out.Unlock()
		if !ok {
			p.discardOutbound()
			p.teardown(ErrDisconnected)
			return nil
		}
		peerMetrics.binarySent.Add(1)

		if !conn.Flush() {
			p.discardOutbound()
			return nil
		}
	}
}

// discardOutbound drops every queued outbound attachment.
func (p *Peer) discardOutbound() {
	p.out.Lock()
	defer p.out.Unlock()
	p.out.queue.Clear()
	p.out.sending = false
}
