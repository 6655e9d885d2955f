package umq

// A HWMPolicy selects what a publisher does when the connection's buffered
// byte count exceeds the topic's high-water mark at publish time.
type HWMPolicy int

const (
	HWMSkip        HWMPolicy = iota // drop this update, report success
	HWMBlock                        // flush the channel, then send
	HWMIgnore                       // send regardless of the backlog
	HWMUnsubscribe                  // close the topic, report failure
	HWMClose                        // tear down the whole connection
)

func (h HWMPolicy) String() string {
	switch h {
	case HWMSkip:
		return "skip"
	case HWMBlock:
		return "block"
	case HWMIgnore:
		return "ignore"
	case HWMUnsubscribe:
		return "unsubscribe"
	case HWMClose:
		return "close"
	default:
		return "unknown"
	}
}

// subscriber is the receiving side of one subscription ID. prom is armed by
// ListenSubscription and consumed by each topic update; closed marks a
// subscription ended by the publisher or by teardown, so that later listens
// reject immediately.
type subscriber struct {
	prom   *Promise[Payload]
	closed bool
}

// topic is the publishing side of one subscription ID.
type topic struct {
	onUnsub []func()
	policy  HWMPolicy
	limit   int
}

// CreateSubscription reserves a fresh subscription ID. The caller is
// expected to convey the ID to the remote peer, typically as part of an RPC
// payload the peer understands, and to start listening before the publisher
// begins, or early updates will end the subscription.
func (p *Peer) CreateSubscription() ID {
	p.μ.Lock()
	defer p.μ.Unlock()
	id := p.mintLocked()
	if !p.torn {
		p.subs[id] = &subscriber{}
	}
	return id
}

// ListenSubscription arms a one-shot future for the next update on the
// given subscription. Call it again after each delivery to keep the stream
// alive: an update arriving with no armed waiter unsubscribes the topic.
// The future rejects with ErrSubscriptionClosed when the publisher closes
// the topic or the connection dies.
func (p *Peer) ListenSubscription(id ID) *Future[Payload] {
	f, pr := NewFuture[Payload]()
	p.μ.Lock()
	if p.torn {
		p.μ.Unlock()
		pr.Reject(ErrSubscriptionClosed)
		return f
	}
	st := p.subs[id]
	if st == nil {
		st = &subscriber{}
		p.subs[id] = st
	}
	if st.closed {
		p.μ.Unlock()
		pr.Reject(ErrSubscriptionClosed)
		return f
	}
	old := st.prom
	st.prom = pr
	p.μ.Unlock()
	if old != nil {
		old.Drop()
	}
	return f
}

// topicUpdate delivers one inbound update to the armed listener, or tells
// the publisher to stop when nobody is listening. The unsubscribe is sent
// at most once per ID; the entry stays behind as a closed tombstone.
func (p *Peer) topicUpdate(id ID, body string, atts []Attachment) {
	p.μ.Lock()
	st := p.subs[id]
	var pr *Promise[Payload]
	if st != nil && st.prom != nil {
		pr = st.prom
		st.prom = nil
	}
	p.μ.Unlock()

	if pr != nil {
		peerMetrics.topicUpdates.Add(1)
		pr.Resolve(Payload{ID: id, Text: body, Attachments: atts})
		return
	}
	if st != nil && st.closed {
		return // already unsubscribed or closed; IDs are never reused
	}
	p.μ.Lock()
	if st == nil {
		st = &subscriber{}
		p.subs[id] = st
	}
	st.closed = true
	p.μ.Unlock()
	p.send(CmdTopicUnsub, id, "", nil)
}

// topicClosed handles a publisher-side close: the armed listener, and every
// later listen, observes ErrSubscriptionClosed.
func (p *Peer) topicClosed(id ID) {
	p.μ.Lock()
	st := p.subs[id]
	if st == nil {
		st = &subscriber{}
		p.subs[id] = st
	}
	pr := st.prom
	st.prom = nil
	st.closed = true
	p.μ.Unlock()
	if pr != nil {
		pr.Reject(ErrSubscriptionClosed)
	}
}

// topicUnsubscribed handles a subscriber-side unsubscribe: the topic entry
// is dropped and its unsubscribe handlers run.
func (p *Peer) topicUnsubscribed(id ID) {
	p.μ.Lock()
	t := p.topics[id]
	delete(p.topics, id)
	p.μ.Unlock()
	if t == nil {
		return
	}
	for _, fn := range t.onUnsub {
		fn()
	}
}

// A Subscription is the publisher-side handle for one topic, returned by
// BeginPublish. The handle holds only the topic ID; every operation checks
// the engine's topic table, so a handle outliving its topic degrades to
// no-ops rather than keeping the stream alive.
type Subscription struct {
	peer *Peer
	id   ID
}

// BeginPublish registers id, received from the subscriber, as a live topic
// and returns its publishing handle. The policy governs behaviour when the
// connection's buffered amount exceeds limit at publish time; a limit of
// zero uses the engine default (SetHWM).
func (p *Peer) BeginPublish(id ID, policy HWMPolicy, limit int) *Subscription {
	p.μ.Lock()
	defer p.μ.Unlock()
	if limit <= 0 {
		limit = p.hwm
	}
	if !p.torn {
		p.topics[id] = &topic{policy: policy, limit: limit}
	}
	return &Subscription{peer: p, id: id}
}

// ID reports the topic's subscription ID.
func (s *Subscription) ID() ID { return s.id }

// Peer reports the peer that owns the topic.
func (s *Subscription) Peer() *Peer { return s.peer }

// Check reports whether the topic is still live: not closed by either side
// and the connection not torn down.
func (s *Subscription) Check() bool {
	p := s.peer
	p.μ.Lock()
	defer p.μ.Unlock()
	_, ok := p.topics[s.id]
	return ok && !p.torn
}

// OnUnsubscribe registers fn to run when the subscriber unsubscribes or the
// connection dies. It reports false, without registering, if the topic has
// already ended.
func (s *Subscription) OnUnsubscribe(fn func()) bool {
	p := s.peer
	p.μ.Lock()
	defer p.μ.Unlock()
	t, ok := p.topics[s.id]
	if !ok {
		return false
	}
	t.onUnsub = append(t.onUnsub, fn)
	return true
}

// Publish sends one update on the topic. It reports false if the topic has
// ended: the subscriber unsubscribed, either side closed, or the connection
// died. When the connection's buffered amount is above the topic's
// high-water mark, the configured policy applies; HWMBlock makes Publish
// wait for the channel to flush.
func (s *Subscription) Publish(text string, atts ...Attachment) bool {
	p := s.peer
	p.μ.Lock()
	t, ok := p.topics[s.id]
	if !ok {
		p.μ.Unlock()
		return false
	}
	policy, limit := t.policy, t.limit
	p.μ.Unlock()

	if p.conn.BufferedAmount() > limit {
		switch policy {
		case HWMSkip:
			return true
		case HWMBlock:
			if !p.Flush() {
				return false
			}
		case HWMIgnore:
			// send regardless
		case HWMUnsubscribe:
			s.Close()
			return false
		case HWMClose:
			p.Close()
			return false
		}
	}
	return p.send(CmdTopicUpdate, s.id, text, atts)
}

// Close ends the topic from the publisher's side, sending topic-close to
// the subscriber. A second close is a no-op; the unsubscribe handlers do
// not run for a publisher-initiated close.
func (s *Subscription) Close() {
	p := s.peer
	p.μ.Lock()
	_, ok := p.topics[s.id]
	delete(p.topics, s.id)
	p.μ.Unlock()
	if ok {
		p.send(CmdTopicClose, s.id, "", nil)
	}
}
