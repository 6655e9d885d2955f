package umq

import "expvar"

// peerMetrics record engine activity counters. They are shared by all peers
// in the process and exposed through Peer.Metrics.
type metricsSet struct {
	envelopesRecv    expvar.Int // text envelopes received
	envelopesSent    expvar.Int // text envelopes sent
	envelopesDropped expvar.Int // envelopes discarded for want of a waiter
	binaryRecv       expvar.Int // attachment frames received
	binarySent       expvar.Int // attachment frames sent
	framesDropped    expvar.Int // binary frames with no declared slot
	callsIn          expvar.Int // inbound RPC requests received
	callsOut         expvar.Int // outbound RPC requests sent
	topicUpdates     expvar.Int // topic updates delivered to a listener

	emap *expvar.Map
}

var peerMetrics = newMetricsSet()

func newMetricsSet() *metricsSet {
	m := &metricsSet{emap: new(expvar.Map)}
	m.emap.Set("envelopes_received", &m.envelopesRecv)
	m.emap.Set("envelopes_sent", &m.envelopesSent)
	m.emap.Set("envelopes_dropped", &m.envelopesDropped)
	m.emap.Set("binary_received", &m.binaryRecv)
	m.emap.Set("binary_sent", &m.binarySent)
	m.emap.Set("binary_dropped", &m.framesDropped)
	m.emap.Set("calls_in", &m.callsIn)
	m.emap.Set("calls_out", &m.callsOut)
	m.emap.Set("topic_updates", &m.topicUpdates)
	return m
}

// Metrics returns a metrics map for the peer. It is safe for the caller to
// add additional metrics to the map while the peer is active.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }
