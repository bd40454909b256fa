package metrics

import "time"

// NetworkInfo is the numeric surface spec.md §6 names under
// `network_info(client_id?)`.
type NetworkInfo struct {
	RTT          float64
	SentKbps     float64
	ReceivedKbps float64
	PacketLoss   float64
}

// Estimator owns the sent/received bandwidth rings plus the RTT and
// packet-loss smoothers for one connection (spec.md §4.3).
type Estimator struct {
	sent     PacketRing
	received PacketRing

	sentSmoother     *Smoother
	receivedSmoother *Smoother
	rttSmoother      *Smoother
	lossSmoother     *Smoother
}

// NewEstimator returns an Estimator using the given smoothing factor
// (spec.md §6 `measure_smoothing_factor`, default 0.1).
func NewEstimator(alpha float64) *Estimator {
	return &Estimator{
		sentSmoother:     NewSmoother(alpha),
		receivedSmoother: NewSmoother(alpha),
		rttSmoother:      NewSmoother(alpha),
		lossSmoother:     NewSmoother(alpha),
	}
}

// RecordSent registers one outgoing packet of size bytes at time at.
func (e *Estimator) RecordSent(at time.Time, size int) { e.sent.Push(at, size) }

// RecordReceived registers one incoming packet of size bytes at time at.
func (e *Estimator) RecordReceived(at time.Time, size int) { e.received.Push(at, size) }

// RecordRTT folds one round-trip sample (now − sent_time_of_acked_packet)
// into the smoothed RTT.
func (e *Estimator) RecordRTT(sample time.Duration) {
	e.rttSmoother.Observe(float64(sample) / float64(time.Millisecond))
}

// RecordPacketLoss folds one instantaneous loss fraction (in [0,1])
// into the smoothed packet-loss estimate.
func (e *Estimator) RecordPacketLoss(fraction float64) {
	e.lossSmoother.Observe(fraction)
}

// Update recomputes the bandwidth smoothers from the current ring
// contents. Call once per tick, per spec.md §4.2.6 "update(dt)" step 3.
func (e *Estimator) Update() {
	e.sentSmoother.Observe(e.sent.KilobitsPerSecond())
	e.receivedSmoother.Observe(e.received.KilobitsPerSecond())
}

// Snapshot returns the current smoothed NetworkInfo.
func (e *Estimator) Snapshot() NetworkInfo {
	return NetworkInfo{
		RTT:          e.rttSmoother.Value(),
		SentKbps:     e.sentSmoother.Value(),
		ReceivedKbps: e.receivedSmoother.Value(),
		PacketLoss:   e.lossSmoother.Value(),
	}
}
