package deluge

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyBuckets are cumulative upper bounds, in nanoseconds, for the
// completion-latency histogram: 1us, 10us, 100us, 1ms, 10ms, 100ms, 1s,
// 10s — the same spread the teacher's queue metrics use for per-I/O
// latency.
var latencyBuckets = [8]int64{
	1_000, 10_000, 100_000,
	1_000_000, 10_000_000, 100_000_000,
	1_000_000_000, 10_000_000_000,
}

// Metrics accumulates dispatcher-wide counters: jobs completed per
// status and a completion-latency histogram. Ring growth is not counted
// here; it is reported only through Observer.ObserveRingGrowth. All
// fields are safe for concurrent use from the worker and event-driven
// completion paths.
type Metrics struct {
	success     atomic.Uint64
	failure     atomic.Uint64
	noDevice    atomic.Uint64
	outOfMemory atomic.Uint64
	cancelled   atomic.Uint64

	totalLatencyNs atomic.Int64
	opCount        atomic.Uint64
	buckets        [8]atomic.Uint64

	startTime time.Time
	stopTime  atomic.Int64 // unix nanos, 0 while running
}

// NewMetrics returns a freshly-zeroed Metrics with its start time set to
// now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordCompletion increments the counter for status and is called once
// per job from the dispatcher's completion path.
func (m *Metrics) RecordCompletion(status Status) {
	switch status {
	case StatusSuccess:
		m.success.Add(1)
	case StatusNoDevice:
		m.noDevice.Add(1)
	case StatusOutOfMemory:
		m.outOfMemory.Add(1)
	case StatusCancel:
		m.cancelled.Add(1)
	default:
		m.failure.Add(1)
	}
}

// RecordLatency folds one job's completion latency into the histogram.
func (m *Metrics) RecordLatency(d time.Duration) {
	ns := d.Nanoseconds()
	m.totalLatencyNs.Add(ns)
	m.opCount.Add(1)
	for i, bound := range latencyBuckets {
		if ns <= bound {
			m.buckets[i].Add(1)
			return
		}
	}
	m.buckets[len(m.buckets)-1].Add(1)
}

// Stop records the time metrics collection ended, for Snapshot's
// throughput calculation. Idempotent.
func (m *Metrics) Stop() {
	m.stopTime.CompareAndSwap(0, time.Now().UnixNano())
}

// Reset zeroes every counter and restarts the collection window.
func (m *Metrics) Reset() {
	m.success.Store(0)
	m.failure.Store(0)
	m.noDevice.Store(0)
	m.outOfMemory.Store(0)
	m.cancelled.Store(0)
	m.totalLatencyNs.Store(0)
	m.opCount.Store(0)
	for i := range m.buckets {
		m.buckets[i].Store(0)
	}
	m.startTime = time.Now()
	m.stopTime.Store(0)
}

// MetricsSnapshot is a point-in-time, non-atomic copy of a Metrics,
// suitable for logging or serialization.
type MetricsSnapshot struct {
	Success     uint64
	Failure     uint64
	NoDevice    uint64
	OutOfMemory uint64
	Cancelled   uint64

	TotalJobs    uint64
	AvgLatencyNs float64
	ElapsedSec   float64
	JobsPerSec   float64
}

// Snapshot computes a derived, read-only view of the metrics collected so
// far.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Success:     m.success.Load(),
		Failure:     m.failure.Load(),
		NoDevice:    m.noDevice.Load(),
		OutOfMemory: m.outOfMemory.Load(),
		Cancelled:   m.cancelled.Load(),
	}
	s.TotalJobs = s.Success + s.Failure + s.NoDevice + s.OutOfMemory + s.Cancelled

	if ops := m.opCount.Load(); ops > 0 {
		s.AvgLatencyNs = float64(m.totalLatencyNs.Load()) / float64(ops)
	}

	end := time.Now()
	if stopped := m.stopTime.Load(); stopped != 0 {
		end = time.Unix(0, stopped)
	}
	s.ElapsedSec = end.Sub(m.startTime).Seconds()
	if s.ElapsedSec > 0 {
		s.JobsPerSec = float64(s.TotalJobs) / s.ElapsedSec
	}
	return s
}

// Percentile returns an estimate of the p-th percentile completion
// latency in nanoseconds (0 < p <= 100), interpolating linearly within
// whichever histogram bucket contains it.
func (m *Metrics) Percentile(p float64) int64 {
	total := m.opCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(p / 100 * float64(total))

	var cumulative uint64
	var lowerBound int64
	for i, bound := range latencyBuckets {
		count := m.buckets[i].Load()
		if cumulative+count >= target {
			span := bound - lowerBound
			if count == 0 {
				return lowerBound
			}
			frac := float64(target-cumulative) / float64(count)
			return lowerBound + int64(frac*float64(span))
		}
		cumulative += count
		lowerBound = bound
	}
	return latencyBuckets[len(latencyBuckets)-1]
}

// Observer receives per-completion notifications as they happen, for
// callers that want push-style metrics (e.g. a Prometheus exporter)
// rather than polling Snapshot.
type Observer interface {
	ObserveCompletion(status Status, latency time.Duration)
	ObserveRingGrowth(newCapacity int)
}

// NoOpObserver discards every notification; it is the default observer
// for a dispatcher that hasn't been given one.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(Status, time.Duration) {}
func (NoOpObserver) ObserveRingGrowth(int)                   {}

// MetricsObserver adapts a *Metrics into an Observer.
type MetricsObserver struct {
	mu sync.Mutex
	m  *Metrics
}

// NewMetricsObserver returns an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveCompletion(status Status, latency time.Duration) {
	o.m.RecordCompletion(status)
	o.m.RecordLatency(latency)
}

func (o *MetricsObserver) ObserveRingGrowth(int) {}

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*MetricsObserver)(nil)
)
