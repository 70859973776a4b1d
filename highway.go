package deluge

import "github.com/dlorenc/deluge/internal/hashfamily/highwayshim"

// HighwayDispatcher dispatches keyed HighwayHash batches. Completion is
// event-driven: each job runs on a one-shot goroutine standing in for the
// device's asynchronous completion event, and dispatcher teardown is
// finished by whichever completing job observes the last backend go
// idle — the event-driven model the Open Questions in this module's
// design resolve HighwayHash to.
type HighwayDispatcher struct {
	core *dispatcher
}

// NewHighway creates a dispatcher for keyed HighwayHash hashing, acquiring
// the process-wide device registry.
func NewHighway(key [4]uint64, opts ...Options) (*HighwayDispatcher, error) {
	core, err := newDispatcher(highwayshim.New(key), resolveOptions(opts))
	if err != nil {
		return nil, err
	}
	return &HighwayDispatcher{core: core}, nil
}

// Schedule submits a batch of elements to be keyed-HighwayHash-hashed and
// reduced; cb is invoked exactly once, from a completion goroutine, unless
// the job could not be accepted at all, in which case an error is
// returned instead and cb is never called.
func (d *HighwayDispatcher) Schedule(elems []uint64, cb func(Status, [5]uint64, any), user any) error {
	return d.core.schedule(&job{
		elems: elems,
		user:  user,
		done:  cb,
	})
}

// Close stops accepting new jobs, cancels everything still queued, and
// releases the device registry once the last in-flight job completes.
func (d *HighwayDispatcher) Close() {
	d.core.close()
}

// Metrics returns the dispatcher's live metrics snapshot.
func (d *HighwayDispatcher) Metrics() MetricsSnapshot {
	return d.core.metrics.Snapshot()
}
