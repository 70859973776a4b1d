package deluge

import (
	"github.com/dlorenc/deluge/internal/hashfamily/blake3shim"
	"github.com/dlorenc/deluge/internal/uint320"
)

// Blake3Dispatcher dispatches keyed BLAKE3 batches. Completion runs on a
// dedicated worker goroutine per device, synchronously draining the job
// ring before the backend returns to idle — the worker-thread-driven
// model the Open Questions in this module's design resolve BLAKE3 to.
type Blake3Dispatcher struct {
	core *dispatcher
}

// NewBlake3 creates a dispatcher for keyed BLAKE3 hashing, acquiring the
// process-wide device registry.
func NewBlake3(key [32]byte, opts ...Options) (*Blake3Dispatcher, error) {
	core, err := newDispatcher(blake3shim.New(key), resolveOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Blake3Dispatcher{core: core}, nil
}

// Schedule submits a batch of elements to be keyed-BLAKE3-hashed and
// reduced; cb is invoked exactly once, asynchronously from a worker
// goroutine, unless the job could not be accepted at all, in which case an
// error is returned instead and cb is never called.
func (d *Blake3Dispatcher) Schedule(elems []uint64, cb func(Status, [40]byte, any), user any) error {
	return d.core.schedule(&job{
		elems: elems,
		user:  user,
		done: func(status Status, limbs [5]uint64, user any) {
			cb(status, uint320.FromLimbsLE(limbs).Bytes(), user)
		},
	})
}

// Close stops accepting new jobs, cancels everything still queued, and
// blocks until every in-flight job's worker goroutine has exited before
// releasing the device registry.
func (d *Blake3Dispatcher) Close() {
	d.core.close()
}

// Metrics returns the dispatcher's live metrics snapshot.
func (d *Blake3Dispatcher) Metrics() MetricsSnapshot {
	return d.core.metrics.Snapshot()
}
