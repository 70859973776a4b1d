// Package deluge dispatches batched hashing workloads across one or more
// compute devices. A client submits a batch of fixed-width inputs with a
// completion callback; each input is hashed in parallel on a device and
// the resulting digests are reduced by 320-bit modular addition into a
// single sum.
//
// Two hash families are supported: BLAKE3, completed synchronously on a
// dedicated worker goroutine per device, and HighwayHash, completed
// asynchronously via a simulated device event. Each dispatcher acquires
// the process-wide device registry itself; Init and Finalize optionally
// hold an extra reference across dispatcher create/close cycles.
package deluge

import (
	"sync"
	"time"

	"github.com/dlorenc/deluge/internal/affinity"
	"github.com/dlorenc/deluge/internal/backend"
	"github.com/dlorenc/deluge/internal/device"
	"github.com/dlorenc/deluge/internal/logging"
	"github.com/dlorenc/deluge/internal/ring"
)

// job is the unit the ring buffer queues and a backend executes.
type job struct {
	elems     []uint64
	done      func(Status, [5]uint64, any)
	user      any
	submitted time.Time
}

// dispatcher is the shared core behind Blake3Dispatcher and
// HighwayDispatcher: device registry membership, the backend pool, the
// job ring, and the submission/completion paths. The two public types are
// thin, differently-typed façades over one implementation, the same
// trade a trait-based design makes over a generic one when the ABI result
// shape differs per family (BLAKE3 returns 40 raw bytes, HighwayHash
// returns five 64-bit limbs) — see DESIGN.md.
type dispatcher struct {
	mu       sync.Mutex // guards ring + backend acquisition; Ring-then-Backend lock order
	ring     *ring.Ring[*job]
	backends []*backend.Backend
	family   backend.Family
	stopping bool
	finalized bool

	workCh      []chan *job // one per backend, used only when family is worker-driven
	wg          sync.WaitGroup
	cpuAffinity []int

	metrics  *Metrics
	observer Observer
	log      *logging.Logger
}

func newDispatcher(family backend.Family, opts Options) (*dispatcher, error) {
	devs, err := device.Acquire()
	if err != nil {
		return nil, mapPlatformError("create", err)
	}

	d := &dispatcher{
		ring:        ring.New[*job](),
		family:      family,
		metrics:     NewMetrics(),
		observer:    opts.Observer,
		log:         opts.Logger,
		cpuAffinity: opts.CPUAffinity,
	}

	for _, dev := range devs {
		dev.SetLogger(opts.Logger)
		b := backend.New(dev, family)
		b.SetLogger(opts.Logger)
		d.backends = append(d.backends, b)
	}

	if d.log != nil {
		d.log.Info("dispatcher started", "family", family.Name(), "devices", len(d.backends))
	}

	if !family.EventDriven() {
		d.workCh = make([]chan *job, len(d.backends))
		for i, b := range d.backends {
			d.workCh[i] = make(chan *job)
			d.wg.Add(1)
			go d.runWorker(i, b, d.workCh[i])
		}
	}

	return d, nil
}

// runWorker is the BLAKE3 (worker-driven) completion model: one
// persistent goroutine per backend that blocks for a job, executes it
// synchronously, and loops, the Go analog of the original's
// pthread_cond_wait-driven run_backend loop. When CPUAffinity is
// configured it pins this goroutine's OS thread to one CPU for its whole
// life, round-robin assigned by backend index, the same binding a queue
// runner's ioLoop performs per queue.
func (d *dispatcher) runWorker(idx int, b *backend.Backend, ch chan *job) {
	defer d.wg.Done()

	if len(d.cpuAffinity) > 0 {
		cpu := d.cpuAffinity[idx%len(d.cpuAffinity)]
		if err := affinity.Pin(cpu); err != nil && d.log != nil {
			d.log.Warn("backend worker affinity pin failed", "backend", idx, "cpu", cpu, "err", err)
		}
	}

	for j := range ch {
		d.runChain(b, j)
	}
}

// runChain executes j on b and, as long as the completion path hands back
// a directly-queued follow-up job for the same backend (skipping idle),
// keeps executing in this same goroutine rather than recursing through a
// channel send — recursing through the worker's own channel would
// deadlock, since this goroutine is the channel's only receiver.
func (d *dispatcher) runChain(b *backend.Backend, j *job) {
	for j != nil {
		res := b.Execute(j.elems)
		j = d.complete(b, j, res)
	}
}

// schedule is the submission path (spec §4.F): find or queue a backend
// for the job, growing the backend's capacity if needed, and launch it.
func (d *dispatcher) schedule(j *job) error {
	j.submitted = time.Now()

	d.mu.Lock()

	if d.stopping {
		d.mu.Unlock()
		return ErrCancel
	}

	b, idx := d.acquireIdleBackendLocked()
	if b == nil {
		prevCap := d.ring.Cap()
		d.ring.Enqueue(j)
		newCap := d.ring.Cap()
		d.mu.Unlock()
		if newCap != prevCap {
			if d.log != nil {
				d.log.Debug("job ring grew", "family", d.family.Name(), "capacity", newCap)
			}
			d.observer.ObserveRingGrowth(newCap)
		}
		return nil
	}
	d.mu.Unlock()

	if err := b.EnsureCapacity(len(j.elems)); err != nil {
		b.Release()
		d.maybeFinalize()
		return mapPlatformError("schedule", err)
	}

	d.dispatch(b, idx, j)
	return nil
}

// acquireIdleBackendLocked scans for the first idle backend, a linear
// scan matching the original's acquire_idle_backend. Must be called with
// d.mu held.
func (d *dispatcher) acquireIdleBackendLocked() (*backend.Backend, int) {
	for i, b := range d.backends {
		if b.TryAcquire() {
			return b, i
		}
	}
	return nil, -1
}

// dispatch hands an acquired, capacity-checked backend its job: a
// persistent worker pick it up for the worker-driven family, or a
// one-shot goroutine simulates the device's async event for the
// event-driven family.
func (d *dispatcher) dispatch(b *backend.Backend, idx int, j *job) {
	b.SetExecuting()
	if d.family.EventDriven() {
		go d.runChain(b, j)
		return
	}
	d.workCh[idx] <- j
}

// complete is the completion path (spec §4.G): deliver the result, then
// either hand the backend directly to the next queued job (skipping
// idle, returned to the caller for immediate execution) or release it to
// idle and check for dispatcher teardown.
func (d *dispatcher) complete(b *backend.Backend, j *job, res backend.Result) *job {
	status := StatusSuccess
	var limbs [5]uint64
	if res.Err != nil {
		status = mapPlatformError("schedule", res.Err).Status()
	} else {
		limbs = res.Sum.Limbs()
	}
	j.done(status, limbs, j.user)

	latency := time.Since(j.submitted)
	d.metrics.RecordCompletion(status)
	d.metrics.RecordLatency(latency)
	d.observer.ObserveCompletion(status, latency)

	d.mu.Lock()
	next, ok := d.ring.Dequeue()
	d.mu.Unlock()

	if !ok {
		b.Release()
		d.maybeFinalize()
		return nil
	}

	if err := b.EnsureCapacity(len(next.elems)); err != nil {
		next.done(mapPlatformError("schedule", err).Status(), [5]uint64{}, next.user)
		b.Release()
		d.maybeFinalize()
		return nil
	}

	return next
}

// close is the shared teardown entry point: stop accepting new jobs,
// cancel everything still waiting in the ring, then join the workers and
// finalize (worker-driven), or return at once and leave the finalize to
// whichever in-flight job completes last (event-driven).
func (d *dispatcher) close() {
	if d.log != nil {
		d.log.Info("dispatcher closing", "family", d.family.Name())
	}

	d.mu.Lock()
	d.stopping = true
	pending := d.ring.DrainAll()
	d.mu.Unlock()

	for _, j := range pending {
		j.done(StatusCancel, [5]uint64{}, j.user)
	}

	if !d.family.EventDriven() {
		for _, ch := range d.workCh {
			close(ch)
		}
		d.wg.Wait()
		d.finalizeOnce()
		return
	}

	d.maybeFinalize()
}

// maybeFinalize releases the device registry reference once the
// dispatcher is stopping and every backend has returned to idle,
// implementing the event-driven teardown race from spec §4.H: whichever
// completing job observes the last busy backend go idle performs the
// finalize. Guarded by d.finalized so exactly one caller ever runs it,
// since a worker-driven dispatcher's join and a concurrently-completing
// job could otherwise both observe "all idle".
func (d *dispatcher) maybeFinalize() {
	d.mu.Lock()
	if !d.stopping {
		d.mu.Unlock()
		return
	}
	for _, b := range d.backends {
		if b.StateNow() != backend.StateIdle {
			d.mu.Unlock()
			return
		}
	}
	d.mu.Unlock()

	d.finalizeOnce()
}

func (d *dispatcher) finalizeOnce() {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return
	}
	d.finalized = true
	d.mu.Unlock()

	d.metrics.Stop()
	device.Release()
}
