// Package backend implements the per-(dispatcher,device) Backend state
// machine: acquisition, the dynamic capacity resize protocol, and the
// staged write/launch/read/callback job pipeline against a
// device.Platform. It is the direct generalization of a block-I/O queue
// runner's per-tag state machine to a GPU-style job pipeline: the same
// acquire/execute/release shape, with "capacity" (how many elements a
// program's buffers can hold) replacing "queue depth".
package backend

import (
	"encoding/binary"
	"sync"

	"github.com/dlorenc/deluge/internal/device"
	"github.com/dlorenc/deluge/internal/logging"
	"github.com/dlorenc/deluge/internal/uint320"
)

// State is the backend's position in its three-state lifecycle.
type State int32

const (
	// StateIdle: unacquired, free for any caller to take.
	StateIdle State = iota
	// StateBusy: acquired by a caller that is checking or growing its
	// capacity, not yet submitted to the device.
	StateBusy
	// StateExec: a job has been submitted to the device and is running
	// (synchronously, on the worker-driven path) or awaiting a completion
	// event (on the event-driven path).
	StateExec
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "busy"
	case StateExec:
		return "exec"
	default:
		return "idle"
	}
}

// Family is the subset of a hash family's contract a Backend needs to
// build and size its device program. Both hashfamily shims satisfy this
// implicitly.
type Family interface {
	Name() string
	EventDriven() bool
	BuildKernel(device.Platform) (device.Kernel, error)
	// Constants returns the bytes uploaded once into the backend's
	// constants buffer and bound as kernel argument 4 (the fifth) — the
	// keyed state BLAKE3 and HighwayHash both need on every launch.
	Constants() []byte
}

// Result is what a submitted job resolves to: either a reduced 320-bit
// sum or an error classifying the failure.
type Result struct {
	Sum uint320.Uint320
	Err error
}

// Backend owns one device program instance for one hash family: a
// command queue, pinned input/output/constants buffers and the
// workgroup size they are sized against, and the current capacity those
// buffers can hold in a single kernel launch. Capacity starts at zero
// (no buffers allocated) and only grows, exactly as the original
// resize_backend/populate_backend protocol never shrinks outside of a
// full stop.
type Backend struct {
	mu    sync.Mutex
	state State
	dev   *device.Device

	family Family
	kernel device.Kernel

	queue         device.Queue
	workgroupSize int
	capacity      int
	inBuf         device.Buffer
	outBuf        device.Buffer
	constBuf      device.Buffer

	log *logging.Logger
}

// New returns an idle Backend bound to dev for family, with no device
// buffers allocated yet (capacity 0). The actual program compile happens
// lazily on first EnsureCapacity, matching "start_backend" in the
// original: buffer allocation is deferred to first use, not construction.
func New(dev *device.Device, family Family) *Backend {
	return &Backend{dev: dev, family: family}
}

// SetLogger attaches a logger for resize/state-transition diagnostics.
func (b *Backend) SetLogger(l *logging.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = l
}

// TryAcquire attempts the IDLE -> BUSY transition, returning true on
// success. Callers must pair every successful TryAcquire with a Release.
func (b *Backend) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateIdle {
		return false
	}
	b.state = StateBusy
	return true
}

// Release returns the backend to IDLE. Per the dispatch layer's explicit
// correction of the reference implementation, release always lands on
// IDLE regardless of which path (resize failure or job completion)
// triggered it — never BUSY.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateIdle
}

// Capacity reports the current maximum batch size the backend can accept
// without a resize.
func (b *Backend) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// WorkgroupSize reports L, the local work-group size this backend's
// capacity and kernel launches are shaped around. Zero until the backend
// has started (first EnsureCapacity call).
func (b *Backend) WorkgroupSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workgroupSize
}

// EnsureCapacity grows the backend's device buffers (and, on first call,
// compiles its program) so it can accept a batch of n elements. The
// caller must hold the BUSY state (have called TryAcquire) before calling
// this, matching the original's BUSY precondition on resize_backend.
func (b *Backend) EnsureCapacity(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 {
		if err := b.start(); err != nil {
			return err
		}
	}
	if n <= b.capacity {
		return nil
	}
	return b.grow(n)
}

// start is the first-use half of the resize protocol: compile the
// family's program, learn the device's workgroup size, acquire the
// command queue, and materialize and upload the constants buffer — then
// fall through to grow for the common "round up, allocate I/O buffers,
// store capacity" steps every resize (including this first one) shares.
func (b *Backend) start() error {
	kernel, err := b.dev.EnsureProgram(b.family.Name(), b.family.BuildKernel)
	if err != nil {
		return err
	}
	b.kernel = kernel
	b.queue = b.dev.Queue()
	b.workgroupSize = b.dev.WorkgroupSize()
	if b.workgroupSize <= 0 {
		b.workgroupSize = 1
	}

	constants := b.family.Constants()
	cbuf, err := b.dev.AllocateBuffer(device.BufferConstants, uint64(len(constants)))
	if err != nil {
		return err
	}
	if _, err := b.dev.EnqueueWrite(cbuf, constants); err != nil {
		return err
	}
	b.constBuf = cbuf

	if b.log != nil {
		b.log.Debug("backend started", "family", b.family.Name(), "workgroup", b.workgroupSize)
	}
	return b.grow(1)
}

// grow enlarges capacity to at least n, rounded up to a multiple of the
// workgroup size, reserving the memory delta against the device's budget
// before replacing the pinned input/output buffer pair — a failed
// allocation leaves capacity, and the buffers backing it, unchanged.
func (b *Backend) grow(n int) error {
	target := roundUpToWorkgroup(n, b.workgroupSize)
	if target <= b.capacity {
		return nil
	}

	const bytesPerElement = 8 + 40 // input uint64 + 320-bit partial sum
	delta := uint64(target-b.capacity) * bytesPerElement
	if err := b.dev.Alloc(delta, 0); err != nil {
		return err
	}

	ngrp := target / b.workgroupSize
	inBuf, err := b.dev.AllocateBuffer(device.BufferInput, uint64(target)*8)
	if err != nil {
		b.dev.Free(delta, 0)
		return err
	}
	outBuf, err := b.dev.AllocateBuffer(device.BufferOutput, uint64(ngrp)*40)
	if err != nil {
		b.dev.Free(delta, 0)
		return err
	}

	b.inBuf = inBuf
	b.outBuf = outBuf
	b.capacity = target
	if b.log != nil {
		b.log.Debug("backend resized", "family", b.family.Name(), "capacity", target, "workgroup", b.workgroupSize)
	}
	return nil
}

// roundUpToWorkgroup rounds n up to the next multiple of l, the resize
// protocol's "round new capacity up to a multiple of the workgroup size"
// step (spec testable property: post-resize capacity >= ceil(N/L)*L).
func roundUpToWorkgroup(n, l int) int {
	if l <= 0 {
		return n
	}
	return ((n + l - 1) / l) * l
}

// Execute runs the staged device pipeline for elems and reduces the
// resulting per-work-group partial sums into a single 320-bit value:
// compute ngrp/gsize from the workgroup size, copy the batch into the
// pinned input buffer and enqueue an asynchronous write, enqueue the
// kernel over a 1-D range dependent on that write, enqueue an
// asynchronous read of the partial sums dependent on the kernel, and
// reduce once the read's completion callback fires. The caller must have
// transitioned the backend to EXEC (SetExecuting) first.
func (b *Backend) Execute(elems []uint64) Result {
	b.mu.Lock()
	kernel := b.kernel
	l := b.workgroupSize
	inBuf := b.inBuf
	outBuf := b.outBuf
	constBuf := b.constBuf
	b.mu.Unlock()

	n := len(elems)
	ngrp := 0
	if n > 0 {
		ngrp = (n + l - 1) / l
	}
	gsize := ngrp * l

	payload := make([]byte, n*8)
	for i, e := range elems {
		binary.LittleEndian.PutUint64(payload[i*8:], e)
	}

	writeEvt, err := b.dev.EnqueueWrite(inBuf, payload)
	if err != nil {
		return Result{Err: err}
	}

	kernelEvt, err := b.dev.EnqueueKernel(kernel, uint64(n), ngrp, gsize, l, inBuf, outBuf, constBuf, writeEvt)
	if err != nil {
		return Result{Err: err}
	}

	readEvt, err := b.dev.EnqueueRead(outBuf, ngrp*uint320ByteLen, kernelEvt)
	if err != nil {
		return Result{Err: err}
	}

	var res Result
	done := make(chan struct{})
	readEvt.OnComplete(func(completionErr error) {
		defer close(done)
		if completionErr != nil {
			res = Result{Err: completionErr}
			return
		}
		res = Result{Sum: reducePartials(outBuf.Host(), ngrp)}
	})
	<-done
	return res
}

// uint320ByteLen is the byte width of one partial sum as read back from
// the device: five 64-bit limbs.
const uint320ByteLen = 5 * 8

// reducePartials interprets the first n partial sums in host (raw bytes
// read back from the device output buffer) as little-endian limbs — the
// host-side convention spec's endian-handling notes describe — and
// 320-bit-adds them in order.
func reducePartials(host []byte, n int) uint320.Uint320 {
	parts := make([]uint320.Uint320, n)
	for i := 0; i < n; i++ {
		var limbs [5]uint64
		for j := 0; j < 5; j++ {
			off := i*uint320ByteLen + j*8
			limbs[j] = binary.LittleEndian.Uint64(host[off : off+8])
		}
		parts[i] = uint320.FromLimbsLE(limbs)
	}
	return uint320.Sum(parts)
}

// SetExecuting transitions BUSY -> EXEC. It is the caller's
// responsibility to call this exactly once after a successful
// EnsureCapacity and before Execute, and to Release afterward.
func (b *Backend) SetExecuting() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateExec
}

// StateNow reports the backend's current state, for tests and metrics.
func (b *Backend) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// EventDriven reports whether this backend's family completes
// asynchronously via a platform event (HighwayHash) rather than
// synchronously on a worker goroutine (BLAKE3).
func (b *Backend) EventDriven() bool {
	return b.family.EventDriven()
}
