package device

import (
	"encoding/binary"
	"runtime"
)

// cpuPlatform is the always-available software fallback device. Its
// Kernel implementations (built by the hashfamily shims) run the real
// hash libraries on a goroutine pool sized to GOMAXPROCS, so every
// testable property in this module can be exercised without an OpenCL
// runtime present.
type cpuPlatform struct {
	workers int
}

func newCPUPlatform() *cpuPlatform {
	return &cpuPlatform{workers: runtime.GOMAXPROCS(0)}
}

var _ Platform = (*cpuPlatform)(nil)

func (p *cpuPlatform) Kind() Kind   { return KindCPU }
func (p *cpuPlatform) Name() string { return "cpu-fallback" }

// Workers reports the configured parallelism EnqueueKernel's goroutine
// pool is bounded to, the CPU analog of an OpenCL kernel's compute-unit
// count.
func (p *cpuPlatform) Workers() int { return p.workers }

// cpuGlobalMemBudget and cpuLocalMemBudget are the reported capacities for
// the software device. They are generous relative to any single batch so
// Alloc/Free bookkeeping exercises real accounting without becoming the
// limiting factor on the fallback path; a real OpenCL device reports its
// actual CL_DEVICE_GLOBAL_MEM_SIZE / CL_DEVICE_LOCAL_MEM_SIZE instead.
const (
	cpuGlobalMemBudget = 1 << 34
	cpuLocalMemBudget  = 1 << 24

	// cpuWorkgroupSize is the fixed local work-group size the software
	// device reports; it matches the hashfamily shims' own per-chunk
	// hashing granularity by convention, so a single launch's partial
	// sums line up one-to-one with the work-groups the capacity-rounding
	// arithmetic expects.
	cpuWorkgroupSize = 256
)

type cpuQueue struct{}

func (p *cpuPlatform) Queue() Queue { return cpuQueue{} }

func (p *cpuPlatform) WorkgroupSize() int { return cpuWorkgroupSize }

// cpuBuffer is a plain byte slice standing in for a device buffer and
// its pinned host-mapped counterpart; the software device has no
// separate device memory to stage through, so Host() is the buffer.
type cpuBuffer struct {
	kind BufferKind
	data []byte
}

func (b *cpuBuffer) Size() uint64 { return uint64(len(b.data)) }
func (b *cpuBuffer) Host() []byte { return b.data }

func (p *cpuPlatform) AllocateBuffer(kind BufferKind, size uint64) (Buffer, error) {
	return &cpuBuffer{kind: kind, data: make([]byte, size)}, nil
}

// cpuEvent is already complete by the time it is returned: every
// cpuPlatform enqueue primitive does its work inline before returning,
// so Wait is a no-op and OnComplete runs fn immediately.
type cpuEvent struct{ err error }

func (e cpuEvent) Wait() error               { return e.err }
func (e cpuEvent) OnComplete(fn func(error)) { fn(e.err) }

func waitAll(deps []Event) error {
	for _, d := range deps {
		if d == nil {
			continue
		}
		if err := d.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (p *cpuPlatform) EnqueueWrite(buf Buffer, data []byte) (Event, error) {
	copy(buf.Host(), data)
	return cpuEvent{}, nil
}

// EnqueueKernel runs k.Execute over the elements currently staged in
// in's pinned host region and scatters the resulting per-work-group
// partial sums into out's pinned host region as little-endian 64-bit
// limbs, the software-device stand-in for an NDRange kernel launch
// writing uint320_t partials into a device output buffer.
func (p *cpuPlatform) EnqueueKernel(k Kernel, elemCount uint64, ngrp, gsize, localSize int, in, out, constants Buffer, deps ...Event) (Event, error) {
	if err := waitAll(deps); err != nil {
		return cpuEvent{err: err}, err
	}

	elems := bytesToElemsLE(in.Host()[:elemCount*8])
	partials, err := k.Execute(elems)
	if err != nil {
		return cpuEvent{err: err}, err
	}

	hostOut := out.Host()
	for i, part := range partials {
		if i >= ngrp {
			break
		}
		for j, limb := range part {
			binary.LittleEndian.PutUint64(hostOut[i*40+j*8:], limb)
		}
	}
	return cpuEvent{}, nil
}

func (p *cpuPlatform) EnqueueRead(buf Buffer, n int, deps ...Event) (Event, error) {
	if err := waitAll(deps); err != nil {
		return cpuEvent{err: err}, err
	}
	// The software device's "read" is already resident in buf's host
	// region from EnqueueKernel; there is no separate device-to-host
	// copy to perform.
	return cpuEvent{}, nil
}

func bytesToElemsLE(b []byte) []uint64 {
	elems := make([]uint64, len(b)/8)
	for i := range elems {
		elems[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return elems
}
