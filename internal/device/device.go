// Package device implements the process-wide device registry and the
// per-device compiled-program cache. It is the host-side analog of
// OpenCL's platform/device/program discovery, generalized behind a small
// Platform interface so a CPU fallback and a real OpenCL backend can both
// satisfy it.
package device

import (
	"errors"
	"sync"

	"github.com/dlorenc/deluge/internal/logging"
)

// ErrNoDevice is returned (wrapped) when no device on the system can
// service a request, and maps to the NODEV ABI status.
var ErrNoDevice = errors.New("no compute device available")

// ErrOutOfMemory is returned (wrapped) when a device's reported global or
// local memory budget would be exceeded, and maps to the NOMEM ABI status.
var ErrOutOfMemory = errors.New("device memory budget exceeded")

// Kind identifies the class of compute device behind a Device.
type Kind int

const (
	KindCPU Kind = iota
	KindGPU
	KindMock
)

func (k Kind) String() string {
	switch k {
	case KindGPU:
		return "gpu"
	case KindMock:
		return "mock"
	default:
		return "cpu"
	}
}

// Kernel is a compiled, device-bound program ready to hash batches of
// elements. Execute returns one partial sum per work-group the platform
// chose to split the batch into; the caller reduces them with
// uint320.Sum.
type Kernel interface {
	Execute(elems []uint64) ([]uint64PartialSum, error)
}

// uint64PartialSum is the five-limb little-endian partial sum a Kernel
// produces per work-group; kept distinct from uint320.Uint320 so this
// package has no dependency on the reduction package's import path.
type uint64PartialSum = [5]uint64

// Device represents one compute device: a context, a memory budget, and a
// cache of compiled programs keyed by hash-family name.
type Device struct {
	id   int
	kind Kind

	mu          sync.Mutex
	totalGmem   uint64
	usedGmem    uint64
	totalLmem   uint64
	usedLmem    uint64
	programs    map[string]Kernel
	platform    Platform
	log         *logging.Logger
}

// ID returns the device's registry index.
func (d *Device) ID() int { return d.id }

// Kind reports the device's class.
func (d *Device) Kind() Kind { return d.kind }

// TotalGlobalMem and TotalLocalMem report the device's advertised memory
// capacity, mirroring the original implementation's total_gmem/total_lmem
// device fields.
func (d *Device) TotalGlobalMem() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalGmem
}

func (d *Device) TotalLocalMem() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalLmem
}

// Alloc reserves gmem/lmem bytes against the device's budget, returning
// ErrOutOfMemory if either would overflow the device's reported capacity.
// This is a supplement beyond the dispatch layer's own data model: it
// gives the NOMEM status a concrete trigger (a program that would not fit
// on any remaining device), following the memory-budget bookkeeping the
// original C device layer keeps per device.
func (d *Device) Alloc(gmem, lmem uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.usedGmem+gmem > d.totalGmem || d.usedLmem+lmem > d.totalLmem {
		if d.log != nil {
			d.log.Warn("device alloc rejected", "device", d.id, "gmem", gmem, "lmem", lmem)
		}
		return ErrOutOfMemory
	}
	d.usedGmem += gmem
	d.usedLmem += lmem
	return nil
}

// Free releases a prior Alloc reservation.
func (d *Device) Free(gmem, lmem uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gmem > d.usedGmem {
		d.usedGmem = 0
	} else {
		d.usedGmem -= gmem
	}
	if lmem > d.usedLmem {
		d.usedLmem = 0
	} else {
		d.usedLmem -= lmem
	}
}

// Queue returns the device's command queue handle.
func (d *Device) Queue() Queue { return d.platform.Queue() }

// WorkgroupSize reports the device's local work-group size L.
func (d *Device) WorkgroupSize() int { return d.platform.WorkgroupSize() }

// AllocateBuffer reserves a device buffer of the given kind and size,
// delegating to the platform's staging primitives.
func (d *Device) AllocateBuffer(kind BufferKind, size uint64) (Buffer, error) {
	return d.platform.AllocateBuffer(kind, size)
}

// EnqueueWrite stages data into buf and issues an asynchronous write.
func (d *Device) EnqueueWrite(buf Buffer, data []byte) (Event, error) {
	return d.platform.EnqueueWrite(buf, data)
}

// EnqueueKernel launches k over the given 1-D range, bound to in/out/constants.
func (d *Device) EnqueueKernel(k Kernel, elemCount uint64, ngrp, gsize, localSize int, in, out, constants Buffer, deps ...Event) (Event, error) {
	return d.platform.EnqueueKernel(k, elemCount, ngrp, gsize, localSize, in, out, constants, deps...)
}

// EnqueueRead issues an asynchronous read of buf's first n bytes.
func (d *Device) EnqueueRead(buf Buffer, n int, deps ...Event) (Event, error) {
	return d.platform.EnqueueRead(buf, n, deps...)
}

// EnsureProgram returns the cached compiled Kernel for familyName,
// compiling (and caching) it on first use via build. The presence of an
// entry in d.programs is the Go equivalent of the original's per-family
// "ready" bitset.
func (d *Device) EnsureProgram(familyName string, build func(Platform) (Kernel, error)) (Kernel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if k, ok := d.programs[familyName]; ok {
		return k, nil
	}

	k, err := build(d.platform)
	if err != nil {
		if d.log != nil {
			d.log.Error("program build failed", "device", d.id, "family", familyName, "err", err)
		}
		return nil, err
	}
	if d.log != nil {
		d.log.Debug("program compiled", "device", d.id, "family", familyName)
	}
	d.programs[familyName] = k
	return k, nil
}

// SetLogger attaches a logger used for compile diagnostics. Nil disables
// logging, matching every other component in this module.
func (d *Device) SetLogger(l *logging.Logger) {
	d.log = l
}
