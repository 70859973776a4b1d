// Package blake3shim adapts the real BLAKE3 implementation into a
// device.Kernel, standing in for the embedded OpenCL kernel source the
// dispatch layer treats as an opaque, out-of-scope collaborator.
package blake3shim

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/dlorenc/deluge/internal/backend"
	"github.com/dlorenc/deluge/internal/device"
)

var _ backend.Family = (*Family)(nil)

// chunkSize is the CPU analog of an OpenCL work-group size: each goroutine
// reduces one chunk of elements into a single partial sum, the same shape
// the original kernel's per-work-group uint320 accumulation takes.
const chunkSize = 256

// Family implements the dispatch layer's HashFamily contract for keyed
// BLAKE3.
type Family struct {
	key [32]byte
}

var _ device.Kernel = (*kernel)(nil)

// New returns a BLAKE3 family bound to the given 32-byte key.
func New(key [32]byte) *Family {
	return &Family{key: key}
}

func (f *Family) Name() string      { return "blake3" }
func (f *Family) EventDriven() bool { return false }
func (f *Family) Constants() []byte { return f.key[:] }

// cpuCapable is satisfied by the CPU fallback platform; it is defined
// locally (rather than imported) because the device package keeps its
// concrete platform types unexported.
type cpuCapable interface {
	Workers() int
}

// BuildKernel compiles (trivially, for the CPU fallback) a BLAKE3 kernel
// bound to the given platform.
func (f *Family) BuildKernel(p device.Platform) (device.Kernel, error) {
	cpu, ok := p.(cpuCapable)
	if !ok {
		return nil, fmt.Errorf("blake3: unsupported platform %q", p.Name())
	}
	return &kernel{key: f.key, workers: cpu.Workers()}, nil
}

type kernel struct {
	key     [32]byte
	workers int
}

// Execute hashes each element under the keyed BLAKE3 state and reduces
// per-chunk into one partial sum per chunk, mirroring the work-group
// granularity the GPU kernel would produce.
func (k *kernel) Execute(elems []uint64) ([][5]uint64, error) {
	if len(elems) == 0 {
		return nil, nil
	}

	nchunks := (len(elems) + chunkSize - 1) / chunkSize
	partials := make([][5]uint64, nchunks)
	errs := make([]error, nchunks)

	var wg sync.WaitGroup
	sem := make(chan struct{}, k.workers)
	for c := 0; c < nchunks; c++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(c int) {
			defer wg.Done()
			defer func() { <-sem }()

			start := c * chunkSize
			end := start + chunkSize
			if end > len(elems) {
				end = len(elems)
			}
			partials[c], errs[c] = k.hashChunk(elems[start:end])
		}(c)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return partials, nil
}

func (k *kernel) hashChunk(elems []uint64) ([5]uint64, error) {
	var acc [5]uint64
	var buf [8]byte

	for _, e := range elems {
		h, err := blake3.NewKeyed(k.key[:])
		if err != nil {
			return acc, err
		}
		binary.LittleEndian.PutUint64(buf[:], e)
		h.Write(buf[:])

		digest := make([]byte, 40)
		h.Digest().Read(digest)

		limbs := bytesToLimbsBE(digest)
		acc = addLimbs(acc, limbs)
	}
	return acc, nil
}

func bytesToLimbsBE(b []byte) [5]uint64 {
	var limbs [5]uint64
	for i := 0; i < 5; i++ {
		limbs[4-i] = binary.BigEndian.Uint64(b[i*8 : i*8+8])
	}
	return limbs
}

func addLimbs(a, b [5]uint64) [5]uint64 {
	var out [5]uint64
	var carry uint64
	for i := 0; i < 5; i++ {
		out[i], carry = bits.Add64(a[i], b[i], carry)
	}
	return out
}
