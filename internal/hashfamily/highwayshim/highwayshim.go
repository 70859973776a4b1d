// Package highwayshim adapts the real HighwayHash implementation into a
// device.Kernel, standing in for the embedded OpenCL kernel source the
// dispatch layer treats as an opaque, out-of-scope collaborator.
package highwayshim

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/minio/highwayhash"

	"github.com/dlorenc/deluge/internal/backend"
	"github.com/dlorenc/deluge/internal/device"
)

var _ backend.Family = (*Family)(nil)

const chunkSize = 256

// Family implements the dispatch layer's HashFamily contract for keyed
// HighwayHash, keyed by four 64-bit words as the public API specifies.
type Family struct {
	key [32]byte
}

var _ device.Kernel = (*kernel)(nil)

// New returns a HighwayHash family bound to a 4x64-bit key.
func New(key [4]uint64) *Family {
	var k [32]byte
	for i, w := range key {
		binary.LittleEndian.PutUint64(k[i*8:], w)
	}
	return &Family{key: k}
}

func (f *Family) Name() string      { return "highwayhash" }
func (f *Family) EventDriven() bool { return true }
func (f *Family) Constants() []byte { return f.key[:] }

type cpuCapable interface {
	Workers() int
}

func (f *Family) BuildKernel(p device.Platform) (device.Kernel, error) {
	cpu, ok := p.(cpuCapable)
	if !ok {
		return nil, fmt.Errorf("highwayhash: unsupported platform %q", p.Name())
	}
	return &kernel{key: f.key, workers: cpu.Workers()}, nil
}

type kernel struct {
	key     [32]byte
	workers int
}

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
		h, err := highwayhash.New256(k.key[:])
		if err != nil {
			return acc, err
		}
		binary.LittleEndian.PutUint64(buf[:], e)
		h.Write(buf[:])

		digest := h.Sum(nil) // 32 bytes

		var limbs [5]uint64
		for i := 0; i < 4; i++ {
			limbs[3-i] = binary.BigEndian.Uint64(digest[i*8 : i*8+8])
		}
		acc = addLimbs(acc, limbs)
	}
	return acc, nil
}

func addLimbs(a, b [5]uint64) [5]uint64 {
	var out [5]uint64
	var carry uint64
	for i := 0; i < 5; i++ {
		out[i], carry = bits.Add64(a[i], b[i], carry)
	}
	return out
}
