package device

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRefCounting(t *testing.T) {
	require.Equal(t, int64(0), RefCount())

	devs1, err := Acquire()
	require.NoError(t, err)
	require.NotEmpty(t, devs1)
	assert.Equal(t, int64(1), RefCount())

	devs2, err := Acquire()
	require.NoError(t, err)
	assert.Equal(t, int64(2), RefCount())
	assert.Equal(t, devs1, devs2)

	Release()
	assert.Equal(t, int64(1), RefCount())

	Release()
	assert.Equal(t, int64(0), RefCount())
}

func TestEnsureProgramCachesCompile(t *testing.T) {
	d := newDevice(0, KindCPU, cpuGlobalMemBudget, cpuLocalMemBudget, newCPUPlatform())

	builds := 0
	build := func(Platform) (Kernel, error) {
		builds++
		return fakeKernel{}, nil
	}

	_, err := d.EnsureProgram("blake3", build)
	require.NoError(t, err)
	_, err = d.EnsureProgram("blake3", build)
	require.NoError(t, err)

	assert.Equal(t, 1, builds)
}

func TestAllocRejectsOverBudget(t *testing.T) {
	d := newDevice(0, KindCPU, 100, 100, newCPUPlatform())

	require.NoError(t, d.Alloc(50, 50))
	err := d.Alloc(60, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))

	d.Free(50, 50)
	require.NoError(t, d.Alloc(90, 90))
}

type fakeKernel struct{}

func (fakeKernel) Execute(elems []uint64) ([]uint64PartialSum, error) {
	return nil, nil
}

// countingKernel stands in for a real hash-family kernel: it reduces
// each work-group it is given to a partial sum holding that group's
// element count, so the test below can check EnqueueKernel routed the
// right elements through the right groups without needing a real hash.
type countingKernel struct {
	groupSize int
}

func (k countingKernel) Execute(elems []uint64) ([]uint64PartialSum, error) {
	ngrp := (len(elems) + k.groupSize - 1) / k.groupSize
	partials := make([]uint64PartialSum, ngrp)
	for g := 0; g < ngrp; g++ {
		start := g * k.groupSize
		end := start + k.groupSize
		if end > len(elems) {
			end = len(elems)
		}
		partials[g] = [5]uint64{uint64(end - start), 0, 0, 0, 0}
	}
	return partials, nil
}

func TestCPUPlatformDrivesStagedKernelPipeline(t *testing.T) {
	p := newCPUPlatform()
	const l = 4
	k := countingKernel{groupSize: l}

	elems := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9} // 3 groups: 4, 4, 1
	ngrp := (len(elems) + l - 1) / l

	inBuf, err := p.AllocateBuffer(BufferInput, uint64(len(elems))*8)
	require.NoError(t, err)
	outBuf, err := p.AllocateBuffer(BufferOutput, uint64(ngrp)*40)
	require.NoError(t, err)
	constBuf, err := p.AllocateBuffer(BufferConstants, 0)
	require.NoError(t, err)

	payload := make([]byte, len(elems)*8)
	for i, e := range elems {
		binary.LittleEndian.PutUint64(payload[i*8:], e)
	}
	writeEvt, err := p.EnqueueWrite(inBuf, payload)
	require.NoError(t, err)

	kernelEvt, err := p.EnqueueKernel(k, uint64(len(elems)), ngrp, ngrp*l, l, inBuf, outBuf, constBuf, writeEvt)
	require.NoError(t, err)

	readEvt, err := p.EnqueueRead(outBuf, ngrp*40, kernelEvt)
	require.NoError(t, err)
	require.NoError(t, readEvt.Wait())

	host := outBuf.Host()
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(host[0:8]))
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(host[40:48]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(host[80:88]))
}
