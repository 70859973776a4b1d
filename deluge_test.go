package deluge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/dlorenc/deluge/internal/device"
)

// blockingKernel lets a test hold a job "executing" on the device until
// release is closed, so it can force the job ring to queue work behind a
// single busy backend.
type blockingKernel struct {
	release chan struct{}
	calls   atomic.Int64
}

func (k *blockingKernel) Execute(elems []uint64) ([][5]uint64, error) {
	k.calls.Add(1)
	<-k.release
	return [][5]uint64{{uint64(len(elems)), 0, 0, 0, 0}}, nil
}

type testFamily struct {
	name        string
	eventDriven bool
	kernel      *blockingKernel
}

func (f *testFamily) Name() string      { return f.name }
func (f *testFamily) EventDriven() bool { return f.eventDriven }
func (f *testFamily) Constants() []byte { return []byte("test-constants") }
func (f *testFamily) BuildKernel(device.Platform) (device.Kernel, error) {
	return f.kernel, nil
}

var testFamilySeq atomic.Int64

func newTestDispatcher(t *testing.T, eventDriven bool, released bool) (*dispatcher, *blockingKernel) {
	t.Helper()
	k := &blockingKernel{release: make(chan struct{})}
	if released {
		close(k.release)
	}
	f := &testFamily{
		name:        fmt.Sprintf("test-family-%d", testFamilySeq.Add(1)),
		eventDriven: eventDriven,
		kernel:      k,
	}
	d, err := newDispatcher(f, DefaultOptions())
	require.NoError(t, err)
	return d, k
}

func TestCallbackInvokedExactlyOnce(t *testing.T) {
	for _, eventDriven := range []bool{false, true} {
		d, _ := newTestDispatcher(t, eventDriven, true)

		var calls atomic.Int64
		var wg sync.WaitGroup
		wg.Add(1)

		err := d.schedule(&job{
			elems: []uint64{1, 2, 3},
			done: func(Status, [5]uint64, any) {
				calls.Add(1)
				wg.Done()
			},
		})
		require.NoError(t, err)
		wg.Wait()

		assert.Equal(t, int64(1), calls.Load())
		d.close()
	}
}

func TestFIFODrainOrder(t *testing.T) {
	d, k := newTestDispatcher(t, false, false)

	const n = 20
	order := make([]int, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		err := d.schedule(&job{
			elems: []uint64{uint64(i)},
			done: func(Status, [5]uint64, any) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			},
		})
		require.NoError(t, err)
	}

	close(k.release)
	wg.Wait()

	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v, "jobs must complete in the order they were submitted")
	}
	d.close()
}

func TestCancellationOnClose(t *testing.T) {
	d, k := newTestDispatcher(t, false, false)

	var firstDone sync.WaitGroup
	firstDone.Add(1)
	err := d.schedule(&job{
		elems: []uint64{1},
		done: func(Status, [5]uint64, any) {
			firstDone.Done()
		},
	})
	require.NoError(t, err)

	var queuedStatus Status
	var queuedWg sync.WaitGroup
	queuedWg.Add(1)
	err = d.schedule(&job{
		elems: []uint64{2},
		done: func(status Status, _ [5]uint64, _ any) {
			queuedStatus = status
			queuedWg.Done()
		},
	})
	require.NoError(t, err)

	// Close before the first job's kernel is released: the queued second
	// job must be cancelled, not silently dropped.
	go d.close()
	queuedWg.Wait()
	assert.Equal(t, StatusCancel, queuedStatus)

	close(k.release)
	firstDone.Wait()
}

func TestScheduleAfterCloseIsCancelled(t *testing.T) {
	d, k := newTestDispatcher(t, true, true)
	d.close()

	var status Status
	var wg sync.WaitGroup
	err := d.schedule(&job{elems: []uint64{1}, done: func(s Status, _ [5]uint64, _ any) {
		status = s
		wg.Done()
	}})
	_ = k
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCancel))
	_ = status
	_ = wg
}

func TestRingGrowsUnderQueuePressure(t *testing.T) {
	d, k := newTestDispatcher(t, false, false)

	const n = 5000 // forces at least one ring grow past the 4096 initial capacity
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		err := d.schedule(&job{
			elems: []uint64{uint64(i)},
			done:  func(Status, [5]uint64, any) { wg.Done() },
		})
		require.NoError(t, err)
	}

	d.mu.Lock()
	queued := d.ring.Len()
	d.mu.Unlock()
	assert.True(t, queued > 0)

	close(k.release)
	wg.Wait()
	d.close()
}

func TestRegistryReleasedOnClose(t *testing.T) {
	before := device.RefCount()

	d, _ := newTestDispatcher(t, true, true)
	assert.Equal(t, before+1, device.RefCount())

	d.close()
	assert.Equal(t, before, device.RefCount())
}

func TestBlake3ScheduleEndToEnd(t *testing.T) {
	disp, err := NewBlake3([32]byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer disp.Close()

	var got [40]byte
	var status Status
	var wg sync.WaitGroup
	wg.Add(1)

	err = disp.Schedule([]uint64{1, 2, 3, 4, 5}, func(s Status, digest [40]byte, _ any) {
		status = s
		got = digest
		wg.Done()
	}, nil)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, StatusSuccess, status)
	assert.NotEqual(t, [40]byte{}, got)
}

// TestBlake3OracleSingleZeroBlock reproduces scenario S1: keyed with a
// 32-byte zero key over a single zero element, the dispatcher's 40-byte
// big-endian digest must equal the reference BLAKE3 keyed hash of one
// 8-byte zero block byte-for-byte, not merely be non-zero and stable.
func TestBlake3OracleSingleZeroBlock(t *testing.T) {
	var key [32]byte
	disp, err := NewBlake3(key)
	require.NoError(t, err)
	defer disp.Close()

	h, err := blake3.NewKeyed(key[:])
	require.NoError(t, err)
	var zeroBlock [8]byte
	h.Write(zeroBlock[:])
	want := make([]byte, 40)
	_, err = h.Digest().Read(want)
	require.NoError(t, err)

	var got [40]byte
	var status Status
	var wg sync.WaitGroup
	wg.Add(1)

	err = disp.Schedule([]uint64{0}, func(s Status, digest [40]byte, _ any) {
		status = s
		got = digest
		wg.Done()
	}, nil)
	require.NoError(t, err)
	wg.Wait()

	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, want, got[:])
}

func TestHighwayScheduleEndToEnd(t *testing.T) {
	disp, err := NewHighway([4]uint64{1, 2, 3, 4})
	require.NoError(t, err)
	defer disp.Close()

	var got [5]uint64
	var status Status
	var wg sync.WaitGroup
	wg.Add(1)

	err = disp.Schedule([]uint64{10, 20, 30}, func(s Status, limbs [5]uint64, _ any) {
		status = s
		got = limbs
		wg.Done()
	}, nil)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, StatusSuccess, status)
	assert.NotEqual(t, [5]uint64{}, got)
}

func TestMetricsRecordCompletions(t *testing.T) {
	disp, err := NewBlake3([32]byte{9})
	require.NoError(t, err)
	defer disp.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	err = disp.Schedule([]uint64{1}, func(Status, [40]byte, any) { wg.Done() }, nil)
	require.NoError(t, err)
	wg.Wait()

	// Give the metrics write a moment to land relative to the callback.
	time.Sleep(10 * time.Millisecond)
	snap := disp.Metrics()
	assert.Equal(t, uint64(1), snap.Success)
}
