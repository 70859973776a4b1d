package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	r := New[int]()
	for i := 0; i < 10; i++ {
		r.Enqueue(i)
	}
	for i := 0; i < 10; i++ {
		v, ok := r.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Dequeue()
	assert.False(t, ok)
}

func TestEmptyEnqueueDequeueIsEmpty(t *testing.T) {
	r := New[int]()
	assert.True(t, r.Empty())
	r.Enqueue(1)
	assert.False(t, r.Empty())
	r.Dequeue()
	assert.True(t, r.Empty())
}

func TestGrowsPastInitialCapacity(t *testing.T) {
	r := New[int]()
	n := initialCapacity * 3
	for i := 0; i < n; i++ {
		r.Enqueue(i)
	}
	assert.Equal(t, n, r.Len())
	for i := 0; i < n; i++ {
		v, ok := r.Dequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestGrowsAcrossWrappedBuffer(t *testing.T) {
	r := New[int]()
	// Fill and drain repeatedly to walk head/tail around the buffer before
	// forcing a grow, exercising the wrap-aware copy in grow().
	for round := 0; round < 5; round++ {
		for i := 0; i < initialCapacity/2; i++ {
			r.Enqueue(round*1000 + i)
		}
		for i := 0; i < initialCapacity/2-1; i++ {
			r.Dequeue()
		}
	}
	for i := 0; i < initialCapacity; i++ {
		r.Enqueue(-i)
	}
	got := r.Len()
	assert.True(t, got > initialCapacity-1)
}

func TestDrainAllReturnsFIFOAndEmpties(t *testing.T) {
	r := New[string]()
	r.Enqueue("a")
	r.Enqueue("b")
	r.Enqueue("c")

	drained := r.DrainAll()
	assert.Equal(t, []string{"a", "b", "c"}, drained)
	assert.True(t, r.Empty())
}
