package uint320

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCommutative(t *testing.T) {
	a := FromLimbsLE([5]uint64{1, 2, 3, 4, 5})
	b := FromLimbsLE([5]uint64{9, 8, 7, 6, 5})

	require.Equal(t, Add(a, b), Add(b, a))
}

func TestAddCarryPropagates(t *testing.T) {
	a := FromLimbsLE([5]uint64{^uint64(0), ^uint64(0), 0, 0, 0})
	b := FromLimbsLE([5]uint64{1, 0, 0, 0, 0})

	got := Add(a, b)
	assert.Equal(t, uint64(0), got.Limb[0])
	assert.Equal(t, uint64(0), got.Limb[1])
	assert.Equal(t, uint64(1), got.Limb[2])
}

func TestSumOrderIndependenceOfGrouping(t *testing.T) {
	parts := []Uint320{
		FromLimbsLE([5]uint64{1, 0, 0, 0, 0}),
		FromLimbsLE([5]uint64{2, 0, 0, 0, 0}),
		FromLimbsLE([5]uint64{3, 0, 0, 0, 0}),
	}

	whole := Sum(parts)
	split := Add(Sum(parts[:1]), Sum(parts[1:]))

	require.Equal(t, whole, split)
	assert.Equal(t, uint64(6), whole.Limb[0])
}

func TestBytesBigEndian(t *testing.T) {
	u := FromLimbsLE([5]uint64{1, 0, 0, 0, 0})
	b := u.Bytes()
	assert.Equal(t, byte(1), b[39])
	for i := 0; i < 39; i++ {
		assert.Equal(t, byte(0), b[i])
	}
}
