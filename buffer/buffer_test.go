package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddItem(t *testing.T) {
	buf := NewBuffer(4)

	a, mn, mx, s := buf.GetAverageMinMaxSum()
	assert.Equal(t, Average(0), a)
	assert.Equal(t, Minimum(0), mn)
	assert.Equal(t, Maximum(0), mx)
	assert.Equal(t, Sum(0), s)

	buf.AddItem(2)
	buf.AddItem(4)

	a, mn, mx, s = buf.GetAverageMinMaxSum()
	assert.Equal(t, Average(3), a)
	assert.Equal(t, Minimum(2), mn)
	assert.Equal(t, Maximum(4), mx)
	assert.Equal(t, Sum(6), s)

	buf.AddItem(6)
	buf.AddItem(8)
	buf.AddItem(10)

	// the 2 has been overwritten
	a, mn, mx, s = buf.GetAverageMinMaxSum()
	assert.Equal(t, Average(7), a)
	assert.Equal(t, Minimum(4), mn)
	assert.Equal(t, Maximum(10), mx)
	assert.Equal(t, Sum(28), s)
	assert.Equal(t, []float64{4, 6, 8, 10}, buf.Items())
}

func TestNegativeSamples(t *testing.T) {
	buf := NewBuffer(3)
	buf.AddItem(-5)
	buf.AddItem(-1)

	_, mn, mx, _ := buf.GetAverageMinMaxSum()
	assert.Equal(t, Minimum(-5), mn)
	assert.Equal(t, Maximum(-1), mx)
}

func TestGetLastAndReset(t *testing.T) {
	buf := NewBuffer(2)
	_, ok := buf.GetLast()
	assert.False(t, ok)

	buf.AddItem(1)
	buf.AddItem(2)
	buf.AddItem(3)
	last, ok := buf.GetLast()
	assert.True(t, ok)
	assert.Equal(t, float64(3), last)
	assert.Equal(t, 2, buf.Len())

	buf.Reset()
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Items())
}
