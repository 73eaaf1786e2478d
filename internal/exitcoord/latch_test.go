package exitcoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchReleasesOnce(t *testing.T) {
	fired := 0
	l := NewLatch(func() { fired++ })
	assert.Equal(t, 1, l.Count())

	require.NoError(t, l.Add(2))
	require.NoError(t, l.Done())
	require.NoError(t, l.Done())
	assert.False(t, l.Released())
	assert.Zero(t, fired)

	require.NoError(t, l.Done())
	assert.True(t, l.Released())
	assert.Equal(t, 1, fired)

	assert.ErrorIs(t, l.Add(1), ErrLatchReleased)
	assert.ErrorIs(t, l.Done(), ErrLatchReleased)
	assert.Equal(t, 1, fired)
}

func TestLatchRejectsUnderflow(t *testing.T) {
	l := NewLatch(nil)

	assert.ErrorIs(t, l.Add(-2), ErrLatchUnderflow)
	assert.Equal(t, 1, l.Count())
	assert.False(t, l.Released())

	require.NoError(t, l.Done())
	assert.True(t, l.Released())
}

func TestLatchZeroDeltaDoesNotRelease(t *testing.T) {
	l := NewLatch(nil)
	require.NoError(t, l.Add(0))
	assert.False(t, l.Released())
}
