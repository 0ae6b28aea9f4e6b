package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesUpToCeiling(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, -1)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	var prev time.Duration
	for i, w := range want {
		d, ok := b.Next()
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w*time.Second, d, "attempt %d", i+1)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
	assert.False(t, b.Exhausted())
}

func TestBackoff_AttemptCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 3)

	for i := 0; i < 3; i++ {
		_, ok := b.Next()
		require.True(t, ok)
	}
	_, ok := b.Next()
	assert.False(t, ok)
	assert.True(t, b.Exhausted())
	assert.Equal(t, 4, b.Attempts())

	b.Reset()
	assert.False(t, b.Exhausted())
	assert.Equal(t, 0, b.Attempts())
	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestBackoff_CeilingBelowFloor(t *testing.T) {
	b := NewBackoff(5*time.Second, time.Second, -1)
	d, _ := b.Next()
	assert.Equal(t, 5*time.Second, d)
	d, _ = b.Next()
	assert.Equal(t, 5*time.Second, d)
}
