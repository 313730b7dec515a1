package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeReference(t *testing.T) {
	assert.InDelta(t, 21.6, Compute(1, 50, 900, 0.2), 1e-9)

	d, err := DefaultQuota.Interval(1)
	require.NoError(t, err)
	assert.Equal(t, 21600*time.Millisecond, d)
}

func TestIntervalStrictlyDecreasing(t *testing.T) {
	prev, err := DefaultQuota.Interval(1)
	require.NoError(t, err)
	for n := 2; n <= 64; n++ {
		cur, err := DefaultQuota.Interval(n)
		require.NoError(t, err)
		assert.Less(t, cur, prev, "pool size %d", n)
		prev = cur
	}
}

func TestIntervalEmptyPool(t *testing.T) {
	_, err := DefaultQuota.Interval(0)
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestIntervalInvalidQuota(t *testing.T) {
	for _, q := range []Quota{
		{Requests: 0, Window: time.Minute},
		{Requests: -3, Window: time.Minute},
		{Requests: 10, Window: 0},
	} {
		_, err := q.Interval(2)
		assert.ErrorIs(t, err, ErrInvalidQuota, "%+v", q)
	}
}

func TestJitterBounds(t *testing.T) {
	assert.Zero(t, Jitter(0))
	for i := 0; i < 100; i++ {
		j := Jitter(300 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 300*time.Millisecond)
	}
}
