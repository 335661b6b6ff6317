package torrent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterDisabledIsInstant(t *testing.T) {
	r := NewRateLimiter(0, 0)
	require.NoError(t, r.Acquire(context.Background(), 1<<20))
}

func TestRateLimiterAcquireRespectsCancellation(t *testing.T) {
	r := NewRateLimiter(1, 1) // 1 byte/sec, burst 1: a large request cannot finish instantly
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Acquire(ctx, 100)
	require.Error(t, err)
	var cancelled *CancelledError
	require.ErrorAs(t, err, &cancelled)
}

func TestRateLimiterSetLimit(t *testing.T) {
	r := NewRateLimiter(10, 10)
	r.SetLimit(0)
	require.NoError(t, r.Acquire(context.Background(), 1<<20))
}
