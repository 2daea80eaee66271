package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWaitingCountZeroWithoutContention(t *testing.T) {
	g := NewGuard(Config{})
	require.Equal(t, 0, g.WaitingCount())

	require.NoError(t, g.Acquire(context.Background()))
	require.Equal(t, 0, g.WaitingCount())
	g.Release()
	require.Equal(t, 0, g.WaitingCount())
}

func TestWaitingCountTracksQueuedAcquirers(t *testing.T) {
	g := NewGuard(Config{Metrics: NewMetrics(prometheus.NewRegistry())})
	require.NoError(t, g.Acquire(context.Background()))

	const queued = 3
	var wg sync.WaitGroup
	for i := 0; i < queued; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background()); err == nil {
				g.Release()
			}
		}()
	}

	require.Eventually(t, func() bool {
		return g.WaitingCount() == queued
	}, time.Second, 5*time.Millisecond)

	g.Release()
	wg.Wait()
	require.Equal(t, 0, g.WaitingCount())
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	g := NewGuard(Config{})
	require.NoError(t, g.Acquire(context.Background()))

	var holders atomic.Int64
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			if holders.Add(1) != 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			g.Release()
		}()
	}

	g.Release()
	wg.Wait()
	require.False(t, overlapped.Load())
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	g := NewGuard(Config{})
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, g.WaitingCount())

	g.Release()
}

func TestMetricsRegisterAndObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.setWaiting(2)
	m.incAcquired()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	require.True(t, names["bridge_admission_waiting_depth"])
	require.True(t, names["bridge_admission_acquired_total"])
}

func TestNewMetricsNilRegistererUsesDefault(t *testing.T) {
	orig := prometheus.DefaultRegisterer
	defer func() { prometheus.DefaultRegisterer = orig }()
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg

	m := NewMetrics(nil)
	m.incAcquired()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	g := NewGuard(Config{})
	g.Release()
	require.NoError(t, g.Acquire(context.Background()))
	g.Release()
}
