package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Config 控制准入闸门。RatePerSecond<=0 表示不限速。
type Config struct {
	RatePerSecond float64
	Burst         int
	Metrics       *Metrics
}

// Guard 为临界区（如铸造并注资新钱包）提供互斥，并暴露可观测的排队深度。
// 排队深度只用于 "你排在第 N 位" 的用户反馈，不是正确性机制。
type Guard struct {
	sem     chan struct{}
	waiting atomic.Int64
	limiter *rate.Limiter
	metrics *Metrics
}

// NewGuard 构造 Guard。
func NewGuard(cfg Config) *Guard {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Guard{
		sem:     make(chan struct{}, 1),
		limiter: rate.NewLimiter(limit, burst),
		metrics: cfg.Metrics,
	}
}

// Acquire 进入临界区，必要时排队等待。闸门空闲时直接进入，不计入排队深度。
// 进入后还会通过限速器对下游（水龙头）调用做节流。
func (g *Guard) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	default:
		g.waiting.Add(1)
		g.metrics.setWaiting(g.waiting.Load())
		defer func() {
			g.waiting.Add(-1)
			g.metrics.setWaiting(g.waiting.Load())
		}()
		select {
		case g.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		g.Release()
		return err
	}
	g.metrics.incAcquired()
	return nil
}

// Release 离开临界区。对未持有的闸门调用是无操作。
func (g *Guard) Release() {
	select {
	case <-g.sem:
	default:
	}
}

// WaitingCount 返回当前排队等待进入的流程数，仅供用户反馈展示。
func (g *Guard) WaitingCount() int {
	return int(g.waiting.Load())
}
