package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDuplicateWaiter 表示 correlation id 已被占用，按 id 生成方式不应发生。
	ErrDuplicateWaiter = errors.New("correlation id already registered")
	// ErrTimedOut 表示等待超过时限，waiter 已被移除。
	ErrTimedOut = errors.New("await timed out")
	// ErrNoWaiter 表示该 correlation id 没有注册过 waiter。
	ErrNoWaiter = errors.New("no waiter registered")
)

// waiter 的结果槽容量为 1；resolved 标记让后续 resolve 保持无操作，
// 条目本身留给等待方移除，先于 AwaitResult 到达的结果不会丢失。
type waiter struct {
	ch       chan Outcome
	resolved bool
}

// Registry 是进程内 correlation id → waiter 的注册表。
// 插入、解析与移除对并发 Resolve 原子：同一 id 至多一次 resolve 生效。
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	metrics *Metrics
	logger  *slog.Logger
}

// NewRegistry 构造空注册表。
func NewRegistry(metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		waiters: make(map[string]*waiter),
		metrics: metrics,
		logger:  logger,
	}
}

// Register 为 correlation id 插入一个 waiter。id 冲突返回 ErrDuplicateWaiter。
func (r *Registry) Register(correlationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[correlationID]; exists {
		return ErrDuplicateWaiter
	}
	r.waiters[correlationID] = &waiter{ch: make(chan Outcome, 1)}
	r.metrics.incWaiters()
	return nil
}

// Resolve 幂等地唤醒 waiter：首次解析写入结果槽并返回 true；
// 已解析/超时/移除则安全无操作，返回 false。条目由等待方移除，
// 因此早于 AwaitResult 的解析也能被读到。
func (r *Registry) Resolve(correlationID string, outcome Outcome) bool {
	r.mu.Lock()
	w, ok := r.waiters[correlationID]
	if ok && !w.resolved {
		w.resolved = true
		w.ch <- outcome
		r.mu.Unlock()
		r.metrics.incResolved(outcome.Status)
		return true
	}
	r.mu.Unlock()
	r.logger.Debug("late resolve ignored", slog.String("correlation_id", correlationID))
	return false
}

// Discard 移除尚未等待的 waiter，用于 open 失败后的回收。
func (r *Registry) Discard(correlationID string) {
	r.remove(correlationID)
}

// AwaitResult 挂起直到 Resolve 被调用或超时。返回时 waiter 被移除：
// 超时返回 ErrTimedOut，此后的 Resolve 是无操作。
func (r *Registry) AwaitResult(ctx context.Context, correlationID string, timeout time.Duration) (Outcome, error) {
	r.mu.Lock()
	w, ok := r.waiters[correlationID]
	r.mu.Unlock()
	if !ok {
		return Outcome{}, ErrNoWaiter
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-w.ch:
		r.remove(correlationID)
		r.metrics.observeAwait(time.Since(start).Seconds())
		return outcome, nil
	case <-timer.C:
		return r.expire(w, correlationID, start, ErrTimedOut)
	case <-ctx.Done():
		return r.expire(w, correlationID, start, ctx.Err())
	}
}

// Len 返回当前注册的 waiter 数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

func (r *Registry) remove(correlationID string) {
	r.mu.Lock()
	_, ok := r.waiters[correlationID]
	if ok {
		delete(r.waiters, correlationID)
	}
	r.mu.Unlock()
	if ok {
		r.metrics.decWaiters()
	}
}

func (r *Registry) expire(w *waiter, correlationID string, start time.Time, cause error) (Outcome, error) {
	r.mu.Lock()
	resolved := w.resolved
	_, present := r.waiters[correlationID]
	if present {
		delete(r.waiters, correlationID)
	}
	r.mu.Unlock()

	if present {
		r.metrics.decWaiters()
	}
	r.metrics.observeAwait(time.Since(start).Seconds())
	if resolved {
		// Resolve 与超时赛跑且 Resolve 胜出，结果已在槽里，无阻塞读出。
		return <-w.ch, nil
	}
	r.metrics.incTimeout()
	return Outcome{}, cause
}
