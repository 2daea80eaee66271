package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Receipt 是账本接受交易后的回执。
type Receipt struct {
	Hash   string
	Ledger int64
}

// Submitter 定义底层账本的提交能力。
type Submitter interface {
	Submit(ctx context.Context, signedPayload string) (Receipt, error)
}

// RejectionError 表示账本明确拒绝了交易。Transient 为真时重试可能成功。
type RejectionError struct {
	Code      string
	Transient bool
}

// Error 实现 error 接口。
func (e *RejectionError) Error() string {
	if e == nil {
		return "ledger rejected"
	}
	return fmt.Sprintf("ledger rejected transaction: %s", e.Code)
}

// AsRejection 尝试从 err 中解析 RejectionError。
func AsRejection(err error, target **RejectionError) bool {
	return errors.As(err, target)
}

// Config 控制重试行为。
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
	Logger         *slog.Logger
}

// Client 包装 Submitter，对瞬时故障做有限重试。
// 明确的账本拒绝（非瞬时）从不自动重试，只能由用户显式重发。
type Client struct {
	submitter Submitter
	cfg       Config

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewClient 构造 Client。
func NewClient(submitter Submitter, cfg Config) (*Client, error) {
	if submitter == nil {
		return nil, errors.New("submitter is required")
	}
	normalized := cfg
	if normalized.MaxAttempts <= 0 {
		normalized.MaxAttempts = 3
	}
	if normalized.InitialBackoff <= 0 {
		normalized.InitialBackoff = 100 * time.Millisecond
	}
	if normalized.MaxBackoff <= 0 {
		normalized.MaxBackoff = 2 * time.Second
	}
	if normalized.JitterFactor <= 0 {
		normalized.JitterFactor = 0.2
	}
	if normalized.Logger == nil {
		normalized.Logger = slog.Default()
	}
	return &Client{
		submitter: submitter,
		cfg:       normalized,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Submit 提交签名后的交易。
func (c *Client) Submit(ctx context.Context, signedPayload string) (Receipt, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		receipt, err := c.submitter.Submit(ctx, signedPayload)
		if err == nil {
			return receipt, nil
		}
		lastErr = err

		var rejection *RejectionError
		if errors.As(err, &rejection) && !rejection.Transient {
			return Receipt{}, err
		}
		c.cfg.Logger.Warn("ledger submit failed", slog.Int("attempt", attempt), slog.Any("err", err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-time.After(c.backoffDuration(attempt)):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("ledger submit retry exhausted")
	}
	return Receipt{}, lastErr
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	delay := c.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(delay) * c.cfg.JitterFactor)
	if jitter <= 0 {
		return delay
	}
	c.randMu.Lock()
	delta := time.Duration(c.rnd.Int63n(int64(2*jitter)+1)) - jitter
	c.randMu.Unlock()
	delay += delta
	if delay < 0 {
		return 0
	}
	return delay
}
