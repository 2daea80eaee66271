package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenpay/bridge/pkg/flowerrors"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS pending_signatures (
    id               text PRIMARY KEY,
    owner_id         bigint NOT NULL,
    wallet_address   text NOT NULL,
    unsigned_payload text NOT NULL,
    memo             text NOT NULL DEFAULT '',
    status           text NOT NULL DEFAULT 'pending',
    signed_payload   text NOT NULL DEFAULT '',
    resume_tag       text NOT NULL DEFAULT '',
    success_message  text NOT NULL DEFAULT '',
    created_at       timestamptz NOT NULL DEFAULT now(),
    expires_at       timestamptz NOT NULL
)`

// PGStoreConfig 控制 PGStore 行为。
type PGStoreConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

func (c *PGStoreConfig) normalize() PGStoreConfig {
	cfg := *c
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 10
		if cfg.SweepInterval < 5*time.Second {
			cfg.SweepInterval = 5 * time.Second
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// PGStore 是基于 Postgres 的持久化实现。TTL 由 expires_at 列承担：
// 读取时过滤已过期的行，后台清扫协程周期性物理删除，保证即使没有
// 任何进程调用 Delete，记录也会在到期后消失。
type PGStore struct {
	pool   *pgxpool.Pool
	cfg    PGStoreConfig
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPGStore 构造 PGStore 并启动清扫协程。pool 为空时所有操作返回 NOT_INITIALIZED。
func NewPGStore(pool *pgxpool.Pool, cfg PGStoreConfig) *PGStore {
	normalized := cfg.normalize()
	s := &PGStore{
		pool:   pool,
		cfg:    normalized,
		logger: normalized.Logger,
		stopCh: make(chan struct{}),
	}
	if pool != nil {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

// EnsureSchema 建表，幂等。
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return errNotInitialized()
	}
	_, err := s.pool.Exec(ctx, createTableSQL)
	return err
}

// Create 写入一条 pending 记录并返回生成的 id。
func (s *PGStore) Create(ctx context.Context, params CreateParams) (string, error) {
	if s.pool == nil {
		return "", errNotInitialized()
	}
	id := NewRecordID(params.OwnerID)
	_, err := s.pool.Exec(ctx, `
INSERT INTO pending_signatures(id, owner_id, wallet_address, unsigned_payload, memo, status, resume_tag, success_message, created_at, expires_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, now(), now() + $9::interval)`,
		id, params.OwnerID, params.WalletAddress, params.UnsignedPayload, params.Memo,
		string(StatusPending), params.ResumeTag, params.SuccessMessage, s.cfg.TTL.String())
	if err != nil {
		return "", err
	}
	return id, nil
}

// Load 读取未过期的记录。
func (s *PGStore) Load(ctx context.Context, id string) (Record, error) {
	if s.pool == nil {
		return Record{}, errNotInitialized()
	}
	var rec Record
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT id, owner_id, wallet_address, unsigned_payload, memo, status, signed_payload, resume_tag, success_message, created_at
FROM pending_signatures
WHERE id = $1 AND expires_at > now()`, id).Scan(
		&rec.ID, &rec.OwnerID, &rec.WalletAddress, &rec.UnsignedPayload, &rec.Memo,
		&status, &rec.SignedPayload, &rec.ResumeTag, &rec.SuccessMessage, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, errNotFound(id)
	}
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}

// MarkSigned 记录签名产物，只对仍处于 pending 的记录生效。
func (s *PGStore) MarkSigned(ctx context.Context, id, signedPayload string) error {
	if s.pool == nil {
		return errNotInitialized()
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE pending_signatures
SET status = $2, signed_payload = $3
WHERE id = $1 AND status = $4 AND expires_at > now()`,
		id, string(StatusSigned), signedPayload, string(StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errNotFound(id)
	}
	return nil
}

// Delete 幂等删除。
func (s *PGStore) Delete(ctx context.Context, id string) error {
	if s.pool == nil {
		return errNotInitialized()
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_signatures WHERE id = $1`, id)
	return err
}

// Close 停止清扫协程，不关闭共享的连接池。
func (s *PGStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *PGStore) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			tag, err := s.pool.Exec(ctx, `DELETE FROM pending_signatures WHERE expires_at <= now()`)
			cancel()
			if err != nil {
				s.logger.Warn("pending sweep failed", slog.Any("err", err))
				continue
			}
			if removed := tag.RowsAffected(); removed > 0 {
				s.logger.Info("pending sweep removed expired records", slog.Int64("count", removed))
			}
		}
	}
}

func errNotInitialized() error {
	return flowerrors.New(flowerrors.CodeNotInitialized, "pending store not connected")
}

func errNotFound(id string) error {
	return flowerrors.New(flowerrors.CodeNotFound, "pending signature "+id+" not found")
}
