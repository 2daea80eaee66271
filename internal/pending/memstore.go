package pending

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemStore 是进程内实现，TTL 与过期清理由 go-cache 的 janitor 承担。
// 供单机开发模式与测试使用；跨进程的分离签名路径应使用 PGStore。
type MemStore struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewMemStore 构造 MemStore。ttl<=0 时采用 DefaultTTL。
func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	janitor := ttl / 10
	if janitor < time.Second {
		janitor = time.Second
	}
	return &MemStore{cache: gocache.New(ttl, janitor), ttl: ttl}
}

// Create 写入一条 pending 记录并返回生成的 id。
func (s *MemStore) Create(ctx context.Context, params CreateParams) (string, error) {
	if s == nil || s.cache == nil {
		return "", errNotInitialized()
	}
	id := NewRecordID(params.OwnerID)
	rec := Record{
		ID:              id,
		OwnerID:         params.OwnerID,
		WalletAddress:   params.WalletAddress,
		UnsignedPayload: params.UnsignedPayload,
		Memo:            params.Memo,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
		ResumeTag:       params.ResumeTag,
		SuccessMessage:  params.SuccessMessage,
	}
	s.cache.Set(id, rec, s.ttl)
	return id, nil
}

// Load 读取未过期的记录。
func (s *MemStore) Load(ctx context.Context, id string) (Record, error) {
	if s == nil || s.cache == nil {
		return Record{}, errNotInitialized()
	}
	value, ok := s.cache.Get(id)
	if !ok {
		return Record{}, errNotFound(id)
	}
	return value.(Record), nil
}

// MarkSigned 记录签名产物。剩余 TTL 以创建时间为基准重新计算。
func (s *MemStore) MarkSigned(ctx context.Context, id, signedPayload string) error {
	if s == nil || s.cache == nil {
		return errNotInitialized()
	}
	value, ok := s.cache.Get(id)
	if !ok {
		return errNotFound(id)
	}
	rec := value.(Record)
	if rec.Status != StatusPending {
		return errNotFound(id)
	}
	rec.Status = StatusSigned
	rec.SignedPayload = signedPayload
	remaining := s.ttl - time.Since(rec.CreatedAt)
	if remaining <= 0 {
		s.cache.Delete(id)
		return errNotFound(id)
	}
	s.cache.Set(id, rec, remaining)
	return nil
}

// Delete 幂等删除。
func (s *MemStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.cache == nil {
		return errNotInitialized()
	}
	s.cache.Delete(id)
	return nil
}

// Close 清空缓存。
func (s *MemStore) Close() {
	if s == nil || s.cache == nil {
		return
	}
	s.cache.Flush()
}
