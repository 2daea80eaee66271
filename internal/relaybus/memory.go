package relaybus

import (
	"context"
	"sync"
)

// MemoryBus 是进程内 Bus 实现，供单机开发模式与测试使用。
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemoryBus 构造空的进程内总线。
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

// Publish 异步分发给该主题的所有订阅者。
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for _, handler := range handlers {
		go handler(ctx, msg)
	}
	return nil
}

// Subscribe 注册 handler，直到 Close 前一直有效。
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return ErrNotConnected
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotConnected
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close 丢弃所有订阅。
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]Handler)
}
