package relaybus

import (
	"context"
	"errors"
)

// 主题名是对外协议的一部分，必须保持稳定。
const (
	TopicSignRequest    = "sign-request"
	TopicSignOutcome    = "sign-outcome"
	TopicPairingEvents  = "pairing-events"
	TopicDetachedSigned = "detached-signed"
)

var (
	// ErrNotConnected 表示 bus 尚未建立任何 relay 连接。
	ErrNotConnected = errors.New("relay bus not connected")
	// ErrAllRelaysFailed 表示发布在所有 relay 上均失败。
	ErrAllRelaysFailed = errors.New("publish failed on all relays")
)

// Message 是一条落在某主题上的原始消息。
type Message struct {
	Topic   string
	Payload []byte
}

// Handler 处理一条入站消息，由订阅 goroutine 串行调用。
type Handler func(ctx context.Context, msg Message)

// Bus 抽象发布/订阅传输，生产实现基于 Nostr relay。
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close()
}
