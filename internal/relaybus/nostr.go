package relaybus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// 应用事件使用 ephemeral kind，relay 不长期存储总线消息。
const defaultEventKind = 21121

// Config 控制 NostrBus 行为。
type Config struct {
	Relays         []string
	SecretKey      string // hex 编码的事件签名私钥
	EventKind      int
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

func (c *Config) normalize() (Config, error) {
	cfg := *c
	if cfg.EventKind <= 0 {
		cfg.EventKind = defaultEventKind
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	urls := make([]string, 0, len(cfg.Relays))
	for _, raw := range cfg.Relays {
		url := strings.TrimSpace(raw)
		if url == "" {
			continue
		}
		if !strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://") {
			return cfg, fmt.Errorf("invalid relay url: %s", url)
		}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		return cfg, ErrNotConnected
	}
	cfg.Relays = urls
	if cfg.SecretKey == "" {
		cfg.SecretKey = nostr.GeneratePrivateKey()
	}
	return cfg, nil
}

// NostrBus 基于 nostr.SimplePool 实现 Bus，主题映射到事件的 `t` 标签。
type NostrBus struct {
	cfg    Config
	pool   *nostr.SimplePool
	pubkey string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewNostrBus 建立 relay 连接并返回 bus。至少一个 relay 可达即可启动，
// 其余 relay 由 pool 按需重连。
func NewNostrBus(cfg Config) (*NostrBus, error) {
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	pubkey, err := nostr.GetPublicKey(normalized.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("derive bus pubkey: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := nostr.NewSimplePool(ctx)

	connected := 0
	deadline := time.Now().Add(normalized.ConnectTimeout)
	for _, url := range normalized.Relays {
		if time.Now().After(deadline) {
			break
		}
		if _, err := pool.EnsureRelay(url); err != nil {
			normalized.Logger.Warn("relay connect failed", slog.String("relay", url), slog.Any("err", err))
			continue
		}
		connected++
	}
	if connected == 0 {
		cancel()
		return nil, ErrNotConnected
	}
	normalized.Logger.Info("relay bus connected", slog.Int("relays", connected), slog.Int("configured", len(normalized.Relays)))
	return &NostrBus{
		cfg:    normalized,
		pool:   pool,
		pubkey: pubkey,
		ctx:    ctx,
		cancel: cancel,
		logger: normalized.Logger,
	}, nil
}

// Publish 将 payload 作为事件内容发布到所有 relay，任一成功即视为成功。
func (b *NostrBus) Publish(ctx context.Context, topic string, payload []byte) error {
	event := nostr.Event{
		Kind:      b.cfg.EventKind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{nostr.Tag{"t", topic}},
		Content:   string(payload),
	}
	if err := event.Sign(b.cfg.SecretKey); err != nil {
		return fmt.Errorf("sign bus event: %w", err)
	}

	results := b.pool.PublishMany(ctx, b.cfg.Relays, event)
	var lastErr error
	for res := range results {
		if res.Error == nil {
			// 首个成功即返回，剩余 relay 继续在后台收尾。
			return nil
		}
		lastErr = res.Error
		b.logger.Warn("relay publish failed", slog.String("topic", topic), slog.Any("err", res.Error))
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAllRelaysFailed, lastErr)
	}
	return ErrAllRelaysFailed
}

// Subscribe 订阅主题并在独立 goroutine 中逐条调用 handler，
// 直到 ctx 取消或订阅通道关闭。
func (b *NostrBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required for topic %s", topic)
	}
	since := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{b.cfg.EventKind},
		Tags:  nostr.TagMap{"t": []string{topic}},
		Since: &since,
	}
	events := b.pool.SubscribeMany(ctx, b.cfg.Relays, filter)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case relayEvent, ok := <-events:
				if !ok {
					b.logger.Warn("relay subscription closed", slog.String("topic", topic))
					return
				}
				if relayEvent.Event == nil {
					continue
				}
				handler(ctx, Message{Topic: topic, Payload: []byte(relayEvent.Event.Content)})
			}
		}
	}()
	return nil
}

// Close 断开所有 relay 连接。
func (b *NostrBus) Close() {
	b.cancel()
	if b.pool != nil {
		b.pool.Close("bus shutdown")
	}
}
