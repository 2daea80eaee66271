package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lumenpay/bridge/internal/relaybus"
	"github.com/lumenpay/bridge/pkg/payload"
)

// 入站 sign-request 支持的方法。
const (
	MethodSign          = "sign"
	MethodSignAndSubmit = "sign-and-submit"
)

// DialogOpener 打开面向人类的审批对话，由 approval 包实现。
type DialogOpener interface {
	Open(ctx context.Context, humanID int64, payload, correlationID, requestID, method string, meta AppMetadata) error
}

// Notifier 是对话层的通知能力，配对事件经由它转发给人类。
type Notifier interface {
	Notify(ctx context.Context, humanID int64, message string) error
}

// Directory 将外部请求方携带的用户标识解析为本服务的人类用户。
type Directory interface {
	Lookup(ctx context.Context, requesterID int64) (int64, error)
}

type requesterRef struct {
	ID int64 `json:"id"`
}

type signRequestMessage struct {
	RequestID   string       `json:"request_id"`
	Requester   requesterRef `json:"requester"`
	Payload     string       `json:"payload"`
	Method      string       `json:"method"`
	AppMetadata AppMetadata  `json:"app_metadata"`
}

type pairingEventMessage struct {
	Requester   requesterRef `json:"requester"`
	Status      string       `json:"status"`
	AppMetadata AppMetadata  `json:"app_metadata"`
	Error       string       `json:"error,omitempty"`
}

// Broker 将 pub/sub 上的签名请求桥接到对话层，并把结果发布回去。
// waiter 注册表是它的私有状态，随 Broker 一起构造与销毁。
type Broker struct {
	cfg       Config
	bus       relaybus.Bus
	registry  *Registry
	dialogs   DialogOpener
	notifier  Notifier
	directory Directory
	logger    *slog.Logger

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewBroker 构造 Broker。bus 与 dialogs 必填。
func NewBroker(cfg Config, bus relaybus.Bus, dialogs DialogOpener, notifier Notifier, directory Directory) (*Broker, error) {
	if bus == nil {
		return nil, errors.New("relay bus is required")
	}
	if dialogs == nil {
		return nil, errors.New("dialog opener is required")
	}
	normalized := cfg.normalize()
	return &Broker{
		cfg:       normalized,
		bus:       bus,
		registry:  NewRegistry(normalized.Metrics, normalized.Logger),
		dialogs:   dialogs,
		notifier:  notifier,
		directory: directory,
		logger:    normalized.Logger,
	}, nil
}

// Start 订阅入站主题。重复调用是无操作。
func (b *Broker) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.bus.Subscribe(ctx, relaybus.TopicSignRequest, b.handleSignRequest); err != nil {
		return fmt.Errorf("subscribe %s: %w", relaybus.TopicSignRequest, err)
	}
	if err := b.bus.Subscribe(ctx, relaybus.TopicPairingEvents, b.handlePairingEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", relaybus.TopicPairingEvents, err)
	}
	return nil
}

// Resolve 幂等地唤醒 correlation id 对应的 waiter。
func (b *Broker) Resolve(correlationID string, outcome Outcome) bool {
	return b.registry.Resolve(correlationID, outcome)
}

// Waiters 返回当前在飞的 waiter 数量。
func (b *Broker) Waiters() int {
	return b.registry.Len()
}

// Close 等待所有在飞的等待 goroutine 退出。
func (b *Broker) Close() {
	b.wg.Wait()
}

func (b *Broker) handleSignRequest(ctx context.Context, msg relaybus.Message) {
	var req signRequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		b.rejectRequest(ctx, "", "malformed request")
		return
	}
	if detail, ok := validateSignRequest(req); !ok {
		b.rejectRequest(ctx, req.RequestID, detail)
		return
	}

	humanID := req.Requester.ID
	if b.directory != nil {
		resolved, err := b.directory.Lookup(ctx, req.Requester.ID)
		if err != nil {
			b.rejectRequest(ctx, req.RequestID, "unknown requester")
			return
		}
		humanID = resolved
	}

	correlationID := uuid.NewString()
	if err := b.registry.Register(correlationID); err != nil {
		// id 由 uuid 生成，冲突只可能是实现缺陷。
		b.logger.Error("waiter registration failed", slog.String("correlation_id", correlationID), slog.Any("err", err))
		b.rejectRequest(ctx, req.RequestID, "internal error")
		return
	}

	if err := b.dialogs.Open(ctx, humanID, req.Payload, correlationID, req.RequestID, req.Method, req.AppMetadata); err != nil {
		// 对话层未就绪时不保留 waiter，外部请求方将观察到超时而非崩溃。
		b.registry.Discard(correlationID)
		b.logger.Warn("open approval dialog failed",
			slog.String("request_id", req.RequestID),
			slog.Int64("human_id", humanID),
			slog.Any("err", err))
		return
	}

	b.logger.Info("sign request admitted",
		slog.String("request_id", req.RequestID),
		slog.String("correlation_id", correlationID),
		slog.String("method", req.Method),
		slog.String("app", req.AppMetadata.Name))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.awaitAndPublish(ctx, correlationID, req.RequestID)
	}()
}

func (b *Broker) awaitAndPublish(ctx context.Context, correlationID, requestID string) {
	outcome, err := b.registry.AwaitResult(ctx, correlationID, b.cfg.AwaitTimeout)
	if err != nil {
		outcome = TimedOutOutcome(requestID)
		b.logger.Info("sign request timed out",
			slog.String("request_id", requestID),
			slog.String("correlation_id", correlationID))
	}
	// request id 原样回显，外部请求方以它做匹配。
	outcome.RequestID = requestID
	b.publishOutcome(ctx, outcome)
}

func (b *Broker) rejectRequest(ctx context.Context, requestID, detail string) {
	b.cfg.Metrics.incRejected()
	b.logger.Warn("sign request rejected", slog.String("request_id", requestID), slog.String("detail", detail))
	b.publishOutcome(ctx, ErrorOutcome(requestID, detail))
}

func (b *Broker) publishOutcome(ctx context.Context, outcome Outcome) {
	payload, err := json.Marshal(outcome)
	if err != nil {
		b.logger.Error("marshal outcome failed", slog.Any("err", err))
		return
	}
	if err := b.bus.Publish(ctx, relaybus.TopicSignOutcome, payload); err != nil {
		b.logger.Warn("publish outcome failed", slog.String("request_id", outcome.RequestID), slog.Any("err", err))
	}
}

func (b *Broker) handlePairingEvent(ctx context.Context, msg relaybus.Message) {
	var event pairingEventMessage
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		b.logger.Warn("malformed pairing event", slog.Any("err", err))
		return
	}
	if event.Requester.ID == 0 || event.Status == "" {
		b.logger.Warn("incomplete pairing event", slog.Int64("requester", event.Requester.ID))
		return
	}
	if b.notifier == nil {
		return
	}
	humanID := event.Requester.ID
	if b.directory != nil {
		resolved, err := b.directory.Lookup(ctx, event.Requester.ID)
		if err != nil {
			b.logger.Warn("pairing event for unknown requester", slog.Int64("requester", event.Requester.ID))
			return
		}
		humanID = resolved
	}
	// 纯转发，不经过 waiter 注册表。
	if err := b.notifier.Notify(ctx, humanID, pairingMessage(event)); err != nil {
		b.logger.Warn("pairing notification failed", slog.Int64("human_id", humanID), slog.Any("err", err))
	}
}

func validateSignRequest(req signRequestMessage) (string, bool) {
	switch {
	case req.RequestID == "":
		return "missing request_id", false
	case req.Requester.ID == 0:
		return "missing requester id", false
	case req.Payload == "":
		return "missing payload", false
	case payload.Validate(req.Payload, payload.EncodingBase64) != nil:
		return "invalid payload", false
	case req.Method != MethodSign && req.Method != MethodSignAndSubmit:
		return "unsupported method", false
	case req.AppMetadata.Name == "":
		return "missing app metadata", false
	}
	return "", true
}

func pairingMessage(event pairingEventMessage) string {
	app := event.AppMetadata.Name
	if app == "" {
		app = "An application"
	}
	switch event.Status {
	case "approved":
		return fmt.Sprintf("%s is now paired with your wallet.", app)
	case "queued":
		return fmt.Sprintf("%s requested pairing and is waiting for approval.", app)
	case "failed":
		if event.Error != "" {
			return fmt.Sprintf("Pairing with %s failed: %s", app, event.Error)
		}
		return fmt.Sprintf("Pairing with %s failed.", app)
	default:
		return fmt.Sprintf("Pairing update from %s: %s", app, event.Status)
	}
}
