package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lumenpay/bridge/internal/infra/ledger"
	"github.com/lumenpay/bridge/internal/relaybus"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

// OwnerNotifier 把结果告知记录属主，由对话层实现。
type OwnerNotifier interface {
	Notify(ctx context.Context, humanID int64, message string) error
}

// signedEventMessage 是分离签名面发布的回调事件。
type signedEventMessage struct {
	TxID          string `json:"tx_id"`
	SignedPayload string `json:"signed_payload"`
	Error         string `json:"error,omitempty"`
}

// Consumer 消费分离签名面的回调：装载记录、提交账本、通知属主、删除记录。
// 它从不触碰 correlation waiter 注册表，存储的单次删除是唯一一致性机制。
type Consumer struct {
	store    Store
	ledger   ledger.Submitter
	notifier OwnerNotifier
	logger   *slog.Logger
}

// NewConsumer 构造 Consumer。store 必填，ledger/notifier 允许为空（降级为只删除）。
func NewConsumer(store Store, submitter ledger.Submitter, notifier OwnerNotifier, logger *slog.Logger) (*Consumer, error) {
	if store == nil {
		return nil, flowerrors.New(flowerrors.CodeNotInitialized, "pending store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, ledger: submitter, notifier: notifier, logger: logger}, nil
}

// Start 订阅 detached-signed 主题。
func (c *Consumer) Start(ctx context.Context, bus relaybus.Bus) error {
	return bus.Subscribe(ctx, relaybus.TopicDetachedSigned, c.handleSigned)
}

func (c *Consumer) handleSigned(ctx context.Context, msg relaybus.Message) {
	var event signedEventMessage
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Warn("malformed detached-signed event", slog.Any("err", err))
		return
	}
	if event.TxID == "" {
		c.logger.Warn("detached-signed event without tx_id")
		return
	}

	rec, err := c.store.Load(ctx, event.TxID)
	if err != nil {
		// 已被消费或 TTL 过期，回调可以安全忽略。
		c.logger.Debug("detached-signed for absent record", slog.String("tx_id", event.TxID), slog.Any("err", err))
		return
	}

	if event.Error != "" {
		c.notify(ctx, rec.OwnerID, "Signing on the companion device failed: "+event.Error)
		if err := c.store.Delete(ctx, event.TxID); err != nil {
			c.logger.Warn("delete failed record", slog.String("tx_id", event.TxID), slog.Any("err", err))
		}
		return
	}
	if event.SignedPayload == "" {
		c.logger.Warn("detached-signed event without payload", slog.String("tx_id", event.TxID))
		return
	}

	// 先落盘签名产物，提交与删除之间崩溃时可从存储恢复。
	if err := c.store.MarkSigned(ctx, event.TxID, event.SignedPayload); err != nil {
		c.logger.Debug("mark signed skipped", slog.String("tx_id", event.TxID), slog.Any("err", err))
	}

	if c.ledger != nil {
		receipt, err := c.ledger.Submit(ctx, event.SignedPayload)
		if err != nil {
			// 账本拒绝只通过用户显式重试恢复，记录保留到 TTL。
			c.logger.Warn("detached submit failed", slog.String("tx_id", event.TxID), slog.Any("err", err))
			c.notify(ctx, rec.OwnerID, submitFailureMessage(err))
			return
		}
		c.logger.Info("detached transaction submitted",
			slog.String("tx_id", event.TxID),
			slog.String("hash", receipt.Hash))
	}

	message := rec.SuccessMessage
	if message == "" {
		message = "Your transaction was signed and submitted."
	}
	c.notify(ctx, rec.OwnerID, message)

	if err := c.store.Delete(ctx, event.TxID); err != nil {
		c.logger.Warn("delete consumed record", slog.String("tx_id", event.TxID), slog.Any("err", err))
	}
}

// Cancel 显式取消一条分离签名记录。记录已不存在时静默成功。
func (c *Consumer) Cancel(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, id); err != nil {
		if flowerrors.Is(err, flowerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Consumer) notify(ctx context.Context, ownerID int64, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, ownerID, message); err != nil {
		c.logger.Warn("owner notification failed", slog.Int64("owner_id", ownerID), slog.Any("err", err))
	}
}

func submitFailureMessage(err error) string {
	var rejection *ledger.RejectionError
	if ledger.AsRejection(err, &rejection) {
		return fmt.Sprintf("The ledger rejected your transaction (%s). Open the signing page to try again.", rejection.Code)
	}
	return "Submitting your transaction failed. Open the signing page to try again."
}
