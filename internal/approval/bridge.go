package approval

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lumenpay/bridge/internal/pinpad"
	"github.com/lumenpay/bridge/internal/rendezvous"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

// Resolver 幂等唤醒 correlation waiter，由 rendezvous.Broker 实现。
type Resolver interface {
	Resolve(correlationID string, outcome rendezvous.Outcome) bool
}

// Wallet 是审批所需的最小钱包视图。
type Wallet struct {
	Address    string
	Ciphertext []byte
	Kind       pinpad.CredentialKind
}

// WalletSource 按人查找钱包，由外部的用户记录层实现。
type WalletSource interface {
	Wallet(ctx context.Context, humanID int64) (Wallet, error)
}

// Keypad 是凭证采集入口，由 pinpad.Machine 实现。
type Keypad interface {
	Begin(ctx context.Context, sess pinpad.Session) error
}

// Config 装配 Bridge。
type Config struct {
	Resolver Resolver
	Wallets  WalletSource
	Logger   *slog.Logger
}

// Bridge 把 rendezvous 的签名请求接入凭证键盘，并在签名终结时
// 按封闭的标签表恢复：构造结果、解析 waiter。
// Bridge 先于 Machine 构造（Machine 的 Finish 指向 Bridge.Finish），
// 随后通过 Bind 补上键盘引用。
type Bridge struct {
	cfg    Config
	keypad Keypad
	logger *slog.Logger
}

// NewBridge 构造 Bridge。Wallets 必填，Resolver 允许为空（纯用户自发模式）。
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Wallets == nil {
		return nil, errors.New("wallet source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: cfg.Logger}, nil
}

// Bind 绑定凭证键盘。在 Bind 之前 Open 返回 NOT_INITIALIZED。
func (b *Bridge) Bind(keypad Keypad) {
	b.keypad = keypad
}

// Open 实现 rendezvous.DialogOpener：把入站请求变成一次签名会话，
// 如同人类自己发起。返回错误时调用方不保留 waiter。
func (b *Bridge) Open(ctx context.Context, humanID int64, payload, correlationID, requestID, method string, meta rendezvous.AppMetadata) error {
	if b.keypad == nil {
		return flowerrors.New(flowerrors.CodeNotInitialized, "approval keypad not bound")
	}

	wallet, err := b.cfg.Wallets.Wallet(ctx, humanID)
	if err != nil {
		b.logger.Warn("wallet lookup failed", slog.Int64("human_id", humanID), slog.Any("err", err))
		return err
	}

	tag := TagSignOnly
	submit := false
	if method == rendezvous.MethodSignAndSubmit {
		tag = TagSignSubmit
		submit = true
	}

	return b.keypad.Begin(ctx, pinpad.Session{
		HumanID:       humanID,
		WalletAddress: wallet.Address,
		Payload:       payload,
		Kind:          wallet.Kind,
		Ciphertext:    wallet.Ciphertext,
		CorrelationID: correlationID,
		RequestID:     requestID,
		ResumeTag:     tag,
		SignAndSubmit: submit,
		AppName:       meta.Name,
	})
}

// Finish 是键盘的终结回调。按 ResumeTag 查表构造结果并解析 waiter；
// 处理器内部的 panic 也必须以错误结果解析 waiter，外部请求方绝不悬挂过超时。
func (b *Bridge) Finish(ctx context.Context, sess pinpad.Session, res pinpad.Result) {
	if sess.CorrelationID == "" {
		// 用户自发的签名没有 waiter，键盘已经通知过人了。
		return
	}

	outcome := rendezvous.ErrorOutcome(sess.RequestID, "internal error")
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("resume handler panicked",
				slog.String("resume_tag", sess.ResumeTag),
				slog.String("correlation_id", sess.CorrelationID),
				slog.Any("panic", r))
			outcome = rendezvous.ErrorOutcome(sess.RequestID, "internal error")
		}
		b.resolve(sess.CorrelationID, outcome)
	}()

	handler, ok := resumeHandlers[sess.ResumeTag]
	if !ok {
		b.logger.Error("unknown resume tag", slog.String("resume_tag", sess.ResumeTag))
		return
	}
	outcome = handler(sess, res)
}

func (b *Bridge) resolve(correlationID string, outcome rendezvous.Outcome) {
	if b.cfg.Resolver == nil {
		return
	}
	if !b.cfg.Resolver.Resolve(correlationID, outcome) {
		// waiter 已超时或已被解析，晚到的结果安全丢弃。
		b.logger.Debug("late resolution dropped", slog.String("correlation_id", correlationID))
	}
}
