package pinpad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lumenpay/bridge/internal/infra/ledger"
	"github.com/lumenpay/bridge/internal/pending"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

// CredentialKind 决定凭证采集方式与是否尝试解密。
type CredentialKind string

const (
	KindNone     CredentialKind = "none"
	KindPIN      CredentialKind = "pin"
	KindPassword CredentialKind = "password"
	KindReadOnly CredentialKind = "read-only"
)

// State 是会话所处的阶段。
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateSigning    State = "signing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Session 是一次签名流程的会话状态，终态转换时清空凭证材料。
type Session struct {
	HumanID        int64
	WalletAddress  string
	Payload        string
	Memo           string
	Kind           CredentialKind
	Ciphertext     []byte
	CorrelationID  string
	RequestID      string
	ResumeTag      string
	SignAndSubmit  bool
	SuccessMessage string
	AppName        string

	buffer        []rune
	signedPayload string
	state         State
}

// Result 是一次会话的终态产物，交给 Finish 回调构造外部结果。
type Result struct {
	SignedPayload string
	Receipt       ledger.Receipt
	Submitted     bool
	Err           error
}

// FinishFunc 在签名或提交终结时被调用，由审批桥接层实现（解析 waiter、通知请求方）。
type FinishFunc func(ctx context.Context, sess Session, res Result)

// SecretBox 用凭证解开钱包密文。失败必须返回 BAD_CREDENTIAL，不区分密钥与凭证错误。
type SecretBox interface {
	Open(ciphertext []byte, credential string) ([]byte, error)
}

// Signer 用解密出的钱包密钥对 payload 签名。
type Signer interface {
	Sign(secret []byte, payload string) (string, error)
}

// Conversation 是对话层的渲染与通知能力。
type Conversation interface {
	Ask(ctx context.Context, humanID int64, prompt string) error
	Notify(ctx context.Context, humanID int64, message string) error
}

// Config 装配 Machine 的协作方。
type Config struct {
	SecretBox    SecretBox
	Signer       Signer
	Submitter    ledger.Submitter
	Store        pending.Store
	Conversation Conversation
	// Finish 在会话终结时回调，可为空（用户自发流程没有 waiter）。
	Finish FinishFunc
	// Link 生成分离签名面的交接链接。
	Link   func(recordID string) string
	Logger *slog.Logger
}

// Machine 按人维护签名会话：逐键采集凭证、解密、签名、可选提交。
// 终态（成功或失败）总是先清空会话再触碰其他对话状态。
type Machine struct {
	cfg Config

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewMachine 构造 Machine。SecretBox、Signer 与 Conversation 必填。
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.SecretBox == nil {
		return nil, errors.New("secret box is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Conversation == nil {
		return nil, errors.New("conversation is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{cfg: cfg, sessions: make(map[int64]*Session)}, nil
}

// Begin 开始一次签名会话。同一人已有会话时直接覆盖（旧会话等同取消）。
func (m *Machine) Begin(ctx context.Context, sess Session) error {
	if sess.HumanID == 0 {
		return flowerrors.New(flowerrors.CodeInvalidArgument, "human id is required")
	}
	if sess.Payload == "" {
		return flowerrors.New(flowerrors.CodeInvalidArgument, "payload is required")
	}
	switch sess.Kind {
	case KindNone, KindPIN, KindPassword, KindReadOnly:
	default:
		return flowerrors.New(flowerrors.CodeInvalidArgument, "unknown credential kind")
	}

	sess.buffer = nil
	sess.signedPayload = ""
	sess.state = StateCollecting

	m.mu.Lock()
	m.sessions[sess.HumanID] = &sess
	m.mu.Unlock()

	return m.render(ctx, &sess)
}

// Digit 追加一个凭证字符并重绘掩码缓冲。PIN 只接受十六进制位 0-9/A-F。
func (m *Machine) Digit(ctx context.Context, humanID int64, ch rune) error {
	m.mu.Lock()
	sess, ok := m.sessions[humanID]
	if !ok || sess.state != StateCollecting {
		m.mu.Unlock()
		return errNoSession()
	}
	if sess.Kind == KindNone || sess.Kind == KindReadOnly {
		m.mu.Unlock()
		return flowerrors.New(flowerrors.CodeInvalidArgument, "this flow does not take a credential")
	}
	if sess.Kind == KindPIN && !isHexDigit(ch) {
		m.mu.Unlock()
		return flowerrors.New(flowerrors.CodeInvalidArgument, "pin digits are 0-9 and A-F")
	}
	sess.buffer = append(sess.buffer, ch)
	snapshot := *sess
	m.mu.Unlock()

	return m.render(ctx, &snapshot)
}

// Delete 删除缓冲中最后一个字符。空缓冲时是无操作。
func (m *Machine) Delete(ctx context.Context, humanID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[humanID]
	if !ok || sess.state != StateCollecting {
		m.mu.Unlock()
		return errNoSession()
	}
	if len(sess.buffer) > 0 {
		sess.buffer = sess.buffer[:len(sess.buffer)-1]
	}
	snapshot := *sess
	m.mu.Unlock()

	return m.render(ctx, &snapshot)
}

// Buffer 返回当前凭证缓冲，仅用于测试与重绘。
func (m *Machine) Buffer(humanID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[humanID]
	if !ok {
		return ""
	}
	return string(sess.buffer)
}

// State 返回会话当前阶段，无会话时返回 idle。
func (m *Machine) State(humanID int64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[humanID]
	if !ok {
		return StateIdle
	}
	return sess.state
}

// Cancel 清空会话，对账本没有任何副作用。无会话时静默成功。
func (m *Machine) Cancel(ctx context.Context, humanID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[humanID]
	if ok {
		sess.clear()
		delete(m.sessions, humanID)
	}
	m.mu.Unlock()
	return nil
}

// Enter 确认输入：解密、签名，必要时提交账本。
// read-only 流程改为落库并展示交接链接，不在此处解析 waiter。
func (m *Machine) Enter(ctx context.Context, humanID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[humanID]
	if !ok || sess.state != StateCollecting {
		m.mu.Unlock()
		return errNoSession()
	}
	if sess.Kind == KindReadOnly {
		snapshot := *sess
		m.mu.Unlock()
		return m.handOff(ctx, &snapshot)
	}
	credential := string(sess.buffer)
	sess.state = StateSigning
	snapshot := *sess
	m.mu.Unlock()

	secret, err := m.cfg.SecretBox.Open(snapshot.Ciphertext, credential)
	if err != nil {
		// 错误凭证只清空缓冲，会话保留，人可以重新输入。
		m.mu.Lock()
		if cur, ok := m.sessions[humanID]; ok {
			cur.buffer = nil
			cur.state = StateCollecting
		}
		m.mu.Unlock()
		m.notify(ctx, humanID, "That credential is not valid. Please try again.")
		return flowerrors.New(flowerrors.CodeBadCredential, "credential rejected")
	}

	signed, err := m.cfg.Signer.Sign(secret, snapshot.Payload)
	secureZero(secret)
	if err != nil {
		m.cfg.Logger.Warn("signing failed", slog.Int64("human_id", humanID), slog.Any("err", err))
		m.fail(ctx, humanID, snapshot, errors.New("signing failed"))
		m.notify(ctx, humanID, "Signing your transaction failed. Please return to the menu and try again.")
		return err
	}

	if !snapshot.SignAndSubmit {
		m.complete(ctx, humanID, snapshot, Result{SignedPayload: signed})
		m.notify(ctx, humanID, successMessage(&snapshot, false))
		return nil
	}
	return m.submit(ctx, humanID, snapshot, signed)
}

// Resend 在账本拒绝后用保留的签名产物重试提交，从不重新签名。
func (m *Machine) Resend(ctx context.Context, humanID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[humanID]
	if !ok || sess.signedPayload == "" {
		m.mu.Unlock()
		return flowerrors.New(flowerrors.CodeNotFound, "nothing to resend")
	}
	snapshot := *sess
	m.mu.Unlock()
	return m.submit(ctx, humanID, snapshot, snapshot.signedPayload)
}

func (m *Machine) submit(ctx context.Context, humanID int64, snapshot Session, signed string) error {
	if m.cfg.Submitter == nil {
		m.fail(ctx, humanID, snapshot, flowerrors.New(flowerrors.CodeNotInitialized, "ledger client not configured"))
		return flowerrors.New(flowerrors.CodeNotInitialized, "ledger client not configured")
	}

	receipt, err := m.cfg.Submitter.Submit(ctx, signed)
	if err != nil {
		// 签名产物保留在会话中，等待用户显式重发；不自动重试账本拒绝。
		m.mu.Lock()
		if cur, ok := m.sessions[humanID]; ok {
			cur.buffer = nil
			cur.Kind = KindNone
			secureZero(cur.Ciphertext)
			cur.Ciphertext = nil
			cur.signedPayload = signed
			cur.state = StateFailed
		}
		m.mu.Unlock()
		m.finish(ctx, snapshot, Result{SignedPayload: signed, Err: ledgerError(err)})
		m.notify(ctx, humanID, ledgerFailureMessage(err))
		return ledgerError(err)
	}

	m.complete(ctx, humanID, snapshot, Result{SignedPayload: signed, Receipt: receipt, Submitted: true})
	m.notify(ctx, humanID, successMessage(&snapshot, true))
	return nil
}

// handOff 把 payload 落入分离签名存储并给出交接链接，waiter 留待分离回调或超时。
func (m *Machine) handOff(ctx context.Context, snapshot *Session) error {
	if m.cfg.Store == nil {
		return flowerrors.New(flowerrors.CodeNotInitialized, "pending store not configured")
	}
	id, err := m.cfg.Store.Create(ctx, pending.CreateParams{
		OwnerID:         snapshot.HumanID,
		WalletAddress:   snapshot.WalletAddress,
		UnsignedPayload: snapshot.Payload,
		Memo:            snapshot.Memo,
		ResumeTag:       snapshot.ResumeTag,
		SuccessMessage:  snapshot.SuccessMessage,
	})
	if err != nil {
		m.cfg.Logger.Warn("pending create failed", slog.Int64("human_id", snapshot.HumanID), slog.Any("err", err))
		m.notify(ctx, snapshot.HumanID, "Could not prepare the transaction for remote signing. Please try again later.")
		return err
	}

	m.mu.Lock()
	if cur, ok := m.sessions[snapshot.HumanID]; ok {
		cur.clear()
		delete(m.sessions, snapshot.HumanID)
	}
	m.mu.Unlock()

	message := "Your transaction is ready to be approved on your signing device."
	if m.cfg.Link != nil {
		message = fmt.Sprintf("Approve your transaction here: %s", m.cfg.Link(id))
	}
	m.notify(ctx, snapshot.HumanID, message)
	m.cfg.Logger.Info("detached handoff created",
		slog.Int64("human_id", snapshot.HumanID),
		slog.String("tx_id", id))
	return nil
}

func (m *Machine) complete(ctx context.Context, humanID int64, snapshot Session, res Result) {
	m.mu.Lock()
	if cur, ok := m.sessions[humanID]; ok {
		cur.clear()
		delete(m.sessions, humanID)
	}
	m.mu.Unlock()
	m.finish(ctx, snapshot, res)
}

func (m *Machine) fail(ctx context.Context, humanID int64, snapshot Session, cause error) {
	m.mu.Lock()
	if cur, ok := m.sessions[humanID]; ok {
		cur.clear()
		delete(m.sessions, humanID)
	}
	m.mu.Unlock()
	m.finish(ctx, snapshot, Result{Err: cause})
}

func (m *Machine) finish(ctx context.Context, snapshot Session, res Result) {
	if m.cfg.Finish == nil {
		return
	}
	m.cfg.Finish(ctx, snapshot, res)
}

func (m *Machine) render(ctx context.Context, sess *Session) error {
	return m.cfg.Conversation.Ask(ctx, sess.HumanID, prompt(sess))
}

func (m *Machine) notify(ctx context.Context, humanID int64, message string) {
	if err := m.cfg.Conversation.Notify(ctx, humanID, message); err != nil {
		m.cfg.Logger.Warn("conversation notify failed", slog.Int64("human_id", humanID), slog.Any("err", err))
	}
}

// clear 抹除凭证材料与签名产物。
func (s *Session) clear() {
	for i := range s.buffer {
		s.buffer[i] = 0
	}
	s.buffer = nil
	secureZero(s.Ciphertext)
	s.Ciphertext = nil
	s.signedPayload = ""
	s.Kind = KindNone
}

func prompt(sess *Session) string {
	header := "Confirm signing"
	if sess.Memo != "" {
		header = fmt.Sprintf("Confirm signing: %s", sess.Memo)
	}
	if sess.AppName != "" {
		header = fmt.Sprintf("%s (requested by %s)", header, sess.AppName)
	}
	switch sess.Kind {
	case KindPIN:
		return fmt.Sprintf("%s\nEnter your PIN: %s", header, strings.Repeat("*", len(sess.buffer)))
	case KindPassword:
		return fmt.Sprintf("%s\nEnter your password: %s", header, strings.Repeat("*", len(sess.buffer)))
	case KindReadOnly:
		return header + "\nThis wallet is read-only here. Press Enter to hand off to your signing device."
	default:
		return header + "\nPress Enter to sign."
	}
}

func successMessage(sess *Session, submitted bool) string {
	if sess.SuccessMessage != "" {
		return sess.SuccessMessage
	}
	if submitted {
		return "Your transaction was signed and submitted."
	}
	return "Your transaction was signed."
}

func ledgerError(err error) error {
	var rejection *ledger.RejectionError
	if ledger.AsRejection(err, &rejection) {
		return flowerrors.New(flowerrors.CodeLedgerRejected, rejection.Code)
	}
	return flowerrors.New(flowerrors.CodeLedgerRejected, "submit failed")
}

func ledgerFailureMessage(err error) string {
	var rejection *ledger.RejectionError
	if ledger.AsRejection(err, &rejection) {
		return fmt.Sprintf("The ledger rejected your transaction (%s). You can resend it without entering your credential again.", rejection.Code)
	}
	return "Submitting your transaction failed. You can resend it without entering your credential again."
}

func errNoSession() error {
	return flowerrors.New(flowerrors.CodeNotFound, "no active signing session")
}

func isHexDigit(ch rune) bool {
	switch {
	case ch >= '0' && ch <= '9':
		return true
	case ch >= 'A' && ch <= 'F':
		return true
	case ch >= 'a' && ch <= 'f':
		return true
	}
	return false
}

func secureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
