package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL 是分离签名记录的存活窗口，到期后由存储单方面删除。
const DefaultTTL = 600 * time.Second

// Status 表示 PendingSignature 的生命周期状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
	StatusExpired Status = "expired"
	StatusError   Status = "error"
)

// Record 是等待分离签名面审批的未签名交易。
type Record struct {
	ID              string
	OwnerID         int64
	WalletAddress   string
	UnsignedPayload string
	Memo            string
	Status          Status
	CreatedAt       time.Time
	SignedPayload   string
	ResumeTag       string
	SuccessMessage  string
}

// CreateParams 携带 Create 所需字段，可选项允许为空。
type CreateParams struct {
	OwnerID         int64
	WalletAddress   string
	UnsignedPayload string
	Memo            string
	ResumeTag       string
	SuccessMessage  string
}

// Store 是分离签名路径的权威存储。每个 id 恰有一条活动记录，
// 删除恰好发生一次：完成、显式取消，或 TTL 到期兜底。
type Store interface {
	// Create 生成抗碰撞 id 并写入记录，存储未就绪返回 NOT_INITIALIZED。
	Create(ctx context.Context, params CreateParams) (string, error)
	// Load 读取记录，缺失或已过期返回 NOT_FOUND。
	Load(ctx context.Context, id string) (Record, error)
	// MarkSigned 将记录置为 signed 并保存签名产物，由签名回调路径调用。
	MarkSigned(ctx context.Context, id, signedPayload string) error
	// Delete 幂等删除，对不存在的 id 不报错。
	Delete(ctx context.Context, id string) error
	Close()
}

// NewRecordID 生成 `<owner>_<random>` 形式的记录 id。
func NewRecordID(ownerID int64) string {
	return fmt.Sprintf("%d_%s", ownerID, uuid.NewString())
}
