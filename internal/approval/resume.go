package approval

import (
	"github.com/lumenpay/bridge/internal/pinpad"
	"github.com/lumenpay/bridge/internal/rendezvous"
)

// 恢复处理器的封闭标签集。对话状态只保存标签，
// 绝不序列化可执行引用，恢复时查表分发。
const (
	TagSignOnly   = "sign_only"
	TagSignSubmit = "sign_submit"
)

type resumeFunc func(sess pinpad.Session, res pinpad.Result) rendezvous.Outcome

var resumeHandlers = map[string]resumeFunc{
	TagSignOnly:   resumeSignOnly,
	TagSignSubmit: resumeSignSubmit,
}

// resumeSignOnly 构造 "sign" 方法的结果：签名产物原样带回。
func resumeSignOnly(sess pinpad.Session, res pinpad.Result) rendezvous.Outcome {
	if res.Err != nil {
		return rendezvous.ErrorOutcome(sess.RequestID, res.Err.Error())
	}
	return rendezvous.OKOutcome(sess.RequestID, res.SignedPayload, "")
}

// resumeSignSubmit 构造 "sign-and-submit" 方法的结果：附带账本回执。
func resumeSignSubmit(sess pinpad.Session, res pinpad.Result) rendezvous.Outcome {
	if res.Err != nil {
		return rendezvous.ErrorOutcome(sess.RequestID, res.Err.Error())
	}
	if !res.Submitted {
		return rendezvous.ErrorOutcome(sess.RequestID, "transaction signed but not submitted")
	}
	return rendezvous.OKOutcome(sess.RequestID, res.SignedPayload, res.Receipt.Hash)
}
