package rendezvous

// Outcome 状态取值。
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// 固定的错误明细，外部请求方按字符串匹配。
const (
	ErrorDetailTimeout = "timeout"
)

// AppMetadata 是请求方应用的展示信息，原样回显给人类用户。
type AppMetadata struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Outcome 是一次签名请求的最终结果，经由 waiter 返回并发布到 outcome 主题。
// RequestID 必须原样回显外部请求方自带的 request_id。
type Outcome struct {
	Status        string `json:"status"`
	RequestID     string `json:"request_id"`
	SignedPayload string `json:"signed_payload,omitempty"`
	Receipt       string `json:"receipt,omitempty"`
	Error         string `json:"error,omitempty"`
}

// OKOutcome 构造成功结果。
func OKOutcome(requestID, signedPayload, receipt string) Outcome {
	return Outcome{Status: StatusOK, RequestID: requestID, SignedPayload: signedPayload, Receipt: receipt}
}

// ErrorOutcome 构造失败结果。
func ErrorOutcome(requestID, detail string) Outcome {
	return Outcome{Status: StatusError, RequestID: requestID, Error: detail}
}

// TimedOutOutcome 构造超时结果，外部请求方以此识别无人响应。
func TimedOutOutcome(requestID string) Outcome {
	return ErrorOutcome(requestID, ErrorDetailTimeout)
}
