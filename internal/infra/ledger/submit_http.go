package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSubmitter 将签名后的交易提交到 Horizon 风格的 HTTP 端点。
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSubmitter 构造 HTTPSubmitter。
func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	Hash   string `json:"hash"`
	Ledger int64  `json:"ledger"`
	Extras struct {
		ResultCodes struct {
			Transaction string `json:"transaction"`
		} `json:"result_codes"`
	} `json:"extras"`
}

// Submit 实现 Submitter。5xx 视为瞬时故障，4xx 携带账本错误码视为明确拒绝。
func (s *HTTPSubmitter) Submit(ctx context.Context, signedPayload string) (Receipt, error) {
	form := url.Values{"tx": {signedPayload}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transactions", strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, &RejectionError{Code: "transport_error", Transient: true}
	}
	defer resp.Body.Close()

	var body submitResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil && resp.StatusCode == http.StatusOK {
		return Receipt{}, fmt.Errorf("decode submit response: %w", decodeErr)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return Receipt{Hash: body.Hash, Ledger: body.Ledger}, nil
	case resp.StatusCode >= 500:
		return Receipt{}, &RejectionError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Transient: true}
	default:
		code := body.Extras.ResultCodes.Transaction
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return Receipt{}, &RejectionError{Code: code}
	}
}
