package ledger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	count    atomic.Int64
	failures atomic.Int64
	err      error
}

func (s *stubSubmitter) Submit(ctx context.Context, signedPayload string) (Receipt, error) {
	s.count.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		if s.err != nil {
			return Receipt{}, s.err
		}
		return Receipt{}, &RejectionError{Code: "timeout", Transient: true}
	}
	return Receipt{Hash: "deadbeef", Ledger: 1234}, nil
}

func TestClientRetriesTransientErrors(t *testing.T) {
	stub := &stubSubmitter{}
	stub.failures.Store(2)
	c, err := NewClient(stub, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	require.NoError(t, err)

	receipt, err := c.Submit(context.Background(), "SIGNED")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", receipt.Hash)
	require.Equal(t, int64(3), stub.count.Load())
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	stub := &stubSubmitter{err: &RejectionError{Code: "tx_insufficient_balance"}}
	stub.failures.Store(5)
	c, err := NewClient(stub, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "SIGNED")
	var rejection *RejectionError
	require.True(t, AsRejection(err, &rejection))
	require.Equal(t, "tx_insufficient_balance", rejection.Code)
	require.Equal(t, int64(1), stub.count.Load())
}

func TestClientExhaustsAttempts(t *testing.T) {
	stub := &stubSubmitter{}
	stub.failures.Store(10)
	c, err := NewClient(stub, Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "SIGNED")
	require.Error(t, err)
	require.Equal(t, int64(2), stub.count.Load())
}

func TestNewClientRequiresSubmitter(t *testing.T) {
	_, err := NewClient(nil, Config{})
	require.Error(t, err)
}
