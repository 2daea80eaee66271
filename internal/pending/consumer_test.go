package pending

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumenpay/bridge/internal/infra/ledger"
	"github.com/lumenpay/bridge/internal/relaybus"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

type notifierStub struct {
	mu       sync.Mutex
	messages []string
	owners   []int64
}

func (n *notifierStub) Notify(ctx context.Context, humanID int64, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners = append(n.owners, humanID)
	n.messages = append(n.messages, message)
	return nil
}

func (n *notifierStub) last() (int64, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return 0, ""
	}
	return n.owners[len(n.owners)-1], n.messages[len(n.messages)-1]
}

type submitterStub struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (s *submitterStub) Submit(ctx context.Context, signedPayload string) (ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ledger.Receipt{}, s.err
	}
	s.payloads = append(s.payloads, signedPayload)
	return ledger.Receipt{Hash: "abc123", Ledger: 9}, nil
}

func (s *submitterStub) submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func publishSigned(t *testing.T, bus relaybus.Bus, id, payload, errDetail string) {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"tx_id":          id,
		"signed_payload": payload,
		"error":          errDetail,
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), relaybus.TopicDetachedSigned, raw))
}

func TestDetachedSignedConsumesRecord(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	bus := relaybus.NewMemoryBus()
	defer bus.Close()
	notifier := &notifierStub{}
	submitter := &submitterStub{}

	consumer, err := NewConsumer(store, submitter, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background(), bus))

	id, err := store.Create(context.Background(), CreateParams{
		OwnerID:         42,
		WalletAddress:   "GABC",
		UnsignedPayload: "AAAA",
		Memo:            "pay rent",
	})
	require.NoError(t, err)

	publishSigned(t, bus, id, "SIGNED", "")

	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), id)
		return flowerrors.Is(err, flowerrors.CodeNotFound)
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, submitter.submitted())
	owner, message := notifier.last()
	require.Equal(t, int64(42), owner)
	require.Contains(t, message, "signed and submitted")
}

func TestDetachedSignedCustomSuccessMessage(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	bus := relaybus.NewMemoryBus()
	defer bus.Close()
	notifier := &notifierStub{}

	consumer, err := NewConsumer(store, &submitterStub{}, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background(), bus))

	id, err := store.Create(context.Background(), CreateParams{
		OwnerID:         7,
		UnsignedPayload: "AAAA",
		SuccessMessage:  "Rent is paid.",
	})
	require.NoError(t, err)

	publishSigned(t, bus, id, "SIGNED", "")

	require.Eventually(t, func() bool {
		_, message := notifier.last()
		return message == "Rent is paid."
	}, time.Second, 10*time.Millisecond)
}

func TestDetachedSignedAbsentRecordIsNoop(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	bus := relaybus.NewMemoryBus()
	defer bus.Close()
	notifier := &notifierStub{}
	submitter := &submitterStub{}

	consumer, err := NewConsumer(store, submitter, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background(), bus))

	publishSigned(t, bus, "42_gone", "SIGNED", "")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, submitter.submitted())
	_, message := notifier.last()
	require.Empty(t, message)
}

func TestDetachedSignerFailureDeletesRecord(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	bus := relaybus.NewMemoryBus()
	defer bus.Close()
	notifier := &notifierStub{}
	submitter := &submitterStub{}

	consumer, err := NewConsumer(store, submitter, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background(), bus))

	id, err := store.Create(context.Background(), CreateParams{OwnerID: 1, UnsignedPayload: "AAAA"})
	require.NoError(t, err)

	publishSigned(t, bus, id, "", "user declined")

	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), id)
		return flowerrors.Is(err, flowerrors.CodeNotFound)
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 0, submitter.submitted())
	_, message := notifier.last()
	require.Contains(t, message, "user declined")
}

func TestLedgerRejectionKeepsRecord(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	bus := relaybus.NewMemoryBus()
	defer bus.Close()
	notifier := &notifierStub{}
	submitter := &submitterStub{err: &ledger.RejectionError{Code: "tx_bad_seq"}}

	consumer, err := NewConsumer(store, submitter, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background(), bus))

	id, err := store.Create(context.Background(), CreateParams{OwnerID: 1, UnsignedPayload: "AAAA"})
	require.NoError(t, err)

	publishSigned(t, bus, id, "SIGNED", "")

	require.Eventually(t, func() bool {
		_, message := notifier.last()
		return message != ""
	}, time.Second, 10*time.Millisecond)

	_, message := notifier.last()
	require.Contains(t, message, "tx_bad_seq")

	// 记录保留到 TTL，等待用户显式重试。
	rec, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusSigned, rec.Status)
}

func TestCancelIsSilentWhenAbsent(t *testing.T) {
	store := NewMemStore(time.Minute)
	defer store.Close()
	consumer, err := NewConsumer(store, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, consumer.Cancel(context.Background(), "42_gone"))

	id, err := store.Create(context.Background(), CreateParams{OwnerID: 1, UnsignedPayload: "AAAA"})
	require.NoError(t, err)
	require.NoError(t, consumer.Cancel(context.Background(), id))
	_, err = store.Load(context.Background(), id)
	require.True(t, flowerrors.Is(err, flowerrors.CodeNotFound))
}

func TestNewConsumerRequiresStore(t *testing.T) {
	_, err := NewConsumer(nil, nil, nil, nil)
	require.True(t, flowerrors.Is(err, flowerrors.CodeNotInitialized))
}
