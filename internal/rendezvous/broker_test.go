package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/lumenpay/bridge/internal/relaybus"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

type stubDialogs struct {
	mu     sync.Mutex
	opened []openedDialog
	err    error
}

type openedDialog struct {
	humanID       int64
	payload       string
	correlationID string
	requestID     string
	method        string
}

func (s *stubDialogs) Open(ctx context.Context, humanID int64, payload, correlationID, requestID, method string, meta AppMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.opened = append(s.opened, openedDialog{humanID, payload, correlationID, requestID, method})
	return nil
}

func (s *stubDialogs) last() (openedDialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return openedDialog{}, false
	}
	return s.opened[len(s.opened)-1], true
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (s *stubNotifier) Notify(ctx context.Context, humanID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *stubNotifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type outcomeSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *outcomeSink) handler(ctx context.Context, msg relaybus.Message) {
	var outcome Outcome
	if err := json.Unmarshal(msg.Payload, &outcome); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *outcomeSink) find(requestID string) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, outcome := range s.outcomes {
		if outcome.RequestID == requestID {
			return outcome, true
		}
	}
	return Outcome{}, false
}

func newTestBroker(t *testing.T, cfg Config, dialogs DialogOpener, notifier Notifier) (*Broker, *relaybus.MemoryBus, *outcomeSink) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	bus := relaybus.NewMemoryBus()
	t.Cleanup(bus.Close)

	broker, err := NewBroker(cfg, bus, dialogs, notifier, nil)
	require.NoError(t, err)
	require.NoError(t, broker.Start(context.Background()))

	sink := &outcomeSink{}
	require.NoError(t, bus.Subscribe(context.Background(), relaybus.TopicSignOutcome, sink.handler))
	return broker, bus, sink
}

func publishSignRequest(t *testing.T, bus *relaybus.MemoryBus, req signRequestMessage) {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), relaybus.TopicSignRequest, payload))
}

func TestBrokerOpensDialogAndPublishesResolution(t *testing.T) {
	dialogs := &stubDialogs{}
	broker, bus, sink := newTestBroker(t, Config{AwaitTimeout: time.Second}, dialogs, nil)

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r1",
		Requester:   requesterRef{ID: 42},
		Payload:     "AAAA",
		Method:      MethodSign,
		AppMetadata: AppMetadata{Name: "DemoDApp", URL: "https://demo.example"},
	})

	var dialog openedDialog
	require.Eventually(t, func() bool {
		var ok bool
		dialog, ok = dialogs.last()
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(42), dialog.humanID)
	require.Equal(t, "AAAA", dialog.payload)
	require.Equal(t, "r1", dialog.requestID)
	require.NotEmpty(t, dialog.correlationID)

	require.True(t, broker.Resolve(dialog.correlationID, OKOutcome("", "SIGNED", "")))

	require.Eventually(t, func() bool {
		_, ok := sink.find("r1")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r1")
	require.Equal(t, StatusOK, outcome.Status)
	require.Equal(t, "SIGNED", outcome.SignedPayload)
	require.Equal(t, "r1", outcome.RequestID)
}

// earlyResolveDialogs 在 Open 内部立即解析，模拟等待协程启动前就完成的确认。
type earlyResolveDialogs struct {
	broker *Broker
}

func (d *earlyResolveDialogs) Open(ctx context.Context, humanID int64, payload, correlationID, requestID, method string, meta AppMetadata) error {
	d.broker.Resolve(correlationID, OKOutcome(requestID, "SIGNED", ""))
	return nil
}

func TestBrokerPublishesResolutionArrivingBeforeAwait(t *testing.T) {
	dialogs := &earlyResolveDialogs{}
	broker, bus, sink := newTestBroker(t, Config{AwaitTimeout: time.Second}, dialogs, nil)
	dialogs.broker = broker

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r1",
		Requester:   requesterRef{ID: 42},
		Payload:     "AAAA",
		Method:      MethodSign,
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})

	require.Eventually(t, func() bool {
		_, ok := sink.find("r1")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r1")
	require.Equal(t, StatusOK, outcome.Status)
	require.Equal(t, "SIGNED", outcome.SignedPayload)
	require.Equal(t, "r1", outcome.RequestID)
	require.Zero(t, broker.Waiters())
}

func TestBrokerTimeoutOutcome(t *testing.T) {
	dialogs := &stubDialogs{}
	_, bus, sink := newTestBroker(t, Config{AwaitTimeout: 30 * time.Millisecond}, dialogs, nil)

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r1",
		Requester:   requesterRef{ID: 42},
		Payload:     "AAAA",
		Method:      MethodSign,
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})

	require.Eventually(t, func() bool {
		_, ok := sink.find("r1")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r1")
	require.Equal(t, StatusError, outcome.Status)
	require.Equal(t, ErrorDetailTimeout, outcome.Error)
	require.Equal(t, "r1", outcome.RequestID)
}

func TestBrokerRejectsIncompleteRequest(t *testing.T) {
	dialogs := &stubDialogs{}
	broker, bus, sink := newTestBroker(t, Config{}, dialogs, nil)

	publishSignRequest(t, bus, signRequestMessage{
		RequestID: "r2",
		Requester: requesterRef{ID: 42},
		Method:    MethodSign,
		// payload 与 app metadata 缺失
	})

	require.Eventually(t, func() bool {
		_, ok := sink.find("r2")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r2")
	require.Equal(t, StatusError, outcome.Status)
	require.Equal(t, "missing payload", outcome.Error)
	require.Zero(t, broker.Waiters())

	_, opened := dialogs.last()
	require.False(t, opened)
}

func TestBrokerRejectsUndecodablePayload(t *testing.T) {
	dialogs := &stubDialogs{}
	_, bus, sink := newTestBroker(t, Config{}, dialogs, nil)

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r4",
		Requester:   requesterRef{ID: 42},
		Payload:     "not base64!!",
		Method:      MethodSign,
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})

	require.Eventually(t, func() bool {
		_, ok := sink.find("r4")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r4")
	require.Equal(t, StatusError, outcome.Status)
	require.Equal(t, "invalid payload", outcome.Error)

	_, opened := dialogs.last()
	require.False(t, opened)
}

func TestBrokerDiscardsWaiterWhenDialogNotReady(t *testing.T) {
	dialogs := &stubDialogs{err: flowerrors.New(flowerrors.CodeNotInitialized, "keypad not bound")}
	broker, bus, sink := newTestBroker(t, Config{AwaitTimeout: time.Minute}, dialogs, nil)

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r3",
		Requester:   requesterRef{ID: 42},
		Payload:     "AAAA",
		Method:      MethodSign,
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})

	require.Eventually(t, func() bool {
		return broker.Waiters() == 0
	}, time.Second, 10*time.Millisecond)
	// open 失败不发布结果，外部请求方只会观察到超时。
	time.Sleep(50 * time.Millisecond)
	_, published := sink.find("r3")
	require.False(t, published)
}

func TestBrokerForwardsPairingEvents(t *testing.T) {
	dialogs := &stubDialogs{}
	notifier := &stubNotifier{}
	broker, bus, _ := newTestBroker(t, Config{}, dialogs, notifier)

	payload, err := json.Marshal(pairingEventMessage{
		Requester:   requesterRef{ID: 42},
		Status:      "approved",
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), relaybus.TopicPairingEvents, payload))

	require.Eventually(t, func() bool {
		return notifier.count() == 1
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, broker.Waiters())
}

func TestBrokerDirectoryLookupFailure(t *testing.T) {
	dialogs := &stubDialogs{}
	cfg := Config{Metrics: NewMetrics(prometheus.NewRegistry())}
	bus := relaybus.NewMemoryBus()
	t.Cleanup(bus.Close)

	var lookups atomic.Int64
	broker, err := NewBroker(cfg, bus, dialogs, nil, directoryFunc(func(ctx context.Context, requesterID int64) (int64, error) {
		lookups.Add(1)
		return 0, errors.New("no such user")
	}))
	require.NoError(t, err)
	require.NoError(t, broker.Start(context.Background()))

	sink := &outcomeSink{}
	require.NoError(t, bus.Subscribe(context.Background(), relaybus.TopicSignOutcome, sink.handler))

	publishSignRequest(t, bus, signRequestMessage{
		RequestID:   "r4",
		Requester:   requesterRef{ID: 7},
		Payload:     "AAAA",
		Method:      MethodSignAndSubmit,
		AppMetadata: AppMetadata{Name: "DemoDApp"},
	})

	require.Eventually(t, func() bool {
		_, ok := sink.find("r4")
		return ok
	}, time.Second, 10*time.Millisecond)
	outcome, _ := sink.find("r4")
	require.Equal(t, "unknown requester", outcome.Error)
	require.Equal(t, int64(1), lookups.Load())
}

type directoryFunc func(ctx context.Context, requesterID int64) (int64, error)

func (f directoryFunc) Lookup(ctx context.Context, requesterID int64) (int64, error) {
	return f(ctx, requesterID)
}
