package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenpay/bridge/internal/admission"
	"github.com/lumenpay/bridge/internal/approval"
	"github.com/lumenpay/bridge/internal/config"
	"github.com/lumenpay/bridge/internal/infra/ledger"
	"github.com/lumenpay/bridge/internal/infra/secretbox"
	"github.com/lumenpay/bridge/internal/pending"
	"github.com/lumenpay/bridge/internal/pinpad"
	"github.com/lumenpay/bridge/internal/relaybus"
	"github.com/lumenpay/bridge/internal/rendezvous"
	"github.com/lumenpay/bridge/pkg/flowerrors"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("BRIDGE_CONFIG"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	bus, err := configureBus(cfg, logger)
	if err != nil {
		logger.Error("failed to connect relay bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	store, storeCloser, err := configureStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to configure pending store", "error", err)
		os.Exit(1)
	}
	defer storeCloser()

	ledgerClient, err := ledger.NewClient(
		ledger.NewHTTPSubmitter(cfg.Ledger.HorizonURL, cfg.Ledger.SubmitTimeout),
		ledger.Config{
			MaxAttempts:    cfg.Ledger.MaxAttempts,
			InitialBackoff: cfg.Ledger.InitialBackoff,
			MaxBackoff:     cfg.Ledger.MaxBackoff,
			Logger:         logger,
		})
	if err != nil {
		logger.Error("failed to configure ledger client", "error", err)
		os.Exit(1)
	}

	conversation := &logConversation{logger: logger}

	// Wallet minting/funding is a guarded critical section: one provisioning
	// at a time, with a rate cap on the faucet behind it.
	guard := admission.NewGuard(admission.Config{
		RatePerSecond: cfg.Admission.RatePerSecond,
		Burst:         cfg.Admission.Burst,
		Metrics:       admission.NewMetrics(registry),
	})

	wallets, err := configureWallets(ctx, guard, logger)
	if err != nil {
		logger.Error("failed to configure wallet source", "error", err)
		os.Exit(1)
	}

	// The bridge is built first so the keypad can finish through it; the
	// broker is wired in afterwards through a late-bound resolver.
	var broker *rendezvous.Broker
	bridge, err := approval.NewBridge(approval.Config{
		Resolver: resolverFunc(func(correlationID string, outcome rendezvous.Outcome) bool {
			if broker == nil {
				return false
			}
			return broker.Resolve(correlationID, outcome)
		}),
		Wallets: wallets,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to configure approval bridge", "error", err)
		os.Exit(1)
	}

	keypad, err := pinpad.NewMachine(pinpad.Config{
		SecretBox:    secretbox.New(),
		Signer:       ed25519Signer{},
		Submitter:    ledgerClient,
		Store:        store,
		Conversation: conversation,
		Finish:       bridge.Finish,
		Link: func(recordID string) string {
			return fmt.Sprintf("%s/%s", cfg.Handoff.BaseURL, recordID)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to configure keypad", "error", err)
		os.Exit(1)
	}
	bridge.Bind(keypad)

	broker, err = rendezvous.NewBroker(rendezvous.Config{
		AwaitTimeout: cfg.Rendezvous.AwaitTimeout,
		Logger:       logger,
		Metrics:      rendezvous.NewMetrics(registry),
	}, bus, bridge, conversation, nil)
	if err != nil {
		logger.Error("failed to configure broker", "error", err)
		os.Exit(1)
	}
	if err := broker.Start(ctx); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	consumer, err := pending.NewConsumer(store, ledgerClient, conversation, logger)
	if err != nil {
		logger.Error("failed to configure detached consumer", "error", err)
		os.Exit(1)
	}
	if err := consumer.Start(ctx, bus); err != nil {
		logger.Error("failed to start detached consumer", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	go func() {
		logger.Info("metrics server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server closed unexpectedly", "error", err)
			stop()
		}
	}()

	logger.Info("bridge daemon started",
		"relays", len(cfg.Relay.URLs),
		"store", cfg.Store.Driver,
		"await_timeout", cfg.Rendezvous.AwaitTimeout)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	broker.Close()
}

// configureBus connects to the configured relays. The sentinel value
// "memory" selects the in-process bus for single-binary development.
func configureBus(cfg config.Config, logger *slog.Logger) (relaybus.Bus, error) {
	if len(cfg.Relay.URLs) == 1 && cfg.Relay.URLs[0] == "memory" {
		logger.Info("using in-process relay bus")
		return relaybus.NewMemoryBus(), nil
	}
	return relaybus.NewNostrBus(relaybus.Config{
		Relays:         cfg.Relay.URLs,
		SecretKey:      cfg.Relay.SecretKey,
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		Logger:         logger,
	})
}

func configureStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (pending.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, func() {}, err
		}
		store := pending.NewPGStore(pool, pending.PGStoreConfig{
			TTL:           cfg.Store.TTL,
			SweepInterval: cfg.Store.SweepInterval,
			Logger:        logger,
		})
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			pool.Close()
			return nil, func() {}, err
		}
		return store, func() { store.Close(); pool.Close() }, nil
	case config.StoreMemory:
		store := pending.NewMemStore(cfg.Store.TTL)
		return store, store.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// configureWallets seeds a single development wallet from the environment,
// provisioning it through the admission guard like any freshly minted wallet.
// Production deployments replace this with the user-record service, which
// shares the same guard around its minting/funding section.
func configureWallets(ctx context.Context, guard *admission.Guard, logger *slog.Logger) (approval.WalletSource, error) {
	address := os.Getenv("BRIDGE_DEV_WALLET_ADDRESS")
	seed := os.Getenv("BRIDGE_DEV_WALLET_SEED")
	if address == "" || seed == "" {
		logger.Warn("no development wallet configured; inbound sign requests will be rejected")
		return emptyWallets{}, nil
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("BRIDGE_DEV_WALLET_SEED must be exactly %d bytes", ed25519.SeedSize)
	}

	if queued := guard.WaitingCount(); queued > 0 {
		logger.Info("waiting for a provisioning slot", "position", queued+1)
	}
	if err := guard.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire provisioning slot: %w", err)
	}
	defer guard.Release()

	pin := os.Getenv("BRIDGE_DEV_WALLET_PIN")
	kind := pinpad.KindNone
	if pin != "" {
		kind = pinpad.KindPIN
	}
	sealed, err := secretbox.New().Seal([]byte(seed), pin)
	if err != nil {
		return nil, err
	}
	logger.Info("development wallet configured", "address", address, "credential", string(kind))
	return devWallets{wallet: approval.Wallet{
		Address:    address,
		Ciphertext: sealed,
		Kind:       kind,
	}}, nil
}

type resolverFunc func(correlationID string, outcome rendezvous.Outcome) bool

func (f resolverFunc) Resolve(correlationID string, outcome rendezvous.Outcome) bool {
	return f(correlationID, outcome)
}

// logConversation is a stand-in conversational surface that writes every
// prompt and notification to the log. A chat frontend implements the same
// interface against a real messaging channel.
type logConversation struct {
	logger *slog.Logger
}

func (c *logConversation) Ask(ctx context.Context, humanID int64, prompt string) error {
	c.logger.Info("conversation prompt", "human_id", humanID, "prompt", prompt)
	return nil
}

func (c *logConversation) Notify(ctx context.Context, humanID int64, message string) error {
	c.logger.Info("conversation notify", "human_id", humanID, "message", message)
	return nil
}

type devWallets struct {
	wallet approval.Wallet
}

func (w devWallets) Wallet(ctx context.Context, humanID int64) (approval.Wallet, error) {
	ciphertext := append([]byte(nil), w.wallet.Ciphertext...)
	wallet := w.wallet
	wallet.Ciphertext = ciphertext
	return wallet, nil
}

type emptyWallets struct{}

func (emptyWallets) Wallet(ctx context.Context, humanID int64) (approval.Wallet, error) {
	return approval.Wallet{}, flowerrors.New(flowerrors.CodeNotFound, "no wallet for this user")
}

// ed25519Signer signs the payload with the decrypted wallet seed. The
// signature is returned base64-encoded next to the original payload.
type ed25519Signer struct{}

func (ed25519Signer) Sign(secret []byte, payload string) (string, error) {
	if len(secret) != ed25519.SeedSize {
		return "", errors.New("wallet secret has unexpected length")
	}
	key := ed25519.NewKeyFromSeed(secret)
	sig := ed25519.Sign(key, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig), nil
}
