package rendezvous

import (
	"log/slog"
	"time"
)

const defaultAwaitTimeout = 300 * time.Second

// Config 控制 Broker 行为。
type Config struct {
	AwaitTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = defaultAwaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
