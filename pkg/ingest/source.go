package ingest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/client"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/config"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/pagination"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SourceBuilder creates the source of one run from freshly read credentials.
type SourceBuilder interface {
	NewSource(creds config.Credentials) (Source, error)
}

// SourceFactory wires a rate-limited client and a fetcher per run. The token
// bucket and the Redis connection are shared by every source it creates, so
// concurrent runs draw from one budget.
type SourceFactory struct {
	Limiter *ratelimit.Limiter

	// Redis shares the observed call budget between processes (optional).
	Redis *redis.Client

	Retry          client.RetryPolicy
	RequestTimeout time.Duration

	PageSize int

	// PageDelay is slept between pages (0 = none).
	PageDelay  time.Duration
	BestEffort bool

	// HTTPClient overrides the transport (optional).
	HTTPClient *http.Client

	Logger *zerolog.Logger
}

// NewSource implements SourceBuilder.
func (f *SourceFactory) NewSource(creds config.Credentials) (Source, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("source credentials: %w", err)
	}

	logger := log.With().Str("component", "ingest-source").Logger()
	if f.Logger != nil {
		logger = *f.Logger
	}
	logger = logger.With().Str("shop", creds.Shop()).Logger()

	cfg := client.DefaultConfig(creds.AccessToken)
	cfg.Retry = f.Retry
	if f.RequestTimeout > 0 {
		cfg.Timeout = f.RequestTimeout
	}
	cfg.Limiter = f.Limiter
	cfg.Tracker = ratelimit.NewTracker(f.Redis, creds.Shop(), logger)
	cfg.HTTPClient = f.HTTPClient
	cfg.Logger = &logger

	c, err := client.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create source client: %w", err)
	}

	fcfg := pagination.DefaultConfig(creds.OrdersURL())
	if f.PageSize > 0 {
		fcfg.PageSize = f.PageSize
	}
	fcfg.PageDelay = f.PageDelay
	fcfg.BestEffort = f.BestEffort
	fcfg.Logger = &logger

	fetcher, err := pagination.NewFetcher(c, fcfg)
	if err != nil {
		return nil, err
	}
	return fetcher, nil
}
