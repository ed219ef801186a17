package main

import (
	"context"
	"fmt"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/client"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/config"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/idempotency"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ingest"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/invoice"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/logging"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// stateStore is the idempotency store together with its maintenance side.
type stateStore interface {
	idempotency.Store
	idempotency.Maintainer
}

// app holds the wired components of one process.
type app struct {
	redis   *redis.Client
	store   stateStore
	service *ingest.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.store = idempotency.NewRedisStore(a.redis,
			idempotency.WithPendingTimeout(cfg.Ingest.PendingTimeout),
			idempotency.WithFailedTTL(cfg.Ingest.FailedRecordTTL),
		)
	} else {
		mem := idempotency.NewMemoryStore()
		mem.SetPendingTimeout(cfg.Ingest.PendingTimeout)
		a.store = mem
	}

	fingerprinter, err := idempotency.NewFingerprinter(cfg.Ingest.FingerprintVersion)
	if err != nil {
		a.Close()
		return nil, err
	}

	orchLogger := logging.NewLogger("orchestrator")
	orch, err := ingest.NewOrchestrator(ingest.Config{
		Store:         a.store,
		Fingerprinter: fingerprinter,
		Concurrency:   cfg.Ingest.Concurrency,
		Logger:        &orchLogger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	persister, err := newPersister(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	retry := client.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.InitialBackoff = cfg.Retry.InitialBackoff
	retry.MaxBackoff = cfg.Retry.MaxBackoff
	retry.BackoffMultiplier = cfg.Retry.Multiplier
	retry.Jitter = cfg.Retry.Jitter

	sourceLogger := logging.NewLogger("source")
	sources := &ingest.SourceFactory{
		Limiter:        ratelimit.NewLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst),
		Redis:          a.redis,
		Retry:          retry,
		RequestTimeout: cfg.Retry.RequestTimeout,
		PageSize:       cfg.Ingest.PageSize,
		PageDelay:      cfg.Ingest.PageDelay,
		BestEffort:     cfg.Ingest.BestEffort,
		Logger:         &sourceLogger,
	}

	serviceLogger := logging.NewLogger("ingest-service")
	a.service, err = ingest.NewService(ingest.ServiceConfig{
		Settings:     config.NewStaticProvider(cfg.Shopify),
		Sources:      sources,
		Orchestrator: orch,
		Pipeline: ingest.Pipeline{
			Converter: invoice.Converter{
				TaxRate:          cfg.Ingest.TaxRate,
				PaymentTermsDays: cfg.Ingest.PaymentTermsDays,
				NumberPrefix:     cfg.Ingest.NumberPrefix,
				DefaultCountry:   cfg.Ingest.DefaultCountry,
				Source:           "shopify",
			},
			Persister: persister,
		},
		Limits: ingest.Limits{
			PreviewDefault: cfg.Ingest.PreviewDefault,
			PreviewCeiling: cfg.Ingest.PreviewCeiling,
			ImportDefault:  cfg.Ingest.ImportDefault,
			ImportCeiling:  cfg.Ingest.ImportCeiling,
		},
		Logger: &serviceLogger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// newPersister targets the invoice API when configured and keeps invoices
// in memory otherwise.
func newPersister(cfg *config.Config) (ingest.Persister, error) {
	if cfg.InvoiceAPI.BaseURL == "" {
		return invoice.NewMemoryRepository(), nil
	}
	logger := logging.NewLogger("invoice-persister")
	p, err := invoice.NewHTTPPersister(invoice.HTTPConfig{
		BaseURL:   cfg.InvoiceAPI.BaseURL,
		AuthToken: cfg.InvoiceAPI.AuthToken,
		Timeout:   cfg.InvoiceAPI.Timeout,
		Logger:    &logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// health reports whether the shared backend is reachable.
func (a *app) health(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
