// Package ingest drives import runs: it fetches orders, consults the
// idempotency store per order, converts and persists new or changed orders,
// and reports per-run statistics.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/idempotency"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/invoice"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/pagination"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_total",
		Help: "Total processed records by outcome",
	}, []string{"outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Duration of ingestion runs by mode",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"mode"})
)

// Source fetches the records of a run. *pagination.Fetcher implements it.
type Source interface {
	FetchAll(ctx context.Context, q pagination.Query, maxRecords int) (*pagination.Result, error)
}

// Converter turns an order into an invoice draft without I/O.
type Converter interface {
	Convert(o order.Order) (*invoice.Draft, error)
}

// Persister stores a draft and returns the id it was stored under.
type Persister interface {
	Create(ctx context.Context, d *invoice.Draft) (string, error)
}

// Pipeline is the conversion side of a run.
type Pipeline struct {
	Converter Converter
	Persister Persister
}

// Options control a single run.
type Options struct {
	Query      pagination.Query
	MaxRecords int

	// Concurrency overrides the orchestrator's worker count for this run.
	Concurrency int

	// FetchOnly reports the fetched orders without converting them.
	FetchOnly bool
}

// Config holds orchestrator configuration.
type Config struct {
	Store         idempotency.Store
	Fingerprinter *idempotency.Fingerprinter

	// Concurrency is the number of records processed in parallel (default 1).
	Concurrency int

	Logger *zerolog.Logger
}

// Orchestrator runs fetch, check, convert, persist and record cycles.
type Orchestrator struct {
	store         idempotency.Store
	fingerprinter *idempotency.Fingerprinter
	concurrency   int
	logger        zerolog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("idempotency store is required")
	}
	if cfg.Fingerprinter == nil {
		fp, err := idempotency.NewFingerprinter("")
		if err != nil {
			return nil, err
		}
		cfg.Fingerprinter = fp
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	logger := log.With().Str("component", "orchestrator").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Orchestrator{
		store:         cfg.Store,
		fingerprinter: cfg.Fingerprinter,
		concurrency:   cfg.Concurrency,
		logger:        logger,
	}, nil
}

// Run executes one ingestion run.
//
// All pages are fetched before the first record is processed. A hard fetch
// failure aborts the run before any record is touched, unless the source
// returned a best-effort partial result, which is then processed.
//
// Per-record failures are counted and never abort the run. A ticket rejected
// by the store is a defect and aborts the run after in-flight records
// finished. Cancellation of ctx stops new records from being started;
// records already begun are completed or failed.
//
// The returned statistics are never nil.
func (o *Orchestrator) Run(ctx context.Context, src Source, p Pipeline, opts Options) (*RunStatistics, error) {
	stats := &RunStatistics{
		RunID:     uuid.NewString(),
		Errors:    []RecordError{},
		Skips:     []RecordSkip{},
		StartedAt: time.Now(),
	}
	logger := o.logger.With().Str("run_id", stats.RunID).Logger()

	mode := "import"
	if opts.FetchOnly {
		mode = "fetch_only"
	}
	defer func() {
		stats.FinishedAt = time.Now()
		runDuration.WithLabelValues(mode).Observe(stats.Duration().Seconds())
	}()

	if !opts.FetchOnly && (p.Converter == nil || p.Persister == nil) {
		return stats, fmt.Errorf("pipeline requires a converter and a persister")
	}

	logger.Info().
		Int("max_records", opts.MaxRecords).
		Bool("fetch_only", opts.FetchOnly).
		Msg("Starting ingestion run")

	res, fetchErr := src.FetchAll(ctx, opts.Query, opts.MaxRecords)
	if res == nil {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("source returned no result")
		}
		logger.Error().Err(fetchErr).Msg("Ingestion run aborted while fetching")
		return stats, fmt.Errorf("fetch orders: %w", fetchErr)
	}

	stats.TotalFetched = res.TotalFetched
	stats.HasMore = res.HasMore
	stats.NextCursor = res.Cursor
	stats.Limited = res.Limited

	if fetchErr != nil {
		logger.Warn().Err(fetchErr).Int("records", len(res.Records)).Msg("Processing partial fetch result")
		fetchErr = fmt.Errorf("fetch orders: %w", fetchErr)
	}

	if opts.FetchOnly {
		return stats, fetchErr
	}

	runErr := o.process(ctx, logger, res.Records, p, opts, stats)

	logger.Info().
		Int("processed", stats.Processed).
		Int("imported", stats.Imported).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("Ingestion run finished")

	return stats, errors.Join(fetchErr, runErr)
}

// process runs the records through a pool of workers. Outcomes are collected
// by position so that statistics follow fetch order regardless of which
// worker finished first.
func (o *Orchestrator) process(ctx context.Context, logger zerolog.Logger, records []order.Order, p Pipeline, opts Options, stats *RunStatistics) error {
	workers := o.concurrency
	if opts.Concurrency > 0 {
		workers = opts.Concurrency
	}
	if workers > len(records) {
		workers = len(records)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	abort := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			stop()
		})
	}

	outcomes := make([]outcome, len(records))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := o.processRecord(runCtx, logger, records[i], p)
				outcomes[i] = out
				if err != nil {
					abort(err)
				}
			}
		}()
	}

feed:
	for i := range records {
		select {
		case jobs <- i:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for i, out := range outcomes {
		stats.record(records[i].ExternalID(), out)
	}

	if fatalErr != nil {
		logger.Error().Err(fatalErr).Msg("Ingestion run aborted")
		return fatalErr
	}
	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Int("processed", stats.Processed).Msg("Ingestion run cancelled")
		return err
	}
	return nil
}

// processRecord drives one record through check, begin, convert, persist and
// complete. The returned error is only set for defects that must abort the run.
func (o *Orchestrator) processRecord(runCtx context.Context, logger zerolog.Logger, rec order.Order, p Pipeline) (outcome, error) {
	externalID := rec.ExternalID()
	key := idempotency.Key(externalID)
	fingerprint := o.fingerprinter.Fingerprint(rec)
	logger = logger.With().Str("external_id", externalID).Logger()

	if runCtx.Err() != nil {
		return outcome{kind: outcomeNotStarted}, nil
	}

	check, err := o.store.Check(runCtx, key, fingerprint)
	if err != nil {
		if runCtx.Err() != nil {
			return outcome{kind: outcomeNotStarted}, nil
		}
		logger.Warn().Err(err).Msg("Idempotency check failed")
		return outcome{kind: outcomeFailed, reason: err.Error()}, nil
	}
	if check.Skip() {
		logger.Debug().Msg("Order already imported, skipping")
		return outcome{kind: outcomeSkipped, reason: SkipAlreadyImported}, nil
	}

	// Last cancellation point: from Begin on, the record is finished even if
	// the run is cancelled.
	if runCtx.Err() != nil {
		return outcome{kind: outcomeNotStarted}, nil
	}
	recCtx := context.WithoutCancel(runCtx)

	ticket, err := o.store.Begin(recCtx, key, fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrAlreadyInProgress):
		logger.Info().Msg("Order is being processed elsewhere, skipping")
		return outcome{kind: outcomeSkipped, reason: SkipInProgress}, nil
	case errors.Is(err, idempotency.ErrAlreadyCompleted):
		logger.Debug().Msg("Order completed concurrently, skipping")
		return outcome{kind: outcomeSkipped, reason: SkipAlreadyImported}, nil
	case err != nil:
		logger.Warn().Err(err).Msg("Idempotency begin failed")
		return outcome{kind: outcomeFailed, reason: err.Error()}, nil
	}

	draft, err := p.Converter.Convert(rec)
	if err != nil {
		return o.fail(recCtx, logger, ticket, fmt.Errorf("convert: %w", err))
	}

	resultID, err := p.Persister.Create(recCtx, draft)
	if err != nil {
		return o.fail(recCtx, logger, ticket, fmt.Errorf("persist: %w", err))
	}

	if err := o.store.Complete(recCtx, ticket, resultID); err != nil {
		if errors.Is(err, idempotency.ErrInvalidTicket) {
			return outcome{kind: outcomeFailed, reason: err.Error()}, fmt.Errorf("complete %s: %w", key, err)
		}
		logger.Error().Err(err).Str("invoice_id", resultID).Msg("Invoice created but completion not recorded")
		return outcome{kind: outcomeFailed, reason: fmt.Sprintf("invoice %s created but not recorded: %v", resultID, err)}, nil
	}

	logger.Debug().Str("invoice_id", resultID).Msg("Order imported")
	return outcome{kind: outcomeImported, resultID: resultID}, nil
}

// fail records a conversion or persistence failure against the ticket.
func (o *Orchestrator) fail(ctx context.Context, logger zerolog.Logger, ticket idempotency.Ticket, cause error) (outcome, error) {
	logger.Warn().Err(cause).Msg("Order import failed")

	out := outcome{kind: outcomeFailed, reason: cause.Error()}
	if err := o.store.Fail(ctx, ticket, cause.Error()); err != nil {
		if errors.Is(err, idempotency.ErrInvalidTicket) {
			return out, fmt.Errorf("fail %s: %w", ticket.Key, err)
		}
		logger.Error().Err(err).Msg("Failed to record failure")
	}
	return out, nil
}
