package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/client"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_pages_fetched_total",
		Help: "Total number of order pages fetched from the source",
	})

	recordsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_records_fetched_total",
		Help: "Total number of order records fetched from the source",
	})
)

// ErrOversizedPage marks a page with more records than requested. Its
// cursor points past records that were never asked for, so it cannot be
// trimmed and resumed safely.
var ErrOversizedPage = errors.New("page exceeds requested limit")

const (
	// MaxPageSize is the largest page the source API serves.
	MaxPageSize = 250

	// DefaultPageDelay is the pause between two page requests.
	DefaultPageDelay = 100 * time.Millisecond
)

// PageGetter performs one GET against an absolute URL. *client.Client
// implements it.
type PageGetter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Config holds fetcher configuration.
type Config struct {
	// URL of the orders listing endpoint.
	URL string

	// PageSize requested per call, capped at MaxPageSize.
	PageSize int

	// PageDelay is inserted between pages while more remain.
	PageDelay time.Duration

	// BestEffort returns the records fetched so far alongside a hard failure
	// instead of discarding them.
	BestEffort bool

	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *zerolog.Logger
}

// DefaultConfig returns the fetcher defaults for an orders endpoint.
func DefaultConfig(ordersURL string) Config {
	return Config{
		URL:       ordersURL,
		PageSize:  MaxPageSize,
		PageDelay: DefaultPageDelay,
	}
}

// Query filters the listing. When Cursor is set the source only accepts
// limit and page_info, so the other filters are not sent.
type Query struct {
	FinancialStatus string
	Status          string
	CreatedFrom     time.Time
	CreatedTo       time.Time
	Cursor          string
}

// Values encodes the query for one page of the given size.
func (q Query) Values(limit int) url.Values {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	if q.Cursor != "" {
		v.Set(CursorParam, q.Cursor)
		return v
	}

	status := q.Status
	if status == "" {
		status = "any"
	}
	v.Set("status", status)
	if q.FinancialStatus != "" && q.FinancialStatus != "any" {
		v.Set("financial_status", q.FinancialStatus)
	}
	if !q.CreatedFrom.IsZero() {
		v.Set("created_at_min", q.CreatedFrom.Format(time.RFC3339))
	}
	if !q.CreatedTo.IsZero() {
		v.Set("created_at_max", q.CreatedTo.Format(time.RFC3339))
	}
	return v
}

// Result is the outcome of FetchAll.
type Result struct {
	Records []order.Order

	// HasMore reports that the source holds records beyond this result.
	HasMore bool

	// Cursor resumes the listing after the last returned record. Empty when
	// the source gave no continuation token.
	Cursor string

	TotalFetched int

	// Limited is set when maxRecords stopped the fetch before the source
	// was exhausted.
	Limited bool

	Pages int
}

// Fetcher follows next-page cursors until the listing or the caller's cap is
// exhausted.
type Fetcher struct {
	getter PageGetter
	base   *url.URL
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a fetcher for the configured endpoint.
func NewFetcher(getter PageGetter, cfg Config) (*Fetcher, error) {
	if getter == nil {
		return nil, fmt.Errorf("page getter is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid orders URL %q", cfg.URL)
	}

	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.PageDelay < 0 {
		cfg.PageDelay = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	logger := log.With().Str("component", "fetcher").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Fetcher{
		getter: getter,
		base:   base,
		config: cfg,
		logger: logger,
	}, nil
}

// FetchAll pulls pages until the source has no next page or maxRecords
// records were collected (maxRecords <= 0 means no cap).
//
// A hard failure of any page (permanent error, exhausted retries, malformed
// body, cancellation) aborts the fetch. The records fetched so far are
// discarded unless BestEffort is configured, in which case the partial
// result is returned together with the error.
func (f *Fetcher) FetchAll(ctx context.Context, q Query, maxRecords int) (*Result, error) {
	start := time.Now()
	res := &Result{}
	cursor := q.Cursor

	f.logger.Info().
		Int("max_records", maxRecords).
		Bool("resumed", cursor != "").
		Msg("Starting order fetch")

	for {
		if err := ctx.Err(); err != nil {
			return f.fail(res, res.Pages+1, err)
		}

		limit := f.config.PageSize
		if maxRecords > 0 {
			if remaining := maxRecords - res.TotalFetched; remaining < limit {
				limit = remaining
			}
		}

		pageQuery := q
		pageQuery.Cursor = cursor
		orders, next, err := f.fetchPage(ctx, pageQuery, limit, res.Pages+1)
		if err != nil {
			return f.fail(res, res.Pages+1, err)
		}

		res.Records = append(res.Records, orders...)
		res.TotalFetched += len(orders)
		res.Pages++
		pagesFetched.Inc()
		recordsFetched.Add(float64(len(orders)))

		res.HasMore = next.HasNext
		res.Cursor = next.Token

		f.logger.Debug().
			Int("page", res.Pages).
			Int("records", len(orders)).
			Int("total", res.TotalFetched).
			Bool("has_next", next.HasNext).
			Msg("Page fetched")

		if maxRecords > 0 && res.TotalFetched >= maxRecords {
			res.Limited = next.HasNext
			if res.Limited {
				f.logger.Warn().Int("max_records", maxRecords).Msg("Reached record limit")
			}
			break
		}
		if !next.HasNext {
			break
		}
		if next.Token == "" {
			// Full page without Link metadata: more may exist but there is
			// no token to continue with.
			f.logger.Warn().Int("page", res.Pages).Msg("Full page without next link, stopping")
			break
		}

		cursor = next.Token
		if err := ctx.Err(); err != nil {
			return f.fail(res, res.Pages+1, err)
		}
		if f.config.PageDelay > 0 {
			if err := f.config.Sleep(ctx, f.config.PageDelay); err != nil {
				return f.fail(res, res.Pages+1, err)
			}
		}
	}

	f.logger.Info().
		Int("pages", res.Pages).
		Int("records", res.TotalFetched).
		Bool("has_more", res.HasMore).
		Bool("limited", res.Limited).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return res, nil
}

// fetchPage requests one page and decodes it into validated orders.
func (f *Fetcher) fetchPage(ctx context.Context, q Query, limit, page int) ([]order.Order, Cursor, error) {
	u := *f.base
	u.RawQuery = q.Values(limit).Encode()

	resp, err := f.getter.Get(ctx, u.String())
	if err != nil {
		return nil, Cursor{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, Cursor{}, ctxErr
		}
		return nil, Cursor{}, &client.PermanentError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassNetwork,
			Message:    "read page body",
			Err:        err,
		}
	}

	orders, err := order.DecodePage(body)
	if err != nil {
		return nil, Cursor{}, &client.PermanentError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassMalformed,
			Message:    fmt.Sprintf("page %d", page),
			Err:        err,
		}
	}

	if len(orders) > limit {
		return nil, Cursor{}, &client.PermanentError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassMalformed,
			Message:    fmt.Sprintf("page %d: %d orders for limit %d", page, len(orders), limit),
			Err:        ErrOversizedPage,
		}
	}

	next, ok, err := ParseLinkHeader(resp.Header.Get("Link"))
	if err != nil {
		return nil, Cursor{}, &client.PermanentError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ErrorClassMalformed,
			Message:    "invalid Link header",
			Err:        err,
		}
	}
	if !ok {
		next = Cursor{HasNext: len(orders) >= limit}
	}

	return orders, next, nil
}

func (f *Fetcher) fail(res *Result, page int, err error) (*Result, error) {
	event := f.logger.Error()
	if client.IsCancelled(err) {
		event = f.logger.Warn()
	}
	event.
		Err(err).
		Int("page", page).
		Int("fetched", res.TotalFetched).
		Bool("best_effort", f.config.BestEffort).
		Msg("Order fetch aborted")

	err = fmt.Errorf("fetch page %d: %w", page, err)
	if f.config.BestEffort {
		return res, err
	}
	return nil, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
