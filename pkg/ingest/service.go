package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/config"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/pagination"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default limits of the read and write operations.
const (
	DefaultPreviewLimit   = 250
	DefaultPreviewCeiling = 10000
	DefaultImportLimit    = 1000
	DefaultImportCeiling  = 50000

	// DefaultImportFinancialStatus is imported when the request names none.
	DefaultImportFinancialStatus = "paid"
)

// SettingsProvider supplies source credentials. It is consulted once per run.
type SettingsProvider interface {
	SourceCredentials(ctx context.Context) (config.Credentials, error)
}

// Limits bound the number of records a single request may fetch.
type Limits struct {
	PreviewDefault int
	PreviewCeiling int
	ImportDefault  int
	ImportCeiling  int
}

// DefaultLimits returns the standard request limits.
func DefaultLimits() Limits {
	return Limits{
		PreviewDefault: DefaultPreviewLimit,
		PreviewCeiling: DefaultPreviewCeiling,
		ImportDefault:  DefaultImportLimit,
		ImportCeiling:  DefaultImportCeiling,
	}
}

// ServiceConfig holds service dependencies.
type ServiceConfig struct {
	Settings     SettingsProvider
	Sources      SourceBuilder
	Orchestrator *Orchestrator
	Pipeline     Pipeline
	Limits       Limits
	Logger       *zerolog.Logger
}

// Service exposes preview and import runs with per-operation ceilings.
type Service struct {
	settings     SettingsProvider
	sources      SourceBuilder
	orchestrator *Orchestrator
	pipeline     Pipeline
	limits       Limits
	logger       zerolog.Logger
}

// NewService creates a service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings provider is required")
	}
	if cfg.Sources == nil {
		return nil, fmt.Errorf("source builder is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	defaults := DefaultLimits()
	if cfg.Limits.PreviewCeiling < 1 {
		cfg.Limits.PreviewCeiling = defaults.PreviewCeiling
	}
	if cfg.Limits.PreviewDefault < 1 {
		cfg.Limits.PreviewDefault = min(defaults.PreviewDefault, cfg.Limits.PreviewCeiling)
	}
	if cfg.Limits.ImportCeiling < 1 {
		cfg.Limits.ImportCeiling = defaults.ImportCeiling
	}
	if cfg.Limits.ImportDefault < 1 {
		cfg.Limits.ImportDefault = min(defaults.ImportDefault, cfg.Limits.ImportCeiling)
	}

	logger := log.With().Str("component", "ingest-service").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Service{
		settings:     cfg.Settings,
		sources:      cfg.Sources,
		orchestrator: cfg.Orchestrator,
		pipeline:     cfg.Pipeline,
		limits:       cfg.Limits,
		logger:       logger,
	}, nil
}

// PreviewRequest selects orders for display.
type PreviewRequest struct {
	Limit           int
	FinancialStatus string
	CreatedFrom     string
	CreatedTo       string
	Cursor          string
}

// PreviewCustomer summarizes the buyer of an order.
type PreviewCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PreviewOrder is the display form of an order.
type PreviewOrder struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	TotalPrice        order.Money     `json:"total_price"`
	Currency          string          `json:"currency"`
	CreatedAt         time.Time       `json:"created_at"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus *string         `json:"fulfillment_status"`
	Customer          PreviewCustomer `json:"customer"`
	LineItemsCount    int             `json:"line_items_count"`
}

// PreviewPagination reports where a preview stopped.
type PreviewPagination struct {
	HasNextPage  bool   `json:"hasNextPage"`
	NextCursor   string `json:"nextCursor,omitempty"`
	TotalFetched int    `json:"totalFetched"`
	IsLimited    bool   `json:"isLimited"`
}

// PreviewReport is the result of Preview.
type PreviewReport struct {
	Orders      []PreviewOrder    `json:"orders"`
	Pagination  PreviewPagination `json:"pagination"`
	Message     string            `json:"message"`
	LimitCapped bool              `json:"limitCapped"`
}

// Preview fetches orders for display. It never consults the idempotency
// store and never converts.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewReport, error) {
	limit, capped := clampLimit(req.Limit, s.limits.PreviewDefault, s.limits.PreviewCeiling)
	if capped {
		s.logger.Warn().Int("requested", req.Limit).Int("limit", limit).Msg("Preview limit capped")
	}

	status := req.FinancialStatus
	if status == "" {
		status = "any"
	}
	q := pagination.Query{
		FinancialStatus: status,
		CreatedFrom:     s.parseDate("created_at_min", req.CreatedFrom),
		CreatedTo:       s.parseDate("created_at_max", req.CreatedTo),
		Cursor:          req.Cursor,
	}

	src, err := s.source(ctx)
	if err != nil {
		return nil, err
	}

	res, err := src.FetchAll(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}

	report := &PreviewReport{
		Orders: make([]PreviewOrder, 0, len(res.Records)),
		Pagination: PreviewPagination{
			HasNextPage:  res.HasMore,
			NextCursor:   res.Cursor,
			TotalFetched: res.TotalFetched,
			IsLimited:    res.Limited,
		},
		LimitCapped: capped,
	}
	for _, o := range res.Records {
		report.Orders = append(report.Orders, previewOrder(o))
	}

	switch {
	case capped:
		report.Message = fmt.Sprintf("Limit %d exceeds the maximum of %d; fetched %d orders. Continue with nextCursor for more.", req.Limit, limit, res.TotalFetched)
	case res.Limited:
		report.Message = fmt.Sprintf("Reached the limit of %d orders. Continue with nextCursor for more.", limit)
	default:
		report.Message = fmt.Sprintf("Fetched %d orders successfully", res.TotalFetched)
	}

	s.logger.Info().
		Int("fetched", res.TotalFetched).
		Bool("has_more", res.HasMore).
		Msg("Preview completed")

	return report, nil
}

// ImportRequest selects orders to import.
type ImportRequest struct {
	Limit           int
	FinancialStatus string
	CreatedFrom     string
	CreatedTo       string
	Cursor          string

	// AutoConvert defaults to true. When false the orders are only fetched.
	AutoConvert *bool
}

// ImportPagination reports where an import stopped.
type ImportPagination struct {
	HasMoreOrders bool   `json:"hasMoreOrders"`
	NextCursor    string `json:"nextCursor,omitempty"`
	IsLimited     bool   `json:"isLimited"`
}

// ImportReport is the result of Import.
type ImportReport struct {
	RunID       string           `json:"runId"`
	TotalOrders int              `json:"totalOrders"`
	Imported    int              `json:"imported"`
	Failed      int              `json:"failed"`
	Skipped     int              `json:"skipped"`
	Errors      []RecordError    `json:"errors"`
	Skips       []RecordSkip     `json:"skips"`
	Pagination  ImportPagination `json:"pagination"`
	Message     string           `json:"message"`
	LimitCapped bool             `json:"limitCapped"`
}

// Import runs one ingestion. A non-nil report is returned whenever the run
// started, also together with an error for partial runs.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*ImportReport, error) {
	limit, capped := clampLimit(req.Limit, s.limits.ImportDefault, s.limits.ImportCeiling)
	if capped {
		s.logger.Warn().Int("requested", req.Limit).Int("limit", limit).Msg("Import limit capped")
	}

	status := req.FinancialStatus
	if status == "" {
		status = DefaultImportFinancialStatus
	}
	autoConvert := req.AutoConvert == nil || *req.AutoConvert

	src, err := s.source(ctx)
	if err != nil {
		return nil, err
	}

	stats, runErr := s.orchestrator.Run(ctx, src, s.pipeline, Options{
		Query: pagination.Query{
			FinancialStatus: status,
			CreatedFrom:     s.parseDate("created_at_min", req.CreatedFrom),
			CreatedTo:       s.parseDate("created_at_max", req.CreatedTo),
			Cursor:          req.Cursor,
		},
		MaxRecords: limit,
		FetchOnly:  !autoConvert,
	})

	report := &ImportReport{
		RunID:       stats.RunID,
		TotalOrders: stats.TotalFetched,
		Imported:    stats.Imported,
		Failed:      stats.Failed,
		Skipped:     stats.Skipped,
		Errors:      stats.Errors,
		Skips:       stats.Skips,
		Pagination: ImportPagination{
			HasMoreOrders: stats.HasMore,
			NextCursor:    stats.NextCursor,
			IsLimited:     stats.Limited,
		},
		LimitCapped: capped,
	}

	switch {
	case stats.Limited || capped:
		report.Message = fmt.Sprintf("Import completed with the limit of %d orders. Start another run with nextCursor to continue.", limit)
	case !autoConvert:
		report.Message = fmt.Sprintf("Fetched %d orders without conversion", stats.TotalFetched)
	default:
		report.Message = "Import completed successfully"
	}
	if runErr != nil {
		report.Message = "Import stopped early: " + runErr.Error()
	}

	return report, runErr
}

func (s *Service) source(ctx context.Context) (Source, error) {
	creds, err := s.settings.SourceCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load source settings: %w", err)
	}
	return s.sources.NewSource(creds)
}

// parseDate accepts RFC3339 timestamps and plain dates. Unparseable values
// are dropped so that a bad filter widens the listing instead of failing it.
func (s *Service) parseDate(param, value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	s.logger.Warn().Str("param", param).Str("value", value).Msg("Ignoring invalid date filter")
	return time.Time{}
}

// clampLimit applies the default to non-positive limits and the ceiling to
// oversized ones. capped reports that the ceiling was applied.
func clampLimit(requested, def, ceiling int) (limit int, capped bool) {
	switch {
	case requested < 1:
		return def, false
	case requested > ceiling:
		return ceiling, true
	default:
		return requested, false
	}
}

func previewOrder(o order.Order) PreviewOrder {
	customer := PreviewCustomer{Email: o.Email}
	if o.Customer != nil {
		customer.Name = o.Customer.FullName()
		if o.Customer.Email != "" {
			customer.Email = o.Customer.Email
		}
	}
	if customer.Name == "" {
		customer.Name = o.PreferredAddress().FullName()
	}

	return PreviewOrder{
		ID:                o.ID,
		Name:              o.Name,
		Email:             o.Email,
		TotalPrice:        o.TotalPrice,
		Currency:          o.Currency,
		CreatedAt:         o.CreatedAt,
		FinancialStatus:   o.FinancialStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		Customer:          customer,
		LineItemsCount:    len(o.LineItems),
	}
}
