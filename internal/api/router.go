// Package api exposes the ingestion service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/idempotency"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ingest"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ImportPath is the read and write endpoint of order imports.
const ImportPath = "/api/shopify/legacy-import"

// maxBodyBytes bounds import request bodies.
const maxBodyBytes = 1 << 20

// Ingester runs previews and imports. *ingest.Service implements it.
type Ingester interface {
	Preview(ctx context.Context, req ingest.PreviewRequest) (*ingest.PreviewReport, error)
	Import(ctx context.Context, req ingest.ImportRequest) (*ingest.ImportReport, error)
}

// Config holds router dependencies.
type Config struct {
	Ingester Ingester

	// Maintainer enables the idempotency inspection endpoints (optional).
	Maintainer idempotency.Maintainer

	// Health reports backend reachability (optional).
	Health func(ctx context.Context) error

	Logger *zerolog.Logger
}

type handler struct {
	ingester   Ingester
	maintainer idempotency.Maintainer
	health     func(ctx context.Context) error
	logger     zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	logger := log.With().Str("component", "api").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	h := &handler{
		ingester:   cfg.Ingester,
		maintainer: cfg.Maintainer,
		health:     cfg.Health,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route(ImportPath, func(r chi.Router) {
		r.Get("/", h.handlePreview)
		r.Post("/", h.handleImport)
	})

	if h.maintainer != nil {
		r.Route("/api/idempotency", func(r chi.Router) {
			r.Get("/stats", h.handleStoreStats)
			r.Get("/collisions", h.handleCollisions)
			r.Get("/records/{externalID}", h.handleRecord)
		})
	}

	return r
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type previewResponse struct {
	Success bool `json:"success"`
	*ingest.PreviewReport
}

func (h *handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := ingest.PreviewRequest{
		FinancialStatus: q.Get("financial_status"),
		CreatedFrom:     q.Get("created_at_min"),
		CreatedTo:       q.Get("created_at_max"),
		Cursor:          q.Get("page_info"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		req.Limit = n
	}

	report, err := h.ingester.Preview(r.Context(), req)
	if err != nil {
		h.logger.Error().Err(err).Msg("Preview failed")
		writeError(w, http.StatusInternalServerError, "failed to fetch shop orders", err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Success: true, PreviewReport: report})
}

// importRequest is the body of the write endpoint.
type importRequest struct {
	Limit           int    `json:"limit"`
	FinancialStatus string `json:"financial_status"`
	CreatedAtMin    string `json:"created_at_min"`
	CreatedAtMax    string `json:"created_at_max"`
	PageInfo        string `json:"page_info"`
	AutoConvert     *bool  `json:"auto_convert"`
}

type importResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*ingest.ImportReport
}

func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	report, err := h.ingester.Import(r.Context(), ingest.ImportRequest{
		Limit:           body.Limit,
		FinancialStatus: body.FinancialStatus,
		CreatedFrom:     body.CreatedAtMin,
		CreatedTo:       body.CreatedAtMax,
		Cursor:          body.PageInfo,
		AutoConvert:     body.AutoConvert,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Import failed")
		if report == nil {
			writeError(w, http.StatusInternalServerError, "failed to import shop orders", err)
			return
		}
		writeJSON(w, http.StatusInternalServerError, importResponse{Error: err.Error(), ImportReport: report})
		return
	}
	writeJSON(w, http.StatusOK, importResponse{Success: true, ImportReport: report})
}

func (h *handler) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.maintainer.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read idempotency stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleCollisions(w http.ResponseWriter, r *http.Request) {
	collisions, err := h.maintainer.DetectCollisions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to detect collisions", err)
		return
	}
	if collisions == nil {
		collisions = []idempotency.Collision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collisions": collisions})
}

func (h *handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.maintainer.Get(r.Context(), idempotency.Key(chi.URLParam(r, "externalID")))
	switch {
	case errors.Is(err, idempotency.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to read record", err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
