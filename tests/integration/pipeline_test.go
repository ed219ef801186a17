//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/internal/testutil"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/client"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/config"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/idempotency"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ingest"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/invoice"
	"github.com/Sternrassler/shop-invoice-ingest/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const apiVersion = "2025-01"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		_ = redisClient.Close()
		_ = container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// invoiceAPI is a stand-in for the invoice application.
type invoiceAPI struct {
	server *httptest.Server

	mu      sync.Mutex
	numbers []string
	next    atomic.Int64
}

func newInvoiceAPI(t *testing.T) *invoiceAPI {
	t.Helper()
	api := &invoiceAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/invoices" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			InvoiceNumber string `json:"invoiceNumber"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.InvoiceNumber == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		api.mu.Lock()
		api.numbers = append(api.numbers, body.InvoiceNumber)
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"id":"inv-%d"}`, api.next.Add(1))
	}))
	t.Cleanup(api.server.Close)
	return api
}

func (a *invoiceAPI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.numbers)
}

type pipeline struct {
	service *ingest.Service
	store   *idempotency.RedisStore
}

func newPipeline(t *testing.T, redisClient *redis.Client, shop *testutil.MockShop, invoices *invoiceAPI, bestEffort bool) pipeline {
	t.Helper()

	store := idempotency.NewRedisStore(redisClient)
	orch, err := ingest.NewOrchestrator(ingest.Config{Store: store, Concurrency: 4})
	require.NoError(t, err)

	persister, err := invoice.NewHTTPPersister(invoice.HTTPConfig{BaseURL: invoices.server.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	retry := client.DefaultRetryPolicy()
	retry.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	svc, err := ingest.NewService(ingest.ServiceConfig{
		Settings: config.NewStaticProvider(config.ShopifyConfig{
			BaseURL:     shop.URL(),
			AccessToken: "shpat_test",
			APIVersion:  apiVersion,
		}),
		Sources: &ingest.SourceFactory{
			Limiter:    ratelimit.NewLimiter(0, 1),
			Redis:      redisClient,
			Retry:      retry,
			PageSize:   5,
			BestEffort: bestEffort,
		},
		Orchestrator: orch,
		Pipeline:     ingest.Pipeline{Converter: invoice.DefaultConverter(), Persister: persister},
	})
	require.NoError(t, err)

	return pipeline{service: svc, store: store}
}

func newShop(t *testing.T, orders int) *testutil.MockShop {
	t.Helper()
	shop := testutil.NewMockShop(apiVersion)
	t.Cleanup(shop.Close)
	shop.SetOrders(testutil.SampleOrders(orders))
	shop.RequireToken("shpat_test")
	return shop
}

func TestPipeline_ImportIsIdempotent(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	shop := newShop(t, 12)
	invoices := newInvoiceAPI(t)
	p := newPipeline(t, redisClient, shop, invoices, false)

	first, err := p.service.Import(ctx, ingest.ImportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 12, first.TotalOrders)
	assert.Equal(t, 12, first.Imported)
	assert.False(t, first.Pagination.HasMoreOrders)
	assert.Equal(t, 3, shop.RequestCount(), "12 orders in pages of 5")

	second, err := p.service.Import(ctx, ingest.ImportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 12, second.Skipped)
	assert.Equal(t, 12, invoices.count())

	stats, err := p.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Stats{Total: 12, Completed: 12}, stats)

	// The observed call budget is shared through Redis.
	exists, err := redisClient.Exists(ctx, ratelimit.RedisKeyPrefix+shop.URL()[len("http://"):]).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestPipeline_ChangedOrderIsReimported(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	orders := testutil.SampleOrders(4)
	shop := newShop(t, 0)
	shop.SetOrders(orders)
	invoices := newInvoiceAPI(t)
	p := newPipeline(t, redisClient, shop, invoices, false)

	_, err := p.service.Import(ctx, ingest.ImportRequest{})
	require.NoError(t, err)

	orders[1].TotalPrice += 500
	orders[1].LineItems[0].Price += 500
	shop.SetOrders(orders)

	report, err := p.service.Import(ctx, ingest.ImportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 5, invoices.count())
}

func TestPipeline_TransientFailuresAreRetried(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := newShop(t, 7)
	shop.FailNext(http.StatusServiceUnavailable, 2)
	p := newPipeline(t, redisClient, shop, newInvoiceAPI(t), false)

	report, err := p.service.Import(context.Background(), ingest.ImportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 7, report.Imported)
	assert.Equal(t, 4, shop.RequestCount(), "two failed attempts plus two pages")
}

func TestPipeline_HardFailureDiscardsPartialFetch(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	shop := newShop(t, 12)
	shop.FailFrom(2, http.StatusForbidden)
	invoices := newInvoiceAPI(t)
	p := newPipeline(t, redisClient, shop, invoices, false)

	report, err := p.service.Import(ctx, ingest.ImportRequest{})
	require.Error(t, err)
	assert.True(t, client.IsPermanent(err))
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 0, invoices.count())

	stats, err := p.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestPipeline_BestEffortProcessesPartialFetch(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := newShop(t, 12)
	shop.FailFrom(2, http.StatusForbidden)
	invoices := newInvoiceAPI(t)
	p := newPipeline(t, redisClient, shop, invoices, true)

	report, err := p.service.Import(context.Background(), ingest.ImportRequest{})
	require.Error(t, err)
	assert.Equal(t, 5, report.Imported)
	assert.Equal(t, 5, invoices.count())
}

func TestPipeline_ConcurrentRunsImportOnce(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := newShop(t, 20)
	invoices := newInvoiceAPI(t)

	var wg sync.WaitGroup
	reports := make([]*ingest.ImportReport, 3)
	for i := range reports {
		p := newPipeline(t, redisClient, shop, invoices, false)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := p.service.Import(context.Background(), ingest.ImportRequest{})
			assert.NoError(t, err)
			reports[i] = report
		}(i)
	}
	wg.Wait()

	imported := 0
	for _, r := range reports {
		require.NotNil(t, r)
		imported += r.Imported
		assert.Equal(t, 0, r.Failed)
	}
	assert.Equal(t, 20, imported)
	assert.Equal(t, 20, invoices.count())
}

func TestPipeline_CursorResumesAfterLimit(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	shop := newShop(t, 12)
	p := newPipeline(t, redisClient, shop, newInvoiceAPI(t), false)

	first, err := p.service.Import(ctx, ingest.ImportRequest{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, first.Imported)
	assert.True(t, first.Pagination.IsLimited)
	require.NotEmpty(t, first.Pagination.NextCursor)

	rest, err := p.service.Import(ctx, ingest.ImportRequest{Cursor: first.Pagination.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, 5, rest.Imported)
	assert.Equal(t, 0, rest.Skipped)
	assert.False(t, rest.Pagination.HasMoreOrders)
}
