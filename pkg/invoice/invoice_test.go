package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder() order.Order {
	return order.Order{
		ID:              5001,
		Name:            "#1001",
		OrderNumber:     1001,
		Email:           "order@example.de",
		TotalPrice:      11900,
		Currency:        "EUR",
		TaxesIncluded:   true,
		FinancialStatus: "paid",
		CreatedAt:       time.Date(2025, 3, 1, 23, 30, 0, 0, time.FixedZone("CET", 3600)),
		Customer:        &order.Customer{FirstName: "Anna", LastName: "Schmidt", Email: "anna@example.de"},
		LineItems:       []order.LineItem{{Title: "Teekanne", SKU: "TK-1", Quantity: 2, Price: 5950}},
		BillingAddress:  &order.Address{Address1: "Hauptstr. 1", City: "Berlin", Zip: "10115"},
		ShippingAddress: &order.Address{Country: "Germany", Company: "Schmidt GmbH"},
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusPaid, StatusFor(order.StatePaid))
	assert.Equal(t, StatusOpen, StatusFor(order.StatePending))
	assert.Equal(t, StatusRefunded, StatusFor(order.StateRefunded))
	assert.Equal(t, StatusCancelled, StatusFor(order.StateVoided))
	assert.Equal(t, StatusDraft, StatusFor(order.StateOther))
}

func TestConvert(t *testing.T) {
	d, err := DefaultConverter().Convert(testOrder())
	require.NoError(t, err)

	assert.Equal(t, "SH-1001", d.Number)
	assert.Equal(t, "2025-03-01", d.Date.Format(time.DateOnly))
	assert.Equal(t, "2025-03-15", d.DueDate.Format(time.DateOnly))
	assert.Equal(t, StatusPaid, d.Status)
	assert.Equal(t, "5001", d.ShopOrderID)
	assert.Equal(t, "#1001", d.ShopOrderNumber)

	assert.Equal(t, Customer{
		Name:        "Anna Schmidt",
		Email:       "anna@example.de",
		Address:     "Hauptstr. 1",
		City:        "Berlin",
		ZipCode:     "10115",
		Country:     "Germany",
		CompanyName: "Schmidt GmbH",
		IsCompany:   true,
	}, d.Customer)

	require.Len(t, d.Items, 1)
	item := d.Items[0]
	assert.Equal(t, order.Money(11900), item.Total)
	assert.Equal(t, order.Money(10000), item.Net)
	assert.Equal(t, order.Money(1900), item.Tax)
	assert.Equal(t, order.Money(10000), d.Subtotal)
	assert.Equal(t, order.Money(1900), d.TaxAmount)
	assert.Equal(t, order.Money(11900), d.Total)
}

func TestConvert_TaxExcluded(t *testing.T) {
	o := testOrder()
	o.TaxesIncluded = false
	o.LineItems = []order.LineItem{{Title: "Kabel", Quantity: 3, Price: 333}}
	o.TotalPrice = 1189 // 999 net + 190 tax (rounded)

	d, err := DefaultConverter().Convert(o)
	require.NoError(t, err)

	require.Len(t, d.Items, 1)
	assert.Equal(t, order.Money(999), d.Items[0].Net)
	assert.Equal(t, order.Money(190), d.Items[0].Tax)
	assert.Equal(t, order.Money(1189), d.Total)
}

func TestConvert_AdjustmentForShipping(t *testing.T) {
	o := testOrder()
	o.TotalPrice = 12395 // 119.00 goods + 4.95 shipping

	d, err := DefaultConverter().Convert(o)
	require.NoError(t, err)

	require.Len(t, d.Items, 2)
	adj := d.Items[1]
	assert.Equal(t, AdjustmentDescription, adj.Description)
	assert.Equal(t, order.Money(495), adj.Total)
	assert.Equal(t, adj.Net+adj.Tax, adj.Total)
	assert.Equal(t, o.TotalPrice, d.Total)
	assert.Equal(t, d.Subtotal+d.TaxAmount, d.Total)
}

func TestConvert_Fallbacks(t *testing.T) {
	o := testOrder()
	o.Customer = nil
	o.BillingAddress = nil
	o.ShippingAddress = nil
	o.Name = ""

	d, err := DefaultConverter().Convert(o)
	require.NoError(t, err)

	assert.Equal(t, "SH-1001", d.Number)
	assert.Equal(t, "order@example.de", d.Customer.Name)
	assert.Equal(t, "Deutschland", d.Customer.Country)
	assert.False(t, d.Customer.IsCompany)
}

func TestConvert_Errors(t *testing.T) {
	noItems := testOrder()
	noItems.LineItems = nil
	_, err := DefaultConverter().Convert(noItems)
	assert.Error(t, err)

	anonymous := testOrder()
	anonymous.Customer = nil
	anonymous.Email = ""
	anonymous.BillingAddress = nil
	anonymous.ShippingAddress = nil
	_, err = DefaultConverter().Convert(anonymous)
	assert.Error(t, err)
}

func TestDivRound(t *testing.T) {
	assert.Equal(t, int64(2), divRound(150, 100))
	assert.Equal(t, int64(1), divRound(149, 100))
	assert.Equal(t, int64(-2), divRound(-150, 100))
	assert.Equal(t, int64(-1), divRound(-149, 100))
}

func newTestPersister(t *testing.T, handler http.HandlerFunc) *HTTPPersister {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := zerolog.Nop()
	p, err := NewHTTPPersister(HTTPConfig{BaseURL: server.URL + "/", AuthToken: "secret", Logger: &logger})
	require.NoError(t, err)
	return p
}

func TestHTTPPersister_Create(t *testing.T) {
	var received map[string]any
	var auth string
	p := newTestPersister(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/invoices", r.URL.Path)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "inv-42"}`))
	})

	d, err := DefaultConverter().Convert(testOrder())
	require.NoError(t, err)

	id, err := p.Create(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "inv-42", id)
	assert.Equal(t, "Bearer secret", auth)

	assert.Equal(t, "SH-1001", received["invoiceNumber"])
	assert.Equal(t, "2025-03-15", received["dueDate"])
	assert.Equal(t, 119.0, received["total"])
	assert.Equal(t, "Bezahlt", received["status"])
	assert.Equal(t, "5001", received["shopifyOrderId"])
}

func TestHTTPPersister_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{status: http.StatusBadRequest, check: func(t *testing.T, err error) {
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
		}},
		{status: http.StatusUnprocessableEntity, check: func(t *testing.T, err error) {
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
		}},
		{status: http.StatusConflict, check: func(t *testing.T, err error) {
			var ce *ConflictError
			require.True(t, errors.As(err, &ce))
			assert.Contains(t, ce.Message, "exists")
		}},
		{status: http.StatusInternalServerError, check: func(t *testing.T, err error) {
			assert.Error(t, err)
		}},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			calls := 0
			p := newTestPersister(t, func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": "invoice exists"}`))
			})

			d, err := DefaultConverter().Convert(testOrder())
			require.NoError(t, err)

			_, err = p.Create(context.Background(), d)
			tt.check(t, err)
			assert.Equal(t, 1, calls, "persister must not retry")
		})
	}
}

func TestHTTPPersister_MissingBaseURL(t *testing.T) {
	_, err := NewHTTPPersister(HTTPConfig{})
	assert.Error(t, err)
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	d, err := DefaultConverter().Convert(testOrder())
	require.NoError(t, err)

	id, err := repo.Create(ctx, d)
	require.NoError(t, err)

	stored, ok := repo.Get(id)
	require.True(t, ok)
	assert.Equal(t, "SH-1001", stored.Draft.Number)

	_, err = repo.Create(ctx, d)
	var ce *ConflictError
	assert.True(t, errors.As(err, &ce))

	_, err = repo.Create(ctx, &Draft{Number: "X"})
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))

	assert.Equal(t, 1, repo.Len())
	assert.Len(t, repo.List(), 1)
}
