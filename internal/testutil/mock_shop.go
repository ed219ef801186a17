// Package testutil provides a mock shop Admin API for tests.
package testutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
)

// Default page sizes of the mock listing.
const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

// MockShop serves /admin/api/<version>/orders.json with Link header
// pagination, call-limit headers and injectable failures.
type MockShop struct {
	server     *httptest.Server
	apiVersion string

	mu       sync.RWMutex
	orders   []order.Order
	token    string
	handlers map[string]http.HandlerFunc

	failNext       int
	failNextStatus int
	failFrom       int
	failFromStatus int
	omitLink       bool
	callLimit      string

	requestCount int
	lastQuery    url.Values
	lastHeader   http.Header
}

// NewMockShop starts a mock shop for the given API version.
func NewMockShop(apiVersion string) *MockShop {
	m := &MockShop{
		apiVersion: apiVersion,
		handlers:   make(map[string]http.HandlerFunc),
		callLimit:  "1/40",
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL of the mock shop.
func (m *MockShop) URL() string {
	return m.server.URL
}

// OrdersPath returns the path of the orders listing.
func (m *MockShop) OrdersPath() string {
	return "/admin/api/" + m.apiVersion + "/orders.json"
}

// Close shuts down the server.
func (m *MockShop) Close() {
	m.server.Close()
}

// SetOrders replaces the listing content. Orders are served in slice order.
func (m *MockShop) SetOrders(orders []order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append([]order.Order(nil), orders...)
}

// RequireToken rejects requests without the given access token with 401.
func (m *MockShop) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// FailNext answers the next count requests with status.
func (m *MockShop) FailNext(status, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextStatus = status
	m.failNext = count
}

// FailFrom answers every request from the n-th (1-based) on with status.
func (m *MockShop) FailFrom(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFrom = n
	m.failFromStatus = status
}

// OmitLinkHeader stops sending Link headers, forcing clients onto the
// full-page heuristic.
func (m *MockShop) OmitLinkHeader(omit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitLink = omit
}

// SetCallLimit sets the X-Shopify-Shop-Api-Call-Limit value ("used/max").
func (m *MockShop) SetCallLimit(v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLimit = v
}

// SetHandler overrides the handler for a path.
func (m *MockShop) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the number of requests served.
func (m *MockShop) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// LastQuery returns the query of the most recent request.
func (m *MockShop) LastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockShop) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// Reset clears counters and injected failures.
func (m *MockShop) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastQuery = nil
	m.lastHeader = nil
	m.failNext = 0
	m.failFrom = 0
}

func (m *MockShop) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	n := m.requestCount
	m.lastQuery = r.URL.Query()
	m.lastHeader = r.Header.Clone()

	status := 0
	switch {
	case m.failNext > 0:
		m.failNext--
		status = m.failNextStatus
	case m.failFrom > 0 && n >= m.failFrom:
		status = m.failFromStatus
	}
	token := m.token
	handler := m.handlers[r.URL.Path]
	callLimit := m.callLimit
	m.mu.Unlock()

	w.Header().Set("X-Shopify-Shop-Api-Call-Limit", callLimit)

	if status != 0 {
		writeError(w, status)
		return
	}
	if token != "" && r.Header.Get("X-Shopify-Access-Token") != token {
		writeError(w, http.StatusUnauthorized)
		return
	}
	if handler != nil {
		handler(w, r)
		return
	}
	if r.URL.Path != m.OrdersPath() {
		writeError(w, http.StatusNotFound)
		return
	}
	m.listOrders(w, r)
}

func (m *MockShop) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := DefaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxPageSize {
			writeError(w, http.StatusBadRequest)
			return
		}
		limit = n
	}

	filter := listFilter{status: q.Get("financial_status"), from: q.Get("created_at_min"), to: q.Get("created_at_max")}
	offset := 0
	if token := q.Get("page_info"); token != "" {
		if len(q) > 2 || (len(q) == 2 && q.Get("limit") == "") {
			// The real API rejects filters next to page_info.
			writeError(w, http.StatusBadRequest)
			return
		}
		var err error
		if offset, filter, err = decodeCursor(token); err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}
	}

	m.mu.RLock()
	matching := filter.apply(m.orders)
	omitLink := m.omitLink
	m.mu.RUnlock()

	if offset > len(matching) {
		offset = len(matching)
	}
	end := min(offset+limit, len(matching))
	page := matching[offset:end]

	if !omitLink {
		var links []string
		base := "http://" + r.Host + r.URL.Path
		if offset > 0 {
			prev := max(offset-limit, 0)
			links = append(links, fmt.Sprintf(`<%s?limit=%d&page_info=%s>; rel="previous"`, base, limit, encodeCursor(prev, filter)))
		}
		if end < len(matching) {
			links = append(links, fmt.Sprintf(`<%s?limit=%d&page_info=%s>; rel="next"`, base, limit, encodeCursor(end, filter)))
		}
		if len(links) > 0 {
			w.Header().Set("Link", strings.Join(links, ", "))
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string][]order.Order{"orders": page})
}

type listFilter struct {
	status string
	from   string
	to     string
}

func (f listFilter) apply(orders []order.Order) []order.Order {
	from, _ := time.Parse(time.RFC3339, f.from)
	to, _ := time.Parse(time.RFC3339, f.to)

	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if f.status != "" && f.status != "any" && o.FinancialStatus != f.status {
			continue
		}
		if !from.IsZero() && o.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && o.CreatedAt.After(to) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func encodeCursor(offset int, f listFilter) string {
	raw := strings.Join([]string{strconv.Itoa(offset), f.status, f.from, f.to}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (int, listFilter, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, listFilter{}, err
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return 0, listFilter{}, fmt.Errorf("invalid cursor")
	}
	offset, err := strconv.Atoi(parts[0])
	if err != nil || offset < 0 {
		return 0, listFilter{}, fmt.Errorf("invalid cursor offset")
	}
	return offset, listFilter{status: parts[1], from: parts[2], to: parts[3]}, nil
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"errors":%q}`, http.StatusText(status))
}

// SampleOrders returns n valid paid orders with ids 1..n, created one hour
// apart starting 2024-03-01.
func SampleOrders(n int) []order.Order {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	out := make([]order.Order, n)
	for i := range out {
		id := int64(i + 1)
		price := order.Money(11900 + int64(i)*100)
		created := start.Add(time.Duration(i) * time.Hour)
		email := fmt.Sprintf("kunde%d@example.com", id)
		out[i] = order.Order{
			ID:              id,
			Name:            fmt.Sprintf("#%d", 1000+id),
			OrderNumber:     1000 + id,
			Email:           email,
			TotalPrice:      price,
			SubtotalPrice:   price,
			Currency:        "EUR",
			TaxesIncluded:   true,
			FinancialStatus: "paid",
			CreatedAt:       created,
			UpdatedAt:       created,
			Customer:        &order.Customer{ID: 5000 + id, FirstName: "Max", LastName: fmt.Sprintf("Kunde %d", id), Email: email},
			LineItems: []order.LineItem{
				{ID: 10 * id, Title: "Lederarmband", SKU: "LA-01", Quantity: 1, Price: price},
			},
			BillingAddress: &order.Address{
				FirstName: "Max",
				LastName:  fmt.Sprintf("Kunde %d", id),
				Address1:  "Marktplatz 1",
				City:      "Hamburg",
				Zip:       "20095",
				Country:   "Germany",
			},
		}
	}
	return out
}
