package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ValidationError is returned when the persistence layer rejects a draft's
// content.
type ValidationError struct {
	Number  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invoice %s rejected: %s", e.Number, e.Message)
}

// ConflictError is returned when an invoice with the same identity already
// exists.
type ConflictError struct {
	Number  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("invoice %s conflicts: %s", e.Number, e.Message)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPConfig configures an HTTPPersister.
type HTTPConfig struct {
	// BaseURL of the invoice application; drafts are posted to BaseURL/api/invoices.
	BaseURL string

	// AuthToken is sent as bearer token when set.
	AuthToken string

	// Timeout per create call.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// HTTPPersister creates invoices through the invoice application's HTTP API.
// Each Create is a single request; it never retries.
type HTTPPersister struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPPersister creates a persister for the configured application.
func NewHTTPPersister(cfg HTTPConfig) (*HTTPPersister, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("invoice API base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 {
		clone := *httpClient
		clone.Timeout = cfg.Timeout
		httpClient = &clone
	}

	logger := log.With().Str("component", "invoice-persister").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &HTTPPersister{
		endpoint:   base + "/api/invoices",
		authToken:  cfg.AuthToken,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type wireItem struct {
	Description string      `json:"description"`
	SKU         string      `json:"sku,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   json.Number `json:"unitPrice"`
	Net         json.Number `json:"net"`
	Tax         json.Number `json:"tax"`
	Total       json.Number `json:"total"`
}

type wireCustomer struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	City        string `json:"city"`
	ZipCode     string `json:"zipCode"`
	Country     string `json:"country"`
	CompanyName string `json:"companyName"`
	IsCompany   bool   `json:"isCompany"`
}

type wireInvoice struct {
	InvoiceNumber      string       `json:"invoiceNumber"`
	Date               string       `json:"date"`
	DueDate            string       `json:"dueDate"`
	Customer           wireCustomer `json:"customer"`
	Items              []wireItem   `json:"items"`
	Subtotal           json.Number  `json:"subtotal"`
	TaxRate            int          `json:"taxRate"`
	TaxAmount          json.Number  `json:"taxAmount"`
	Total              json.Number  `json:"total"`
	Status             Status       `json:"status"`
	Currency           string       `json:"currency"`
	ShopifyOrderID     string       `json:"shopifyOrderId"`
	ShopifyOrderNumber string       `json:"shopifyOrderNumber"`
	Source             string       `json:"source"`
}

func amount(m order.Money) json.Number {
	return json.Number(m.String())
}

// wireFormat encodes amounts as exact decimal JSON numbers.
func wireFormat(d *Draft) wireInvoice {
	w := wireInvoice{
		InvoiceNumber: d.Number,
		Date:          d.Date.Format(time.DateOnly),
		DueDate:       d.DueDate.Format(time.DateOnly),
		Customer: wireCustomer{
			Name:        d.Customer.Name,
			Email:       d.Customer.Email,
			Address:     d.Customer.Address,
			City:        d.Customer.City,
			ZipCode:     d.Customer.ZipCode,
			Country:     d.Customer.Country,
			CompanyName: d.Customer.CompanyName,
			IsCompany:   d.Customer.IsCompany,
		},
		Subtotal:           amount(d.Subtotal),
		TaxRate:            d.TaxRate,
		TaxAmount:          amount(d.TaxAmount),
		Total:              amount(d.Total),
		Status:             d.Status,
		Currency:           d.Currency,
		ShopifyOrderID:     d.ShopOrderID,
		ShopifyOrderNumber: d.ShopOrderNumber,
		Source:             d.Source,
	}
	for _, item := range d.Items {
		w.Items = append(w.Items, wireItem{
			Description: item.Description,
			SKU:         item.SKU,
			Quantity:    item.Quantity,
			UnitPrice:   amount(item.UnitPrice),
			Net:         amount(item.Net),
			Tax:         amount(item.Tax),
			Total:       amount(item.Total),
		})
	}
	return w
}

// Create posts the draft and returns the id assigned by the application.
func (p *HTTPPersister) Create(ctx context.Context, d *Draft) (string, error) {
	body, err := json.Marshal(wireFormat(d))
	if err != nil {
		return "", fmt.Errorf("marshal invoice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post invoice %s: %w", d.Number, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := strings.TrimSpace(string(excerpt))

		p.logger.Warn().
			Str("number", d.Number).
			Int("status", resp.StatusCode).
			Msg("Invoice creation rejected")

		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return "", &ValidationError{Number: d.Number, Message: message}
		case http.StatusConflict:
			return "", &ConflictError{Number: d.Number, Message: message}
		default:
			return "", fmt.Errorf("create invoice %s: status %d: %s", d.Number, resp.StatusCode, message)
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode invoice response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("invoice response for %s has no id", d.Number)
	}

	p.logger.Debug().Str("number", d.Number).Str("invoice_id", created.ID).Msg("Invoice created")
	return created.ID, nil
}
