// Package invoice turns source orders into invoice drafts and hands them to
// the invoice persistence layer.
package invoice

import (
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
)

// Status is the invoice status label used by the accounting application.
type Status string

const (
	StatusPaid      Status = "Bezahlt"
	StatusOpen      Status = "Offen"
	StatusRefunded  Status = "Erstattet"
	StatusCancelled Status = "Storniert"
	StatusDraft     Status = "Entwurf"
)

// StatusFor maps an order's financial state onto an invoice status.
func StatusFor(state order.FinancialState) Status {
	switch state {
	case order.StatePaid:
		return StatusPaid
	case order.StatePending:
		return StatusOpen
	case order.StateRefunded:
		return StatusRefunded
	case order.StateVoided:
		return StatusCancelled
	default:
		return StatusDraft
	}
}

// Customer is the billing party of an invoice.
type Customer struct {
	Name        string
	Email       string
	Address     string
	City        string
	ZipCode     string
	Country     string
	CompanyName string
	IsCompany   bool
}

// Item is one invoice position. All amounts are in minor units; Net + Tax
// equals Total for every item.
type Item struct {
	Description string
	SKU         string
	Quantity    int
	UnitPrice   order.Money
	Net         order.Money
	Tax         order.Money
	Total       order.Money
}

// Draft is an invoice ready to be persisted. It is discarded by the pipeline
// once the persister accepted it.
type Draft struct {
	Number    string
	Date      time.Time
	DueDate   time.Time
	Customer  Customer
	Items     []Item
	Subtotal  order.Money
	TaxRate   int
	TaxAmount order.Money
	Total     order.Money
	Status    Status
	Currency  string

	ShopOrderID     string
	ShopOrderNumber string
	Source          string

	// SourceTotal is the order total reported by the source.
	SourceTotal order.Money
}
