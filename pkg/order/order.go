// Package order defines the order records fetched from the source commerce
// API and validates pages of them at the boundary.
package order

import (
	"strconv"
	"strings"
	"time"
)

// FinancialState is the normalized payment state of an order.
type FinancialState string

const (
	StatePaid     FinancialState = "paid"
	StatePending  FinancialState = "pending"
	StateRefunded FinancialState = "refunded"
	StateVoided   FinancialState = "voided"
	StateOther    FinancialState = "other"
)

// Order is one record fetched from the source. It is treated as immutable
// once decoded.
type Order struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	OrderNumber       int64      `json:"order_number"`
	Email             string     `json:"email"`
	TotalPrice        Money      `json:"total_price"`
	SubtotalPrice     Money      `json:"subtotal_price"`
	TotalTax          Money      `json:"total_tax"`
	Currency          string     `json:"currency"`
	TaxesIncluded     bool       `json:"taxes_included"`
	FinancialStatus   string     `json:"financial_status"`
	FulfillmentStatus *string    `json:"fulfillment_status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Customer          *Customer  `json:"customer"`
	LineItems         []LineItem `json:"line_items"`
	BillingAddress    *Address   `json:"billing_address"`
	ShippingAddress   *Address   `json:"shipping_address"`
}

// LineItem is one ordered position.
type LineItem struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    Money  `json:"price"`
}

// Customer identifies the buyer.
type Customer struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Address is a billing or shipping address.
type Address struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2"`
	City        string `json:"city"`
	Zip         string `json:"zip"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
}

// ExternalID returns the stable identifier used as idempotency key.
func (o Order) ExternalID() string {
	return strconv.FormatInt(o.ID, 10)
}

// State maps the source financial status onto FinancialState.
func (o Order) State() FinancialState {
	switch strings.ToLower(o.FinancialStatus) {
	case "paid":
		return StatePaid
	case "pending", "authorized", "partially_paid":
		return StatePending
	case "refunded", "partially_refunded":
		return StateRefunded
	case "voided":
		return StateVoided
	default:
		return StateOther
	}
}

// FullName joins first and last name.
func (c *Customer) FullName() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// FullName joins first and last name of the addressee.
func (a *Address) FullName() string {
	if a == nil {
		return ""
	}
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// PreferredAddress returns the billing address, falling back to shipping.
func (o Order) PreferredAddress() *Address {
	if o.BillingAddress != nil {
		return o.BillingAddress
	}
	return o.ShippingAddress
}
