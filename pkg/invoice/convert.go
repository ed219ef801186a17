package invoice

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/shop-invoice-ingest/pkg/order"
)

// AdjustmentDescription labels the position that reconciles line items with
// the order total (shipping, discounts).
const AdjustmentDescription = "Versandkosten und Rabatte"

// Converter maps orders onto invoice drafts. It performs no I/O.
type Converter struct {
	// TaxRate in percent applied to every position.
	TaxRate int

	// PaymentTermsDays between invoice date and due date.
	PaymentTermsDays int

	// NumberPrefix is prepended to the order name.
	NumberPrefix string

	// DefaultCountry is used when the order carries no address country.
	DefaultCountry string

	// Source tags persisted invoices with their origin.
	Source string
}

// DefaultConverter returns the converter used for German shops.
func DefaultConverter() Converter {
	return Converter{
		TaxRate:          19,
		PaymentTermsDays: 14,
		NumberPrefix:     "SH-",
		DefaultCountry:   "Deutschland",
		Source:           "shopify",
	}
}

// Convert builds the invoice draft for o. The result depends only on o and
// the converter settings.
func (c Converter) Convert(o order.Order) (*Draft, error) {
	if len(o.LineItems) == 0 {
		return nil, fmt.Errorf("order %d has no line items", o.ID)
	}

	customer, err := c.customer(o)
	if err != nil {
		return nil, err
	}

	date := o.CreatedAt
	y, m, d := date.Date()
	date = time.Date(y, m, d, 0, 0, 0, 0, date.Location())

	draft := &Draft{
		Number:          c.number(o),
		Date:            date,
		DueDate:         date.AddDate(0, 0, c.PaymentTermsDays),
		Customer:        customer,
		TaxRate:         c.TaxRate,
		Status:          StatusFor(o.State()),
		Currency:        o.Currency,
		ShopOrderID:     o.ExternalID(),
		ShopOrderNumber: o.Name,
		Source:          c.Source,
		SourceTotal:     o.TotalPrice,
	}

	var gross order.Money
	for _, li := range o.LineItems {
		line := li.Price * order.Money(li.Quantity)
		item := c.split(line, o.TaxesIncluded)
		item.Description = li.Title
		item.SKU = li.SKU
		item.Quantity = li.Quantity
		item.UnitPrice = li.Price
		draft.Items = append(draft.Items, item)
		gross += item.Total
	}

	// Shipping and discounts are not line items; reconcile them as one
	// position so the invoice total matches what the customer paid.
	if diff := o.TotalPrice - gross; diff != 0 {
		item := c.split(diff, true)
		item.Description = AdjustmentDescription
		item.Quantity = 1
		item.UnitPrice = diff
		draft.Items = append(draft.Items, item)
	}

	for _, item := range draft.Items {
		draft.Subtotal += item.Net
		draft.TaxAmount += item.Tax
		draft.Total += item.Total
	}

	return draft, nil
}

// split computes net, tax and gross of an amount that either includes tax
// (gross) or excludes it (net).
func (c Converter) split(amount order.Money, taxIncluded bool) Item {
	rate := int64(c.TaxRate)
	if taxIncluded {
		net := order.Money(divRound(int64(amount)*100, 100+rate))
		return Item{Net: net, Tax: amount - net, Total: amount}
	}
	tax := order.Money(divRound(int64(amount)*rate, 100))
	return Item{Net: amount, Tax: tax, Total: amount + tax}
}

// divRound divides rounding half away from zero.
func divRound(a, b int64) int64 {
	if (a < 0) != (b < 0) {
		return (a - b/2) / b
	}
	return (a + b/2) / b
}

func (c Converter) number(o order.Order) string {
	name := strings.TrimSpace(strings.ReplaceAll(o.Name, "#", ""))
	if name == "" {
		name = strconv.FormatInt(o.OrderNumber, 10)
	}
	return c.NumberPrefix + name
}

func (c Converter) customer(o order.Order) (Customer, error) {
	pick := func(field func(*order.Address) string) string {
		for _, a := range []*order.Address{o.BillingAddress, o.ShippingAddress} {
			if a != nil {
				if v := strings.TrimSpace(field(a)); v != "" {
					return v
				}
			}
		}
		return ""
	}

	name := o.Customer.FullName()
	if name == "" {
		name = pick(func(a *order.Address) string { return a.FullName() })
	}
	email := ""
	if o.Customer != nil {
		email = o.Customer.Email
	}
	if email == "" {
		email = o.Email
	}
	if name == "" {
		name = email
	}
	if name == "" {
		return Customer{}, fmt.Errorf("order %d has no customer name or email", o.ID)
	}

	company := pick(func(a *order.Address) string { return a.Company })
	country := pick(func(a *order.Address) string { return a.Country })
	if country == "" {
		country = c.DefaultCountry
	}

	return Customer{
		Name:        name,
		Email:       email,
		Address:     pick(func(a *order.Address) string { return a.Address1 }),
		City:        pick(func(a *order.Address) string { return a.City }),
		ZipCode:     pick(func(a *order.Address) string { return a.Zip }),
		Country:     country,
		CompanyName: company,
		IsCompany:   company != "",
	}, nil
}
