package order

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a page body that does not match the order schema.
var ErrMalformed = errors.New("malformed order page")

type page struct {
	Orders *[]Order `json:"orders"`
}

// DecodePage parses and validates one page body of the orders endpoint.
// Any schema violation yields an error wrapping ErrMalformed; no partially
// decoded orders are returned.
func DecodePage(body []byte) ([]Order, error) {
	var p page
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Orders == nil {
		return nil, fmt.Errorf("%w: missing orders array", ErrMalformed)
	}

	orders := *p.Orders
	for i := range orders {
		if err := Validate(orders[i]); err != nil {
			return nil, fmt.Errorf("%w: order %d: %v", ErrMalformed, i, err)
		}
	}
	return orders, nil
}

// Validate checks the invariants every fetched order must satisfy.
func Validate(o Order) error {
	if o.ID <= 0 {
		return fmt.Errorf("missing id")
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("order %d: missing created_at", o.ID)
	}
	for j, item := range o.LineItems {
		if item.Quantity < 0 {
			return fmt.Errorf("order %d: line item %d: negative quantity %d", o.ID, j, item.Quantity)
		}
	}
	return nil
}
