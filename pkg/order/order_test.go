package order

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{in: "12.34", want: 1234},
		{in: "12.3", want: 1230},
		{in: "12", want: 1200},
		{in: "0.05", want: 5},
		{in: ".5", want: 50},
		{in: "-3.99", want: -399},
		{in: "+1.00", want: 100},
		{in: "19.990", want: 1999},
		{in: "19.999", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1.2.3", wantErr: true},
		{in: "-", wantErr: true},
		{in: "1.+5", wantErr: true},
		{in: "1.-5", wantErr: true},
		{in: "++5", wantErr: true},
		{in: "+-5", wantErr: true},
		{in: "1 .5", wantErr: true},
		{in: "92233720368547757.99", want: 9223372036854775799},
		{in: "92233720368547758", wantErr: true},
		{in: "-92233720368547758.00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	var v struct {
		A Money `json:"a"`
		B Money `json:"b"`
		C Money `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"19.99","b":5,"c":null}`), &v))
	assert.Equal(t, Money(1999), v.A)
	assert.Equal(t, Money(500), v.B)
	assert.Equal(t, Money(0), v.C)

	out, err := json.Marshal(Money(-1205))
	require.NoError(t, err)
	assert.Equal(t, `"-12.05"`, string(out))
}

func TestOrderState(t *testing.T) {
	tests := map[string]FinancialState{
		"paid":               StatePaid,
		"PAID":               StatePaid,
		"pending":            StatePending,
		"authorized":         StatePending,
		"refunded":           StateRefunded,
		"partially_refunded": StateRefunded,
		"voided":             StateVoided,
		"":                   StateOther,
		"expired":            StateOther,
	}
	for status, want := range tests {
		assert.Equal(t, want, Order{FinancialStatus: status}.State(), status)
	}
}

const validPage = `{
  "orders": [
    {
      "id": 5001,
      "name": "#1001",
      "order_number": 1001,
      "email": "anna@example.de",
      "total_price": "119.00",
      "currency": "EUR",
      "taxes_included": true,
      "financial_status": "paid",
      "fulfillment_status": null,
      "created_at": "2025-03-01T10:00:00+01:00",
      "updated_at": "2025-03-01T10:05:00+01:00",
      "customer": {"id": 7, "first_name": "Anna", "last_name": "Schmidt", "email": "anna@example.de"},
      "line_items": [{"id": 1, "title": "Teekanne", "quantity": 1, "price": "119.00"}],
      "billing_address": {"address1": "Hauptstr. 1", "city": "Berlin", "zip": "10115", "country": "Germany"}
    }
  ]
}`

func TestDecodePage(t *testing.T) {
	orders, err := DecodePage([]byte(validPage))
	require.NoError(t, err)
	require.Len(t, orders, 1)

	o := orders[0]
	assert.Equal(t, "5001", o.ExternalID())
	assert.Equal(t, Money(11900), o.TotalPrice)
	assert.Equal(t, "Anna Schmidt", o.Customer.FullName())
	assert.Equal(t, StatePaid, o.State())
	assert.Nil(t, o.FulfillmentStatus)
	require.Len(t, o.LineItems, 1)
	assert.Equal(t, Money(11900), o.LineItems[0].Price)
	assert.Equal(t, "Berlin", o.PreferredAddress().City)
}

func TestDecodePage_Empty(t *testing.T) {
	orders, err := DecodePage([]byte(`{"orders": []}`))
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestDecodePage_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":          `<html>`,
		"missing orders":    `{"errors": "Not Found"}`,
		"orders not array":  `{"orders": {}}`,
		"missing id":        `{"orders": [{"created_at": "2025-03-01T10:00:00Z"}]}`,
		"missing created":   `{"orders": [{"id": 1}]}`,
		"bad money":         `{"orders": [{"id": 1, "created_at": "2025-03-01T10:00:00Z", "total_price": "abc"}]}`,
		"bad timestamp":     `{"orders": [{"id": 1, "created_at": "yesterday"}]}`,
		"negative quantity": `{"orders": [{"id": 1, "created_at": "2025-03-01T10:00:00Z", "line_items": [{"quantity": -1}]}]}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			orders, err := DecodePage([]byte(body))
			assert.Nil(t, orders)
			assert.True(t, errors.Is(err, ErrMalformed), "error %v should wrap ErrMalformed", err)
		})
	}
}
