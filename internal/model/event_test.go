package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validEvent() OrderEvent {
	return OrderEvent{
		EventID:     "5c9f8f8e-8c2a-4b6e-9d2f-1a2b3c4d5e6f",
		OrderID:     "0f0e0d0c-0b0a-4a5b-8c7d-6e5f4a3b2c1d",
		UserID:      "U1",
		TotalAmount: decimal.RequireFromString("10.00"),
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestValidateOK(t *testing.T) {
	if err := validEvent().Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OrderEvent)
		want   error
	}{
		{"missing event_id", func(e *OrderEvent) { e.EventID = "" }, ErrMissingEventID},
		{"bad event_id", func(e *OrderEvent) { e.EventID = "not-a-uuid" }, ErrInvalidEventID},
		{"bad order_id", func(e *OrderEvent) { e.OrderID = "42" }, ErrInvalidOrderID},
		{"missing user", func(e *OrderEvent) { e.UserID = "  " }, ErrMissingUserID},
		{"zero amount", func(e *OrderEvent) { e.TotalAmount = decimal.Zero }, ErrNonPositiveAmount},
		{"negative amount", func(e *OrderEvent) { e.TotalAmount = decimal.RequireFromString("-1") }, ErrNonPositiveAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			if err := ev.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeWireSchema(t *testing.T) {
	raw := `{
		"event_id": "5c9f8f8e-8c2a-4b6e-9d2f-1a2b3c4d5e6f",
		"order_id": "0f0e0d0c-0b0a-4a5b-8c7d-6e5f4a3b2c1d",
		"user_id": "U1",
		"total_amount": 10.00,
		"timestamp": "2026-01-02T03:04:05Z"
	}`
	var ev OrderEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ev.TotalAmount.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("amount mismatch: %s", ev.TotalAmount)
	}
}
