package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingEventID    = errors.New("event_id is required")
	ErrInvalidEventID    = errors.New("event_id is not a valid UUID")
	ErrInvalidOrderID    = errors.New("order_id is not a valid UUID")
	ErrMissingUserID     = errors.New("user_id is required")
	ErrNonPositiveAmount = errors.New("total_amount must be positive")
)

// OrderEvent is the unit of work decoded from a topic message.
// EventID is the sole deduplication key: two events with the same
// EventID are the same logical event regardless of payload.
type OrderEvent struct {
	EventID     string          `json:"event_id"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Validate checks the wire schema: UUID ids, non-empty user, positive amount.
func (e OrderEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return ErrMissingEventID
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return ErrInvalidEventID
	}
	if _, err := uuid.Parse(e.OrderID); err != nil {
		return ErrInvalidOrderID
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrMissingUserID
	}
	if !e.TotalAmount.IsPositive() {
		return ErrNonPositiveAmount
	}
	return nil
}
