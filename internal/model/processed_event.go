package model

import "time"

// ProcessedEventRecord is the durable claim row in processed_events.
// Existence of a row (PK = event_id) is the sole source of truth for
// "already processed". Rows are created exactly once and never mutated.
type ProcessedEventRecord struct {
	EventID     string    `db:"event_id"`
	OrderID     string    `db:"order_id"`
	UserID      string    `db:"user_id"`
	TotalAmount string    `db:"total_amount"`
	EventTime   time.Time `db:"event_time"`
	ProcessedAt time.Time `db:"processed_at"`
}
