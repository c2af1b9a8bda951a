package model

import "time"

// DeadLetter is the envelope published to the DLQ topic for messages
// that failed permanently. It carries enough context to replay or
// inspect the original message without the main topic.
type DeadLetter struct {
	ID         string    `json:"id"` // ULID, assigned at dead-letter time
	Topic      string    `json:"topic"`
	Partition  int       `json:"partition"`
	Offset     int64     `json:"offset"`
	Key        string    `json:"key,omitempty"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
	ConsumerID string    `json:"consumer_id,omitempty"`
}
