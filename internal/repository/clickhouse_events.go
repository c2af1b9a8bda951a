package repository

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventStatRow is one processed-event outcome destined for analytics.
type EventStatRow struct {
	EventID     string    `db:"event_id"`
	OrderID     string    `db:"order_id"`
	UserID      string    `db:"user_id"`
	TotalAmount string    `db:"total_amount"`
	Outcome     string    `db:"outcome"`
	Partition   int32     `db:"topic_partition"`
	Offset      int64     `db:"topic_offset"`
	ProcessedAt time.Time `db:"processed_at"`
}

// CHEventsRepository writes processed-event outcomes to ClickHouse and
// serves the reports endpoint. The table is a ReplacingMergeTree keyed by
// event_id, so at-least-once appends collapse to one row.
type CHEventsRepository interface {
	InsertBatch(ctx context.Context, rows []EventStatRow) error
	ListByUser(ctx context.Context, userID string, outcome string, limit, offset int) ([]EventStatRow, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) InsertBatch(ctx context.Context, rows []EventStatRow) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(rows)*8)

	sb.WriteString(`INSERT INTO orderflow.order_events_local
		(event_id, order_id, user_id, total_amount, outcome, topic_partition, topic_offset, processed_at) VALUES `)
	for i, rw := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			rw.EventID, rw.OrderID, rw.UserID, rw.TotalAmount,
			rw.Outcome, rw.Partition, rw.Offset, rw.ProcessedAt,
		)
	}

	_, err := r.ch.ExecContext(ctx, sb.String(), args...)
	return err
}

func (r *chEventsRepository) ListByUser(ctx context.Context, userID string, outcome string, limit, offset int) ([]EventStatRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, order_id, user_id, total_amount, outcome, topic_partition, topic_offset, processed_at
		FROM orderflow.order_events_latest
		WHERE 1 = 1
	`
	var args []any

	if userID != "" {
		q += " AND user_id = ?"
		args = append(args, userID)
	}
	if outcome != "" {
		q += " AND outcome = ?"
		args = append(args, outcome)
	}

	q += " ORDER BY processed_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []EventStatRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
