package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/mjafarpour/orderflow/internal/model"
)

// ErrDuplicateEvent means the claim lost to an earlier (or concurrent)
// insert for the same event_id. Expected control flow under at-least-once
// delivery, not a failure.
var ErrDuplicateEvent = errors.New("event already processed")

const mysqlErrDuplicateEntry = 1062

// ProcessedEventsRepository persists the dedup ledger.
type ProcessedEventsRepository interface {
	// Claim atomically inserts the record. A single constrained INSERT:
	// the PRIMARY KEY on event_id both detects duplication and records
	// intent-to-process in one statement. Returns ErrDuplicateEvent when
	// the uniqueness constraint fires.
	Claim(ctx context.Context, tx *sqlx.Tx, rec model.ProcessedEventRecord) error
}

type ProcessedEventsRepositoryImpl struct{}

func NewProcessedEventsRepository() *ProcessedEventsRepositoryImpl {
	return &ProcessedEventsRepositoryImpl{}
}

var _ ProcessedEventsRepository = (*ProcessedEventsRepositoryImpl)(nil)

func (r *ProcessedEventsRepositoryImpl) Claim(ctx context.Context, tx *sqlx.Tx, rec model.ProcessedEventRecord) error {
	const q = `
		INSERT INTO processed_events
		    (event_id, order_id, user_id, total_amount, event_time, processed_at)
		VALUES
		    (?, ?, ?, ?, ?, NOW())
	`
	_, err := tx.ExecContext(ctx, q,
		rec.EventID, rec.OrderID, rec.UserID, rec.TotalAmount, rec.EventTime,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry {
			return fmt.Errorf("claim %s: %w", rec.EventID, ErrDuplicateEvent)
		}
		return fmt.Errorf("claim %s: %w", rec.EventID, err)
	}
	return nil
}
