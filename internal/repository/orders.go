package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mjafarpour/orderflow/internal/model"
)

// OrdersRepository applies the business effect of an event. Runs inside
// the caller's transaction so the effect and the claim commit together.
type OrdersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OrderEvent) error
}

type OrdersRepositoryImpl struct{}

func NewOrdersRepository() *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{}
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

func (r *OrdersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OrderEvent) error {
	const q = `
		INSERT INTO orders
		    (order_id, user_id, total_amount, event_time, created_at)
		VALUES
		    (?, ?, ?, ?, NOW())
	`
	_, err := tx.ExecContext(ctx, q,
		ev.OrderID, ev.UserID, ev.TotalAmount.String(), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", ev.OrderID, err)
	}
	return nil
}
