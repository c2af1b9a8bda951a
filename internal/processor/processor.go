package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mjafarpour/orderflow/internal/metrics"
	"github.com/mjafarpour/orderflow/internal/model"
	"github.com/mjafarpour/orderflow/internal/repository"
)

// Processor is the idempotent transaction handler: one event, one
// transaction, one atomic claim.
//
// The claim insert on processed_events is the only correctness-bearing
// operation. It is a single constrained INSERT, never a select-then-insert:
// two consumers racing on a redelivered event_id both reach the INSERT, the
// store's uniqueness constraint admits exactly one, and the loser takes the
// duplicate path with zero business effects applied.
type Processor struct {
	db           *sqlx.DB
	processed    repository.ProcessedEventsRepository
	orders       repository.OrdersRepository
	storeTimeout time.Duration
	log          *zap.Logger
}

func New(
	db *sqlx.DB,
	processedRepo repository.ProcessedEventsRepository,
	ordersRepo repository.OrdersRepository,
	storeTimeout time.Duration,
	log *zap.Logger,
) *Processor {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		db:           db,
		processed:    processedRepo,
		orders:       ordersRepo,
		storeTimeout: storeTimeout,
		log:          log,
	}
}

// Process claims the event and applies its business effect in one unit of
// work. Returns OutcomeNew on a fresh claim, OutcomeDuplicate when the
// event was already processed (expected under at-least-once delivery).
// Any returned error means the transaction was rolled back and nothing is
// observable in the store.
func (p *Processor) Process(ctx context.Context, ev model.OrderEvent) (model.Outcome, error) {
	start := time.Now()
	defer func() { metrics.ProcessSeconds.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec := model.ProcessedEventRecord{
		EventID:     ev.EventID,
		OrderID:     ev.OrderID,
		UserID:      ev.UserID,
		TotalAmount: ev.TotalAmount.String(),
		EventTime:   ev.Timestamp,
	}

	if err := p.processed.Claim(ctx, tx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			// Already claimed on an earlier delivery (possibly by a crash
			// that beat its own offset commit, possibly by a sibling
			// consumer). Abort: no business effects on this pass.
			p.log.Info("duplicate event skipped",
				zap.String("event_id", ev.EventID),
				zap.String("order_id", ev.OrderID),
			)
			return model.OutcomeDuplicate, nil
		}
		return "", err
	}

	if err := p.orders.Insert(ctx, tx, ev); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	p.log.Info("event processed",
		zap.String("event_id", ev.EventID),
		zap.String("order_id", ev.OrderID),
		zap.String("user_id", ev.UserID),
	)
	return model.OutcomeNew, nil
}
