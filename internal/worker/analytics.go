package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mjafarpour/orderflow/internal/repository"
)

// AnalyticsWriter does size/time-based flushes of processed-event outcomes
// to ClickHouse. Strictly best-effort: it runs outside the claim
// transaction and after the offset commit, so a lost row costs a report
// line, never correctness. The ReplacingMergeTree target absorbs repeats.
type AnalyticsWriter struct {
	Repo      repository.CHEventsRepository
	BatchSize int
	BatchWait time.Duration

	in  chan repository.EventStatRow
	log *zap.Logger
}

func NewAnalyticsWriter(repo repository.CHEventsRepository, batchSize int, batchWait time.Duration, log *zap.Logger) *AnalyticsWriter {
	if batchSize <= 0 {
		batchSize = 200
	}
	if batchWait <= 0 {
		batchWait = 300 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AnalyticsWriter{
		Repo:      repo,
		BatchSize: batchSize,
		BatchWait: batchWait,
		in:        make(chan repository.EventStatRow, batchSize*2),
		log:       log,
	}
}

// Record enqueues a row without blocking the consumer loop. Rows are
// dropped when the buffer is full; analytics never stalls a partition.
func (w *AnalyticsWriter) Record(row repository.EventStatRow) {
	select {
	case w.in <- row:
	default:
		w.log.Warn("analytics buffer full, row dropped",
			zap.String("event_id", row.EventID))
	}
}

// Run flushes buffered rows on size or timer until ctx is cancelled, then
// drains what is left.
func (w *AnalyticsWriter) Run(ctx context.Context) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	buf := make([]repository.EventStatRow, 0, w.BatchSize)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		// fresh context: flush must survive loop cancellation
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Repo.InsertBatch(fctx, buf); err != nil {
			w.log.Warn("analytics flush failed", zap.Int("rows", len(buf)), zap.Error(err))
		} else {
			w.log.Debug("analytics flushed", zap.Int("rows", len(buf)))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain whatever is already queued
			for {
				select {
				case row := <-w.in:
					buf = append(buf, row)
					if len(buf) >= w.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case row := <-w.in:
			buf = append(buf, row)
			if len(buf) >= w.BatchSize {
				flush()
			}

		case <-tick.C:
			flush()
		}
	}
}
