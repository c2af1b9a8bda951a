package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mjafarpour/orderflow/internal/kafka"
	"github.com/mjafarpour/orderflow/internal/metrics"
	"github.com/mjafarpour/orderflow/internal/model"
	"github.com/mjafarpour/orderflow/internal/repository"
	"github.com/mjafarpour/orderflow/internal/retry"
	"github.com/mjafarpour/orderflow/internal/util"
)

// Fetcher yields messages from the broker. *kafka.Consumer satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
}

// EventProcessor is the idempotent transaction handler contract.
type EventProcessor interface {
	Process(ctx context.Context, ev model.OrderEvent) (model.Outcome, error)
}

// DeadLetterPublisher writes to the DLQ topic. *kafka.Producer satisfies it.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// StatsSink receives processed-event outcomes for analytics. Optional.
type StatsSink interface {
	Record(row repository.EventStatRow)
}

// Consumer runs the fetch -> process -> commit cycle.
//
// One fetcher goroutine demuxes messages onto an ordered channel per
// partition; one runner goroutine per partition processes strictly
// sequentially. Message N+1 of a partition is never touched before N's
// outcome is resolved and its offset committed, so per-partition delivery
// order is preserved while partitions proceed in parallel.
//
// The offset is committed only after the outcome is durably known: a fresh
// claim committed, a confirmed duplicate, or a dead-lettered permanent
// failure. Transient failures withhold the offset and back off.
type Consumer struct {
	Source  Fetcher
	Proc    EventProcessor
	DLQ     DeadLetterPublisher
	Offsets *OffsetCoordinator
	Policy  retry.Policy
	Stats   StatsSink // may be nil

	Topic         string
	GroupID       string        // stamped on dead letters
	ChanSize      int           // per-partition buffer, default 64
	ShutdownGrace time.Duration // budget for in-flight work on drain

	States *StateTracker
	Log    *zap.Logger
}

// Run blocks until ctx is cancelled and the in-flight work has drained.
func (c *Consumer) Run(ctx context.Context) error {
	if c.Source == nil || c.Proc == nil || c.DLQ == nil || c.Offsets == nil {
		return errors.New("consumer: missing dependencies")
	}
	if c.ChanSize <= 0 {
		c.ChanSize = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.States == nil {
		c.States = NewStateTracker()
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}

	c.States.SetLoop(StateFetching)

	// Per-partition ordered channels; runners signal completion on done.
	chans := make(map[int]chan kafka.Message)
	done := make(chan int)
	runners := 0

	fetched := make(chan kafka.Message)
	go c.runFetcher(ctx, fetched)

	for {
		select {
		case m, ok := <-fetched:
			if !ok {
				// Fetcher stopped: drain runners.
				c.States.SetLoop(StateDraining)
				for _, ch := range chans {
					close(ch)
				}
				for runners > 0 {
					<-done
					runners--
				}
				c.States.SetLoop(StateTerminated)
				c.Log.Info("consumer terminated")
				return nil
			}

			ch, ok := chans[m.Partition]
			if !ok {
				ch = make(chan kafka.Message, c.ChanSize)
				chans[m.Partition] = ch
				runners++
				c.States.Set(m.Partition, StateIdle)
				go func(p int, in <-chan kafka.Message) {
					c.runPartition(ctx, p, in)
					done <- p
				}(m.Partition, ch)
			}
			select {
			case ch <- m:
			case <-ctx.Done():
				// dropped on the floor: never committed, so the broker
				// redelivers it after restart
			}

		case p := <-done:
			// Runner bailed early (drain while its channel still open).
			runners--
			delete(chans, p)
		}
	}
}

// runFetcher pulls from the broker and routes by partition. Fetch errors
// are transient by definition; it backs off and tries again.
func (c *Consumer) runFetcher(ctx context.Context, out chan<- kafka.Message) {
	defer close(out)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := c.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := c.Policy.Delay(attempt)
			c.Log.Warn("fetch failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		attempt = 0
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// runPartition processes one partition's messages in order.
func (c *Consumer) runPartition(ctx context.Context, partition int, in <-chan kafka.Message) {
	defer c.States.Set(partition, StateTerminated)
	for {
		select {
		case <-ctx.Done():
			c.States.Set(partition, StateDraining)
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			if !c.handleMessage(ctx, partition, m) {
				return // shutdown interrupted backoff
			}
		}
	}
}

// handleMessage drives one message to a resolved outcome. Returns false
// only when shutdown interrupted a backoff wait; the message stays
// uncommitted and the broker redelivers it on restart.
func (c *Consumer) handleMessage(ctx context.Context, partition int, m kafka.Message) bool {
	c.States.Set(partition, StateProcessing)

	var ev model.OrderEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return c.deadLetterAndCommit(ctx, partition, m, fmt.Errorf("decode: %w", err))
	}
	if err := ev.Validate(); err != nil {
		return c.deadLetterAndCommit(ctx, partition, m, fmt.Errorf("validate: %w", err))
	}

	attempt := 0
	for {
		// In-flight work survives shutdown: the transaction either commits
		// or aborts inside its own store timeout, never half-applied.
		outcome, err := c.Proc.Process(context.WithoutCancel(ctx), ev)
		if err == nil {
			metrics.EventsTotal.WithLabelValues(outcome.String()).Inc()
			c.recordStat(ev, outcome.String(), m)
			return c.commit(ctx, partition, m)
		}

		if retry.Classify(err) == retry.ClassPermanent {
			return c.deadLetterAndCommit(ctx, partition, m, err)
		}

		attempt++
		metrics.RetriesTotal.Inc()
		if c.Policy.Exhausted(attempt) {
			// explicit escape hatch: bounded policies dead-letter instead
			// of stalling forever
			return c.deadLetterAndCommit(ctx, partition, m,
				fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err))
		}

		delay := c.Policy.Delay(attempt)
		c.States.Set(partition, StateBackoff)
		c.Log.Warn("transient failure, offset withheld",
			zap.Int("partition", partition),
			zap.Int64("offset", m.Offset),
			zap.String("event_id", ev.EventID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return false
		}
		c.States.Set(partition, StateProcessing)
	}
}

// commit advances the partition cursor for m. Commit failures are broker
// trouble, i.e. transient: retried with backoff, and on shutdown the
// uncommitted message is simply redelivered and confirmed as a duplicate.
func (c *Consumer) commit(ctx context.Context, partition int, m kafka.Message) bool {
	c.States.Set(partition, StateCommitting)
	attempt := 0
	for {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ShutdownGrace)
		err := c.Offsets.Commit(cctx, m)
		cancel()
		if err == nil {
			c.States.Set(partition, StateIdle)
			return true
		}
		attempt++
		delay := c.Policy.Delay(attempt)
		c.Log.Warn("offset commit failed",
			zap.Int("partition", partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return false
		}
	}
}

// deadLetterAndCommit routes an unprocessable message to the DLQ topic and
// then, only then, commits its offset. The DLQ write is retried like any
// transient failure: a message never leaves the stream without a durable
// trace.
func (c *Consumer) deadLetterAndCommit(ctx context.Context, partition int, m kafka.Message, cause error) bool {
	dl := model.DeadLetter{
		ID:         util.NewULID(),
		Topic:      c.Topic,
		Partition:  m.Partition,
		Offset:     m.Offset,
		Key:        string(m.Key),
		Payload:    m.Value,
		Reason:     cause.Error(),
		FailedAt:   time.Now().UTC(),
		ConsumerID: c.GroupID,
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		// DeadLetter marshals from plain fields; this cannot happen at
		// runtime, but never proceed silently if it somehow does.
		c.Log.Error("dead-letter marshal failed", zap.Error(err))
		payload = m.Value
	}

	c.Log.Error("permanent failure, dead-lettering",
		zap.Int("partition", partition),
		zap.Int64("offset", m.Offset),
		zap.String("dead_letter_id", dl.ID),
		zap.Error(cause))

	attempt := 0
	for {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ShutdownGrace)
		err := c.DLQ.Publish(pctx, []byte(dl.ID), payload)
		cancel()
		if err == nil {
			break
		}
		attempt++
		delay := c.Policy.Delay(attempt)
		c.Log.Warn("dlq publish failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !sleepCtx(ctx, delay) {
			return false
		}
	}

	metrics.EventsTotal.WithLabelValues("dead_letter").Inc()
	return c.commit(ctx, partition, m)
}

func (c *Consumer) recordStat(ev model.OrderEvent, outcome string, m kafka.Message) {
	if c.Stats == nil {
		return
	}
	c.Stats.Record(repository.EventStatRow{
		EventID:     ev.EventID,
		OrderID:     ev.OrderID,
		UserID:      ev.UserID,
		TotalAmount: ev.TotalAmount.String(),
		Outcome:     outcome,
		Partition:   int32(m.Partition),
		Offset:      m.Offset,
		ProcessedAt: time.Now().UTC(),
	})
}

// sleepCtx waits d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
