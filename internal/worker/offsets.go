package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/mjafarpour/orderflow/internal/kafka"
)

// Committer commits a consumed message's offset to the broker.
type Committer interface {
	Commit(ctx context.Context, m kafka.Message) error
}

// OffsetCoordinator is the only path to the broker's offset-commit API.
// It keeps per-partition bookkeeping of the highest offset whose outcome
// is durably known and refuses regressions, so commits reach the broker
// strictly in increasing order per partition.
//
// It holds no durable state: on restart the broker's last committed offset
// decides the redelivery start point, and the processed_events table is
// the real dedup ledger. The offset only bounds redelivery.
type OffsetCoordinator struct {
	committer Committer

	mu        sync.Mutex
	committed map[int]int64 // partition -> last committed message offset
}

func NewOffsetCoordinator(c Committer) *OffsetCoordinator {
	return &OffsetCoordinator{
		committer: c,
		committed: make(map[int]int64),
	}
}

// Commit records m's outcome as durably known and commits its offset.
// Stale commits (at or below the high-water mark) are no-ops.
func (o *OffsetCoordinator) Commit(ctx context.Context, m kafka.Message) error {
	o.mu.Lock()
	last, seen := o.committed[m.Partition]
	if seen && m.Offset <= last {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.committer.Commit(ctx, m); err != nil {
		return fmt.Errorf("commit partition=%d offset=%d: %w", m.Partition, m.Offset, err)
	}

	o.mu.Lock()
	if cur, ok := o.committed[m.Partition]; !ok || m.Offset > cur {
		o.committed[m.Partition] = m.Offset
	}
	o.mu.Unlock()
	return nil
}

// Committed returns the last committed offset for a partition.
func (o *OffsetCoordinator) Committed(partition int) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	off, ok := o.committed[partition]
	return off, ok
}
