package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mjafarpour/orderflow/internal/kafka"
	"github.com/mjafarpour/orderflow/internal/model"
	"github.com/mjafarpour/orderflow/internal/retry"
)

const (
	eventE1 = "11111111-1111-4111-8111-111111111111"
	eventE2 = "22222222-2222-4222-8222-222222222222"
	orderO1 = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
)

func eventJSON(eventID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event_id":     eventID,
		"order_id":     orderO1,
		"user_id":      "U1",
		"total_amount": "10.00",
		"timestamp":    "2026-01-02T03:04:05Z",
	})
	return b
}

func eventMsg(partition int, offset int64, eventID string) kafka.Message {
	return kafka.Message{
		Topic:     "orders.events",
		Partition: partition,
		Offset:    offset,
		Key:       []byte(eventID),
		Value:     eventJSON(eventID),
	}
}

// scriptedFetcher serves a fixed script, then blocks until cancellation.
type scriptedFetcher struct {
	mu   sync.Mutex
	msgs []kafka.Message
	i    int
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.i < len(f.msgs) {
		m := f.msgs[f.i]
		f.i++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

// fakeProcessor scripts outcomes per (event_id, delivery count).
type fakeProcessor struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(ev model.OrderEvent, call int) (model.Outcome, error)
}

func (p *fakeProcessor) Process(ctx context.Context, ev model.OrderEvent) (model.Outcome, error) {
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[ev.EventID]++
	call := p.calls[ev.EventID]
	p.mu.Unlock()
	return p.handle(ev, call)
}

func (p *fakeProcessor) callCount(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[eventID]
}

type fakeDLQ struct {
	mu     sync.Mutex
	values [][]byte
}

func (d *fakeDLQ) Publish(ctx context.Context, key, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, value)
	return nil
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.values)
}

func newTestConsumer(fetcher Fetcher, proc EventProcessor, rc *recordingCommitter, dlq *fakeDLQ, policy retry.Policy) *Consumer {
	return &Consumer{
		Source:        fetcher,
		Proc:          proc,
		DLQ:           dlq,
		Offsets:       NewOffsetCoordinator(rc),
		Policy:        policy,
		Topic:         "orders.events",
		ChanSize:      8,
		ShutdownGrace: time.Second,
		States:        NewStateTracker(),
		Log:           zap.NewNop(),
	}
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func runUntil(t *testing.T, c *Consumer, cond func() bool, msg string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- c.Run(ctx) }()

	waitFor(t, cond, msg)
	cancel()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain after cancel")
	}
}

func TestDuplicateDeliveryAdvancesOffset(t *testing.T) {
	// E1 delivered twice: first pass claims it, second confirms the
	// duplicate. Both offsets must be committed, exactly one claim.
	fetcher := &scriptedFetcher{msgs: []kafka.Message{
		eventMsg(0, 0, eventE1),
		eventMsg(0, 1, eventE1),
	}}
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		if call == 1 {
			return model.OutcomeNew, nil
		}
		return model.OutcomeDuplicate, nil
	}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq, retry.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond})

	runUntil(t, c, func() bool { return len(rc.committed()) == 2 }, "both offsets committed")

	commits := rc.committed()
	if commits[0].Offset != 0 || commits[1].Offset != 1 {
		t.Fatalf("commit order: %d,%d", commits[0].Offset, commits[1].Offset)
	}
	if got := proc.callCount(eventE1); got != 2 {
		t.Fatalf("process calls: %d", got)
	}
	if dlq.count() != 0 {
		t.Fatalf("unexpected dead letters: %d", dlq.count())
	}
}

func TestTransientFailureWithholdsOffset(t *testing.T) {
	// Store outage for two attempts: no offset moves until the handler
	// finally succeeds, then exactly one commit.
	rc := &recordingCommitter{}
	var sawEarlyCommit bool
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		if call <= 2 {
			if len(rc.committed()) != 0 {
				sawEarlyCommit = true
			}
			return "", fmt.Errorf("claim: %w", &mysql.MySQLError{Number: 2006, Message: "gone away"})
		}
		return model.OutcomeNew, nil
	}}
	fetcher := &scriptedFetcher{msgs: []kafka.Message{eventMsg(0, 0, eventE1)}}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq, retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond})

	runUntil(t, c, func() bool { return len(rc.committed()) == 1 }, "offset committed after recovery")

	if sawEarlyCommit {
		t.Fatal("offset committed during outage")
	}
	if got := proc.callCount(eventE1); got != 3 {
		t.Fatalf("process calls: %d", got)
	}
	if dlq.count() != 0 {
		t.Fatalf("unexpected dead letters: %d", dlq.count())
	}
}

func TestPermanentFailureDeadLettersAndCommits(t *testing.T) {
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		return "", fmt.Errorf("insert order: %w", &mysql.MySQLError{Number: 1452, Message: "fk fails"})
	}}
	fetcher := &scriptedFetcher{msgs: []kafka.Message{eventMsg(0, 0, eventE1)}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq, retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond})

	runUntil(t, c, func() bool { return len(rc.committed()) == 1 }, "offset committed after dead-letter")

	if got := proc.callCount(eventE1); got != 1 {
		t.Fatalf("permanent failure retried: %d calls", got)
	}
	if dlq.count() != 1 {
		t.Fatalf("dead letters: %d", dlq.count())
	}

	var dl model.DeadLetter
	dlq.mu.Lock()
	payload := dlq.values[0]
	dlq.mu.Unlock()
	if err := json.Unmarshal(payload, &dl); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dl.Offset != 0 || dl.Partition != 0 || dl.ID == "" {
		t.Fatalf("dead letter metadata: %+v", dl)
	}
	if string(dl.Payload) != string(eventJSON(eventE1)) {
		t.Fatal("dead letter lost the original payload")
	}
}

func TestPoisonPayloadDeadLetters(t *testing.T) {
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		t.Error("handler invoked for undecodable payload")
		return model.OutcomeNew, nil
	}}
	fetcher := &scriptedFetcher{msgs: []kafka.Message{{
		Topic: "orders.events", Partition: 0, Offset: 0, Value: []byte("{not json"),
	}}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq, retry.Policy{Base: time.Millisecond})

	runUntil(t, c, func() bool { return len(rc.committed()) == 1 }, "poison message committed")

	if dlq.count() != 1 {
		t.Fatalf("dead letters: %d", dlq.count())
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		return "", fmt.Errorf("begin tx: %w", context.DeadlineExceeded)
	}}
	fetcher := &scriptedFetcher{msgs: []kafka.Message{eventMsg(0, 0, eventE1)}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq,
		retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2})

	runUntil(t, c, func() bool { return len(rc.committed()) == 1 }, "escape hatch commit")

	if got := proc.callCount(eventE1); got != 2 {
		t.Fatalf("process calls: %d, want the configured budget", got)
	}
	if dlq.count() != 1 {
		t.Fatalf("dead letters: %d", dlq.count())
	}
}

func TestShutdownDuringBackoffCommitsNothing(t *testing.T) {
	// Transient failures forever, unbounded retries: cancelling mid-backoff
	// must leave the offset uncommitted so the broker redelivers.
	attempted := make(chan struct{}, 1)
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return "", fmt.Errorf("store down: %w", context.DeadlineExceeded)
	}}
	fetcher := &scriptedFetcher{msgs: []kafka.Message{eventMsg(0, 0, eventE1)}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq,
		retry.Policy{Base: 200 * time.Millisecond, Max: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- c.Run(ctx) }()

	<-attempted
	cancel()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain after cancel")
	}

	if got := len(rc.committed()); got != 0 {
		t.Fatalf("commits during outage shutdown: %d", got)
	}
	if dlq.count() != 0 {
		t.Fatalf("dead letters: %d", dlq.count())
	}
	if c.States.Loop() != StateTerminated {
		t.Fatalf("loop state: %s", c.States.Loop())
	}
}

func TestPerPartitionOrderingAcrossParallelPartitions(t *testing.T) {
	// Interleaved fetches from two partitions: each partition's commits
	// must be strictly increasing; cross-partition order is unconstrained.
	var msgs []kafka.Message
	for off := int64(0); off < 5; off++ {
		msgs = append(msgs, eventMsg(0, off, eventE1))
		if off < 3 {
			msgs = append(msgs, eventMsg(1, off, eventE2))
		}
	}
	fetcher := &scriptedFetcher{msgs: msgs}
	proc := &fakeProcessor{handle: func(ev model.OrderEvent, call int) (model.Outcome, error) {
		if call == 1 {
			return model.OutcomeNew, nil
		}
		return model.OutcomeDuplicate, nil
	}}
	rc := &recordingCommitter{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(fetcher, proc, rc, dlq, retry.Policy{Base: time.Millisecond})

	runUntil(t, c, func() bool { return len(rc.committed()) == 8 }, "all offsets committed")

	last := map[int]int64{0: -1, 1: -1}
	for _, m := range rc.committed() {
		if m.Offset <= last[m.Partition] {
			t.Fatalf("partition %d commit regressed: %d after %d",
				m.Partition, m.Offset, last[m.Partition])
		}
		last[m.Partition] = m.Offset
	}
	if last[0] != 4 || last[1] != 2 {
		t.Fatalf("final cursors: p0=%d p1=%d", last[0], last[1])
	}
}
