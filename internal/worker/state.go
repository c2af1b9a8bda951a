package worker

import "sync"

// State is the loop state of one partition runner, exposed on the health
// endpoint so orchestration can tell a stalled partition from a live one.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateProcessing State = "processing"
	StateCommitting State = "committing"
	StateBackoff    State = "backoff"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// StateTracker records per-partition loop states.
type StateTracker struct {
	mu     sync.RWMutex
	states map[int]State
	loop   State // overall loop state (idle/fetching/draining/terminated)
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		states: make(map[int]State),
		loop:   StateIdle,
	}
}

func (t *StateTracker) SetLoop(s State) {
	t.mu.Lock()
	t.loop = s
	t.mu.Unlock()
}

func (t *StateTracker) Loop() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loop
}

func (t *StateTracker) Set(partition int, s State) {
	t.mu.Lock()
	t.states[partition] = s
	t.mu.Unlock()
}

// Snapshot returns a copy of per-partition states.
func (t *StateTracker) Snapshot() map[int]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]State, len(t.states))
	for p, s := range t.states {
		out[p] = s
	}
	return out
}
