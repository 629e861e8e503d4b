package status

import (
	"sort"
	"sync"

	"github.com/entrhq/fleet/pkg/types"
)

// Tracker records the canonical state of each worker.
type Tracker struct {
	mu     sync.RWMutex
	states map[types.WorkerID]types.WorkerState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[types.WorkerID]types.WorkerState)}
}

// Set records a state and returns the previous one.
func (t *Tracker) Set(id types.WorkerID, state types.WorkerState) types.WorkerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.states[id]
	if !ok {
		prev = types.StateIdle
	}
	t.states[id] = state
	return prev
}

// Get returns the state of id, idle when unknown.
func (t *Tracker) Get(id types.WorkerID) types.WorkerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.states[id]; ok {
		return s
	}
	return types.StateIdle
}

// Forget drops id from the tracker.
func (t *Tracker) Forget(id types.WorkerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}

// IDs returns the tracked workers in ascending order.
func (t *Tracker) IDs() []types.WorkerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]types.WorkerID, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot copies every tracked state.
func (t *Tracker) Snapshot() map[types.WorkerID]types.WorkerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.WorkerID]types.WorkerState, len(t.states))
	for id, s := range t.states {
		out[id] = s
	}
	return out
}
