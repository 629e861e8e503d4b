package status

import (
	"sync"
	"sync/atomic"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/google/uuid"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 256

// Filter selects the events a subscription receives.
type Filter struct {
	// WorkerID selects one worker's events. Ignored when All is set.
	WorkerID types.WorkerID

	// All selects every event, including aggregate log lines.
	All bool
}

// ForWorker selects one worker's events.
func ForWorker(id types.WorkerID) Filter {
	return Filter{WorkerID: id}
}

// Aggregate selects every event.
func Aggregate() Filter {
	return Filter{All: true}
}

// Match reports whether event passes the filter.
func (f Filter) Match(event *types.WorkerEvent) bool {
	if f.All {
		return true
	}
	return event.WorkerID == f.WorkerID
}

// Subscription is one observer's view of the bus.
type Subscription struct {
	ID       string
	Observer string
	Filter   Filter

	ch     chan *types.WorkerEvent
	closed bool
}

// Events returns the delivery channel. It is closed when the subscription
// is released.
func (s *Subscription) Events() <-chan *types.WorkerEvent {
	return s.ch
}

// Bus broadcasts worker events to subscribers. Publish never blocks: an
// event is dropped for a subscriber whose buffer is full.
//
// The bus also keeps the log-derived status of every worker, updated from
// the log lines it carries, and stamps it on each event before delivery.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	statusMu sync.RWMutex
	statuses map[types.WorkerID]string

	dropped atomic.Uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBuffer sets the channel capacity of new subscriptions.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		buffer:   DefaultBuffer,
		subs:     make(map[string]*Subscription),
		statuses: make(map[types.WorkerID]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers observer for events passing filter.
func (b *Bus) Subscribe(observer string, filter Filter) *Subscription {
	sub := &Subscription{
		ID:       uuid.New().String(),
		Observer: observer,
		Filter:   filter,
		ch:       make(chan *types.WorkerEvent, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe closes one subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[sub.ID]; ok {
		b.closeSub(s)
	}
}

// Release closes every subscription held by observer and returns how many
// were closed.
func (b *Bus) Release(observer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.subs {
		if s.Observer == observer {
			b.closeSub(s)
			n++
		}
	}
	return n
}

// closeSub must be called with mu held.
func (b *Bus) closeSub(s *Subscription) {
	delete(b.subs, s.ID)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Close releases every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		b.closeSub(s)
	}
	b.closed = true
}

// Publish delivers event to every matching subscriber.
func (b *Bus) Publish(event *types.WorkerEvent) {
	if event == nil {
		return
	}
	if event.Type == types.EventTypeLogLine && event.Line != nil && event.Line.WorkerID == 0 {
		b.observe(event.Line.Message)
	}
	if event.WorkerID != 0 {
		event.Status = b.Status(event.WorkerID)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.Filter.Match(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) observe(message string) {
	marks := scan(message)
	if len(marks) == 0 {
		return
	}

	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	for _, m := range marks {
		b.statuses[m.id] = m.word
	}
}

// Seed sets the derived status of id, typically from DeriveFile at startup.
func (b *Bus) Seed(id types.WorkerID, status string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.statuses[id] = status
}

// Status returns the derived status of id, Idle when never seen.
func (b *Bus) Status(id types.WorkerID) string {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()

	if s, ok := b.statuses[id]; ok {
		return s
	}
	return Idle
}

// Dropped counts events discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers counts open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
