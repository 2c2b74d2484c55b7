package events

import (
	"sync"

	"tradenet/core/types"
	"tradenet/observability"
)

// Event represents a structured domain state change.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// typed is implemented by events that render to the generic attribute form.
type typed interface {
	Event() *types.Event
}

// Recorder keeps the most recent events in memory and counts them in metrics.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []*types.Event
	subs   map[int]chan *types.Event
	nextID int
}

// NewRecorder keeps up to limit events. A non-positive limit keeps 256.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 256
	}
	return &Recorder{limit: limit}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(e Event) {
	if e == nil {
		return
	}
	observability.Events().RecordEvent(e.EventType())
	evt := &types.Event{Type: e.EventType(), Attributes: map[string]string{}}
	if t, ok := e.(typed); ok {
		evt = t.Event()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if len(r.events) > r.limit {
		r.events = append([]*types.Event(nil), r.events[len(r.events)-r.limit:]...)
	}
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscribers miss events rather than stall emitters.
		}
	}
}

// Subscribe returns a channel receiving events emitted from now on together
// with the current backlog. cancel closes the channel.
func (r *Recorder) Subscribe(buffer int) (updates <-chan *types.Event, backlog []*types.Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.Event, buffer)
	r.mu.Lock()
	if r.subs == nil {
		r.subs = make(map[int]chan *types.Event)
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	backlog = append([]*types.Event(nil), r.events...)
	r.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, backlog, cancel
}

// Events returns the recorded events, oldest first.
func (r *Recorder) Events() []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Event(nil), r.events...)
}
