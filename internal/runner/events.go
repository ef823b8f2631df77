package runner

import (
	"sync"
	"time"

	"github.com/neurostuff/compose-runner/internal/model"
)

// Run event types.
const (
	EventState  = "state"
	EventOutput = "output"
)

// eventBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber this far behind; state changes can be recovered
// from the ledger.
const eventBufferSize = 64

// RunEvent is one entry on a run's progress stream: a state change or a line
// printed by the compute command.
type RunEvent struct {
	Type  string    `json:"type"`
	From  string    `json:"from,omitempty"`
	State string    `json:"state,omitempty"`
	Error string    `json:"error,omitempty"`
	Line  string    `json:"line,omitempty"`
	Time  time.Time `json:"time"`
}

// TransitionEvent converts a recorded ledger transition into a state event.
func TransitionEvent(t model.RunTransition) RunEvent {
	return RunEvent{Type: EventState, From: t.From, State: t.To, Error: t.Error, Time: t.At}
}

// EventBroker fans out the events of in-flight runs to subscribers. It is
// safe for concurrent use.
//
// A run's topic is marked closed when the driver finishes with it, so a
// subscriber arriving afterwards gets a closed channel instead of waiting.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan RunEvent
	nextID int
	closed bool
}

// NewEventBroker creates an event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*eventTopic)}
}

// Subscribe returns a channel receiving the events published for runID from
// now on, and an unsubscribe function.
func (b *EventBroker) Subscribe(runID string) (<-chan RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan RunEvent, eventBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to every subscriber of runID without blocking.
func (b *EventBroker) Publish(runID string, ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close marks runID finished and closes every subscriber channel.
func (b *EventBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (b *EventBroker) topic(runID string) *eventTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan RunEvent)}
		b.topics[runID] = t
	}
	return t
}
