package orchestrator

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// EventKind identifies one kind of domain event published by the Orchestrator.
type EventKind string

const (
	EventRunStarted         EventKind = "run_started"
	EventRunEnded           EventKind = "run_ended"
	EventEvaluationRecorded EventKind = "evaluation_recorded"
	EventUncaughtErrorAdded EventKind = "uncaught_error"
)

// Event is one domain event. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind          EventKind
	Run           *Run
	Evaluation    *Evaluation
	UncaughtError *UncaughtError
}

// Bus is a typed publish/subscribe surface for domain events, keyed by event
// kind. It decouples the orchestration core from its consumers (terminal UI,
// CI summarizer): the core publishes and never learns who listens.
//
// Subscriber channels are buffered; a subscriber that falls behind loses
// events rather than blocking the orchestrator.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventKind][]chan Event
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[EventKind][]chan Event),
	}
}

// Subscribe returns a channel receiving all events of the given kinds.
func (b *Bus) Subscribe(kinds ...EventKind) <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, kind := range kinds {
		b.subs[kind] = append(b.subs[kind], ch)
	}
	return ch
}

// Publish delivers the event to every subscriber of its kind without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.Kind] {
		select {
		case ch <- event:
		default:
			log.Warn("Dropping domain event for slow subscriber", "kind", event.Kind)
		}
	}
}

// Close closes all subscriber channels. Publish must not be called afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	closed := make(map[chan Event]struct{})
	for _, chans := range b.subs {
		for _, ch := range chans {
			if _, ok := closed[ch]; ok {
				continue
			}
			close(ch)
			closed[ch] = struct{}{}
		}
	}
	b.subs = make(map[EventKind][]chan Event)
}
