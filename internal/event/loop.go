package event

import (
	"context"
	"sync"
)

// Event is anything delivered to the conversation loop
type Event interface {
	// Kind returns a short name used for logging and metrics
	Kind() string
}

// Handler processes one event at a time on the loop goroutine
type Handler func(Event)

// Sink accepts events from any goroutine
type Sink interface {
	Post(ev Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event)

// Post implements Sink
func (f SinkFunc) Post(ev Event) { f(ev) }

// Loop is a run-to-completion dispatcher. Events posted from engine goroutines,
// timers or from inside a handler are queued and handled strictly one after
// another, in posting order, on a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	handler Handler
}

// NewLoop creates a loop that dispatches to handler
func NewLoop(handler Handler) *Loop {
	return &Loop{
		queue:   make([]Event, 0, 32),
		wake:    make(chan struct{}, 1),
		handler: handler,
	}
}

// SetHandler replaces the dispatch target. Must be called before Run.
func (l *Loop) SetHandler(handler Handler) {
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
}

// Post enqueues an event. It never blocks, so it is safe to call from inside
// a handler.
func (l *Loop) Post(ev Event) {
	if ev == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued events
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain handles queued events until the queue is empty, including events
// posted by the handlers themselves. It returns the number handled.
// Run calls it on the loop goroutine; tests call it directly.
func (l *Loop) Drain() int {
	handled := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return handled
		}
		ev := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		handler := l.handler
		l.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
		handled++
	}
}

// Run dispatches events until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}
