package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-memory Publisher fanning events out to subscribed handlers
// over a buffered channel. Suitable for single-instance deployments and
// testing; multi-instance deployments replace it with a broker-backed
// implementation of Publisher.
type Bus struct {
	ch        chan Event
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	handlers  []Handler
	closed    bool
	started   bool
}

// NewBus creates a bus with the given channel buffer size.
func NewBus(bufferSize int) *Bus {
	return &Bus{
		ch:        make(chan Event, bufferSize),
		closeChan: make(chan struct{}),
	}
}

// Subscribe registers a handler. Must be called before Start.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start begins dispatching events to subscribers.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatch(ctx)
	return nil
}

func (b *Bus) dispatch(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closeChan:
			// Drain what is already buffered before exiting.
			for {
				select {
				case ev := <-b.ch:
					b.deliver(ctx, ev)
				default:
					return
				}
			}
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}

// Publish implements Publisher. Missing event ids and timestamps are filled
// in here so emitters stay terse.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	b.mu.RUnlock()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeChan:
		return fmt.Errorf("bus is closed")
	}
}

// Close implements Publisher. It stops dispatching after draining buffered
// events.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeChan)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

var _ Publisher = (*Bus)(nil)

// Recorder is a Publisher capturing events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters the snapshot by event type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var _ Publisher = (*Recorder)(nil)
