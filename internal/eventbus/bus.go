// Package eventbus is the in-process publish/subscribe dispatcher that the
// coordinator's components use to talk to each other.
//
// Publish enqueues and returns. A single dispatch loop pops events in publish
// order and starts one task per subscriber, topic subscribers first and then
// wildcard subscribers, each in registration order. Tasks run concurrently up
// to Options.MaxConcurrentHandlers. A failing or panicking handler is logged
// and never reaches the publisher or the other subscribers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// Handler processes one delivered event. Events a handler publishes with the
// ctx it was given are still accepted while Close drains the bus.
type Handler func(ctx context.Context, evt domain.Event) error

type dispatchKey struct{}

type state int

const (
	stateOpen state = iota
	stateDraining
	stateClosed
)

// ErrClosed is returned by Publish once Close has been called.
var ErrClosed = errors.New(errors.ErrCodeUnavailable, "event bus is closed")

// DefaultMaxConcurrentHandlers applies when Options leaves the limit unset.
const DefaultMaxConcurrentHandlers = 32

type Options struct {
	MaxConcurrentHandlers int64
	// Now overrides the clock used for EmittedAt. Tests only.
	Now func() time.Time
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is an explicit subscriber registry plus its dispatch loop. Construct it
// once at startup with New and register handlers before publishing.
type Bus struct {
	log *logger.Logger
	sem *semaphore.Weighted
	now func() time.Time

	// handler context, marked with dispatchKey; cancelled when Close gives up
	// draining
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	topics   map[domain.Topic][]subscription
	wildcard []subscription
	queue    []domain.Event
	pending  int // queued events plus running tasks
	waiters  []chan struct{}
	state    state

	wake chan struct{}
	done chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bus and starts its dispatch loop.
func New(log *logger.Logger, opts Options) *Bus {
	if opts.MaxConcurrentHandlers <= 0 {
		opts.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		log:    log.Component("eventbus"),
		sem:    semaphore.NewWeighted(opts.MaxConcurrentHandlers),
		now:    opts.Now,
		ctx:    context.WithValue(ctx, dispatchKey{}, struct{}{}),
		cancel: cancel,
		topics: make(map[domain.Topic][]subscription),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// ── Registration ─────────────────────────────────────────────────────────────

// Subscribe registers h for every future event on topic. Registering the same
// name twice on a topic is a no-op.
func (b *Bus) Subscribe(topic domain.Topic, name string, h Handler) error {
	if !domain.KnownTopic(topic) {
		return errors.InvalidInput("topic", "unknown topic "+string(topic))
	}
	if name == "" || h == nil {
		return errors.InvalidInput("name", "subscriber name and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.topics[topic] {
		if s.name == name {
			return nil
		}
	}
	b.topics[topic] = append(b.topics[topic], subscription{name: name, handler: h})
	b.log.Debug().Str("topic", string(topic)).Str("subscriber", name).Msg("Subscribed")
	return nil
}

// SubscribeAll registers h for every topic. Wildcard handlers run after the
// topic-specific ones.
func (b *Bus) SubscribeAll(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.InvalidInput("name", "subscriber name and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.wildcard {
		if s.name == name {
			return nil
		}
	}
	b.wildcard = append(b.wildcard, subscription{name: name, handler: h})
	b.log.Debug().Str("topic", "*").Str("subscriber", name).Msg("Subscribed")
	return nil
}

// ── Publishing ───────────────────────────────────────────────────────────────

// Publish enqueues payload under its topic and returns without waiting for
// any subscriber.
func (b *Bus) Publish(ctx context.Context, source string, payload domain.Payload) (domain.Event, error) {
	if err := domain.ValidatePayload(payload); err != nil {
		return domain.Event{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Event{}, errors.Wrap(err, errors.ErrCodeUnavailable, "publish cancelled")
	}

	evt := domain.Event{
		ID:           domain.NewID(),
		Topic:        payload.Topic(),
		Payload:      payload,
		EmittedAt:    b.now().UTC(),
		SourceModule: source,
	}

	b.mu.Lock()
	if !b.acceptsLocked(ctx) {
		b.mu.Unlock()
		return domain.Event{}, ErrClosed
	}
	b.queue = append(b.queue, evt)
	b.pending++
	b.mu.Unlock()

	b.published.Add(1)
	b.signal()

	b.log.Debug().
		Str("event_id", evt.ID).
		Str("topic", string(evt.Topic)).
		Str("source", source).
		Msg("Event published")
	return evt, nil
}

// acceptsLocked reports whether a publish with ctx may be enqueued. While
// draining only follow-on events from running handlers get in.
func (b *Bus) acceptsLocked(ctx context.Context) bool {
	switch b.state {
	case stateOpen:
		return true
	case stateDraining:
		return ctx.Value(dispatchKey{}) != nil
	default:
		return false
	}
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

func (b *Bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.state == stateClosed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}

		evt := b.queue[0]
		b.queue[0] = domain.Event{}
		b.queue = b.queue[1:]

		subs := make([]subscription, 0, len(b.topics[evt.Topic])+len(b.wildcard))
		subs = append(subs, b.topics[evt.Topic]...)
		subs = append(subs, b.wildcard...)
		// the event's own pending slot is handed to its tasks
		b.pending += len(subs) - 1
		b.notifyIdleLocked()
		b.mu.Unlock()

		for i, sub := range subs {
			if err := b.sem.Acquire(b.ctx, 1); err != nil {
				// Close gave up draining; account for the tasks never started.
				b.log.Warn().
					Str("event_id", evt.ID).
					Str("topic", string(evt.Topic)).
					Int("dropped", len(subs)-i).
					Msg("Dispatch abandoned")
				b.finish(len(subs) - i)
				break
			}
			go b.invoke(sub, evt)
		}
	}
}

func (b *Bus) invoke(sub subscription, evt domain.Event) {
	defer b.sem.Release(1)
	defer b.finish(1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return sub.handler(b.ctx, evt)
	}()

	if err != nil {
		b.failed.Add(1)
		b.log.Error().
			Err(err).
			Str("event_id", evt.ID).
			Str("topic", string(evt.Topic)).
			Str("subscriber", sub.name).
			Msg("Event handler failed")
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) finish(n int) {
	b.mu.Lock()
	b.pending -= n
	b.notifyIdleLocked()
	b.mu.Unlock()
}

func (b *Bus) notifyIdleLocked() {
	if b.pending > 0 {
		return
	}
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Flush blocks until every published event has been handed to all of its
// subscribers and every handler has returned, or ctx is done.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.pending == 0 {
		b.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeUnavailable, "event bus flush interrupted")
	}
}

// Close stops accepting outside events and drains what is queued, including
// follow-on events that handlers publish while the drain runs. If ctx ends
// first, running handlers see their context cancelled and undispatched tasks
// are dropped. Close is safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	already := b.state != stateOpen
	if !already {
		b.state = stateDraining
	}
	b.mu.Unlock()

	if !already {
		b.log.Info().Msg("Draining event bus")
	}

	err := b.Flush(ctx)

	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	b.signal()

	if err != nil {
		b.cancel()
		<-b.done
		st := b.Stats()
		b.log.Error().Int("pending", st.Pending).Msg("Event bus drain timed out")
		return err
	}

	<-b.done
	b.cancel()
	if !already {
		st := b.Stats()
		b.log.Info().
			Uint64("published", st.Published).
			Uint64("delivered", st.Delivered).
			Uint64("failed", st.Failed).
			Msg("Event bus closed")
	}
	return nil
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	pending := b.pending
	b.mu.Unlock()
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Pending:   pending,
	}
}
