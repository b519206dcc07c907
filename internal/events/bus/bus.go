// Package bus implements the single in-process event bus. Every emitted
// event is validated, stamped, persisted (when durable) and then fanned out
// to wildcard subscribers, each on its own ordered delivery queue so one slow
// subscriber never blocks another.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/clock"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	"github.com/aios/aios/internal/events/store"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus is closed")

// Handler consumes one event. Handlers run on the subscriber's delivery
// goroutine; panics and errors are captured and never reach the emitter.
type Handler func(ctx context.Context, event *v1.Event)

// EventBus is the pub/sub surface components depend on.
type EventBus interface {
	Publish(ctx context.Context, event *v1.Event) error
	Subscribe(pattern string, handler Handler) (string, error)
	Unsubscribe(id string)
	Close()
}

// NewEvent builds an event with a payload, ready for Publish to stamp.
func NewEvent(eventType, source string, payload map[string]interface{}) *v1.Event {
	return &v1.Event{Type: eventType, Source: source, Payload: payload}
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	queue   chan *v1.Event
	quit    chan struct{}
}

// Options configures the in-process bus.
type Options struct {
	// QueueSize is the per-subscriber high-water mark. When a queue is
	// full, events below warning severity are dropped and counted.
	QueueSize int
	// Stream selects the persistence stream (events or test_events).
	Stream string
}

// InProcessBus is the EventBus implementation. A nil *store.Store runs the
// bus memory-only (tests, degraded operation).
type InProcessBus struct {
	log   *logger.Logger
	clk   clock.Clock
	store *store.Store
	opts  Options

	mu     sync.RWMutex
	subs   []*subscription // registration order
	byID   map[string]*subscription
	closed bool

	wg       sync.WaitGroup
	lastTS   atomic.Int64
	dropped  atomic.Int64
	emitted  atomic.Int64
	degraded atomic.Bool
}

// NewInProcessBus creates the bus.
func NewInProcessBus(st *store.Store, clk clock.Clock, opts Options, log *logger.Logger) *InProcessBus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Stream == "" {
		opts.Stream = store.StreamEvents
	}
	return &InProcessBus{
		log:   log.WithFields(zap.String("component", "event-bus")),
		clk:   clk,
		store: st,
		opts:  opts,
		byID:  make(map[string]*subscription),
	}
}

// Publish validates, stamps, persists and fans out an event. The event is
// owned by the bus after the call; emitters must not mutate it.
func (b *InProcessBus) Publish(ctx context.Context, event *v1.Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	if !events.ValidType(event.Type) {
		return fmt.Errorf("invalid event type %q", event.Type)
	}
	if event.Payload != nil {
		// Rejects cycles and unmarshalable values up front.
		if _, err := json.Marshal(event.Payload); err != nil {
			return fmt.Errorf("invalid payload for %s: %w", event.Type, err)
		}
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.TimestampMS = b.stampTS()
	if event.Severity == "" {
		event.Severity = events.SeverityFor(event.Type)
	}
	if !event.Durable {
		event.Durable = events.DurableFor(event.Type, event.Severity)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	if event.Durable && b.store != nil {
		if _, err := b.store.Append(b.opts.Stream, event); err != nil {
			if errors.Is(err, store.ErrStorageExhausted) {
				b.reportDegraded(err)
			} else {
				b.log.Error("failed to persist event",
					zap.String("event_type", event.Type), zap.Error(err))
			}
			// Degrade to in-memory delivery rather than losing the event.
		} else if b.degraded.Swap(false) {
			b.log.Info("event persistence recovered")
		}
	}

	b.emitted.Add(1)
	for _, sub := range subs {
		if !events.Match(sub.pattern, event.Type) {
			continue
		}
		b.deliver(sub, event)
	}
	return nil
}

// stampTS returns a monotonically non-decreasing millisecond timestamp.
func (b *InProcessBus) stampTS() int64 {
	now := b.clk.NowMS()
	for {
		last := b.lastTS.Load()
		if now < last {
			now = last
		}
		if b.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (b *InProcessBus) deliver(sub *subscription, event *v1.Event) {
	ev := event.Clone()
	select {
	case sub.queue <- ev:
		return
	default:
	}
	// Queue is at the high-water mark. Telemetry below warning is dropped
	// and counted; warnings and errors always get through.
	if event.Severity.Rank() < v1.SeverityWarning.Rank() {
		b.dropped.Add(1)
		return
	}
	select {
	case sub.queue <- ev:
	case <-sub.quit:
	}
}

func (b *InProcessBus) reportDegraded(err error) {
	if b.degraded.Swap(true) {
		return
	}
	b.log.Error("event store exhausted, degrading to in-memory delivery", zap.Error(err))
	// Emitted without persistence: the store is the thing that failed.
	degEvent := &v1.Event{
		Type:     events.CoreStorageDegraded,
		Source:   "event-bus",
		Severity: v1.SeverityError,
		Payload:  map[string]interface{}{"error": err.Error()},
	}
	degEvent.ID = uuid.New().String()
	degEvent.TimestampMS = b.stampTS()

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, sub := range subs {
		if events.Match(sub.pattern, degEvent.Type) {
			b.deliver(sub, degEvent)
		}
	}
}

// Subscribe registers a handler for a wildcard pattern and starts its
// delivery goroutine. Subscribers are fanned out to in registration order.
func (b *InProcessBus) Subscribe(pattern string, handler Handler) (string, error) {
	if pattern == "" {
		return "", errors.New("subscription pattern is required")
	}
	if handler == nil {
		return "", errors.New("subscription handler is required")
	}

	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
		queue:   make(chan *v1.Event, b.opts.QueueSize),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBusClosed
	}
	b.subs = append(b.subs, sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)
	return sub.id, nil
}

// drain delivers queued events to one subscriber, in order.
func (b *InProcessBus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.queue:
			b.invoke(sub, ev)
		}
	}
}

func (b *InProcessBus) invoke(sub *subscription, ev *v1.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.String("pattern", sub.pattern),
				zap.String("event_type", ev.Type),
				zap.Any("panic", r))
			// Never recurse on failures handling subscriber errors.
			if ev.Type != events.CoreSubscriberError {
				_ = b.Publish(context.Background(), NewEvent(
					events.CoreSubscriberError, "event-bus",
					map[string]interface{}{
						"pattern":    sub.pattern,
						"event_id":   ev.ID,
						"event_type": ev.Type,
						"panic":      fmt.Sprint(r),
					}))
			}
		}
	}()
	sub.handler(context.Background(), ev)
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
func (b *InProcessBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if ok {
		close(sub.quit)
	}
}

// Dropped returns how many sub-warning events were shed under backpressure.
func (b *InProcessBus) Dropped() int64 { return b.dropped.Load() }

// Emitted returns how many events have been published.
func (b *InProcessBus) Emitted() int64 { return b.emitted.Load() }

// StorageDegraded reports whether persistence is currently failing.
func (b *InProcessBus) StorageDegraded() bool { return b.degraded.Load() }

// Close stops all delivery goroutines. Queued events are discarded.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.quit)
	}
	b.wg.Wait()
}
