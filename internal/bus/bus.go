package bus

import (
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/overseer/internal/logging"
)

const (
	// DefaultQueueSize bounds the emit queue. A full queue drops the event
	// with a warning rather than blocking the emitter.
	DefaultQueueSize = 1000

	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 1000

	// DefaultRequestTimeout bounds Request calls that never see a response.
	DefaultRequestTimeout = 30 * time.Second
)

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID string

// Handler receives matching events. Handlers run on the dispatch goroutine:
// a slow handler delays everyone behind it, so offload long work.
type Handler func(Event)

type subscription struct {
	id            SubscriptionID
	sourcePattern string
	typePattern   string
	handler       Handler
}

// matches reports whether the subscription wants this event. Patterns use
// fnmatch semantics ("*" matches any run of characters) independently at the
// source and type level.
func (s *subscription) matches(ev Event) bool {
	return matchPattern(s.sourcePattern, ev.Source) &&
		matchPattern(s.typePattern, string(ev.Type))
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Bus is the process-wide event fabric. A single dispatch goroutine drains a
// bounded queue, which makes delivery FIFO for any (source, type) pair.
type Bus struct {
	log zerolog.Logger

	queue   chan Event
	dropped atomic.Uint64

	mu         sync.RWMutex
	subs       map[SubscriptionID]*subscription
	subCounter uint64

	history     []Event
	historyMu   sync.RWMutex
	historySize int

	requestTimeout time.Duration

	closed atomic.Bool
	done   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the emit queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithHistorySize overrides the replay history bound.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n >= 0 {
			b.historySize = n
		}
	}
}

// WithRequestTimeout overrides the default Request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// New creates a bus and starts its dispatch loop.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:            logging.Component("bus"),
		queue:          make(chan Event, DefaultQueueSize),
		subs:           make(map[SubscriptionID]*subscription),
		historySize:    DefaultHistorySize,
		requestTimeout: DefaultRequestTimeout,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.dispatch()
	return b
}

// Subscribe registers a handler for events whose (source, type) match the
// given patterns. "*" matches everything at that level.
func (b *Bus) Subscribe(sourcePattern string, typePattern string, handler Handler) SubscriptionID {
	if b.closed.Load() || handler == nil {
		return ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subCounter++
	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	b.subs[id] = &subscription{
		id:            id,
		sourcePattern: sourcePattern,
		typePattern:   typePattern,
		handler:       handler,
	}
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	return nil
}

// Emit queues an event for delivery. When the queue is full the event is
// dropped with a warning; emitters are never blocked.
func (b *Bus) Emit(ev Event) {
	if b.closed.Load() {
		return
	}

	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.log.Warn().
			Str("source", ev.Source).
			Str("type", string(ev.Type)).
			Uint64("dropped_total", b.dropped.Load()).
			Msg("event queue full, dropping event")
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// dispatch drains the queue and delivers each event to every matching
// subscriber in turn.
func (b *Bus) dispatch() {
	for {
		select {
		case ev := <-b.queue:
			b.addToHistory(ev)
			b.deliver(ev)
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.addToHistory(ev)
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(ev)
	}
}

func (b *Bus) addToHistory(ev Event) {
	if b.historySize == 0 {
		return
	}

	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, ev)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// History returns a copy of the most recent events, oldest first. A
// non-positive n returns the full retained history.
func (b *Bus) History(n int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Event, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Request emits a REQUEST event at the target and waits for a RESPONSE whose
// reply_to carries the request's correlation ID. The context and the bus's
// request timeout both bound the wait.
func (b *Bus) Request(ctx context.Context, source, target string, data map[string]any) (Event, error) {
	if b.closed.Load() {
		return Event{}, fmt.Errorf("bus is closed")
	}

	correlationID := uuid.NewString()
	replyCh := make(chan Event, 1)

	subID := b.Subscribe("*", string(EventResponse), func(ev Event) {
		if ev.ReplyTo != correlationID {
			return
		}
		select {
		case replyCh <- ev:
		default:
		}
	})
	defer b.Unsubscribe(subID)

	req := NewEvent(source, EventRequest, data)
	req.Target = target
	req.CorrelationID = correlationID
	b.Emit(req)

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("request to %s timed out after %s", target, b.requestTimeout)
	case <-ctx.Done():
		return Event{}, fmt.Errorf("request to %s canceled: %w", target, ctx.Err())
	}
}

// Respond emits a RESPONSE event correlated to the given request.
func (b *Bus) Respond(req Event, source string, data map[string]any) {
	resp := NewEvent(source, EventResponse, data)
	resp.Target = req.Source
	resp.ReplyTo = req.CorrelationID
	b.Emit(resp)
}

// Close stops the dispatch loop after draining the queue. Further emits are
// ignored.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}
	close(b.done)
	return nil
}
