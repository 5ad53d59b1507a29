// Package bus provides the gateway's typed event bus: in-process
// publish/subscribe with bounded per-subscriber queues, plus optional
// cross-process fan-out over NATS.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	emittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_bus_events_emitted_total",
		Help: "Events emitted on the in-process bus, by type.",
	}, []string{"type"})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pml_bus_events_dropped_total",
		Help: "Events dropped because a subscriber queue overflowed.",
	})

	handlerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pml_bus_handler_panics_total",
		Help: "Subscriber handlers that panicked while handling an event.",
	})
)

// Handler receives bus events. Handlers run on the subscriber's own
// goroutine; a slow or panicking handler never affects producers or
// other subscribers.
type Handler func(domain.Event)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

type subscriber struct {
	types   map[domain.EventType]bool
	queue   chan domain.Event
	done    chan struct{}
	closeMu sync.Once
}

func (s *subscriber) close() {
	s.closeMu.Do(func() { close(s.done) })
}

// Bus is the process-wide event bus. Emit never blocks and never
// fails; delivery order is per-subscriber emission order.
type Bus struct {
	logger   *slog.Logger
	origin   string
	queueLen int

	mu   sync.RWMutex
	subs []*subscriber

	// relay, when set, receives every locally emitted event for
	// cross-process fan-out. Injected peer events bypass it.
	relay func(domain.Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueLength overrides the default per-subscriber queue length.
func WithQueueLength(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueLen = n
		}
	}
}

// New creates an event bus. The origin identifies this process on the
// broadcast channel so peer fan-out does not loop.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:   logger,
		origin:   uuid.NewString(),
		queueLen: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the bus's process identity.
func (b *Bus) Origin() string {
	return b.origin
}

// On subscribes a handler to one event type, or to every event with
// domain.EventWildcard. The returned Unsubscribe detaches the handler.
func (b *Bus) On(t domain.EventType, handler Handler) Unsubscribe {
	sub := &subscriber{
		types: map[domain.EventType]bool{t: true},
		queue: make(chan domain.Event, b.queueLen),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.drain(sub, handler)

	return func() {
		sub.close()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// Emit publishes an event to all matching subscribers and to the
// cross-process relay. It is non-blocking: a full subscriber queue
// drops the oldest queued event and counts the overflow.
func (b *Bus) Emit(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	emittedTotal.WithLabelValues(string(event.Type)).Inc()

	b.deliver(event)

	if b.relay != nil && event.Origin == b.origin {
		b.relay(event)
	}
}

// Inject delivers a peer event to local subscribers without relaying
// it back to the broadcast channel.
func (b *Bus) Inject(event domain.Event) {
	b.deliver(event)
}

func (b *Bus) deliver(event domain.Event) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.types[event.Type] && !sub.types[domain.EventWildcard] {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			// Queue full: drop the oldest so the newest survives.
			select {
			case <-sub.queue:
				droppedTotal.Inc()
			default:
			}
			select {
			case sub.queue <- event:
			default:
				droppedTotal.Inc()
			}
		}
	}
}

// drain runs the subscriber's handler loop until unsubscribed.
func (b *Bus) drain(sub *subscriber, handler Handler) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.queue:
			b.safeHandle(handler, event)
		}
	}
}

func (b *Bus) safeHandle(handler Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanicsTotal.Inc()
			b.logger.Error("event handler panicked",
				slog.String("type", string(event.Type)),
				slog.Any("panic", r))
		}
	}()
	handler(event)
}
