package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/nats-io/nats.go"
)

// Fanout bridges the in-process bus to a named NATS broadcast subject
// so peer gateway processes see each other's events. A nil connection
// degrades gracefully: the bus stays purely local.
type Fanout struct {
	nc      *nats.Conn
	prefix  string
	logger  *slog.Logger
	sub     *nats.Subscription
	bus     *Bus
}

// NewFanout attaches cross-process fan-out to the bus. Every local
// emission is published to "<prefix>.<event type>"; a wildcard
// subscription re-injects peer events, skipping our own origin.
func NewFanout(b *Bus, nc *nats.Conn, prefix string, logger *slog.Logger) (*Fanout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{nc: nc, prefix: prefix, logger: logger, bus: b}
	if nc == nil {
		// No NATS configured; local-only operation.
		return f, nil
	}

	b.relay = f.publish

	sub, err := nc.Subscribe(prefix+".>", f.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	f.sub = sub
	return f, nil
}

// publish serialises a local event onto the broadcast subject. Errors
// are logged, never propagated: emit must not fail.
func (f *Fanout) publish(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("marshal event for fan-out", slog.String("error", err.Error()))
		return
	}
	subject := f.prefix + "." + string(event.Type)
	if err := f.nc.Publish(subject, data); err != nil {
		f.logger.Warn("publish event to peers",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// receive re-injects peer events into the local bus.
func (f *Fanout) receive(msg *nats.Msg) {
	var event domain.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		f.logger.Warn("unmarshal peer event", slog.String("error", err.Error()))
		return
	}
	if event.Origin == f.bus.Origin() {
		// Our own broadcast coming back; drop it.
		return
	}
	f.bus.Inject(event)
}

// Close detaches the fan-out subscription.
func (f *Fanout) Close() error {
	if f.sub != nil {
		return f.sub.Unsubscribe()
	}
	return nil
}
