package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/metrics"
)

const forwardTimeout = 5 * time.Second

// Forwarder relays bus events to a Sink.
type Forwarder struct {
	sub    *Subscription
	sink   Sink
	logger zerolog.Logger
}

// NewForwarder subscribes to bus for kinds (all if none).
func NewForwarder(bus *Bus, sink Sink, logger zerolog.Logger, kinds ...Kind) *Forwarder {
	return &Forwarder{
		sub:    bus.Subscribe(1024, kinds...),
		sink:   sink,
		logger: logger.With().Str("component", "forwarder").Logger(),
	}
}

// Run forwards until ctx is done or the bus closes. Send failures are
// logged and counted; they never stop the loop.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-f.sub.C:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev Event) {
	sendCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	key := RoutingKey(ev)
	if err := f.sink.Send(sendCtx, key, ev); err != nil {
		metrics.EventsForwarded.WithLabelValues("error").Inc()
		f.logger.Warn().Err(err).Str("key", key).Msg("event forward failed")
		return
	}
	metrics.EventsForwarded.WithLabelValues("ok").Inc()
}
