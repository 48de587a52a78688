package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Sink publishes events to an external broker.
type Sink interface {
	Send(ctx context.Context, key string, ev Event) error
	Close() error
}

// RoutingKey returns "workspace.<id>.<kind>".
func RoutingKey(ev Event) string {
	return "workspace." + ev.WorkspaceID + "." + string(ev.Kind)
}

// envelope is the broker wire form.
type envelope struct {
	ID string `json:"id"`
	Event
}

type amqpSink struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

// DialOptions controls connection retries.
type DialOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

const maxDialDelay = 30 * time.Second

// NewAMQPSink connects with exponential backoff, declares a durable topic
// exchange and returns a sink that publishes persistent, confirmed messages.
func NewAMQPSink(ctx context.Context, opts DialOptions, logger zerolog.Logger) (Sink, error) {
	logger = logger.With().Str("component", "amqp").Logger()
	conn, err := dialWithRetry(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &amqpSink{conn: conn, exchange: opts.Exchange, logger: logger}, nil
}

func dialWithRetry(ctx context.Context, opts DialOptions, logger zerolog.Logger) (*amqp091.Connection, error) {
	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				logger.Info().Int("attempt", i).Msg("amqp connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay << (i - 1)
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("amqp dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to AMQP after %d attempts: %w", attempts, lastErr)
}

var errNack = errors.New("amqp publish not acknowledged")

func (s *amqpSink) Send(ctx context.Context, key string, ev Event) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	id := uuid.NewString()
	body, err := json.Marshal(envelope{ID: id, Event: ev})
	if err != nil {
		return err
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, s.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     id,
			CorrelationId: ev.WorkspaceID,
			Timestamp:     ev.At,
			Type:          string(ev.Kind),
			Body:          body,
		},
	)
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errNack
	}
	s.logger.Debug().Str("key", key).Str("exchange", s.exchange).Msg("published")
	return nil
}

func (s *amqpSink) Close() error {
	return s.conn.Close()
}

// FallbackSink logs and discards events when no broker is configured.
type FallbackSink struct {
	logger zerolog.Logger
}

// NewFallbackSink returns a Sink that only logs.
func NewFallbackSink(logger zerolog.Logger) *FallbackSink {
	return &FallbackSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *FallbackSink) Send(ctx context.Context, key string, ev Event) error {
	s.logger.Debug().Str("key", key).Msg("fallback sink: skipped publish")
	return nil
}

func (s *FallbackSink) Close() error {
	return nil
}
