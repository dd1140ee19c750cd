package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type DispatcherConfig struct {
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:   100,
		Lease:       time.Minute,
		MaxAttempts: 12,
		RetryBase:   5 * time.Second,
		RetryMax:    30 * time.Minute,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	return c
}

func ProvideDispatcherConfig(cfg config.Config) DispatcherConfig {
	return DispatcherConfig{BatchSize: cfg.Relay.BatchSize}.withDefaults()
}

type DispatcherParams struct {
	fx.In

	Outbox *Outbox
	Log    *zap.Logger
	Relay  Relay            `optional:"true"`
	Clock  clock.Clock      `optional:"true"`
	Config DispatcherConfig `optional:"true"`
}

// Dispatcher drains due outbox rows to in-process handlers, or to the relay for topics
// nobody in this process handles.
type Dispatcher struct {
	outbox *Outbox
	relay  Relay
	log    *zap.Logger
	clock  clock.Clock
	cfg    DispatcherConfig

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Dispatcher{
		outbox:   p.Outbox,
		relay:    p.Relay,
		log:      p.Log.Named("events.dispatcher"),
		clock:    clk,
		cfg:      p.Config.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

func (d *Dispatcher) Register(topic string, h Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" || h == nil {
		return ErrInvalidEvent
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[topic]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, topic)
	}
	d.handlers[topic] = h
	return nil
}

func (d *Dispatcher) handler(topic string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[topic]
	return h, ok
}

// DrainOnce delivers one batch of due events and returns how many were delivered.
// Delivery failures are rescheduled with backoff and do not fail the drain.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	msgs, err := d.outbox.claim(ctx, d.cfg.BatchSize, d.cfg.Lease, d.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	delivered := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := d.deliver(ctx, msg); err != nil {
			if IsPermanent(err) {
				d.log.Error("outbox event dropped",
					zap.Int64("event_id", msg.ID),
					zap.String("topic", msg.Topic),
					zap.Error(err),
				)
				if markErr := d.outbox.markDropped(ctx, msg.ID, err); markErr != nil {
					return delivered, markErr
				}
				continue
			}
			retryAt := d.clock.Now().Add(d.backoff(msg.Attempts))
			fields := []zap.Field{
				zap.Int64("event_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err),
			}
			if msg.Attempts >= d.cfg.MaxAttempts {
				d.log.Error("outbox event exhausted retries", fields...)
			} else {
				d.log.Warn("outbox event delivery failed", append(fields, zap.Time("retry_at", retryAt))...)
			}
			if markErr := d.outbox.markFailed(ctx, msg.ID, retryAt, err); markErr != nil {
				return delivered, markErr
			}
			continue
		}
		if err := d.outbox.markPublished(ctx, msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if h, ok := d.handler(msg.Topic); ok {
		return h(ctx, msg)
	}
	if d.relay == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Topic)
	}
	return d.relay.Publish(ctx, msg)
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := d.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= d.cfg.RetryMax {
			return d.cfg.RetryMax
		}
	}
	return wait
}

// IsPermanent reports whether a handler error should not be retried.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; the event is dropped after logging.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
