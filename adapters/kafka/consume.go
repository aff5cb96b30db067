package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

const (
	DefaultGroup    = "courier"
	DefaultAttempts = 3
)

// Record is one consumed Kafka record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader consumes topics into fn. A non-empty group shares records among the readers of
// the group and commits their progress; an empty group gives every reader every record.
type Reader interface {
	Read(group string, topics []string, fn func(ctx context.Context, rec Record) error) (ReadHandle, error)
}

type ReadHandle interface {
	AddTopics(topics ...string) error
	Close()
}

// Bind reads the send topic of address into r.
func (a *Adapter) Bind(address string, r cbus.Receiver) (func(), error) {
	if address == "" {
		return nil, fmt.Errorf("kafka bind: empty address: %w", berr.ErrConfiguration)
	}

	if a.Reader == nil {
		return nil, fmt.Errorf("kafka bind %s: no reader: %w", address, berr.ErrAsyncNotConfigured)
	}

	h, err := a.Reader.Read(a.group()+"."+address, []string{TopicForAddress(address)}, a.deliver(r))
	if err != nil {
		return nil, fmt.Errorf("kafka bind %s: %w", address, err)
	}

	var once sync.Once

	return func() { once.Do(h.Close) }, nil
}

// Subscribe starts an event reader for r. It reads nothing until BindTopic adds topics.
func (a *Adapter) Subscribe(r cbus.Receiver) (func(), error) {
	if a.Reader == nil {
		return nil, fmt.Errorf("kafka subscribe: no reader: %w", berr.ErrAsyncNotConfigured)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.events != nil {
		return nil, fmt.Errorf("kafka subscribe: already subscribed: %w", berr.ErrHandlerExists)
	}

	h, err := a.Reader.Read("", nil, a.deliver(r))
	if err != nil {
		return nil, fmt.Errorf("kafka subscribe: %w", err)
	}

	a.events = h

	var once sync.Once

	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.events == h {
				a.events = nil
			}
			a.mu.Unlock()

			h.Close()
		})
	}, nil
}

// BindTopic adds topic to the event reader.
func (a *Adapter) BindTopic(topic string) error {
	a.mu.Lock()
	h := a.events
	a.mu.Unlock()

	if h == nil {
		return fmt.Errorf("kafka bind topic %s: not subscribed: %w", topic, berr.ErrAsyncNotConfigured)
	}

	if err := h.AddTopics(topic); err != nil {
		return fmt.Errorf("kafka bind topic %s: %w", topic, err)
	}

	return nil
}

func (a *Adapter) deliver(r cbus.Receiver) func(ctx context.Context, rec Record) error {
	return func(ctx context.Context, rec Record) error {
		if a.Propagator != nil {
			ctx = a.Propagator.Extract(ctx, rec.Headers)
		}

		attempts := a.Attempts
		if attempts <= 0 {
			attempts = DefaultAttempts
		}

		var err error

		for range attempts {
			if err = r.Receive(ctx, rec.Value, rec.Headers); err == nil {
				return nil
			}

			if ctx.Err() != nil {
				break
			}
		}

		a.logger().WarnContext(ctx, "kafka delivery failed",
			"topic", rec.Topic,
			"message_type", rec.Headers[cbus.HeaderMessageType],
			"tracking_number", rec.Headers[cbus.HeaderTrackingNumber],
			"attempts", attempts,
			"err", err)

		return err
	}
}

func (a *Adapter) group() string {
	if a.Group == "" {
		return DefaultGroup
	}

	return a.Group
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}

	return a.Logger
}
