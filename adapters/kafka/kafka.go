package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

const sendPrefix = "send."

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Adapter implements cbus.Transport using an injected Writer. Sends go to topic
// "send.<address>" keyed by the send key, so every hop of a routing slip lands on the same
// partition; events go to their own topic.
//
// With a Reader it also implements cbus.Binder, cbus.Subscriber and cbus.TopicBinder.
// Each address is read by consumer group "<Group>.<address>"; events are read without a
// group, from the end of each topic. A record whose delivery still fails after Attempts
// tries is logged and skipped.
type Adapter struct {
	Writer     Writer
	Reader     Reader                // optional, enables inbound delivery
	Serializer cbus.Serializer       // optional, defaults to sonic JSON
	Propagator cbus.HeaderPropagator // optional
	Group      string                // optional, defaults to DefaultGroup
	Attempts   int                   // optional, defaults to DefaultAttempts
	Logger     *slog.Logger          // optional, defaults to slog.Default()

	mu     sync.Mutex
	events ReadHandle
}

var (
	_ cbus.Transport   = (*Adapter)(nil)
	_ cbus.Binder      = (*Adapter)(nil)
	_ cbus.Subscriber  = (*Adapter)(nil)
	_ cbus.TopicBinder = (*Adapter)(nil)
)

// New creates a new Kafka adapter instance with the provided writer.
func New(w Writer) *Adapter { return &Adapter{Writer: w} }

func (a *Adapter) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka send: %w", errors.Join(berr.ErrSendFailed, berr.ErrAsyncNotConfigured))
	}

	val, err := a.serializer().Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka send serialize: %w", errors.Join(berr.ErrSendFailed, err))
	}

	topic := TopicForAddress(address)
	headers := a.headers(ctx, opts.Headers, cbus.TypeName(msg))

	if err = a.Writer.Write(ctx, topic, keyBytes(opts.Key), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka send write %s: %w", topic, errors.Join(berr.ErrSendFailed, err))
	}

	return nil
}

func (a *Adapter) Publish(ctx context.Context, e cbus.Event, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", errors.Join(berr.ErrPublishFailed, berr.ErrAsyncNotConfigured))
	}

	val, err := a.serializer().Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka publish serialize: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	topic := topicForEvent(e, opts)
	headers := a.headers(ctx, opts.Headers, e.Topic())

	if err = a.Writer.Write(ctx, topic, keyBytes(opts.Key), val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka publish write %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// helpers (duplicated for simplicity and test isolation)

func (a *Adapter) serializer() cbus.Serializer {
	if a.Serializer == nil {
		return codec.NewJSON()
	}

	return a.Serializer
}

func (a *Adapter) headers(ctx context.Context, in map[string]string, messageType string) map[string]string {
	h := make(map[string]string, len(in)+1)
	maps.Copy(h, in)

	if h[cbus.HeaderMessageType] == "" {
		h[cbus.HeaderMessageType] = messageType
	}

	if a.Propagator != nil {
		a.Propagator.Inject(ctx, h)
	}

	return h
}

// TopicForAddress is the topic sends to address are written to.
func TopicForAddress(address string) string { return sendPrefix + address }

func topicForEvent(e cbus.Event, o cbus.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}

	return e.Topic()
}

func keyBytes(key string) []byte {
	if key == "" {
		return nil
	}

	return []byte(key)
}
