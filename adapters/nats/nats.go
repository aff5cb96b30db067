package nats

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

const (
	sendPrefix  = "send."
	eventPrefix = "events."
)

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe calls fn for each message on subject. A non-empty queue load-balances
	// messages across subscribers sharing it. The returned function unsubscribes.
	Subscribe(subject, queue string, fn func(data []byte, headers map[string]string)) (func() error, error)
}

// Adapter implements cbus.Transport, cbus.Binder and cbus.Subscriber over a NATS-like Client.
// Sends go to "send.<address>", events to "events.<topic>".
//
// Core NATS has no redelivery: a receiver error is logged and the message is dropped.
type Adapter struct {
	Client     Client
	Serializer cbus.Serializer
	Propagator cbus.HeaderPropagator
	Logger     *slog.Logger

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ cbus.Transport  = (*Adapter)(nil)
	_ cbus.Binder     = (*Adapter)(nil)
	_ cbus.Subscriber = (*Adapter)(nil)
)

// New creates a new NATS adapter instance with the provided client.
func New(c Client) *Adapter { return &Adapter{Client: c} }

func (a *Adapter) init() {
	a.once.Do(func() {
		if a.Serializer == nil {
			a.Serializer = codec.NewJSON()
		}
		if a.Propagator == nil {
			a.Propagator = cbus.NopHeaderPropagator{}
		}
		if a.Logger == nil {
			a.Logger = slog.Default()
		}
		a.ctx, a.cancel = context.WithCancel(context.Background())
	})
}

// Send publishes msg to the subject of address.
func (a *Adapter) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	sa := &serializeArgs{
		subject:     SubjectForAddress(address),
		payload:     msg,
		headers:     sendHeaders(opts),
		messageType: cbus.TypeName(msg),
		wrap:        berr.ErrSendFailed,
		label:       "send",
	}

	return a.buildAndSend(ctx, sa)
}

// Publish publishes evt to the subject of its topic.
func (a *Adapter) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	sa := &serializeArgs{
		subject:     topicForEvent(evt, opts),
		payload:     evt,
		headers:     publishHeaders(opts),
		messageType: evt.Topic(),
		wrap:        berr.ErrPublishFailed,
		label:       "publish",
	}

	return a.buildAndSend(ctx, sa)
}

// Bind queue-subscribes r to the subject of address, so replicas of an endpoint share its load.
func (a *Adapter) Bind(address string, r cbus.Receiver) (func(), error) {
	subject := SubjectForAddress(address)
	return a.subscribe(subject, subject, r)
}

// Subscribe delivers every event published through NATS to r.
func (a *Adapter) Subscribe(r cbus.Receiver) (func(), error) {
	return a.subscribe(eventPrefix+">", "", r)
}

// Close stops in-flight receive contexts. The connection itself is owned by the caller.
func (a *Adapter) Close() error {
	a.init()
	a.cancel()

	return nil
}

func (a *Adapter) subscribe(subject, queue string, r cbus.Receiver) (func(), error) {
	a.init()

	if a.Client == nil || r == nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, berr.ErrConfiguration)
	}

	unsubscribe, err := a.Client.Subscribe(subject, queue, func(data []byte, headers map[string]string) {
		ctx := a.Propagator.Extract(a.ctx, headers)
		if err := r.Receive(ctx, data, headers); err != nil {
			a.Logger.WarnContext(ctx, "nats delivery failed",
				"subject", subject,
				"message_type", headers[cbus.HeaderMessageType],
				"tracking_number", headers[cbus.HeaderTrackingNumber],
				"err", err,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			if err := unsubscribe(); err != nil {
				a.Logger.Warn("nats unsubscribe failed", "subject", subject, "err", err)
			}
		})
	}, nil
}

func (a *Adapter) buildAndSend(ctx context.Context, sa *serializeArgs) error {
	if err := a.ready(ctx, sa.wrap, sa.label); err != nil {
		return err
	}

	if sa.headers[cbus.HeaderMessageType] == "" {
		sa.headers[cbus.HeaderMessageType] = sa.messageType
	}

	a.Propagator.Inject(ctx, sa.headers)

	return a.serializeAndPublish(ctx, sa)
}

type publishArgs struct {
	subject string
	body    []byte
	headers map[string]string
	wrap    error
	label   string
}

func (a *Adapter) publish(_ context.Context, args *publishArgs) error {
	if err := a.Client.Publish(args.subject, args.body, args.headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats %s publish: %w", args.label, errors.Join(args.wrap, err))
	}

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	a.init()

	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, errors.Join(base, berr.ErrAsyncNotConfigured))
	}

	return nil
}

type serializeArgs struct {
	subject     string
	payload     any
	headers     map[string]string
	messageType string
	wrap        error
	label       string
}

func (a *Adapter) serializeAndPublish(ctx context.Context, sa *serializeArgs) error {
	body, err := a.Serializer.Marshal(sa.payload)
	if err != nil {
		return fmt.Errorf("nats %s serialize: %w", sa.label, errors.Join(sa.wrap, err))
	}

	args := &publishArgs{
		subject: sa.subject,
		body:    body,
		headers: sa.headers,
		wrap:    sa.wrap,
		label:   sa.label,
	}

	return a.publish(ctx, args)
}

// helpers

// SubjectForAddress is the subject sends to address are published on.
func SubjectForAddress(address string) string { return sendPrefix + address }

func topicForEvent(e cbus.Event, o cbus.PublishOptions) string {
	if o.TopicOverride != "" {
		return eventPrefix + o.TopicOverride
	}

	return eventPrefix + e.Topic()
}

func sendHeaders(o cbus.SendOptions) map[string]string {
	h := make(map[string]string, len(o.Headers)+2)
	maps.Copy(h, o.Headers)

	if o.Key != "" {
		h["key"] = o.Key
	}

	return h
}

func publishHeaders(o cbus.PublishOptions) map[string]string {
	h := make(map[string]string, len(o.Headers)+2)
	maps.Copy(h, o.Headers)

	if o.Key != "" {
		h["key"] = o.Key
	}

	return h
}
