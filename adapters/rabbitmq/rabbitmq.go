package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// DefaultEventsExchange is the topic exchange events are published to.
const DefaultEventsExchange = "courier.events"

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
	// MessageID is the tracking number for sends, empty for events.
	MessageID string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Adapter implements cbus.Transport. Sends go through the default exchange with the address
// as routing key, so each address is a queue; events go to EventsExchange keyed by topic.
//
// With a Consumer it also implements cbus.Binder, cbus.Subscriber and cbus.TopicBinder.
// A failed delivery is requeued once and rejected when it fails again.
type Adapter struct {
	Publisher      Publisher
	Consumer       Consumer              // optional, enables inbound delivery
	Serializer     cbus.Serializer       // optional, defaults to sonic JSON
	Propagator     cbus.HeaderPropagator // optional, for context propagation into headers
	EventsExchange string                // optional, defaults to DefaultEventsExchange
	EventsQueue    string                // optional, empty means an exclusive server-named queue
	Logger         *slog.Logger          // optional, defaults to slog.Default()

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events ConsumerHandle
}

var (
	_ cbus.Transport   = (*Adapter)(nil)
	_ cbus.Binder      = (*Adapter)(nil)
	_ cbus.Subscriber  = (*Adapter)(nil)
	_ cbus.TopicBinder = (*Adapter)(nil)
)

func New(p Publisher) *Adapter { return &Adapter{Publisher: p} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, hp cbus.HeaderPropagator) *Adapter {
	return &Adapter{Publisher: p, Propagator: hp}
}

func (a *Adapter) init() {
	a.once.Do(func() {
		if a.Logger == nil {
			a.Logger = slog.Default()
		}
		a.ctx, a.cancel = context.WithCancel(context.Background())
	})
}

// Close cancels the context inbound deliveries run under.
func (a *Adapter) Close() {
	a.init()
	a.cancel()
}

// Send publishes msg to the queue named address.
func (a *Adapter) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	if err := a.ready(ctx, berr.ErrSendFailed, "send"); err != nil {
		return err
	}

	if address == "" {
		return fmt.Errorf("rabbitmq send: empty address: %w", errors.Join(berr.ErrSendFailed, berr.ErrAddressUnknown))
	}

	sa := &serializeArgs{
		exchange:    "",
		routingKey:  address,
		payload:     msg,
		headers:     withKey(opts.Headers, opts.Key),
		messageType: cbus.TypeName(msg),
		messageID:   opts.Key,
		wrap:        berr.ErrSendFailed,
		label:       "send",
	}

	return a.serializeAndPublish(ctx, sa)
}

// Publish publishes evt to the events exchange with its topic as routing key.
func (a *Adapter) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	sa := &serializeArgs{
		exchange:    a.eventsExchange(),
		routingKey:  routingForEvent(evt, opts),
		payload:     evt,
		headers:     withKey(opts.Headers, opts.Key),
		messageType: evt.Topic(),
		wrap:        berr.ErrPublishFailed,
		label:       "publish",
	}

	return a.serializeAndPublish(ctx, sa)
}

// Bind consumes the durable queue named address into r.
func (a *Adapter) Bind(address string, r cbus.Receiver) (func(), error) {
	if address == "" {
		return nil, fmt.Errorf("rabbitmq bind: empty address: %w", berr.ErrConfiguration)
	}

	if a.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq bind %s: no consumer: %w", address, berr.ErrAsyncNotConfigured)
	}

	a.init()

	h, err := a.Consumer.Consume(QueueSpec{Name: address}, a.deliver(address, r))
	if err != nil {
		return nil, fmt.Errorf("rabbitmq bind %s: %w", address, err)
	}

	var once sync.Once

	return func() { once.Do(h.Cancel) }, nil
}

// Subscribe consumes the events queue into r. The queue receives nothing until BindTopic
// binds topics to it.
func (a *Adapter) Subscribe(r cbus.Receiver) (func(), error) {
	if a.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq subscribe: no consumer: %w", berr.ErrAsyncNotConfigured)
	}

	a.init()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.events != nil {
		return nil, fmt.Errorf("rabbitmq subscribe: already subscribed: %w", berr.ErrHandlerExists)
	}

	exchange := a.eventsExchange()

	h, err := a.Consumer.Consume(QueueSpec{Name: a.EventsQueue, Exchange: exchange}, a.deliver(exchange, r))
	if err != nil {
		return nil, fmt.Errorf("rabbitmq subscribe: %w", err)
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

			h.Cancel()
		})
	}, nil
}

// BindTopic routes events published under topic to the subscribed events queue.
func (a *Adapter) BindTopic(topic string) error {
	a.mu.Lock()
	h := a.events
	a.mu.Unlock()

	if h == nil {
		return fmt.Errorf("rabbitmq bind topic %s: not subscribed: %w", topic, berr.ErrAsyncNotConfigured)
	}

	return h.Bind(topic)
}

func (a *Adapter) deliver(queue string, r cbus.Receiver) func(Delivery) {
	return func(d Delivery) {
		ctx := a.ctx
		if a.Propagator != nil {
			ctx = a.Propagator.Extract(ctx, d.Headers)
		}

		err := r.Receive(ctx, d.Body, d.Headers)
		if err == nil {
			if ackErr := d.Ack(); ackErr != nil {
				a.Logger.WarnContext(ctx, "rabbitmq ack failed", "queue", queue, "err", ackErr)
			}

			return
		}

		requeue := !d.Redelivered
		a.Logger.WarnContext(ctx, "rabbitmq delivery failed",
			"queue", queue,
			"message_type", d.Headers[cbus.HeaderMessageType],
			"tracking_number", d.Headers[cbus.HeaderTrackingNumber],
			"requeue", requeue,
			"err", err)

		if nackErr := d.Nack(requeue); nackErr != nil {
			a.Logger.WarnContext(ctx, "rabbitmq nack failed", "queue", queue, "err", nackErr)
		}
	}
}

func (a *Adapter) eventsExchange() string {
	if a.EventsExchange == "" {
		return DefaultEventsExchange
	}

	return a.EventsExchange
}

func routingForEvent(e cbus.Event, o cbus.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}

	return e.Topic()
}

func withKey(in map[string]string, key string) map[string]string {
	h := make(map[string]string, len(in)+1)
	maps.Copy(h, in)

	if key != "" {
		h["key"] = key
	}

	return h
}

// internal helpers (serialization + publishing)

type serializeArgs struct {
	exchange    string
	routingKey  string
	payload     any
	headers     map[string]string
	messageType string
	messageID   string
	wrap        error
	label       string
}

type publishArgs struct {
	exchange   string
	routingKey string
	body       []byte
	headers    map[string]string
	messageID  string
	wrap       error
	label      string
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(base, berr.ErrAsyncNotConfigured))
	}

	return nil
}

func (a *Adapter) serializeAndPublish(ctx context.Context, sa *serializeArgs) error {
	s := a.Serializer
	if s == nil {
		s = codec.NewJSON()
	}

	body, err := s.Marshal(sa.payload)
	if err != nil {
		return fmt.Errorf("rabbitmq %s serialize: %w", sa.label, errors.Join(sa.wrap, err))
	}

	if sa.headers[cbus.HeaderMessageType] == "" {
		sa.headers[cbus.HeaderMessageType] = sa.messageType
	}

	args := &publishArgs{
		exchange:   sa.exchange,
		routingKey: sa.routingKey,
		body:       body,
		headers:    sa.headers,
		messageID:  sa.messageID,
		wrap:       sa.wrap,
		label:      sa.label,
	}

	return a.publish(ctx, args)
}

func (a *Adapter) publish(ctx context.Context, args *publishArgs) error {
	// headers are already a private copy; inject tracing context into it
	if a.Propagator != nil {
		a.Propagator.Inject(ctx, args.headers)
	}

	msg := PubMsg{
		Exchange:   args.exchange,
		RoutingKey: args.routingKey,
		Body:       args.body,
		Headers:    args.headers,
		MessageID:  args.messageID,
	}
	if err := a.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq %s publish: %w", args.label, errors.Join(args.wrap, err))
	}

	return nil
}

func publishing(m PubMsg) amqp.Publishing {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Headers:      h,
		ContentType:  "application/json",
		Type:         m.Headers[cbus.HeaderMessageType],
		MessageId:    m.MessageID,
		Body:         m.Body,
	}
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

// NewWithAMQPChannel publishes and consumes on an existing channel without reconnecting.
// The events exchange must already exist.
func NewWithAMQPChannel(ch *amqp.Channel) *Adapter {
	return &Adapter{Publisher: amqpChannelPublisher{ch: ch}, Consumer: channelConsumer{ch: ch}}
}
