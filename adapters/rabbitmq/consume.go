package rabbitmq

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-courier/contract/bus"
)

// Delivery is one inbound message. Exactly one of Ack or Nack is called per delivery.
type Delivery struct {
	Body        []byte
	Headers     map[string]string
	Redelivered bool
	Ack         func() error
	Nack        func(requeue bool) error
}

// QueueSpec names the queue a consumer reads. An empty Name declares an exclusive
// server-named queue. Keys bind the queue to Exchange.
type QueueSpec struct {
	Name     string
	Exchange string
	Keys     []string
}

type Consumer interface {
	Consume(spec QueueSpec, fn func(Delivery)) (ConsumerHandle, error)
}

// ConsumerHandle controls a running consumer. Bind adds a routing key binding that
// survives reconnects.
type ConsumerHandle interface {
	Bind(key string) error
	Cancel()
}

var consumerSeq atomic.Uint64

// consumer reads one queue. Owned consumers hold their own channel and close it on cancel.
type consumer struct {
	spec     QueueSpec
	fn       func(Delivery)
	tag      string
	prefetch int
	owned    bool
	onCancel func()

	mu     sync.Mutex
	keys   []string
	ch     amqpChannel
	queue  string
	closed bool
}

func newConsumer(spec QueueSpec, fn func(Delivery), prefetch int, owned bool) *consumer {
	return &consumer{
		spec:     spec,
		fn:       fn,
		tag:      fmt.Sprintf("courier-%d", consumerSeq.Add(1)),
		prefetch: prefetch,
		owned:    owned,
		keys:     slices.Clone(spec.Keys),
	}
}

// start declares and binds the queue on ch and pumps its deliveries. onLost runs when the
// deliveries stop without the consumer being cancelled.
func (c *consumer) start(ch amqpChannel, onLost func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		if c.owned {
			_ = ch.Close()
		}

		return nil
	}

	deliveries, queue, err := c.declare(ch)
	if err != nil {
		if c.owned {
			_ = ch.Close()
		}

		return err
	}

	c.ch, c.queue = ch, queue

	go c.pump(deliveries, onLost)

	return nil
}

func (c *consumer) declare(ch amqpChannel) (<-chan amqp.Delivery, string, error) {
	if c.owned && c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return nil, "", fmt.Errorf("qos: %w", err)
		}
	}

	named := c.spec.Name != ""

	q, err := ch.QueueDeclare(c.spec.Name, named, !named, !named, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("declare queue %s: %w", c.spec.Name, err)
	}

	for _, key := range c.keys {
		if err := ch.QueueBind(q.Name, key, c.spec.Exchange, false, nil); err != nil {
			return nil, "", fmt.Errorf("bind %s to %s: %w", key, q.Name, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, "", fmt.Errorf("consume %s: %w", q.Name, err)
	}

	return deliveries, q.Name, nil
}

func (c *consumer) pump(deliveries <-chan amqp.Delivery, onLost func()) {
	for d := range deliveries {
		c.fn(deliveryOf(d))
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed && onLost != nil {
		onLost()
	}
}

func (c *consumer) Bind(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.keys, key) {
		return nil
	}

	c.keys = append(c.keys, key)

	if c.ch == nil {
		return nil
	}

	if err := c.ch.QueueBind(c.queue, key, c.spec.Exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq bind %s to %s: %w", key, c.queue, err)
	}

	return nil
}

func (c *consumer) Cancel() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Cancel(c.tag, false)
		if c.owned {
			_ = ch.Close()
		}
	}

	if c.onCancel != nil {
		c.onCancel()
	}
}

// detach forgets the channel of a session that is gone.
func (c *consumer) detach() {
	c.mu.Lock()
	c.ch = nil
	c.mu.Unlock()
}

func deliveryOf(d amqp.Delivery) Delivery {
	headers := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		} else {
			headers[k] = fmt.Sprint(v)
		}
	}

	if headers[cbus.HeaderMessageType] == "" && d.Type != "" {
		headers[cbus.HeaderMessageType] = d.Type
	}

	return Delivery{
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
		Ack:         func() error { return d.Ack(false) },
		Nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

// channelConsumer consumes on a caller-owned channel and does not reconnect.
type channelConsumer struct{ ch amqpChannel }

func (cc channelConsumer) Consume(spec QueueSpec, fn func(Delivery)) (ConsumerHandle, error) {
	c := newConsumer(spec, fn, 0, false)

	if err := c.start(cc.ch, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq consume %s: %w", spec.Name, err)
	}

	return c, nil
}
