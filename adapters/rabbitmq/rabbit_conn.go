package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-courier/contract/errors"
)

const (
	eventsExchangeType = "topic"
	defaultPrefetch    = 16
	minBackoff         = time.Second
	maxBackoff         = 30 * time.Second
)

// Config dials a broker owned by the adapter.
type Config struct {
	URL         string
	ConnTimeout time.Duration
	// EventsExchange defaults to DefaultEventsExchange.
	EventsExchange string
	// EventsQueue names a durable queue for event subscriptions. Empty means an exclusive
	// server-named queue that lives as long as the connection.
	EventsQueue string
	// Prefetch bounds unacknowledged deliveries per consumer. Defaults to 16.
	Prefetch int
	// Logger reports reconnects and failed deliveries. Defaults to slog.Default().
	Logger *slog.Logger
}

// amqpChannel is the part of *amqp.Channel the adapter uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConn interface {
	channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type dialedConn struct{ *amqp.Connection }

func (c dialedConn) channel() (amqpChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(cfg Config) func() (amqpConn, error) {
	return func() (amqpConn, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-courier"},
			Dial:       amqp.DefaultDial(cfg.ConnTimeout),
		})
		if err != nil {
			return nil, err
		}

		return dialedConn{conn}, nil
	}
}

// session is one live connection and the channel publishes go through.
// Consumers open their own channels on the same connection.
type session struct {
	conn   amqpConn
	ch     amqpChannel
	queues map[string]struct{}
}

func (s *session) close() {
	_ = s.ch.Close()
	_ = s.conn.Close()
}

var errConsumerLost = errors.New("rabbitmq consumer channel closed")

// reconnectingConn keeps one session open, redialing with jittered backoff when the broker
// drops the connection or the publish channel, or when a consumer's deliveries stop.
// Publishes wait for a session or their context; consumers are restarted on every session.
type reconnectingConn struct {
	cfg        Config
	dial       func() (amqpConn, error)
	minBackoff time.Duration

	mu        sync.Mutex
	current   *session
	ready     chan struct{} // closed while current is usable
	consumers map[*consumer]struct{}

	lost chan *session
	done chan struct{}
	once sync.Once
}

var (
	_ Publisher = (*reconnectingConn)(nil)
	_ Consumer  = (*reconnectingConn)(nil)
)

func newReconnectingConn(cfg Config, dial func() (amqpConn, error)) *reconnectingConn {
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = DefaultEventsExchange
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &reconnectingConn{
		cfg:        cfg,
		dial:       dial,
		minBackoff: minBackoff,
		ready:      make(chan struct{}),
		consumers:  map[*consumer]struct{}{},
		lost:       make(chan *session),
		done:       make(chan struct{}),
	}
}

func (rc *reconnectingConn) Publish(ctx context.Context, m PubMsg) error {
	s, err := rc.session(ctx)
	if err != nil {
		return err
	}

	if m.Exchange == "" {
		if err := rc.ensureQueue(s, m.RoutingKey); err != nil {
			return err
		}
	}

	return s.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

// Consume registers a consumer for spec. It starts now when a session is up and again on
// every reconnect.
func (rc *reconnectingConn) Consume(spec QueueSpec, fn func(Delivery)) (ConsumerHandle, error) {
	c := newConsumer(spec, fn, rc.cfg.Prefetch, true)
	c.onCancel = func() {
		rc.mu.Lock()
		delete(rc.consumers, c)
		rc.mu.Unlock()
	}

	rc.mu.Lock()
	rc.consumers[c] = struct{}{}
	s := rc.current
	rc.mu.Unlock()

	if s == nil {
		return c, nil
	}

	if err := rc.startConsumer(s, c); err != nil && rc.isCurrent(s) {
		c.Cancel()
		return nil, fmt.Errorf("rabbitmq consume %s: %w", spec.Name, err)
	}

	return c, nil
}

func (rc *reconnectingConn) session(ctx context.Context) (*session, error) {
	for {
		rc.mu.Lock()
		s, ready := rc.current, rc.ready
		rc.mu.Unlock()

		if s != nil {
			return s, nil
		}

		select {
		case <-ready:
		case <-rc.done:
			return nil, fmt.Errorf("%w: rabbitmq connection closed", berr.ErrSendFailed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (rc *reconnectingConn) isCurrent(s *session) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.current == s
}

// ensureQueue declares the durable queue behind an address once per session.
func (rc *reconnectingConn) ensureQueue(s *session, name string) error {
	rc.mu.Lock()
	_, ok := s.queues[name]
	rc.mu.Unlock()

	if ok {
		return nil
	}

	if _, err := s.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	rc.mu.Lock()
	s.queues[name] = struct{}{}
	rc.mu.Unlock()

	return nil
}

func (rc *reconnectingConn) open() (*session, error) {
	conn, err := rc.dial()
	if err != nil {
		return nil, err
	}

	ch, err := conn.channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &session{conn: conn, ch: ch, queues: map[string]struct{}{}}

	err = ch.ExchangeDeclare(rc.cfg.EventsExchange, eventsExchangeType, true, false, false, false, nil)
	if err != nil {
		s.close()
		return nil, err
	}

	return s, nil
}

func (rc *reconnectingConn) startConsumer(s *session, c *consumer) error {
	ch, err := s.conn.channel()
	if err != nil {
		return err
	}

	return c.start(ch, func() { rc.consumerLost(s) })
}

// consumerLost restarts s when one of its consumers stops receiving. Stale sessions are ignored.
func (rc *reconnectingConn) consumerLost(s *session) {
	if !rc.isCurrent(s) {
		return
	}

	select {
	case rc.lost <- s:
	case <-rc.done:
	}
}

func (rc *reconnectingConn) run() {
	backoff := rc.minBackoff

	for {
		s, err := rc.open()
		if err != nil {
			// #nosec G404 -- jitter only
			sleep := min(backoff+rand.N(backoff/2+1), maxBackoff) //nolint:gosec // jitter only
			rc.cfg.Logger.Warn("rabbitmq dial failed", "err", err, "retry_in", sleep)

			if !rc.sleep(sleep) {
				return
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = rc.minBackoff

		reason := rc.serve(s)
		rc.drop(s)

		if reason == nil {
			return
		}

		rc.cfg.Logger.Warn("rabbitmq session lost", "err", reason)

		if !rc.sleep(rc.minBackoff) {
			return
		}
	}
}

// serve publishes s and blocks until it is lost. A nil result means the connection was closed.
func (rc *reconnectingConn) serve(s *session) error {
	connLost := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chLost := s.ch.NotifyClose(make(chan *amqp.Error, 1))

	rc.mu.Lock()
	rc.current = s
	consumers := slices.Collect(maps.Keys(rc.consumers))
	close(rc.ready)
	rc.mu.Unlock()

	for _, c := range consumers {
		if err := rc.startConsumer(s, c); err != nil {
			return fmt.Errorf("restart consumer %s: %w", c.spec.Name, err)
		}
	}

	for {
		select {
		case <-rc.done:
			return nil
		case amqpErr := <-connLost:
			return closedErr("connection", amqpErr)
		case amqpErr := <-chLost:
			return closedErr("channel", amqpErr)
		case lost := <-rc.lost:
			if lost == s {
				return errConsumerLost
			}
		}
	}
}

func (rc *reconnectingConn) drop(s *session) {
	rc.mu.Lock()
	if rc.current == s {
		rc.current = nil
		rc.ready = make(chan struct{})
	}
	consumers := slices.Collect(maps.Keys(rc.consumers))
	rc.mu.Unlock()

	for _, c := range consumers {
		c.detach()
	}

	s.close()
}

func closedErr(what string, amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return fmt.Errorf("rabbitmq %s closed", what)
	}

	return fmt.Errorf("rabbitmq %s closed: %w", what, amqpErr)
}

func (rc *reconnectingConn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-rc.done:
		return false
	case <-t.C:
		return true
	}
}

func (rc *reconnectingConn) close() {
	rc.once.Do(func() { close(rc.done) })
}

// NewWithAMQPConn dials RabbitMQ in the background with auto-reconnect and returns the
// Adapter and its cleanup. Publishes block until the first connection is up; consumers
// bound before that start with it.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrConfiguration)
	}

	rc := newReconnectingConn(cfg, dialAMQP(cfg))
	go rc.run()

	ad := New(rc)
	ad.Consumer = rc
	ad.EventsExchange = rc.cfg.EventsExchange
	ad.EventsQueue = rc.cfg.EventsQueue
	ad.Logger = rc.cfg.Logger

	cleanup := func() {
		ad.Close()
		rc.close()
	}

	return ad, cleanup, nil
}
