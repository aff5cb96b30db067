// Package inmemory is an in-process transport. Every hop is encoded and decoded with the
// configured serializer, so activities see exactly what a broker-backed deployment would
// deliver. Deliveries run on a bounded pool of workers.
package inmemory

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

// DefaultWorkers bounds concurrent deliveries when WithWorkers is not used.
const DefaultWorkers = 8

// Transport routes sends to bound receivers and fans published events out to subscribers.
type Transport struct {
	serializer  cbus.Serializer
	propagator  cbus.HeaderPropagator
	logger      *slog.Logger
	redeliver   int
	sem         chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	endpoints   map[string]cbus.Receiver
	subscribers map[int]cbus.Receiver
	nextID      int
	closed      bool

	rec    sync.Mutex
	events []cbus.Event
	faults []error
}

var (
	_ cbus.Transport  = (*Transport)(nil)
	_ cbus.Binder     = (*Transport)(nil)
	_ cbus.Subscriber = (*Transport)(nil)
)

// Option configures a Transport.
type Option func(*Transport)

// WithSerializer replaces the default sonic JSON serializer.
func WithSerializer(s cbus.Serializer) Option { return func(t *Transport) { t.serializer = s } }

// WithWorkers bounds concurrent deliveries. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the logger used for failed deliveries.
func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.logger = l } }

// WithPropagator carries trace context from senders to receivers.
func WithPropagator(p cbus.HeaderPropagator) Option { return func(t *Transport) { t.propagator = p } }

// WithRedelivery retries a delivery whose receiver returned an error up to n more times.
func WithRedelivery(n int) Option { return func(t *Transport) { t.redeliver = max(n, 0) } }

// New creates a transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		serializer:  codec.NewJSON(),
		propagator:  cbus.NopHeaderPropagator{},
		logger:      slog.Default(),
		sem:         make(chan struct{}, DefaultWorkers),
		endpoints:   map[string]cbus.Receiver{},
		subscribers: map[int]cbus.Receiver{},
	}

	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}

	if t.serializer == nil {
		t.serializer = codec.NewJSON()
	}
	if t.propagator == nil {
		t.propagator = cbus.NopHeaderPropagator{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	return t
}

// Bind routes sends for address to r. Only one receiver may be bound per address.
func (t *Transport) Bind(address string, r cbus.Receiver) (func(), error) {
	if address == "" || r == nil {
		return nil, fmt.Errorf("inmemory bind %q: %w", address, berr.ErrConfiguration)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.endpoints[address]; ok {
		return nil, fmt.Errorf("inmemory bind %s: %w", address, berr.ErrHandlerExists)
	}

	t.endpoints[address] = r

	var once sync.Once

	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.endpoints, address)
			t.mu.Unlock()
		})
	}, nil
}

// Subscribe delivers every published event to r.
func (t *Transport) Subscribe(r cbus.Receiver) (func(), error) {
	if r == nil {
		return nil, fmt.Errorf("inmemory subscribe: %w", berr.ErrConfiguration)
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subscribers[id] = r
	t.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}, nil
}

// Send encodes msg and schedules its delivery to the receiver bound at address.
// It returns before the receiver runs.
func (t *Transport) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, headers, err := t.encode(ctx, msg, opts.Headers, cbus.TypeName(msg))
	if err != nil {
		return fmt.Errorf("inmemory send %s: %w", address, errors.Join(berr.ErrSendFailed, err))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("inmemory send %s: transport closed: %w", address, berr.ErrSendFailed)
	}

	r, ok := t.endpoints[address]
	if !ok {
		return fmt.Errorf("inmemory send %s: %w", address, errors.Join(berr.ErrSendFailed, berr.ErrAddressUnknown))
	}

	t.deliver(address, r, body, headers)

	return nil
}

// Publish records evt and schedules its delivery to every subscriber.
func (t *Transport) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	topic := evt.Topic()
	if opts.TopicOverride != "" {
		topic = opts.TopicOverride
	}

	body, headers, err := t.encode(ctx, evt, opts.Headers, evt.Topic())
	if err != nil {
		return fmt.Errorf("inmemory publish %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("inmemory publish %s: transport closed: %w", topic, berr.ErrPublishFailed)
	}

	t.rec.Lock()
	t.events = append(t.events, evt)
	t.rec.Unlock()

	for _, r := range t.subscribers {
		t.deliver(topic, r, body, headers)
	}

	return nil
}

func (t *Transport) encode(ctx context.Context, msg any, in map[string]string, messageType string) ([]byte, map[string]string, error) {
	body, err := t.serializer.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}

	headers := make(map[string]string, len(in)+3)
	maps.Copy(headers, in)

	if headers[cbus.HeaderMessageType] == "" {
		headers[cbus.HeaderMessageType] = messageType
	}

	t.propagator.Inject(ctx, headers)

	return body, headers, nil
}

// deliver must be called with t.mu held for reading so Close cannot race the Add.
func (t *Transport) deliver(destination string, r cbus.Receiver, body []byte, headers map[string]string) {
	t.wg.Add(1)

	go func() {
		defer t.wg.Done()

		select {
		case t.sem <- struct{}{}:
		case <-t.ctx.Done():
			return
		}
		defer func() { <-t.sem }()

		ctx := t.propagator.Extract(t.ctx, headers)

		var err error
		for attempt := 0; attempt <= t.redeliver; attempt++ {
			if err = r.Receive(ctx, body, maps.Clone(headers)); err == nil || ctx.Err() != nil {
				break
			}
		}

		if err != nil {
			t.logger.WarnContext(ctx, "inmemory delivery failed",
				"destination", destination,
				"message_type", headers[cbus.HeaderMessageType],
				"tracking_number", headers[cbus.HeaderTrackingNumber],
				"err", err,
			)

			t.rec.Lock()
			t.faults = append(t.faults, fmt.Errorf("deliver to %s: %w", destination, err))
			t.rec.Unlock()
		}
	}()
}

// Wait blocks until every scheduled delivery, including the ones those deliveries
// scheduled, has finished.
func (t *Transport) Wait() { t.wg.Wait() }

// Close rejects further sends, abandons deliveries still waiting for a worker and waits
// for running ones.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()

	return nil
}

// Events returns the events published so far, in publish order.
func (t *Transport) Events() []cbus.Event {
	t.rec.Lock()
	defer t.rec.Unlock()

	return append([]cbus.Event(nil), t.events...)
}

// Faults returns the errors returned by receivers after all redeliveries.
func (t *Transport) Faults() []error {
	t.rec.Lock()
	defer t.rec.Unlock()

	return append([]error(nil), t.faults...)
}
