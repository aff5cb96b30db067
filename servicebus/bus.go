package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/next-trace/scg-courier/codec"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/ids"
	"github.com/next-trace/scg-courier/pipeline"
)

// Bus owns the receive endpoints of one process and the transport they are bound to.
// Sends and publishes of the bus and its activity hosts pass through the publish filters.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	mu        sync.Mutex
	transport cbus.Transport
	out       *outbound
	endpoints map[string]*Endpoint
	events    *Endpoint
	closed    bool

	serializer cbus.Serializer
	ids        cbus.IDGenerator
	logger     *slog.Logger
	observer   courier.Observer
	host       *courier.HostInfo
	filters    []pipeline.Filter[*pipeline.ReceiveContext]
	outFilters []pipeline.Filter[*pipeline.PublishContext]
}

// Option configures a Bus instance.
type Option func(*Bus)

// WithLogger sets the logger used by endpoints and activity hosts.
func WithLogger(l *slog.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithSerializer sets the serializer used to decode inbound messages and activity data.
func WithSerializer(s cbus.Serializer) Option { return func(b *Bus) { b.serializer = s } }

// WithIDGenerator sets the generator for tracking numbers and execution ids.
func WithIDGenerator(g cbus.IDGenerator) Option { return func(b *Bus) { b.ids = g } }

// WithObserver reports activity outcomes, e.g. to metrics.Metrics.
func WithObserver(o courier.Observer) Option { return func(b *Bus) { b.observer = o } }

// WithHostInfo overrides the host identity recorded in routing slip logs.
func WithHostInfo(h courier.HostInfo) Option { return func(b *Bus) { b.host = &h } }

// WithReceiveFilters adds filters to every receive endpoint, after panic recovery and before
// logging. The first filter added runs first.
func WithReceiveFilters(f ...pipeline.Filter[*pipeline.ReceiveContext]) Option {
	return func(b *Bus) { b.filters = append(b.filters, f...) }
}

// WithPublishFilters adds filters every outgoing send and publish runs through, including
// the routing slips and events of activity hosts. The first filter added runs first.
func WithPublishFilters(f ...pipeline.Filter[*pipeline.PublishContext]) Option {
	return func(b *Bus) { b.outFilters = append(b.outFilters, f...) }
}

// New constructs a Bus over transport.
func New(transport cbus.Transport, opts ...Option) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("new bus: nil transport: %w", berr.ErrConfiguration)
	}

	b := &Bus{
		transport: transport,
		endpoints: map[string]*Endpoint{},
	}

	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}

	if b.serializer == nil {
		b.serializer = codec.NewJSON()
	}
	if b.ids == nil {
		b.ids = ids.Default()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}

	out, err := newOutbound(transport, b.outFilters)
	if err != nil {
		return nil, fmt.Errorf("new bus: %w", err)
	}
	b.out = out

	return b, nil
}

// Transport returns the underlying transport. Messages sent on it directly skip the
// publish filters.
func (b *Bus) Transport() cbus.Transport { return b.transport }

// NewBuilder starts a routing slip with a fresh tracking number.
func (b *Bus) NewBuilder() *courier.Builder {
	return courier.NewBuilder(courier.NewTrackingNumber(b.ids))
}

// Execute starts slip by sending it to its first activity.
func (b *Bus) Execute(ctx context.Context, slip *courier.RoutingSlip) error {
	return courier.Execute(ctx, b.out, slip)
}

// Publish publishes evt through the publish filters and the transport.
func (b *Bus) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	return b.out.Publish(ctx, evt, opts)
}

// Send sends msg to address through the publish filters and the transport.
func (b *Bus) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	return b.out.Send(ctx, address, msg, opts)
}

// Close unbinds every endpoint and the event subscription. The transport stays open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	eps := make([]*Endpoint, 0, len(b.endpoints)+1)
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	if b.events != nil {
		eps = append(eps, b.events)
	}
	b.mu.Unlock()

	for _, ep := range eps {
		ep.unbind()
	}

	return nil
}

// hostOptions are the bus-wide defaults for activity hosts; per-call options come last.
func (b *Bus) hostOptions(extra []courier.HostOption) []courier.HostOption {
	opts := []courier.HostOption{
		courier.WithSerializer(b.serializer),
		courier.WithIDGenerator(b.ids),
		courier.WithLogger(b.logger),
	}
	if b.observer != nil {
		opts = append(opts, courier.WithObserver(b.observer))
	}
	if b.host != nil {
		opts = append(opts, courier.WithHostInfo(*b.host))
	}

	return append(opts, extra...)
}

func (b *Bus) receivePipe(consume *pipeline.ConsumePipe) (pipeline.Pipe[*pipeline.ReceiveContext], error) {
	specs := []pipeline.Specification[*pipeline.ReceiveContext]{
		pipeline.UseFilter(pipeline.RecoverFilter[*pipeline.ReceiveContext]()),
	}

	for _, f := range slices.Clone(b.filters) {
		specs = append(specs, pipeline.UseFilter(f))
	}

	specs = append(specs, pipeline.UseFilter(pipeline.LogFilter(b.logger)))

	return pipeline.New[*pipeline.ReceiveContext](consume, specs...)
}

// ReceiveEndpoint creates the endpoint for address and binds it when the transport can
// deliver to local receivers. An address may only have one endpoint.
func (b *Bus) ReceiveEndpoint(address string) (*Endpoint, error) {
	if address == "" {
		return nil, fmt.Errorf("receive endpoint: empty address: %w", berr.ErrConfiguration)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("receive endpoint %s: bus closed: %w", address, berr.ErrConfiguration)
	}

	if _, ok := b.endpoints[address]; ok {
		return nil, fmt.Errorf("receive endpoint %s: %w", address, berr.ErrHandlerExists)
	}

	ep, err := b.newEndpoint(address, false)
	if err != nil {
		return nil, err
	}

	if binder, ok := b.transport.(cbus.Binder); ok {
		release, err := binder.Bind(address, ep)
		if err != nil {
			return nil, fmt.Errorf("receive endpoint %s: bind: %w", address, err)
		}
		ep.release = release
	} else {
		b.logger.Info("transport cannot bind receivers; deliver to Endpoint.Receive directly", "address", address)
	}

	b.endpoints[address] = ep

	return ep, nil
}

func (b *Bus) removeEndpoint(ep *Endpoint) {
	b.mu.Lock()
	if b.endpoints[ep.address] == ep {
		delete(b.endpoints, ep.address)
	}
	b.mu.Unlock()

	ep.unbind()
}

// Endpoint returns the endpoint created for address, if any.
func (b *Bus) Endpoint(address string) (*Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[address]

	return ep, ok
}

// eventEndpoint lazily creates the endpoint published events are delivered to.
func (b *Bus) eventEndpoint() (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.events != nil {
		return b.events, nil
	}

	if b.closed {
		return nil, fmt.Errorf("event endpoint: bus closed: %w", berr.ErrConfiguration)
	}

	sub, ok := b.transport.(cbus.Subscriber)
	if !ok {
		return nil, fmt.Errorf("event endpoint: transport %T cannot subscribe: %w", b.transport, berr.ErrAsyncNotConfigured)
	}

	ep, err := b.newEndpoint("events", true)
	if err != nil {
		return nil, err
	}

	release, err := sub.Subscribe(ep)
	if err != nil {
		return nil, fmt.Errorf("event endpoint: subscribe: %w", err)
	}

	ep.release = release
	b.events = ep

	return ep, nil
}

func (b *Bus) newEndpoint(address string, ignoreUnknown bool) (*Endpoint, error) {
	consume := pipeline.NewConsumePipe()

	pipe, err := b.receivePipe(consume)
	if err != nil {
		return nil, fmt.Errorf("receive endpoint %s: %w", address, err)
	}

	return &Endpoint{
		address:       address,
		consume:       consume,
		pipe:          pipe,
		serializer:    b.serializer,
		ignoreUnknown: ignoreUnknown,
		decoders:      map[string]*binding{},
	}, nil
}
