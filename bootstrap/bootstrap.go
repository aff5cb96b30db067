// Package bootstrap opens a servicebus.Bus from config.Config: it dials the selected
// transport and wires trace propagation, receive spans, metrics and trace-aware logging.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-courier/adapters/inmemory"
	"github.com/next-trace/scg-courier/adapters/kafka"
	"github.com/next-trace/scg-courier/adapters/nats"
	"github.com/next-trace/scg-courier/adapters/rabbitmq"
	"github.com/next-trace/scg-courier/config"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/metrics"
	"github.com/next-trace/scg-courier/servicebus"
	"github.com/next-trace/scg-courier/telemetry"
)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	busOpts    []servicebus.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the base logger. Its handler is wrapped so records carry trace ids.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer sets where metrics are registered. Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithTracerProvider sets the provider for receive spans. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracer = tp } }

// WithBusOptions passes extra options to servicebus.New.
func WithBusOptions(opts ...servicebus.Option) Option {
	return func(o *options) { o.busOpts = append(o.busOpts, opts...) }
}

// Open validates cfg, opens its transport and returns a Bus over it. The cleanup closes
// the bus first, then the transport.
func Open(cfg config.Config, opts ...Option) (*servicebus.Bus, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("bootstrap: %w", errors.Join(berr.ErrConfiguration, err))
	}

	o := options{}
	for _, f := range opts {
		if f != nil {
			f(&o)
		}
	}

	base := o.logger
	if base == nil {
		base = telemetry.NewLogger(os.Stderr, slog.LevelInfo)
	}
	logger := slog.New(telemetry.NewContextHandler(base.Handler()))

	prop := telemetry.NewHeaderPropagator(nil)

	transport, closeTransport, err := openTransport(cfg, prop, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap %s: %w", cfg.TransportName(), err)
	}

	busOpts := []servicebus.Option{
		servicebus.WithLogger(logger),
		servicebus.WithReceiveFilters(telemetry.TracingFilter(o.tracer, prop)),
		servicebus.WithPublishFilters(telemetry.PublishTracingFilter(o.tracer)),
	}

	if cfg.MetricsEnabled {
		m := metrics.New(o.registerer, cfg.MetricsNamespace)
		if err := m.Register(); err != nil {
			closeTransport()
			return nil, nil, fmt.Errorf("bootstrap metrics: %w", err)
		}

		busOpts = append(busOpts, servicebus.WithObserver(m), servicebus.WithReceiveFilters(m.Filter()))
	}

	b, err := servicebus.New(transport, append(busOpts, o.busOpts...)...)
	if err != nil {
		closeTransport()
		return nil, nil, err
	}

	logger.Info("bus opened", "config", cfg.String())

	cleanup := func() {
		_ = b.Close()
		closeTransport()
	}

	return b, cleanup, nil
}

func openTransport(cfg config.Config, prop cbus.HeaderPropagator, logger *slog.Logger) (cbus.Transport, func(), error) {
	switch cfg.TransportName() {
	case config.TransportNATS:
		ad, cleanup, err := nats.NewWithNATS(nats.Config{
			URL:         cfg.NATSURL,
			Name:        cfg.NATSName,
			ConnTimeout: cfg.DialTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		ad.Propagator = prop
		ad.Logger = logger

		return ad, cleanup, nil

	case config.TransportRabbitMQ:
		ad, cleanup, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:            cfg.RabbitMQURL,
			ConnTimeout:    cfg.DialTimeout(),
			EventsExchange: cfg.RabbitMQExchange,
			EventsQueue:    cfg.RabbitMQEventsQueue,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		ad.Propagator = prop

		return ad, cleanup, nil

	case config.TransportKafka:
		ad, cleanup, err := kafka.NewWithKgo(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			ClientID: cfg.KafkaClientID,
			Group:    cfg.KafkaGroup,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		ad.Propagator = prop

		return ad, cleanup, nil

	default:
		tr := inmemory.New(
			inmemory.WithWorkers(cfg.Workers),
			inmemory.WithPropagator(prop),
			inmemory.WithLogger(logger),
		)

		return tr, func() { _ = tr.Close() }, nil
	}
}
