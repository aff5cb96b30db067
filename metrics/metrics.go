// Package metrics exports Prometheus collectors for activity outcomes and receive endpoints.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/pipeline"
)

// DefaultNamespace prefixes every collector unless overridden.
const DefaultNamespace = "courier"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics records per-hop activity outcomes and receive endpoint throughput.
type Metrics struct {
	mu sync.Mutex

	executions    *prometheus.CounterVec
	executionSec  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	compensateSec *prometheus.HistogramVec
	received      *prometheus.CounterVec
	receiveSec    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

var _ courier.Observer = (*Metrics)(nil)

// New creates the collectors under namespace. A nil registerer means the default one.
func New(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	if namespace == "" {
		namespace = DefaultNamespace
	}

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}

	histogram := func(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: durationBuckets,
		}, labels)
	}

	return &Metrics{
		registerer:    registerer,
		executions:    counter("activity", "executions_total", "Activity executions by outcome", "activity", "outcome"),
		executionSec:  histogram("activity", "execution_seconds", "Time spent executing activities", "activity"),
		compensations: counter("activity", "compensations_total", "Activity compensations by outcome", "activity", "outcome"),
		compensateSec: histogram("activity", "compensation_seconds", "Time spent compensating activities", "activity"),
		received:      counter("endpoint", "received_total", "Messages received by endpoint and result", "address", "result"),
		receiveSec:    histogram("endpoint", "receive_seconds", "Time spent in the receive pipe", "address"),
	}
}

// Register registers the collectors. Safe to call more than once.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{
		m.executions, m.executionSec, m.compensations, m.compensateSec, m.received, m.receiveSec,
	} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true

	return nil
}

// ActivityExecuted implements courier.Observer.
func (m *Metrics) ActivityExecuted(activity string, outcome courier.ResultKind, elapsed time.Duration) {
	m.executions.WithLabelValues(activity, outcome.String()).Inc()
	m.executionSec.WithLabelValues(activity).Observe(elapsed.Seconds())
}

// ActivityCompensated implements courier.Observer.
func (m *Metrics) ActivityCompensated(activity string, outcome courier.ResultKind, elapsed time.Duration) {
	m.compensations.WithLabelValues(activity, outcome.String()).Inc()
	m.compensateSec.WithLabelValues(activity).Observe(elapsed.Seconds())
}

// Filter counts every message passing a receive endpoint.
func (m *Metrics) Filter() pipeline.Filter[*pipeline.ReceiveContext] {
	return pipeline.FilterFunc[*pipeline.ReceiveContext](func(
		ctx context.Context,
		rc *pipeline.ReceiveContext,
		next pipeline.Pipe[*pipeline.ReceiveContext],
	) error {
		start := time.Now()
		err := next.Send(ctx, rc)

		result := "ok"
		if err != nil {
			result = "error"
		}

		m.received.WithLabelValues(rc.Address, result).Inc()
		m.receiveSec.WithLabelValues(rc.Address).Observe(time.Since(start).Seconds())

		return err
	})
}
