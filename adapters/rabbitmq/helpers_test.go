package rabbitmq_test

import (
	"context"
	"log/slog"
	"sync"

	"github.com/next-trace/scg-courier/adapters/rabbitmq"
)

var quiet = slog.New(slog.DiscardHandler)

type fakePublisher struct {
	mu    sync.Mutex
	calls []rabbitmq.PubMsg
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, m rabbitmq.PubMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, m)

	return f.err
}

type headerStamp struct{}

func (headerStamp) Inject(_ context.Context, h map[string]string) { h["traceparent"] = "00-x" }

func (headerStamp) Extract(ctx context.Context, _ map[string]string) context.Context { return ctx }

type fakeConsumer struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *fakeConsumer) Consume(spec rabbitmq.QueueSpec, fn func(rabbitmq.Delivery)) (rabbitmq.ConsumerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := &fakeHandle{spec: spec, fn: fn}
	f.handles = append(f.handles, h)

	return h, nil
}

func (f *fakeConsumer) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handles[i]
}

type fakeHandle struct {
	spec rabbitmq.QueueSpec
	fn   func(rabbitmq.Delivery)

	mu        sync.Mutex
	keys      []string
	cancelled int
}

func (h *fakeHandle) Bind(key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.keys = append(h.keys, key)

	return nil
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelled++
}

// settlement records how a delivery was settled.
type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
}

func delivery(body string, headers map[string]string, redelivered bool) (rabbitmq.Delivery, *settlement) {
	s := &settlement{}

	return rabbitmq.Delivery{
		Body:        []byte(body),
		Headers:     headers,
		Redelivered: redelivered,
		Ack:         func() error { s.acked = true; return nil },
		Nack:        func(requeue bool) error { s.nacked, s.requeue = true, requeue; return nil },
	}, s
}

type receiverFunc func(ctx context.Context, msg any, headers map[string]string) error

func (f receiverFunc) Receive(ctx context.Context, msg any, headers map[string]string) error {
	return f(ctx, msg, headers)
}
