package kafka_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/next-trace/scg-courier/adapters/kafka"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

var quiet = slog.New(slog.DiscardHandler)

type fakeReader struct {
	mu      sync.Mutex
	handles []*fakeReadHandle
}

func (f *fakeReader) Read(group string, topics []string, fn func(ctx context.Context, rec kafka.Record) error) (kafka.ReadHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := &fakeReadHandle{group: group, topics: slices.Clone(topics), fn: fn}
	f.handles = append(f.handles, h)

	return h, nil
}

type fakeReadHandle struct {
	group  string
	topics []string
	fn     func(ctx context.Context, rec kafka.Record) error
	closed int
}

func (h *fakeReadHandle) AddTopics(topics ...string) error {
	h.topics = append(h.topics, topics...)
	return nil
}

func (h *fakeReadHandle) Close() { h.closed++ }

type receiverFunc func(ctx context.Context, msg any, headers map[string]string) error

func (f receiverFunc) Receive(ctx context.Context, msg any, headers map[string]string) error {
	return f(ctx, msg, headers)
}

func TestKafka_BindReadsSendTopic(t *testing.T) {
	fr := &fakeReader{}
	ad := kafka.New(&fakeWriter{})
	ad.Reader = fr
	ad.Logger = quiet

	calls := 0
	r := receiverFunc(func(ctx context.Context, msg any, headers map[string]string) error {
		calls++
		if string(msg.([]byte)) == "bad" {
			return errors.New("rejected")
		}

		return nil
	})

	release, err := ad.Bind("exec-ship", r)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	h := fr.handles[0]
	if h.group != "courier.exec-ship" || !slices.Equal(h.topics, []string{"send.exec-ship"}) {
		t.Fatalf("group=%q topics=%v", h.group, h.topics)
	}

	rec := kafka.Record{Topic: "send.exec-ship", Value: []byte("ok"), Headers: map[string]string{cbus.HeaderMessageType: "x"}}
	if err := h.fn(t.Context(), rec); err != nil || calls != 1 {
		t.Fatalf("good record: err=%v calls=%d", err, calls)
	}

	rec.Value = []byte("bad")
	if err := h.fn(t.Context(), rec); err == nil || calls != 1+kafka.DefaultAttempts {
		t.Fatalf("bad record: err=%v calls=%d", err, calls)
	}

	release()
	release()

	if h.closed != 1 {
		t.Fatalf("closed=%d", h.closed)
	}
}

func TestKafka_SubscribeAddsTopics(t *testing.T) {
	fr := &fakeReader{}
	ad := kafka.New(&fakeWriter{})
	ad.Reader = fr
	ad.Group = "trips"

	nop := receiverFunc(func(context.Context, any, map[string]string) error { return nil })

	release, err := ad.Subscribe(nop)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := fr.handles[0]
	if h.group != "" || len(h.topics) != 0 {
		t.Fatalf("events reader group=%q topics=%v", h.group, h.topics)
	}

	if err := ad.BindTopic("courier.routing_slip.faulted"); err != nil {
		t.Fatalf("bind topic: %v", err)
	}

	if !slices.Equal(h.topics, []string{"courier.routing_slip.faulted"}) {
		t.Fatalf("topics=%v", h.topics)
	}

	if _, err := ad.Subscribe(nop); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	release()

	if err := ad.BindTopic("x"); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("want ErrAsyncNotConfigured, got %v", err)
	}

	if _, err := ad.Bind("exec-trip", nop); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if g := fr.handles[1].group; g != "trips.exec-trip" {
		t.Fatalf("group=%q", g)
	}
}

func TestKafka_InboundNeedsReader(t *testing.T) {
	ad := kafka.New(&fakeWriter{})
	nop := receiverFunc(func(context.Context, any, map[string]string) error { return nil })

	if _, err := ad.Bind("a", nop); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("bind: want ErrAsyncNotConfigured, got %v", err)
	}

	if _, err := ad.Subscribe(nop); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("subscribe: want ErrAsyncNotConfigured, got %v", err)
	}
}
