package rabbitmq_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/next-trace/scg-courier/adapters/rabbitmq"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

func TestRabbitMQ_BindSettlesDeliveries(t *testing.T) {
	fc := &fakeConsumer{}
	ad := rabbitmq.New(&fakePublisher{})
	ad.Consumer = fc
	ad.Logger = quiet
	t.Cleanup(ad.Close)

	var got []string
	r := receiverFunc(func(ctx context.Context, msg any, headers map[string]string) error {
		body, _ := msg.([]byte)
		got = append(got, string(body))
		if string(body) == "bad" {
			return errors.New("rejected")
		}

		return nil
	})

	release, err := ad.Bind("exec-charge", r)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	h := fc.handle(0)
	if h.spec.Name != "exec-charge" || h.spec.Exchange != "" {
		t.Fatalf("spec=%+v", h.spec)
	}

	ok, okS := delivery("good", map[string]string{}, false)
	h.fn(ok)
	if !okS.acked || okS.nacked {
		t.Fatalf("good delivery: %+v", okS)
	}

	first, firstS := delivery("bad", map[string]string{}, false)
	h.fn(first)
	if !firstS.nacked || !firstS.requeue {
		t.Fatalf("first failure must be requeued: %+v", firstS)
	}

	again, againS := delivery("bad", map[string]string{}, true)
	h.fn(again)
	if !againS.nacked || againS.requeue {
		t.Fatalf("redelivered failure must be rejected: %+v", againS)
	}

	if !slices.Equal(got, []string{"good", "bad", "bad"}) {
		t.Fatalf("got %v", got)
	}

	release()
	release()

	if h.cancelled != 1 {
		t.Fatalf("cancelled=%d", h.cancelled)
	}
}

func TestRabbitMQ_SubscribeBindsTopics(t *testing.T) {
	fc := &fakeConsumer{}
	ad := rabbitmq.New(&fakePublisher{})
	ad.Consumer = fc
	ad.Logger = quiet

	nop := receiverFunc(func(context.Context, any, map[string]string) error { return nil })

	release, err := ad.Subscribe(nop)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := fc.handle(0)
	if h.spec.Name != "" || h.spec.Exchange != rabbitmq.DefaultEventsExchange {
		t.Fatalf("spec=%+v", h.spec)
	}

	if err := ad.BindTopic("courier.routing_slip.completed"); err != nil {
		t.Fatalf("bind topic: %v", err)
	}

	if !slices.Equal(h.keys, []string{"courier.routing_slip.completed"}) {
		t.Fatalf("keys=%v", h.keys)
	}

	if _, err := ad.Subscribe(nop); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	release()

	if err := ad.BindTopic("x"); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("want ErrAsyncNotConfigured after release, got %v", err)
	}
}

func TestRabbitMQ_InboundNeedsConsumer(t *testing.T) {
	ad := rabbitmq.New(&fakePublisher{})
	nop := receiverFunc(func(context.Context, any, map[string]string) error { return nil })

	if _, err := ad.Bind("a", nop); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("bind: want ErrAsyncNotConfigured, got %v", err)
	}

	if _, err := ad.Subscribe(nop); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("subscribe: want ErrAsyncNotConfigured, got %v", err)
	}

	if _, err := ad.Bind("", nop); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("empty address: want ErrConfiguration, got %v", err)
	}
}
