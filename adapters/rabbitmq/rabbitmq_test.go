package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/scg-courier/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

type payment struct{ ID string }

type charged struct{ ID string }

func (charged) Topic() string { return "payments.charged" }

func TestRabbitMQ_SendAndPublish(t *testing.T) {
	fp := &fakePublisher{}
	ad := rabbitmq.NewWithPropagator(fp, headerStamp{})

	so := cbus.SendOptions{Key: "tn-7", Headers: map[string]string{"h": "x"}}
	if err := ad.Send(t.Context(), "exec-charge", payment{ID: "5"}, so); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fp.calls) != 1 {
		t.Fatalf("want 1, got %d", len(fp.calls))
	}

	c := fp.calls[0]
	if c.Exchange != "" || c.RoutingKey != "exec-charge" || c.MessageID != "tn-7" {
		t.Fatalf("routing=%q/%q id=%q", c.Exchange, c.RoutingKey, c.MessageID)
	}

	if c.Headers["h"] != "x" || c.Headers["key"] != "tn-7" || c.Headers["traceparent"] != "00-x" {
		t.Fatalf("headers=%v", c.Headers)
	}

	if c.Headers[cbus.HeaderMessageType] != "rabbitmq_test.payment" {
		t.Fatalf("message type=%q", c.Headers[cbus.HeaderMessageType])
	}

	if len(so.Headers) != 1 {
		t.Fatalf("caller headers mutated: %v", so.Headers)
	}

	if err := ad.Publish(t.Context(), charged{ID: "5"}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	p := fp.calls[1]
	if p.Exchange != rabbitmq.DefaultEventsExchange || p.RoutingKey != "payments.charged" {
		t.Fatalf("routing=%q/%q", p.Exchange, p.RoutingKey)
	}

	ad.EventsExchange = "audit"
	_ = ad.Publish(t.Context(), charged{}, cbus.PublishOptions{TopicOverride: "custom"})

	if p := fp.calls[2]; p.Exchange != "audit" || p.RoutingKey != "custom" || p.Headers[cbus.HeaderMessageType] != "payments.charged" {
		t.Fatalf("override=%+v", p)
	}
}

func TestRabbitMQ_Errors(t *testing.T) {
	if err := rabbitmq.New(nil).Publish(t.Context(), charged{}, cbus.PublishOptions{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("nil publisher: want ErrPublishFailed, got %v", err)
	}

	ad := rabbitmq.New(&fakePublisher{err: errors.New("channel closed")})
	if err := ad.Send(t.Context(), "a", payment{}, cbus.SendOptions{}); !errors.Is(err, berr.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}

	if err := ad.Send(t.Context(), "", payment{}, cbus.SendOptions{}); !errors.Is(err, berr.ErrAddressUnknown) {
		t.Fatalf("want ErrAddressUnknown, got %v", err)
	}

	cancelled := rabbitmq.New(&fakePublisher{err: context.DeadlineExceeded})
	if err := cancelled.Publish(t.Context(), charged{}, cbus.PublishOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded as-is, got %v", err)
	}

	fp := &fakePublisher{}
	if err := rabbitmq.New(fp).Send(t.Context(), "a", make(chan int), cbus.SendOptions{}); !errors.Is(err, berr.ErrSerializationFailed) || len(fp.calls) != 0 {
		t.Fatalf("want ErrSerializationFailed, got %v", err)
	}
}
