package servicebus_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/next-trace/scg-courier/adapters/inmemory"
	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/courier"
	"github.com/next-trace/scg-courier/pipeline"
	"github.com/next-trace/scg-courier/servicebus"
)

func TestNew_NilTransport(t *testing.T) {
	if _, err := servicebus.New(nil); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func TestSaga_Completes(t *testing.T) {
	b, tr := newBus(t)

	var undo undoLog
	hostSteps(t, b, &undo, "reserve", "charge", "ship")

	var completed collector[courier.RoutingSlipCompleted]
	if _, err := servicebus.HandleEvent(b, "completed", completed.handle); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	slip, err := b.NewBuilder().
		AddVariable("orderId", "o-1").
		AddActivity("reserve", "reserve-execute", nil).
		AddActivity("charge", "charge-execute", nil).
		AddActivity("ship", "ship-execute", nil).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := b.Execute(t.Context(), slip); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr.Wait()

	if faults := tr.Faults(); len(faults) != 0 {
		t.Fatalf("faults: %v", faults)
	}

	got := completed.list()
	if len(got) != 1 {
		t.Fatalf("want 1 completed event, got %d", len(got))
	}

	evt := got[0]
	if evt.TrackingNumber != slip.TrackingNumber {
		t.Fatalf("tracking number: %q", evt.TrackingNumber)
	}

	for _, k := range []string{"reserve", "charge", "ship"} {
		if evt.Variables[k] != "done" {
			t.Fatalf("variable %s = %v", k, evt.Variables[k])
		}
	}

	if evt.Variables["orderId"] != "o-1" {
		t.Fatalf("orderId = %v", evt.Variables["orderId"])
	}

	if steps := undo.list(); len(steps) != 0 {
		t.Fatalf("nothing should be compensated, got %v", steps)
	}
}

func TestSaga_FaultCompensatesCompletedSteps(t *testing.T) {
	b, tr := newBus(t)

	var undo undoLog
	hostSteps(t, b, &undo, "reserve", "charge", "ship")

	var faulted collector[courier.RoutingSlipFaulted]
	if _, err := servicebus.HandleEvent(b, "faulted", faulted.handle); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	var completed collector[*courier.RoutingSlipCompleted]
	if _, err := servicebus.HandleEvent(b, "completed", completed.handle); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	slip, err := b.NewBuilder().
		AddVariable("orderId", "o-2").
		AddVariable("failAt", "ship").
		AddActivity("reserve", "reserve-execute", nil).
		AddActivity("charge", "charge-execute", nil).
		AddActivity("ship", "ship-execute", nil).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := b.Execute(t.Context(), slip); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tr.Wait()

	if steps := undo.list(); !slices.Equal(steps, []string{"charge", "reserve"}) {
		t.Fatalf("compensation order: %v", steps)
	}

	got := faulted.list()
	if len(got) != 1 {
		t.Fatalf("want 1 faulted event, got %d", len(got))
	}

	if len(got[0].ActivityExceptions) != 1 || got[0].ActivityExceptions[0].Name != "ship" {
		t.Fatalf("exceptions: %+v", got[0].ActivityExceptions)
	}

	if len(completed.list()) != 0 {
		t.Fatal("faulted slip must not complete")
	}
}

func TestReceiveEndpoint_Errors(t *testing.T) {
	b, _ := newBus(t)

	if _, err := b.ReceiveEndpoint(""); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	if ep.Address() != "orders" {
		t.Fatalf("address %q", ep.Address())
	}

	if got, ok := b.Endpoint("orders"); !ok || got != ep {
		t.Fatal("endpoint lookup")
	}

	if _, err := b.ReceiveEndpoint("orders"); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}
}

func TestActivity_AddressErrors(t *testing.T) {
	b, _ := newBus(t)

	var undo undoLog

	_, _, err := servicebus.Activity[orderArgs, orderLog](b, "same", "same", orderStep("x", &undo))
	if !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}

	if _, err := b.ReceiveEndpoint("taken-execute"); err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	_, _, err = servicebus.Activity[orderArgs, orderLog](b, "taken-execute", "taken-compensate", orderStep("x", &undo))
	if !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	if _, ok := b.Endpoint("taken-compensate"); ok {
		t.Fatal("compensate endpoint should be rolled back")
	}
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func TestHandle_DecodesByMessageType(t *testing.T) {
	b, tr := newBus(t)

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	var got collector[orderPlaced]
	if _, err := servicebus.Handle(ep, "placed", got.handle); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := tr.Send(t.Context(), "orders", orderPlaced{OrderID: "o-9"}, cbus.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	tr.Wait()

	if err := ep.Receive(t.Context(), orderPlaced{OrderID: "o-10"}, nil); err != nil {
		t.Fatalf("receive typed: %v", err)
	}

	msgs := got.list()
	if len(msgs) != 2 || msgs[0].OrderID != "o-9" || msgs[1].OrderID != "o-10" {
		t.Fatalf("got %+v", msgs)
	}
}

func TestHandleEvent_ConflictingTypeIsRejected(t *testing.T) {
	b, tr := newBus(t)

	var values collector[courier.RoutingSlipCompleted]
	sub, err := servicebus.HandleEvent(b, "values", values.handle)
	if err != nil {
		t.Fatalf("handle values: %v", err)
	}

	var pointers collector[*courier.RoutingSlipCompleted]
	if _, err := servicebus.HandleEvent(b, "pointers", pointers.handle); !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}

	if err := tr.Publish(t.Context(), courier.RoutingSlipCompleted{TrackingNumber: "t-1"}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	tr.Wait()

	if got := values.list(); len(got) != 1 || got[0].TrackingNumber != "t-1" {
		t.Fatalf("values=%+v", got)
	}

	sub.Release()

	if _, err := servicebus.HandleEvent(b, "pointers", pointers.handle); err != nil {
		t.Fatalf("released type must free the topic: %v", err)
	}

	if err := tr.Publish(t.Context(), courier.RoutingSlipCompleted{TrackingNumber: "t-2"}, cbus.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	tr.Wait()

	if got := pointers.list(); len(got) != 1 || got[0].TrackingNumber != "t-2" {
		t.Fatalf("pointers=%+v", got)
	}
	if got := values.list(); len(got) != 1 {
		t.Fatalf("released handler still called: %+v", got)
	}
}

func TestConnect_SameTypeSharesMessageType(t *testing.T) {
	b, _ := newBus(t)

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	var first, second collector[orderPlaced]
	if _, err := servicebus.Handle(ep, "first", first.handle); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := servicebus.Handle(ep, "second", second.handle); err != nil {
		t.Fatalf("second: %v", err)
	}

	var pointer collector[*orderPlaced]
	if _, err := servicebus.Handle(ep, "pointer", pointer.handle); !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("want ErrHandlerTypeMismatch, got %v", err)
	}

	body := []byte(`{"orderId":"o-1"}`)
	if err := ep.Receive(t.Context(), body, map[string]string{cbus.HeaderMessageType: cbus.TypeName(orderPlaced{})}); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if len(first.list()) != 1 || len(second.list()) != 1 {
		t.Fatalf("first=%v second=%v", first.list(), second.list())
	}
}

func TestEndpoint_UnknownMessageType(t *testing.T) {
	b, _ := newBus(t)

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	err = ep.Receive(t.Context(), []byte(`{}`), map[string]string{cbus.HeaderMessageType: "unknown.Type"})
	if !errors.Is(err, berr.ErrHandlerNotFound) {
		t.Fatalf("want ErrHandlerNotFound, got %v", err)
	}
}

func TestEndpoint_PanicIsRecovered(t *testing.T) {
	b, _ := newBus(t)

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	_, err = servicebus.Handle(ep, "boom", func(ctx context.Context, m orderPlaced) error { panic("boom") })
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := ep.Receive(t.Context(), orderPlaced{}, nil); !errors.Is(err, berr.ErrHandlerPanicked) {
		t.Fatalf("want ErrHandlerPanicked, got %v", err)
	}
}

func TestWithReceiveFilters_RunInOrder(t *testing.T) {
	var order []string

	mark := func(name string) pipeline.Filter[*pipeline.ReceiveContext] {
		return pipeline.FilterFunc[*pipeline.ReceiveContext](
			func(ctx context.Context, rc *pipeline.ReceiveContext, next pipeline.Pipe[*pipeline.ReceiveContext]) error {
				order = append(order, name)
				return next.Send(ctx, rc)
			})
	}

	b, _ := newBus(t, servicebus.WithReceiveFilters(mark("first"), mark("second")))

	ep, err := b.ReceiveEndpoint("orders")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	_, err = servicebus.Handle(ep, "placed", func(ctx context.Context, m orderPlaced) error {
		order = append(order, "handler")
		return nil
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := ep.Receive(t.Context(), orderPlaced{OrderID: "o-1"}, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if !slices.Equal(order, []string{"first", "second", "handler"}) {
		t.Fatalf("order = %v", order)
	}
}

type sendOnly struct{}

func (sendOnly) Send(context.Context, string, any, cbus.SendOptions) error { return nil }

func (sendOnly) Publish(context.Context, cbus.Event, cbus.PublishOptions) error { return nil }

func TestHandleEvent_Errors(t *testing.T) {
	b, err := servicebus.New(sendOnly{}, servicebus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var c collector[courier.RoutingSlipCompleted]
	if _, err := servicebus.HandleEvent(b, "c", c.handle); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("want ErrAsyncNotConfigured, got %v", err)
	}

	b2, _ := newBus(t)

	_, err = servicebus.HandleEvent(b2, "any", func(ctx context.Context, e cbus.Event) error { return nil })
	if !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

// topicRouter subscribes like a broker that routes events by topic.
type topicRouter struct {
	sendOnly
	topics  []string
	bindErr error
}

func (r *topicRouter) Subscribe(cbus.Receiver) (func(), error) { return func() {}, nil }

func (r *topicRouter) BindTopic(topic string) error {
	if r.bindErr != nil {
		return r.bindErr
	}

	r.topics = append(r.topics, topic)

	return nil
}

func TestHandleEvent_BindsTopic(t *testing.T) {
	tr := &topicRouter{}

	b, err := servicebus.New(tr, servicebus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var completed collector[courier.RoutingSlipCompleted]
	if _, err := servicebus.HandleEvent(b, "completed", completed.handle); err != nil {
		t.Fatalf("completed: %v", err)
	}

	var faulted collector[*courier.RoutingSlipFaulted]
	if _, err := servicebus.HandleEvent(b, "faulted", faulted.handle); err != nil {
		t.Fatalf("faulted: %v", err)
	}

	want := []string{courier.RoutingSlipCompleted{}.Topic(), courier.RoutingSlipFaulted{}.Topic()}
	if !slices.Equal(tr.topics, want) {
		t.Fatalf("topics=%v", tr.topics)
	}

	tr.bindErr = errors.New("access refused")

	var compensated collector[courier.RoutingSlipActivityCompensated]
	if _, err := servicebus.HandleEvent(b, "compensated", compensated.handle); err == nil {
		t.Fatalf("bind failure must be returned")
	}

	tr.bindErr = nil

	if _, err := servicebus.HandleEvent(b, "compensated", compensated.handle); err != nil {
		t.Fatalf("failed bind must release the handler: %v", err)
	}
}

func TestClose_UnbindsEndpoints(t *testing.T) {
	tr := inmemory.New(inmemory.WithLogger(quiet))
	t.Cleanup(func() { _ = tr.Close() })

	b, err := servicebus.New(tr, servicebus.WithLogger(quiet))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := b.ReceiveEndpoint("orders"); err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	err = tr.Send(t.Context(), "orders", orderPlaced{}, cbus.SendOptions{})
	if !errors.Is(err, berr.ErrAddressUnknown) {
		t.Fatalf("want ErrAddressUnknown, got %v", err)
	}

	if _, err := b.ReceiveEndpoint("orders"); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration after close, got %v", err)
	}
}
