package servicebus

import (
	"context"
	"fmt"
	"reflect"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/pipeline"
)

// HandleEvent calls fn for every published event of type E, such as courier.RoutingSlipCompleted.
// The transport must implement cbus.Subscriber; a cbus.TopicBinder is asked to route the
// topic of E. Events nobody handles are ignored.
func HandleEvent[E cbus.Event](b *Bus, name string, fn func(ctx context.Context, evt E) error) (*pipeline.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("handle event %s: nil func: %w", name, berr.ErrConfiguration)
	}

	if reflect.TypeFor[E]().Kind() == reflect.Interface {
		return nil, fmt.Errorf("handle event %s: %s is an interface: %w", name, reflect.TypeFor[E](), berr.ErrConfiguration)
	}

	ep, err := b.eventEndpoint()
	if err != nil {
		return nil, fmt.Errorf("handle event %s: %w", name, err)
	}

	p := pipeline.PipeFunc[*pipeline.ConsumeContext[E]](func(ctx context.Context, cc *pipeline.ConsumeContext[E]) error {
		return fn(ctx, cc.Message)
	})

	topic := topicOf[E]()

	sub, err := connectAs[E](ep, topic, name, p)
	if err != nil {
		return nil, err
	}

	if tb, ok := b.transport.(cbus.TopicBinder); ok {
		if err := tb.BindTopic(topic); err != nil {
			sub.Release()
			return nil, fmt.Errorf("handle event %s: bind %s: %w", name, topic, err)
		}
	}

	return sub, nil
}

func topicOf[E cbus.Event]() string {
	t := reflect.TypeFor[E]()
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(E).Topic()
	}

	var zero E

	return zero.Topic()
}
