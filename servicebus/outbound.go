package servicebus

import (
	"context"
	"fmt"
	"maps"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/pipeline"
)

// outbound runs every send and publish of the bus through the publish filters before it
// reaches the transport.
type outbound struct {
	pipe pipeline.Pipe[*pipeline.PublishContext]
}

var _ cbus.Transport = (*outbound)(nil)

func newOutbound(t cbus.Transport, filters []pipeline.Filter[*pipeline.PublishContext]) (*outbound, error) {
	specs := make([]pipeline.Specification[*pipeline.PublishContext], 0, len(filters))
	for _, f := range filters {
		specs = append(specs, pipeline.UseFilter(f))
	}

	pipe, err := pipeline.New[*pipeline.PublishContext](deliverTo(t), specs...)
	if err != nil {
		return nil, fmt.Errorf("publish pipe: %w", err)
	}

	return &outbound{pipe: pipe}, nil
}

func deliverTo(t cbus.Transport) pipeline.Pipe[*pipeline.PublishContext] {
	return pipeline.PipeFunc[*pipeline.PublishContext](func(ctx context.Context, pc *pipeline.PublishContext) error {
		switch pc.Kind {
		case pipeline.KindSend:
			return t.Send(ctx, pc.Destination, pc.Message, cbus.SendOptions{Key: pc.Key, Headers: pc.Headers})

		case pipeline.KindPublish:
			evt, ok := pc.Message.(cbus.Event)
			if !ok {
				return fmt.Errorf("publish %s: not an event: %w", pc.MessageType(), berr.ErrHandlerTypeMismatch)
			}

			opts := cbus.PublishOptions{Key: pc.Key, Headers: pc.Headers}
			if pc.Destination != evt.Topic() {
				opts.TopicOverride = pc.Destination
			}

			return t.Publish(ctx, evt, opts)

		default:
			return fmt.Errorf("outbound %s: unknown kind %d: %w", pc.MessageType(), pc.Kind, berr.ErrConfiguration)
		}
	})
}

func (o *outbound) Send(ctx context.Context, address string, msg any, opts cbus.SendOptions) error {
	return o.pipe.Send(ctx, &pipeline.PublishContext{
		Kind:        pipeline.KindSend,
		Destination: address,
		Message:     msg,
		Key:         opts.Key,
		Headers:     maps.Clone(opts.Headers),
	})
}

func (o *outbound) Publish(ctx context.Context, evt cbus.Event, opts cbus.PublishOptions) error {
	if evt == nil {
		return fmt.Errorf("publish: nil event: %w", berr.ErrPublishFailed)
	}

	topic := evt.Topic()
	if opts.TopicOverride != "" {
		topic = opts.TopicOverride
	}

	return o.pipe.Send(ctx, &pipeline.PublishContext{
		Kind:        pipeline.KindPublish,
		Destination: topic,
		Message:     evt,
		Key:         opts.Key,
		Headers:     maps.Clone(opts.Headers),
	})
}
