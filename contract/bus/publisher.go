package bus

import "context"

// Sender delivers a message to a single addressed endpoint.
// Delivery is asynchronous and at-least-once; Send returns once the transport accepted the message.
type Sender interface {
	Send(ctx context.Context, address string, msg any, opts SendOptions) error
}

// Publisher abstracts publishing events to every interested subscriber.
// Library users provide an implementation that maps to Kafka/NATS/RabbitMQ etc.
type Publisher interface {
	Publish(ctx context.Context, evt Event, opts PublishOptions) error
}
