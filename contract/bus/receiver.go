package bus

import "context"

// Receiver accepts inbound messages for an endpoint. The service bus implements it
// for every receive endpoint; transports that can deliver in-process call it directly.
//
// msg is either the typed value or its encoded []byte form. Encoded messages are decoded
// according to headers[HeaderMessageType].
type Receiver interface {
	Receive(ctx context.Context, msg any, headers map[string]string) error
}

// Binder is implemented by transports that route Send calls for an address to a local Receiver.
// The returned function removes the binding.
type Binder interface {
	Bind(address string, r Receiver) (func(), error)
}

// Subscriber is implemented by transports that deliver published events to a local Receiver.
type Subscriber interface {
	Subscribe(r Receiver) (func(), error)
}

// TopicBinder is implemented by subscribers whose broker routes events by topic. The bus
// calls BindTopic once for every event type it handles, after Subscribe.
type TopicBinder interface {
	BindTopic(topic string) error
}
