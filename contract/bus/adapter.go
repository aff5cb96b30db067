package bus

// Transport is the capability the courier engine consumes from a broker: send a
// message to an address and publish an event to subscribers.
//
// This keeps the engine decoupled from concrete transports while enabling simple injection
// of user-provided adapters (Kafka, NATS, RabbitMQ, in-memory, etc.).
type Transport interface {
	Sender
	Publisher
}
