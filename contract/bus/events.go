package bus

// Event is a message published to subscribers rather than sent to an address.
// Topic() guides routing on brokers that support it.
type Event interface{ Topic() string }
