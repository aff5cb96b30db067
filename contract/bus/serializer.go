package bus

// Serializer encodes and decodes opaque payloads: whole messages on the wire,
// activity arguments, compensation checkpoints and routing slip variables.
// Implementations must be safe for concurrent use.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// IDGenerator produces fresh, sortable, globally unique identifiers.
type IDGenerator interface {
	NewID() string
}
