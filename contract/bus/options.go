package bus

// Well-known header keys. Transports set message-type when the sender did not.
const (
	HeaderMessageType    = "message-type"
	HeaderTrackingNumber = "tracking-number"
)

// SendOptions represents per-send parameters.
// Key is used by partitioned transports to keep related messages ordered.
type SendOptions struct {
	Key     string
	Headers map[string]string
}

// PublishOptions controls event publishing.
type PublishOptions struct {
	TopicOverride string
	Key           string
	Headers       map[string]string
}
