package pipeline

import "reflect"

// PublishKind tells sends to an address from publishes to a topic.
type PublishKind int

const (
	KindSend PublishKind = iota + 1
	KindPublish
)

func (k PublishKind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// PublishContext is one outbound message on its way to the transport. Filters may change
// Destination, Key and Headers before calling next; returning without calling next drops
// the message.
type PublishContext struct {
	Kind PublishKind
	// Destination is the address of a send or the topic of a publish.
	Destination string
	Message     any
	Key         string
	Headers     map[string]string
}

// MessageType returns the name of the message's dynamic type.
func (pc *PublishContext) MessageType() string {
	if pc.Message == nil {
		return "<nil>"
	}

	return reflect.TypeOf(pc.Message).String()
}

// SetHeader sets a header, allocating the map when needed.
func (pc *PublishContext) SetHeader(key, value string) {
	if pc.Headers == nil {
		pc.Headers = map[string]string{}
	}

	pc.Headers[key] = value
}
