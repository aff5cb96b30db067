package servicebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
	"github.com/next-trace/scg-courier/pipeline"
)

type decoder func(s cbus.Serializer, body []byte) (any, error)

// binding ties a message-type header to the one Go type its bodies decode into.
type binding struct {
	t      reflect.Type
	decode decoder
	refs   int
}

// Endpoint receives messages for one address. It implements cbus.Receiver, so transports
// without in-process binding can feed it from their own consumers.
type Endpoint struct {
	address       string
	consume       *pipeline.ConsumePipe
	pipe          pipeline.Pipe[*pipeline.ReceiveContext]
	serializer    cbus.Serializer
	ignoreUnknown bool

	mu       sync.RWMutex
	decoders map[string]*binding
	release  func()
	once     sync.Once
}

var _ cbus.Receiver = (*Endpoint)(nil)

// Address is the address the endpoint receives on.
func (e *Endpoint) Address() string { return e.address }

// Len is the number of pipes connected to the endpoint.
func (e *Endpoint) Len() int { return e.consume.Len() }

// Receive runs msg through the endpoint's filters and dispatches it by type.
// Encoded messages are decoded into the type registered for their message-type header.
func (e *Endpoint) Receive(ctx context.Context, msg any, headers map[string]string) error {
	if body, ok := msg.([]byte); ok {
		decoded, known, err := e.decode(body, headers[cbus.HeaderMessageType])
		if err != nil {
			return err
		}

		if !known {
			return nil
		}

		msg = decoded
	}

	return e.pipe.Send(ctx, &pipeline.ReceiveContext{
		Address:    e.address,
		Message:    msg,
		Headers:    headers,
		ReceivedAt: time.Now().UTC(),
	})
}

func (e *Endpoint) decode(body []byte, messageType string) (any, bool, error) {
	e.mu.RLock()
	b, ok := e.decoders[messageType]
	e.mu.RUnlock()

	if !ok {
		if e.ignoreUnknown {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("receive %s: message type %q: %w", e.address, messageType, berr.ErrHandlerNotFound)
	}

	msg, err := b.decode(e.serializer, body)
	if err != nil {
		return nil, false, fmt.Errorf("receive %s: decode %s: %w", e.address, messageType, err)
	}

	return msg, true, nil
}

// claim binds messageType to t. A header already bound to another type is rejected:
// one body can only decode into one type.
func (e *Endpoint) claim(messageType string, t reflect.Type) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.decoders[messageType]; ok {
		if b.t != t {
			return fmt.Errorf("message type %q is bound to %s, not %s: %w", messageType, b.t, t, berr.ErrHandlerTypeMismatch)
		}

		b.refs++

		return nil
	}

	e.decoders[messageType] = &binding{t: t, decode: decoderFor(t), refs: 1}

	return nil
}

func (e *Endpoint) unclaim(messageType string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.decoders[messageType]
	if !ok {
		return
	}

	if b.refs--; b.refs <= 0 {
		delete(e.decoders, messageType)
	}
}

func decoderFor(t reflect.Type) decoder {
	return func(s cbus.Serializer, body []byte) (any, error) {
		if t.Kind() == reflect.Pointer {
			v := reflect.New(t.Elem())
			if err := s.Unmarshal(body, v.Interface()); err != nil {
				return nil, err
			}

			return v.Interface(), nil
		}

		v := reflect.New(t)
		if err := s.Unmarshal(body, v.Interface()); err != nil {
			return nil, err
		}

		return v.Elem().Interface(), nil
	}
}

func (e *Endpoint) unbind() {
	e.once.Do(func() {
		if e.release != nil {
			e.release()
		}
	})
}

// Connect attaches p to messages of type T on ep. Encoded messages whose message-type
// header is the name of T are decoded into T.
func Connect[T any](ep *Endpoint, name string, p pipeline.Pipe[*pipeline.ConsumeContext[T]]) (*pipeline.Subscription, error) {
	return connectAs(ep, cbus.TypeNameOf(reflect.TypeFor[T]()), name, p)
}

// Handle attaches fn to messages of type T on ep.
func Handle[T any](ep *Endpoint, name string, fn func(ctx context.Context, msg T) error) (*pipeline.Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("handle %s: nil func: %w", name, berr.ErrConfiguration)
	}

	return Connect[T](ep, name, pipeline.PipeFunc[*pipeline.ConsumeContext[T]](func(ctx context.Context, cc *pipeline.ConsumeContext[T]) error {
		return fn(ctx, cc.Message)
	}))
}

func connectAs[T any](ep *Endpoint, messageType, name string, p pipeline.Pipe[*pipeline.ConsumeContext[T]]) (*pipeline.Subscription, error) {
	if ep == nil {
		return nil, fmt.Errorf("connect %s: nil endpoint: %w", name, berr.ErrConfiguration)
	}

	if err := ep.claim(messageType, reflect.TypeFor[T]()); err != nil {
		return nil, fmt.Errorf("connect %s on %s: %w", name, ep.address, err)
	}

	sub, err := pipeline.Connect[T](ep.consume, name, p)
	if err != nil {
		ep.unclaim(messageType)
		return nil, fmt.Errorf("connect %s on %s: %w", name, ep.address, err)
	}

	return pipeline.NewSubscription(func() {
		sub.Release()
		ep.unclaim(messageType)
	}), nil
}
