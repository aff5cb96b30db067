package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// ConsumeContext carries one typed message through the pipes connected for its type.
// A fresh ConsumeContext (and headers copy) is created for every connected pipe.
type ConsumeContext[T any] struct {
	Message T
	// MessageType is the message-type header the message arrived with, or the name of T
	// for in-process dispatches that carry none.
	MessageType string
	Headers     map[string]string
	ReceivedAt  time.Time
}

// Header returns the header value for key, or "" when absent.
func (c *ConsumeContext[T]) Header(key string) string {
	if c.Headers == nil {
		return ""
	}

	return c.Headers[key]
}

type connection struct {
	id   uint64
	name string
	call func(ctx context.Context, msg any, d delivery) error
}

type delivery struct {
	messageType string
	headers     map[string]string
	at          time.Time
}

// table is never mutated once published; writers copy it.
type table map[reflect.Type][]*connection

// ConsumePipe maps a message type to the ordered pipes connected for it.
//
// Dispatch is lock-free: it loads the current table snapshot once and uses it for the whole call.
// Connect and Release copy the table and swap it in, so a dispatch in flight never observes
// a partially updated table and a dispatch started afterwards always observes the change.
type ConsumePipe struct {
	mu     sync.Mutex // serializes writers
	nextID uint64
	table  atomic.Pointer[table]
}

// NewConsumePipe returns an empty registry.
func NewConsumePipe() *ConsumePipe {
	cp := &ConsumePipe{}
	t := table{}
	cp.table.Store(&t)

	return cp
}

// Subscription is the handle returned by Connect. Release is idempotent.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps release in a Subscription. release runs at most once.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Release removes the connected pipe from future dispatches.
func (s *Subscription) Release() {
	if s == nil {
		return
	}

	s.once.Do(s.release)
}

// Connect connects p for messages of type T under a name unique per message type.
// T must be a concrete type; dispatch matches on the dynamic type of the message.
func Connect[T any](cp *ConsumePipe, name string, p Pipe[*ConsumeContext[T]]) (*Subscription, error) {
	t := reflect.TypeFor[T]()

	if name == "" {
		return nil, fmt.Errorf("connect %s: empty name: %w", t.String(), berr.ErrConfiguration)
	}

	if p == nil {
		return nil, fmt.Errorf("connect %s/%s: nil pipe: %w", t.String(), name, berr.ErrConfiguration)
	}

	if t.Kind() == reflect.Interface {
		return nil, fmt.Errorf("connect %s/%s: interface message type: %w", t.String(), name, berr.ErrConfiguration)
	}

	conn := &connection{
		name: name,
		call: func(ctx context.Context, v any, d delivery) error {
			m, ok := v.(T)
			if !ok {
				return fmt.Errorf("consume %s: %w", reflect.TypeOf(v).String(), berr.ErrHandlerTypeMismatch)
			}

			return p.Send(ctx, &ConsumeContext[T]{
				Message:     m,
				MessageType: d.messageType,
				Headers:     d.headers,
				ReceivedAt:  d.at,
			})
		},
	}

	return cp.connect(t, conn)
}

// ConnectFunc connects a plain handler function for messages of type T.
func ConnectFunc[T any](cp *ConsumePipe, name string, fn func(ctx context.Context, msg T) error) (*Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("connect %s/%s: nil handler: %w", reflect.TypeFor[T]().String(), name, berr.ErrConfiguration)
	}

	return Connect[T](cp, name, PipeFunc[*ConsumeContext[T]](func(ctx context.Context, c *ConsumeContext[T]) error {
		return fn(ctx, c.Message)
	}))
}

func (cp *ConsumePipe) connect(t reflect.Type, conn *connection) (*Subscription, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cur := *cp.table.Load()
	for _, c := range cur[t] {
		if c.name == conn.name {
			return nil, fmt.Errorf("connect %s/%s: %w", t.String(), conn.name, berr.ErrHandlerExists)
		}
	}

	cp.nextID++
	conn.id = cp.nextID

	next := maps.Clone(cur)
	conns := make([]*connection, 0, len(cur[t])+1)
	conns = append(conns, cur[t]...)
	next[t] = append(conns, conn)
	cp.table.Store(&next)

	id := conn.id

	return NewSubscription(func() { cp.disconnect(t, id) }), nil
}

func (cp *ConsumePipe) disconnect(t reflect.Type, id uint64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cur := *cp.table.Load()

	conns := make([]*connection, 0, len(cur[t]))
	for _, c := range cur[t] {
		if c.id != id {
			conns = append(conns, c)
		}
	}

	if len(conns) == len(cur[t]) {
		return
	}

	next := maps.Clone(cur)
	if len(conns) == 0 {
		delete(next, t)
	} else {
		next[t] = conns
	}

	cp.table.Store(&next)
}

// Dispatch delivers msg to every pipe connected for its dynamic type, in connection order,
// and joins their errors. A type with no connected pipes is a silent no-op.
func (cp *ConsumePipe) Dispatch(ctx context.Context, msg any, headers map[string]string) error {
	if msg == nil {
		return fmt.Errorf("dispatch: nil message: %w", berr.ErrHandlerTypeMismatch)
	}

	t := reflect.TypeOf(msg)
	conns := (*cp.table.Load())[t]

	if len(conns) == 0 {
		return nil
	}

	at := time.Now().UTC()

	mt := headers[cbus.HeaderMessageType]
	if mt == "" {
		mt = cbus.TypeNameOf(t)
	}

	var errs []error

	for _, c := range conns {
		if err := c.call(ctx, msg, delivery{messageType: mt, headers: maps.Clone(headers), at: at}); err != nil {
			errs = append(errs, fmt.Errorf("consume %s by %s: %w", t.String(), c.name, err))
		}
	}

	return errors.Join(errs...)
}

// Send makes the registry the terminal pipe of a receive pipeline.
func (cp *ConsumePipe) Send(ctx context.Context, rc *ReceiveContext) error {
	return cp.Dispatch(ctx, rc.Message, rc.Headers)
}

// Count returns how many pipes a dispatch of msg would reach right now.
func (cp *ConsumePipe) Count(msg any) int {
	if msg == nil {
		return 0
	}

	return len((*cp.table.Load())[reflect.TypeOf(msg)])
}

// Len returns the total number of connected pipes.
func (cp *ConsumePipe) Len() int {
	n := 0
	for _, conns := range *cp.table.Load() {
		n += len(conns)
	}

	return n
}
