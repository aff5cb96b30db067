package pipeline

import (
	"context"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-courier/contract/errors"
)

// Pipe accepts a context of type T and either terminates or forwards it.
// Implementations must be safe for concurrent use by multiple goroutines.
type Pipe[T any] interface {
	Send(ctx context.Context, v T) error
}

// PipeFunc adapts a function to a Pipe.
type PipeFunc[T any] func(ctx context.Context, v T) error

// Send calls f(ctx, v).
func (f PipeFunc[T]) Send(ctx context.Context, v T) error { return f(ctx, v) }

// Filter is one stage of a pipe. It may act on v, call next to forward, or return
// without calling next to short-circuit the rest of the chain.
type Filter[T any] interface {
	Send(ctx context.Context, v T, next Pipe[T]) error
}

// FilterFunc adapts a function to a Filter.
type FilterFunc[T any] func(ctx context.Context, v T, next Pipe[T]) error

// Send calls f(ctx, v, next).
func (f FilterFunc[T]) Send(ctx context.Context, v T, next Pipe[T]) error { return f(ctx, v, next) }

// Specification describes filters to add to a pipe. Validate is called for every
// specification before any of them is applied.
type Specification[T any] interface {
	Validate() error
	Apply(b *Builder[T])
}

// Builder collects filters in order. The first filter added runs first.
type Builder[T any] struct {
	filters []Filter[T]
}

// AddFilter appends a filter to the chain under construction.
func (b *Builder[T]) AddFilter(f Filter[T]) { b.filters = append(b.filters, f) }

// Build composes the collected filters in front of last.
func (b *Builder[T]) Build(last Pipe[T]) Pipe[T] {
	p := last
	for i := len(b.filters) - 1; i >= 0; i-- {
		p = &filterPipe[T]{filter: b.filters[i], next: p}
	}

	return p
}

type filterPipe[T any] struct {
	filter Filter[T]
	next   Pipe[T]
}

func (p *filterPipe[T]) Send(ctx context.Context, v T) error {
	return p.filter.Send(ctx, v, p.next)
}

// New validates every specification, applies them in order and returns the composed pipe.
// Any validation failure is reported as ErrConfiguration and nothing is built.
func New[T any](last Pipe[T], specs ...Specification[T]) (Pipe[T], error) {
	if last == nil {
		return nil, fmt.Errorf("build pipe: nil terminal pipe: %w", berr.ErrConfiguration)
	}

	for i, s := range specs {
		if s == nil {
			return nil, fmt.Errorf("build pipe: specification %d is nil: %w", i, berr.ErrConfiguration)
		}

		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("build pipe: specification %d: %w", i, joinConfig(err))
		}
	}

	b := &Builder[T]{}
	for _, s := range specs {
		s.Apply(b)
	}

	return b.Build(last), nil
}

// UseFilter returns a specification that adds a single filter.
func UseFilter[T any](f Filter[T]) Specification[T] { return filterSpec[T]{filter: f} }

// UseFunc returns a specification that adds a single filter function.
func UseFunc[T any](f func(ctx context.Context, v T, next Pipe[T]) error) Specification[T] {
	if f == nil {
		return filterSpec[T]{}
	}

	return filterSpec[T]{filter: FilterFunc[T](f)}
}

type filterSpec[T any] struct {
	filter Filter[T]
}

func (s filterSpec[T]) Validate() error {
	if s.filter == nil {
		return fmt.Errorf("filter is nil: %w", berr.ErrConfiguration)
	}

	return nil
}

func (s filterSpec[T]) Apply(b *Builder[T]) { b.AddFilter(s.filter) }

func joinConfig(err error) error {
	if errors.Is(err, berr.ErrConfiguration) {
		return err
	}

	return fmt.Errorf("%w: %w", berr.ErrConfiguration, err)
}
