package courier

import (
	"errors"
	"fmt"
	"maps"
	"time"

	cbus "github.com/next-trace/scg-courier/contract/bus"
	berr "github.com/next-trace/scg-courier/contract/errors"
)

// Builder assembles the initial itinerary and variables of a routing slip.
type Builder struct {
	trackingNumber string
	itinerary      []Activity
	variables      map[string]any
	errs           []error
	now            func() time.Time
}

// NewBuilder starts a routing slip identified by trackingNumber.
func NewBuilder(trackingNumber string) *Builder {
	return &Builder{
		trackingNumber: trackingNumber,
		variables:      map[string]any{},
		now:            time.Now,
	}
}

// NewTrackingNumber returns a fresh tracking number from ids.
func NewTrackingNumber(ids cbus.IDGenerator) string { return ids.NewID() }

// AddActivity appends an activity to the itinerary. args may be nil.
func (b *Builder) AddActivity(name, address string, args map[string]any) *Builder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("activity %d: empty name", len(b.itinerary)))
	}

	if address == "" {
		b.errs = append(b.errs, fmt.Errorf("activity %d (%s): empty address", len(b.itinerary), name))
	}

	b.itinerary = append(b.itinerary, Activity{Name: name, Address: address, Arguments: maps.Clone(args)})

	return b
}

// AddVariable sets a variable visible to every activity and compensation of the slip.
func (b *Builder) AddVariable(key string, value any) *Builder {
	if key == "" {
		b.errs = append(b.errs, errors.New("variable with empty key"))
		return b
	}

	b.variables[key] = value

	return b
}

// SetVariables merges vars into the slip variables.
func (b *Builder) SetVariables(vars map[string]any) *Builder {
	for k, v := range vars {
		b.AddVariable(k, v)
	}

	return b
}

// Build validates the collected input and returns the routing slip.
func (b *Builder) Build() (*RoutingSlip, error) {
	errs := b.errs
	if b.trackingNumber == "" {
		errs = append([]error{errors.New("empty tracking number")}, errs...)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("build routing slip: %w", errors.Join(append([]error{berr.ErrConfiguration}, errs...)...))
	}

	return &RoutingSlip{
		TrackingNumber:  b.trackingNumber,
		CreateTimestamp: b.now().UTC(),
		Itinerary:       append([]Activity(nil), b.itinerary...),
		Variables:       maps.Clone(b.variables),
	}, nil
}
