// Package memory opens a single-process bus for tests and demos.
package memory

import (
	"github.com/next-trace/scg-courier/adapters/inmemory"
	"github.com/next-trace/scg-courier/servicebus"
)

// New constructs a Bus over a fresh in-memory transport. The transport is returned so
// callers can Wait for deliveries; cleanup closes the bus and then the transport.
func New(opts ...servicebus.Option) (*servicebus.Bus, *inmemory.Transport, func()) {
	tr := inmemory.New()

	// New only fails on a nil transport.
	b, _ := servicebus.New(tr, opts...)

	cleanup := func() {
		_ = b.Close()
		_ = tr.Close()
	}

	return b, tr, cleanup
}
