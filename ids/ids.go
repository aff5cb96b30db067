// Package ids implements the unique-id capability: fresh, sortable, globally unique identifiers
// for tracking numbers and execution ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	cbus "github.com/next-trace/scg-courier/contract/bus"
)

// ULID generates monotonic ULIDs encoded as 26-character strings.
// Identifiers from one generator are strictly increasing, even within the same millisecond.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ cbus.IDGenerator = (*ULID)(nil)

// NewULID returns a ULID generator with its own monotonic entropy source.
func NewULID() *ULID {
	return &ULID{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NewID returns the next ULID.
func (g *ULID) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// UUIDv7 generates time-ordered RFC 9562 version 7 UUIDs.
type UUIDv7 struct{}

var _ cbus.IDGenerator = UUIDv7{}

// NewID returns a fresh UUIDv7, falling back to a random UUID if the clock source fails.
func (UUIDv7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

var defaultGenerator = NewULID()

// Default returns the process-wide ULID generator.
func Default() cbus.IDGenerator { return defaultGenerator }
