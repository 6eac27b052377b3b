package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// It is used for transport message identifiers.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns a random identifier pairing a one-shot request
// with its single reply.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewSubscriptionID returns a random identifier for one remote stream.
func NewSubscriptionID() string {
	return uuid.NewString()
}
