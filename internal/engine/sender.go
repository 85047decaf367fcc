package engine

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSenderID returns a fresh per-process identity: a ULID, so it carries
// the start time followed by randomness.
func NewSenderID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
