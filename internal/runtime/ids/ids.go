// Package ids issues the ULIDs used as message and correlation identifiers.
// A ULID embeds its creation time, which the dispatcher uses to measure how
// long a message lived before it was dead-lettered.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	now       = time.Now
)

// New returns a time-sortable ULID encoded as a 26-character string.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(now()), entropy).String()
}

// Time extracts the creation time of a ULID string.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// Age reports how long ago the ULID was issued. Unparseable ids report zero.
func Age(id string) time.Duration {
	issued, ok := Time(id)
	if !ok {
		return 0
	}
	age := now().Sub(issued)
	if age < 0 {
		return 0
	}
	return age
}
