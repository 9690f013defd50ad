// Package store defines the idempotent write handler contract. Implementations
// live in the memory, postgres and sqlite subpackages.
//
// Latest-state categories keep one row per (category, partition key) and only
// move it forward when the incoming slot is strictly greater. Append-only
// categories keep one row per (category, partition key, slot) and ignore
// duplicates. Stale and duplicate envelopes are no-ops, never errors, so
// redelivery is always safe.
package store

import (
	"context"
	"fmt"
	"math"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// Applier applies one decoded envelope. Failures are *errors.WriteError.
type Applier interface {
	Apply(ctx context.Context, env envelope.Envelope) error
}

// Row is one stored envelope.
type Row struct {
	Category     envelope.Category
	PartitionKey []byte
	Slot         uint64
	Payload      []byte
}

// Reader exposes stored rows for verification and operator tooling.
type Reader interface {
	Latest(ctx context.Context, cat envelope.Category, key []byte) (Row, bool, error)
	Events(ctx context.Context, cat envelope.Category, key []byte) ([]Row, error)
}

// Store is a closable write handler that can also be read back.
type Store interface {
	Applier
	Reader
	Close() error
}

// Check rejects envelopes no store can hold. The returned error is fatal.
func Check(env envelope.Envelope) error {
	if env.Category.Control() || !env.Category.Known() {
		return errspkg.Fatal(fmt.Errorf("%w: %s", errspkg.ErrDataEnvelopeRequired, env.Category))
	}
	if env.Slot > math.MaxInt64 {
		return errspkg.Fatal(fmt.Errorf("slot %d exceeds the storable range", env.Slot))
	}
	return nil
}
