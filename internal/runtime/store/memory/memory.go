// Package memory is an in-process store used by tests and the channel
// transport.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/drblury/chainflow/internal/runtime/envelope"
	"github.com/drblury/chainflow/internal/runtime/store"
)

type latestKey struct {
	cat envelope.Category
	key string
}

type eventKey struct {
	cat  envelope.Category
	key  string
	slot uint64
}

// Store keeps rows in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	latest  map[latestKey]store.Row
	events  map[eventKey]store.Row
	applied int
	ignored int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		latest: make(map[latestKey]store.Row),
		events: make(map[eventKey]store.Row),
	}
}

func (s *Store) Apply(ctx context.Context, env envelope.Envelope) error {
	if err := store.Check(env); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	row := store.Row{
		Category:     env.Category,
		PartitionKey: append([]byte(nil), env.PartitionKey...),
		Slot:         env.Slot,
		Payload:      append([]byte(nil), env.Payload...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Category.AppendOnly() {
		k := eventKey{cat: env.Category, key: string(env.PartitionKey), slot: env.Slot}
		if _, exists := s.events[k]; exists {
			s.ignored++
			return nil
		}
		s.events[k] = row
		s.applied++
		return nil
	}

	k := latestKey{cat: env.Category, key: string(env.PartitionKey)}
	if current, exists := s.latest[k]; exists && current.Slot >= env.Slot {
		s.ignored++
		return nil
	}
	s.latest[k] = row
	s.applied++
	return nil
}

func (s *Store) Latest(_ context.Context, cat envelope.Category, key []byte) (store.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.latest[latestKey{cat: cat, key: string(key)}]
	return row, ok, nil
}

// Events returns the append-only rows of a partition key ordered by slot.
func (s *Store) Events(_ context.Context, cat envelope.Category, key []byte) ([]store.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []store.Row
	for k, row := range s.events {
		if k.cat == cat && k.key == string(key) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Slot < rows[j].Slot })
	return rows, nil
}

// Stats reports how many envelopes changed state and how many were no-ops.
func (s *Store) Stats() (applied, ignored int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied, s.ignored
}

// Snapshot returns every stored row keyed by its identity.
func (s *Store) Snapshot() map[string]store.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.Row, len(s.latest)+len(s.events))
	for k, row := range s.latest {
		out[k.cat.String()+"/"+k.key] = row
	}
	for k, row := range s.events {
		out[k.cat.String()+"/"+k.key+"/"+strconv.FormatUint(k.slot, 10)] = row
	}
	return out
}

func (s *Store) Close() error { return nil }
