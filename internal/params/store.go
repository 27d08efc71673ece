package params

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Callback is invoked after a new set becomes active for a consumer
type Callback func(consumer Consumer, set *Set)

// Persister stores parameter documents durably. Implementations must be safe
// for concurrent use; the store calls Save outside its lock.
type Persister interface {
	SaveParameterSet(set *Set) error
	LoadParameterSets() ([]*Set, error)
}

// Store is the versioned parameter store. Replacement is atomic per consumer:
// publishers swap a pointer, readers capture the pointer at operation entry.
type Store struct {
	mu          sync.Mutex
	active      map[Consumer]*atomic.Pointer[Set]
	history     []*Set
	subscribers map[Consumer][]Callback
	nextVersion int64
	persist     Persister
	log         zerolog.Logger
}

// NewStore creates a store seeded with the given initial set (Default() when nil)
func NewStore(initial *Set) *Store {
	if initial == nil {
		initial = Default()
	}
	s := &Store{
		active:      make(map[Consumer]*atomic.Pointer[Set]),
		subscribers: make(map[Consumer][]Callback),
		nextVersion: initial.Version + 1,
		log:         log.With().Str("component", "params").Logger(),
	}
	for _, c := range []Consumer{ConsumerGenerator, ConsumerPolicy} {
		p := &atomic.Pointer[Set]{}
		p.Store(initial)
		s.active[c] = p
	}
	s.history = append(s.history, initial)
	return s
}

// WithPersister attaches durable storage; previously persisted versions are
// replayed so history and rollback survive restarts.
func (s *Store) WithPersister(p Persister) error {
	sets, err := p.LoadParameterSets()
	if err != nil {
		return fmt.Errorf("failed to load parameter sets: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	for _, set := range sets {
		if err := CheckSchema(set); err != nil {
			s.log.Warn().Err(err).Int64("version", set.Version).Msg("Skipping incompatible parameter set")
			continue
		}
		s.history = append(s.history, set)
		if set.Version >= s.nextVersion {
			s.nextVersion = set.Version + 1
		}
	}
	if len(sets) > 0 {
		latest := s.history[len(s.history)-1]
		for _, ptr := range s.active {
			ptr.Store(latest)
		}
		s.log.Info().Int64("version", latest.Version).Msg("Restored active parameter set")
	}
	return nil
}

// Get returns the active version and set for a consumer
func (s *Store) Get(consumer Consumer) (int64, *Set) {
	ptr, ok := s.active[consumer]
	if !ok {
		return 0, nil
	}
	set := ptr.Load()
	return set.Version, set
}

// Put publishes a new parameter set and returns its assigned version.
// The set becomes active for every consumer; subscribers are notified
// after the swap so callbacks always observe the new set.
func (s *Store) Put(set *Set) (int64, error) {
	if set == nil {
		return 0, fmt.Errorf("parameter set cannot be nil")
	}
	if set.Schema == "" {
		set.Schema = SchemaVersion
	}
	if err := CheckSchema(set); err != nil {
		return 0, err
	}

	s.mu.Lock()
	set.Version = s.nextVersion
	s.nextVersion++
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}
	s.history = append(s.history, set)
	for _, ptr := range s.active {
		ptr.Store(set)
	}
	subs := s.snapshotSubscribers()
	persist := s.persist
	s.mu.Unlock()

	if persist != nil {
		if err := persist.SaveParameterSet(set); err != nil {
			s.log.Error().Err(err).Int64("version", set.Version).Msg("Failed to persist parameter set")
		}
	}

	for consumer, cbs := range subs {
		for _, cb := range cbs {
			cb(consumer, set)
		}
	}

	s.log.Info().
		Int64("version", set.Version).
		Int("parameters", len(set.Values)).
		Int("overlays", len(set.Overlays)).
		Msg("Parameter set published")

	return set.Version, nil
}

// Rollback re-activates a previously published version. The rolled-back set
// is republished under a fresh version so the version sequence stays
// monotonic and the audit trail records the rollback.
func (s *Store) Rollback(version int64) (int64, error) {
	s.mu.Lock()
	var target *Set
	for _, set := range s.history {
		if set.Version == version {
			target = set
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return 0, fmt.Errorf("parameter version %d not found", version)
	}

	clone := target.Clone()
	clone.CreatedAt = time.Now().UTC()
	newVersion, err := s.Put(clone)
	if err != nil {
		return 0, err
	}
	s.log.Info().
		Int64("rolled_back_to", version).
		Int64("new_version", newVersion).
		Msg("Parameter rollback applied")
	return newVersion, nil
}

// Subscribe registers a callback invoked whenever a new set becomes active
// for the consumer
func (s *Store) Subscribe(consumer Consumer, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[consumer] = append(s.subscribers[consumer], cb)
}

// Versions lists all known versions in publication order
func (s *Store) Versions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.history))
	for i, set := range s.history {
		out[i] = set.Version
	}
	return out
}

func (s *Store) snapshotSubscribers() map[Consumer][]Callback {
	out := make(map[Consumer][]Callback, len(s.subscribers))
	for c, cbs := range s.subscribers {
		out[c] = append([]Callback(nil), cbs...)
	}
	return out
}
