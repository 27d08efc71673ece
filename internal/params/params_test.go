package params

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAndGet(t *testing.T) {
	s := Default()
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, 0.6, s.Get("confidence_threshold", 0))
	assert.Equal(t, 9.9, s.Get("not_there", 9.9))
}

func TestOverlayResolution(t *testing.T) {
	s := Default()
	s.Overlays = []Overlay{
		{Scope: "meme", Parameters: map[string]float64{"confidence_threshold": 0.8}},
		{Scope: "regime:high_vol", Parameters: map[string]float64{"atr_stop_mult": 2.5}},
	}

	// No scope: base value
	assert.Equal(t, 0.6, s.Resolve("confidence_threshold", 0))
	// Matching scope overrides
	assert.Equal(t, 0.8, s.Resolve("confidence_threshold", 0, "meme"))
	// Non-matching scope keeps base
	assert.Equal(t, 0.6, s.Resolve("confidence_threshold", 0, "major"))
	// Multiple scopes, each overlay applies to its own name
	assert.Equal(t, 2.5, s.Resolve("atr_stop_mult", 0, "meme", "regime:high_vol"))
}

func TestCheckSchema(t *testing.T) {
	ok := &Set{Version: 2, Schema: "1.0.0"}
	assert.NoError(t, CheckSchema(ok))

	newerMinor := &Set{Version: 3, Schema: "1.4.0"}
	assert.NoError(t, CheckSchema(newerMinor))

	newerMajor := &Set{Version: 4, Schema: "2.0.0"}
	assert.Error(t, CheckSchema(newerMajor))

	missing := &Set{Version: 5}
	assert.Error(t, CheckSchema(missing))

	garbage := &Set{Version: 6, Schema: "latest"}
	assert.Error(t, CheckSchema(garbage))
}

func TestStorePutGetSingleActive(t *testing.T) {
	store := NewStore(nil)

	v1, set := store.Get(ConsumerGenerator)
	require.NotNil(t, set)
	assert.Equal(t, int64(1), v1)

	next := Default()
	next.Values["confidence_threshold"] = 0.75
	v2, err := store.Put(next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	// Exactly one active set per consumer, and both consumers see the new one
	gv, gset := store.Get(ConsumerGenerator)
	pv, pset := store.Get(ConsumerPolicy)
	assert.Equal(t, v2, gv)
	assert.Equal(t, v2, pv)
	assert.Same(t, gset, pset)
	assert.Equal(t, 0.75, gset.Get("confidence_threshold", 0))
}

func TestStoreSubscribeNotifies(t *testing.T) {
	store := NewStore(nil)

	var mu sync.Mutex
	var got []int64
	store.Subscribe(ConsumerGenerator, func(c Consumer, s *Set) {
		mu.Lock()
		got = append(got, s.Version)
		mu.Unlock()
	})

	_, err := store.Put(Default())
	require.NoError(t, err)
	_, err = store.Put(Default())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{2, 3}, got)
}

func TestStoreRollback(t *testing.T) {
	store := NewStore(nil)

	tuned := Default()
	tuned.Values["confidence_threshold"] = 0.9
	v2, err := store.Put(tuned)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	// Roll back to version 1; published as a fresh version with v1 values
	v3, err := store.Rollback(1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3)

	_, active := store.Get(ConsumerPolicy)
	assert.Equal(t, 0.6, active.Get("confidence_threshold", 0))

	_, err = store.Rollback(99)
	assert.Error(t, err)
}

type memPersister struct {
	mu   sync.Mutex
	sets []*Set
}

func (m *memPersister) SaveParameterSet(s *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets = append(m.sets, s.Clone())
	return nil
}

func (m *memPersister) LoadParameterSets() ([]*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Set(nil), m.sets...), nil
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	p := &memPersister{}

	store := NewStore(nil)
	require.NoError(t, store.WithPersister(p))

	tuned := Default()
	tuned.Values["min_strength"] = 0.65
	v, err := store.Put(tuned)
	require.NoError(t, err)

	// A fresh store restored from the persister resumes at the saved version
	restored := NewStore(nil)
	require.NoError(t, restored.WithPersister(p))

	rv, set := restored.Get(ConsumerGenerator)
	assert.Equal(t, v, rv)
	assert.Equal(t, 0.65, set.Get("min_strength", 0))

	// Version counter keeps advancing past restored history
	nv, err := restored.Put(Default())
	require.NoError(t, err)
	assert.Greater(t, nv, v)
}

func TestCloneIsDeep(t *testing.T) {
	s := Default()
	s.Overlays = []Overlay{{Scope: "major", Parameters: map[string]float64{"x": 1}}}
	c := s.Clone()
	c.Values["min_strength"] = 0.99
	c.Overlays[0].Parameters["x"] = 2

	assert.Equal(t, 0.5, s.Get("min_strength", 0))
	assert.Equal(t, 1.0, s.Overlays[0].Parameters["x"])
	assert.WithinDuration(t, s.CreatedAt, c.CreatedAt, time.Second)
}
