// Package params implements the versioned parameter store shared by the
// signal generator and the execution policy. Publishers swap an atomic
// pointer; readers capture the active set at operation entry so a set is
// never observed half-applied.
package params

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is the current parameter document schema version
const SchemaVersion = "1.0.0"

// Consumer identifies a parameter-store consumer
type Consumer string

const (
	ConsumerGenerator Consumer = "generator"
	ConsumerPolicy    Consumer = "policy"
)

// Overlay carries scope-specific parameter overrides, e.g. per symbol
// category ("major", "mid-cap", "meme") or market regime label.
type Overlay struct {
	Scope      string             `json:"scope"`
	Parameters map[string]float64 `json:"parameters"`
}

// Set is one immutable parameter-set version
type Set struct {
	Version   int64              `json:"version"`
	Schema    string             `json:"schema"`
	CreatedAt time.Time          `json:"created_at"`
	Values    map[string]float64 `json:"parameters"`
	Overlays  []Overlay          `json:"overlays,omitempty"`
}

// Default returns the baseline parameter set used before any learning output
func Default() *Set {
	return &Set{
		Version:   1,
		Schema:    SchemaVersion,
		CreatedAt: time.Now().UTC(),
		Values: map[string]float64{
			"min_strength":         0.5,
			"confidence_threshold": 0.6,
			"quality_w_completeness": 0.2,
			"quality_w_clarity":      0.25,
			"quality_w_confidence":   0.25,
			"quality_w_volatility":   0.15,
			"quality_w_liquidity":    0.15,
			"atr_stop_mult":        1.5,
			"atr_profit_mult":      3.0,
			"replace_margin":       0.15,
			"strengthen_margin":    0.05,
		},
	}
}

// Get returns a parameter value, falling back to def when absent
func (s *Set) Get(name string, def float64) float64 {
	if s == nil {
		return def
	}
	if v, ok := s.Values[name]; ok {
		return v
	}
	return def
}

// Resolve returns the effective value for a name under the given scopes.
// Overlays are applied in declaration order; the last matching scope wins.
func (s *Set) Resolve(name string, def float64, scopes ...string) float64 {
	v := s.Get(name, def)
	if s == nil {
		return v
	}
	for _, ov := range s.Overlays {
		for _, scope := range scopes {
			if ov.Scope != scope {
				continue
			}
			if o, ok := ov.Parameters[name]; ok {
				v = o
			}
		}
	}
	return v
}

// Clone returns a deep copy with the same version
func (s *Set) Clone() *Set {
	c := &Set{
		Version:   s.Version,
		Schema:    s.Schema,
		CreatedAt: s.CreatedAt,
		Values:    make(map[string]float64, len(s.Values)),
	}
	for k, v := range s.Values {
		c.Values[k] = v
	}
	for _, ov := range s.Overlays {
		oc := Overlay{Scope: ov.Scope, Parameters: make(map[string]float64, len(ov.Parameters))}
		for k, v := range ov.Parameters {
			oc.Parameters[k] = v
		}
		c.Overlays = append(c.Overlays, oc)
	}
	return c
}

// Names returns the sorted parameter names, used by the optimizer
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.Values))
	for k := range s.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CheckSchema validates that a set's schema version is readable by this
// binary. Sets written by a newer major version are rejected.
func CheckSchema(s *Set) error {
	if s.Schema == "" {
		return fmt.Errorf("parameter set %d missing schema version", s.Version)
	}
	got, err := semver.NewVersion(s.Schema)
	if err != nil {
		return fmt.Errorf("parameter set %d has invalid schema version %q: %w", s.Version, s.Schema, err)
	}
	supported := semver.MustParse(SchemaVersion)
	if got.Major() > supported.Major() {
		return fmt.Errorf("parameter schema %s is newer than supported %s", s.Schema, SchemaVersion)
	}
	return nil
}
