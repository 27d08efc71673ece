package preeval

import (
	"math"
	"sync"
	"time"

	"github.com/signalforge/signalforge/internal/model"
)

// dedupEntry is one remembered emission inside the sliding window
type dedupEntry struct {
	id         string
	symbol     string
	direction  model.Direction
	strategy   string
	confidence float64
	features   map[string]float64
	at         time.Time
}

// deduper suppresses near-identical candidates: same symbol and direction
// with feature-vector cosine similarity at or above the threshold. The
// higher-confidence candidate survives. A diversity guard keeps duplicates
// alive when enough distinct strategies agree independently.
type deduper struct {
	window     time.Duration
	similarity float64
	diversity  int

	mu      sync.Mutex
	entries []dedupEntry

	// Suppressed counts window-local suppressions, exposed via Metrics
	suppressed uint64
}

func newDeduper(window time.Duration, similarity float64, diversity int) *deduper {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if similarity <= 0 {
		similarity = 0.85
	}
	return &deduper{window: window, similarity: similarity, diversity: diversity}
}

// check returns false when the candidate is a suppressed duplicate.
// Surviving candidates are recorded into the window.
func (d *deduper) check(c *model.SignalCandidate) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(c.EmittedAt)

	duplicateOf := -1
	strategies := map[string]bool{c.Strategy: true}
	for i, e := range d.entries {
		if e.symbol != c.Symbol || e.direction != c.Direction {
			continue
		}
		if cosine(e.features, c.Features) >= d.similarity {
			duplicateOf = i
			strategies[e.strategy] = true
		}
	}

	if duplicateOf >= 0 {
		// independent methods co-emitting is signal, not noise
		if d.diversity > 0 && len(strategies) >= d.diversity {
			d.entries = append(d.entries, toEntry(c))
			return true
		}
		if c.Confidence <= d.entries[duplicateOf].confidence {
			d.suppressed++
			return false
		}
		// the newcomer is stronger: it replaces the remembered duplicate
		d.entries[duplicateOf] = toEntry(c)
		d.suppressed++
		return true
	}

	d.entries = append(d.entries, toEntry(c))
	return true
}

func (d *deduper) prune(now time.Time) {
	cutoff := now.Add(-d.window)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}

func (d *deduper) suppressedCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

func toEntry(c *model.SignalCandidate) dedupEntry {
	return dedupEntry{
		id:         c.ID,
		symbol:     c.Symbol,
		direction:  c.Direction,
		strategy:   c.Strategy,
		confidence: c.Confidence,
		features:   c.Features,
		at:         c.EmittedAt,
	}
}

// cosine computes cosine similarity over the union of feature keys;
// missing keys contribute zero
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for k, av := range a {
		normA += av * av
		if bv, ok := b[k]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
