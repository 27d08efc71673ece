package learning

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/signalforge/signalforge/internal/model"
)

// OutcomeStore is the durable append-only sink for outcome records. The
// learner keeps working from its in-memory window when persistence fails.
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, rec *model.OutcomeRecord) error
}

// history is the in-memory outcome window with secondary indexes by
// symbol, regime label, and originating strategy
type history struct {
	mu         sync.RWMutex
	records    []*model.OutcomeRecord
	bySymbol   map[string][]*model.OutcomeRecord
	byRegime   map[string][]*model.OutcomeRecord
	byStrategy map[string][]*model.OutcomeRecord
	limit      int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 5000
	}
	return &history{
		bySymbol:   make(map[string][]*model.OutcomeRecord),
		byRegime:   make(map[string][]*model.OutcomeRecord),
		byStrategy: make(map[string][]*model.OutcomeRecord),
		limit:      limit,
	}
}

func (h *history) append(rec *model.OutcomeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	h.bySymbol[rec.Symbol] = append(h.bySymbol[rec.Symbol], rec)
	h.byRegime[rec.Regime] = append(h.byRegime[rec.Regime], rec)
	h.byStrategy[rec.Strategy] = append(h.byStrategy[rec.Strategy], rec)
	if len(h.records) > h.limit {
		h.evictLocked(h.records[0])
	}
}

func (h *history) evictLocked(old *model.OutcomeRecord) {
	h.records = h.records[1:]
	h.bySymbol[old.Symbol] = dropRecord(h.bySymbol[old.Symbol], old)
	h.byRegime[old.Regime] = dropRecord(h.byRegime[old.Regime], old)
	h.byStrategy[old.Strategy] = dropRecord(h.byStrategy[old.Strategy], old)
}

func dropRecord(list []*model.OutcomeRecord, rec *model.OutcomeRecord) []*model.OutcomeRecord {
	for i, r := range list {
		if r == rec {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// recent returns up to n of the newest records, oldest first
func (h *history) recent(n int) []*model.OutcomeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]*model.OutcomeRecord, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

func (h *history) forRegime(regime string) []*model.OutcomeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*model.OutcomeRecord(nil), h.byRegime[regime]...)
}

func (h *history) regimes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byRegime))
	for r := range h.byRegime {
		out = append(out, r)
	}
	return out
}

func (h *history) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// weightedOutcome pairs a record with its time-decay weight
type weightedOutcome struct {
	rec    *model.OutcomeRecord
	weight float64
}

// decayWeight returns exp(-age/H) for an outcome aged by the given duration
func decayWeight(age, halfLife time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Exp(-age.Hours() / halfLife.Hours())
}

func weigh(recs []*model.OutcomeRecord, now time.Time, halfLife time.Duration) []weightedOutcome {
	out := make([]weightedOutcome, 0, len(recs))
	for _, rec := range recs {
		out = append(out, weightedOutcome{rec: rec, weight: decayWeight(now.Sub(rec.ClosedAt), halfLife)})
	}
	return out
}
