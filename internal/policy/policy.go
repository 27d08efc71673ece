// Package policy is the execution-policy phase: it holds the authoritative
// per-symbol position book and turns each vetted candidate into one of the
// four verdicts REPLACE, STRENGTHEN, NEW, or IGNORE. Decision rules run in
// strict order; the first match wins. All per-symbol state access is
// serialized through striped locks with a bounded acquisition timeout.
package policy

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
)

// Options configure the policy engine
type Options struct {
	ReplaceMargin    float64
	StrengthenMargin float64
	ReplaceCooldown  time.Duration
	LockTimeout      time.Duration
	MaxPerSymbol     int
	MaxGlobal        int
	RiskRewardFloor  float64
	AllowHedging     bool
	// RiskBudget caps cumulative realized loss (pct) per symbol; 0 disables
	RiskBudget float64
	// WidenTakeProfit selects the STRENGTHEN effect; false tightens the stop
	WidenTakeProfit bool
	// MaxHold closes positions open longer than this with a TIMEOUT outcome
	MaxHold time.Duration
}

func (o *Options) defaults() {
	if o.ReplaceMargin <= 0 {
		o.ReplaceMargin = 0.15
	}
	if o.StrengthenMargin <= 0 {
		o.StrengthenMargin = 0.05
	}
	if o.ReplaceCooldown <= 0 {
		o.ReplaceCooldown = 10 * time.Minute
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 500 * time.Millisecond
	}
	if o.MaxPerSymbol <= 0 {
		o.MaxPerSymbol = 2
	}
	if o.MaxGlobal <= 0 {
		o.MaxGlobal = 20
	}
	if o.RiskRewardFloor <= 0 {
		o.RiskRewardFloor = 1.2
	}
	if o.MaxHold <= 0 {
		o.MaxHold = 48 * time.Hour
	}
}

// positionMeta carries candidate context forward into outcome records
type positionMeta struct {
	features  map[string]float64
	strategy  string
	timeframe string
	regime    string
}

// Policy is the P3 engine
type Policy struct {
	opts   Options
	locks  *stripedLocks
	active atomic.Pointer[params.Set]

	mu        sync.RWMutex
	positions map[string]map[model.Direction]*model.Position
	meta      map[uuid.UUID]positionMeta
	cooldowns map[string]time.Time
	lossSpent map[string]float64

	outcomes chan *model.OutcomeRecord
	log      zerolog.Logger
}

func New(initial *params.Set, opts Options) *Policy {
	opts.defaults()
	p := &Policy{
		opts:      opts,
		locks:     newStripedLocks(64),
		positions: make(map[string]map[model.Direction]*model.Position),
		meta:      make(map[uuid.UUID]positionMeta),
		cooldowns: make(map[string]time.Time),
		lossSpent: make(map[string]float64),
		outcomes:  make(chan *model.OutcomeRecord, 256),
		log:       log.With().Str("component", "policy").Logger(),
	}
	if initial == nil {
		initial = params.Default()
	}
	p.active.Store(initial)
	return p
}

// Restore loads positions recovered from persistence at startup
func (p *Policy) Restore(positions []model.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for i := range positions {
		pos := positions[i]
		if pos.Status == model.PositionClosed {
			continue
		}
		book, ok := p.positions[pos.Symbol]
		if !ok {
			book = make(map[model.Direction]*model.Position, 2)
			p.positions[pos.Symbol] = book
		}
		book[pos.Direction] = &pos
		open++
	}
	metrics.OpenPositions.Set(float64(open))
	p.log.Info().Int("positions", open).Msg("Position book restored")
}

// ReloadParameters swaps the parameter set used for margins and clamps
func (p *Policy) ReloadParameters(ps *params.Set) {
	if ps == nil {
		return
	}
	p.active.Store(ps)
	p.log.Info().Int64("version", ps.Version).Msg("Policy parameters reloaded")
}

// Outcomes streams OutcomeRecords produced as positions close
func (p *Policy) Outcomes() <-chan *model.OutcomeRecord {
	return p.outcomes
}

// Decide evaluates one vetted candidate against the symbol's position book.
// It never returns an error: contention and rule failures express
// themselves as IGNORE verdicts with a rationale code.
func (p *Policy) Decide(ctx context.Context, v *model.VettedCandidate) *model.ExecutionDecision {
	release, ok := p.locks.acquire(ctx, v.Symbol, p.opts.LockTimeout)
	if !ok {
		metrics.ContentionTimeouts.Inc()
		return p.finish(ignore(v, model.RationaleContention))
	}
	defer release()

	now := time.Now().UTC()
	ps := p.active.Load()

	p.mu.Lock()
	defer p.mu.Unlock()

	book := p.positions[v.Symbol]
	same := openPosition(book, v.Direction)
	opposite := openPosition(book, v.Direction.Opposite())

	// Rule 1 — IGNORE guards
	if !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt) {
		// the candidate died in the queue; acting on it would trade stale prices
		return p.finish(ignore(v, model.RationaleExpired))
	}
	if until, held := p.cooldowns[v.Symbol]; held && now.Before(until) {
		return p.finish(ignore(v, model.RationaleReplaceCooldown))
	}
	if p.opts.RiskBudget > 0 && p.lossSpent[v.Symbol] >= p.opts.RiskBudget {
		return p.finish(ignore(v, model.RationaleRiskBudget))
	}
	strengthenMargin := ps.Get("strengthen_margin", p.opts.StrengthenMargin)
	if same != nil && same.OriginScore+strengthenMargin >= v.Composite {
		return p.finish(ignore(v, model.RationaleExistingStronger))
	}

	// Rule 2 — REPLACE an opposite-direction position
	if opposite != nil && !p.opts.AllowHedging {
		replaceMargin := ps.Get("replace_margin", p.opts.ReplaceMargin)
		if v.Composite <= opposite.OriginScore+replaceMargin {
			return p.finish(ignore(v, model.RationaleOppositeWeaker))
		}
		return p.replaceLocked(v, opposite, ps, now)
	}

	// Rule 3 — STRENGTHEN a same-direction position
	if same != nil {
		return p.strengthenLocked(v, same, ps, now)
	}

	// Rule 4 — NEW, within position caps
	if len(book) >= p.opts.MaxPerSymbol || p.totalOpenLocked() >= p.opts.MaxGlobal {
		return p.finish(ignore(v, model.RationalePositionCap))
	}
	return p.newLocked(v, ps, now)
}

// openPosition returns the book entry unless it is already draining.
// A CLOSING position still occupies its slot; racing it yields contention.
func openPosition(book map[model.Direction]*model.Position, dir model.Direction) *model.Position {
	if book == nil {
		return nil
	}
	return book[dir]
}

func (p *Policy) replaceLocked(v *model.VettedCandidate, old *model.Position, ps *params.Set, now time.Time) *model.ExecutionDecision {
	// a replace racing an in-flight close is contention, not a verdict
	if old.Status == model.PositionClosing {
		return p.finish(ignore(v, model.RationaleContention))
	}

	sl, tp, rr := p.clampRisk(v, ps)
	if rr < p.opts.RiskRewardFloor {
		return p.finish(ignore(v, model.RationaleRiskRewardFloor))
	}

	old.Status = model.PositionClosing
	old.StatusChanged = now
	p.cooldowns[v.Symbol] = now.Add(p.opts.ReplaceCooldown)

	pos := p.openLocked(v, sl, tp, now)
	d := decisionFor(v, model.VerdictReplace, model.RationaleOppositeReplaced, rr, sl, tp, now)
	d.PositionID = &old.ID
	p.log.Info().
		Str("symbol", v.Symbol).
		Str("old_position", old.ID.String()).
		Str("new_position", pos.ID.String()).
		Float64("risk_reward", rr).
		Msg("Position replaced")
	return p.finish(d)
}

func (p *Policy) strengthenLocked(v *model.VettedCandidate, same *model.Position, ps *params.Set, now time.Time) *model.ExecutionDecision {
	if same.Status == model.PositionClosing {
		return p.finish(ignore(v, model.RationaleContention))
	}

	sl, tp, rr := p.clampRisk(v, ps)
	if rr < p.opts.RiskRewardFloor {
		return p.finish(ignore(v, model.RationaleRiskRewardFloor))
	}

	// size never increases by default; conviction moves the exit levels
	if p.opts.WidenTakeProfit {
		if (v.Direction == model.DirectionLong && tp > same.TakeProfit) ||
			(v.Direction == model.DirectionShort && tp < same.TakeProfit) {
			same.TakeProfit = tp
		}
	} else {
		if (v.Direction == model.DirectionLong && sl > same.StopLoss) ||
			(v.Direction == model.DirectionShort && sl < same.StopLoss) {
			same.StopLoss = sl
		}
	}
	same.OriginScore = v.Composite
	same.StatusChanged = now

	d := decisionFor(v, model.VerdictStrengthen, model.RationaleSameDirection, rr, same.StopLoss, same.TakeProfit, now)
	d.PositionID = &same.ID
	return p.finish(d)
}

func (p *Policy) newLocked(v *model.VettedCandidate, ps *params.Set, now time.Time) *model.ExecutionDecision {
	sl, tp, rr := p.clampRisk(v, ps)
	if rr < p.opts.RiskRewardFloor {
		return p.finish(ignore(v, model.RationaleRiskRewardFloor))
	}
	p.openLocked(v, sl, tp, now)
	return p.finish(decisionFor(v, model.VerdictNew, model.RationaleFreshEntry, rr, sl, tp, now))
}

// openLocked records a new OPEN position for the candidate
func (p *Policy) openLocked(v *model.VettedCandidate, sl, tp float64, now time.Time) *model.Position {
	pos := &model.Position{
		ID:            uuid.New(),
		Symbol:        v.Symbol,
		Direction:     v.Direction,
		EntryPrice:    v.EntryPrice,
		EntryTime:     now,
		StopLoss:      sl,
		TakeProfit:    tp,
		Size:          1,
		CandidateID:   v.ID,
		OriginScore:   v.Composite,
		Status:        model.PositionOpen,
		StatusChanged: now,
	}
	book, ok := p.positions[v.Symbol]
	if !ok {
		book = make(map[model.Direction]*model.Position, 2)
		p.positions[v.Symbol] = book
	}
	book[v.Direction] = pos
	// snapshot includes the origin scores so downstream learning can
	// re-simulate admission thresholds against realized outcomes
	features := make(map[string]float64, len(v.Features)+3)
	for k, val := range v.Features {
		features[k] = val
	}
	features["strength"] = v.Strength
	features["confidence"] = v.Confidence
	features["composite"] = v.Composite
	p.meta[pos.ID] = positionMeta{
		features:  features,
		strategy:  v.Strategy,
		timeframe: v.Timeframe,
		regime:    regimeLabel(v),
	}
	metrics.OpenPositions.Inc()
	return pos
}

// clampRisk bounds the candidate's recommended stop and take-profit by
// volatility-aware distances and recomputes the risk/reward ratio
func (p *Policy) clampRisk(v *model.VettedCandidate, ps *params.Set) (sl, tp, rr float64) {
	entry := v.EntryPrice
	atr := v.Features["atr_14"]
	if atr <= 0 || math.IsNaN(atr) {
		atr = entry * 0.01
	}

	maxStop := atr * ps.Resolve("atr_stop_mult", 1.5, v.Symbol)
	maxProfit := atr * ps.Resolve("atr_profit_mult", 3.0, v.Symbol)
	minDist := atr * 0.25

	slDist := clamp(math.Abs(entry-v.StopLoss), minDist, maxStop)
	tpDist := clamp(math.Abs(v.TakeProfit-entry), minDist, maxProfit)

	if v.Direction == model.DirectionLong {
		sl, tp = entry-slDist, entry+tpDist
	} else {
		sl, tp = entry+slDist, entry-tpDist
	}
	return sl, tp, tpDist / slDist
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// regimeLabel derives a coarse market-regime tag from the feature snapshot
func regimeLabel(v *model.VettedCandidate) string {
	stress := v.MarketStress
	switch {
	case stress > 0.05:
		return "volatile"
	case stress > 0.02:
		return "normal"
	default:
		return "quiet"
	}
}

func (p *Policy) totalOpenLocked() int {
	n := 0
	for _, book := range p.positions {
		n += len(book)
	}
	return n
}

func ignore(v *model.VettedCandidate, code model.RationaleCode) *model.ExecutionDecision {
	return decisionFor(v, model.VerdictIgnore, code, 0, 0, 0, time.Now().UTC())
}

func decisionFor(v *model.VettedCandidate, verdict model.Verdict, code model.RationaleCode, rr, sl, tp float64, now time.Time) *model.ExecutionDecision {
	return &model.ExecutionDecision{
		ID:          uuid.New(),
		CandidateID: v.ID,
		Symbol:      v.Symbol,
		Verdict:     verdict,
		Rationale:   code,
		RiskReward:  rr,
		StopLoss:    sl,
		TakeProfit:  tp,
		Timestamp:   now,
		Band:        v.Band,
		Candidate:   v,
	}
}

func (p *Policy) finish(d *model.ExecutionDecision) *model.ExecutionDecision {
	metrics.RecordVerdict(string(d.Verdict), string(d.Rationale))
	return d
}
