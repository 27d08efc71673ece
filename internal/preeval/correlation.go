package preeval

import (
	"math"
	"sync"
	"time"

	"github.com/signalforge/signalforge/internal/model"
)

// priceWindow holds the rolling close series for one symbol
type priceWindow struct {
	closes []float64
}

func (w *priceWindow) push(close float64, max int) {
	w.closes = append(w.closes, close)
	if len(w.closes) > max {
		w.closes = w.closes[len(w.closes)-max:]
	}
}

// returns computes simple one-step returns
func (w *priceWindow) returns() []float64 {
	if len(w.closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.closes)-1)
	for i := 1; i < len(w.closes); i++ {
		if w.closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, w.closes[i]/w.closes[i-1]-1)
	}
	return out
}

// correlator tracks rolling cross-symbol correlation and adjudicates
// conflicts between candidates on correlated symbols
type correlator struct {
	cutoff float64
	bars   int
	window time.Duration

	mu      sync.Mutex
	prices  map[string]*priceWindow
	pending map[string]pendingCandidate // last surviving candidate per symbol
}

type pendingCandidate struct {
	direction model.Direction
	composite float64
	at        time.Time
}

// correlation adjudication outcomes
type corrOutcome int

const (
	corrNone corrOutcome = iota
	corrDemoted
	corrReinforced
)

func newCorrelator(cutoff float64, bars int, window time.Duration) *correlator {
	if cutoff <= 0 {
		cutoff = 0.8
	}
	if bars <= 0 {
		bars = 50
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &correlator{
		cutoff:  cutoff,
		bars:    bars,
		window:  window,
		prices:  make(map[string]*priceWindow),
		pending: make(map[string]pendingCandidate),
	}
}

// observe feeds one bar close into the rolling price window
func (c *correlator) observe(symbol string, close float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.prices[symbol]
	if !ok {
		w = &priceWindow{}
		c.prices[symbol] = w
	}
	w.push(close, c.bars+1)
}

// adjudicate compares the candidate against recent candidates on
// correlated symbols. Opposite directions demote the weaker composite to
// LOW; same directions bump confidence by a capped factor.
func (c *correlator) adjudicate(v *model.VettedCandidate) corrOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome := corrNone
	for symbol, other := range c.pending {
		if symbol == v.Symbol {
			continue
		}
		if v.EmittedAt.Sub(other.at) > c.window {
			delete(c.pending, symbol)
			continue
		}
		corr := c.correlationLocked(v.Symbol, symbol)
		if math.Abs(corr) <= c.cutoff {
			continue
		}

		sameDirection := v.Direction == other.direction
		if corr < 0 {
			// inverse correlation flips the comparison
			sameDirection = !sameDirection
		}

		if sameDirection {
			// capped reinforcement: correlated agreement adds conviction
			v.Confidence = math.Min(v.Confidence*1.1, 1)
			v.Reinforced = true
			outcome = corrReinforced
			continue
		}

		// conflict review: stricter quality wins, the other goes LOW
		if v.Composite < other.composite {
			v.Band = model.BandLow
			return corrDemoted
		}
	}

	c.pending[v.Symbol] = pendingCandidate{
		direction: v.Direction,
		composite: v.Composite,
		at:        v.EmittedAt,
	}
	return outcome
}

// correlationLocked computes Pearson correlation of aligned returns
func (c *correlator) correlationLocked(a, b string) float64 {
	wa, oka := c.prices[a]
	wb, okb := c.prices[b]
	if !oka || !okb {
		return 0
	}
	ra, rb := wa.returns(), wb.returns()
	n := len(ra)
	if len(rb) < n {
		n = len(rb)
	}
	const minPoints = 5
	if n < minPoints {
		return 0
	}
	ra, rb = ra[len(ra)-n:], rb[len(rb)-n:]

	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += ra[i]
		meanB += rb[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := ra[i]-meanA, rb[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
