package preeval

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/model"
)

// reinforcer tracks demoted or edge candidates for a short observation
// window; if later bars move the predicted way the candidate is
// re-promoted to the standard lane with the REINFORCED tag.
type reinforcer struct {
	window time.Duration
	// moveThreshold is the fractional favorable move that confirms
	moveThreshold float64

	mu      sync.Mutex
	tracked map[string]*model.VettedCandidate

	out chan *model.VettedCandidate
	log zerolog.Logger
}

func newReinforcer(window time.Duration, moveThreshold float64) *reinforcer {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if moveThreshold <= 0 {
		moveThreshold = 0.001
	}
	return &reinforcer{
		window:        window,
		moveThreshold: moveThreshold,
		tracked:       make(map[string]*model.VettedCandidate),
		out:           make(chan *model.VettedCandidate, 64),
		log:           log.With().Str("component", "preeval").Logger(),
	}
}

// track begins observing a demoted candidate
func (r *reinforcer) track(v *model.VettedCandidate) {
	clone := *v
	r.mu.Lock()
	r.tracked[v.ID] = &clone
	r.mu.Unlock()
}

// observe checks tracked candidates of a symbol against a new close price
func (r *reinforcer) observe(symbol string, close float64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, v := range r.tracked {
		if now.Sub(v.EmittedAt) > r.window {
			delete(r.tracked, id)
			continue
		}
		if v.Symbol != symbol || v.EntryPrice <= 0 {
			continue
		}

		move := (close - v.EntryPrice) / v.EntryPrice
		if v.Direction == model.DirectionShort {
			move = -move
		}
		if move < r.moveThreshold {
			continue
		}

		delete(r.tracked, id)
		promoted := *v
		promoted.Reinforced = true
		promoted.Lane = LaneStandard
		if promoted.Band == model.BandLow {
			promoted.Band = model.BandMedium
		}

		select {
		case r.out <- &promoted:
			r.log.Info().
				Str("candidate", promoted.ID).
				Str("symbol", symbol).
				Float64("move", move).
				Msg("Demoted candidate reinforced by price confirmation")
		default:
			// reinforcement is advisory; a full channel just drops it
		}
	}
}

// reinforced is the stream of re-promoted candidates
func (r *reinforcer) reinforced() <-chan *model.VettedCandidate {
	return r.out
}

func (r *reinforcer) trackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}
