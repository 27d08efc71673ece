package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalforge/signalforge/internal/model"
)

// State is the notification lifecycle state
type State string

const (
	StateQueued  State = "QUEUED"
	StateReady   State = "READY"
	StateSending State = "SENDING"
	StateSent    State = "SENT"
	StateFailed  State = "FAILED"
	StateExpired State = "EXPIRED"
)

// Envelope is one notification moving through the dispatcher
type Envelope struct {
	ID       uuid.UUID          `json:"id"`
	Symbol   string             `json:"symbol"`
	Band     model.PriorityBand `json:"band"`
	Verdict  model.Verdict      `json:"verdict"`
	Strength float64            `json:"strength"`
	Message  string             `json:"message"`

	CreatedAt time.Time `json:"created_at"`
	EmittedAt time.Time `json:"emitted_at"`
	ReadyAt   time.Time `json:"ready_at"`
	ExpiresAt time.Time `json:"expires_at"`

	State    State `json:"state"`
	Attempts int   `json:"attempts"`
}

// newEnvelope builds the envelope for a decision, applying the band delay
func newEnvelope(d *model.ExecutionDecision, now time.Time) *Envelope {
	c := d.Candidate
	env := &Envelope{
		ID:        uuid.New(),
		Symbol:    d.Symbol,
		Band:      d.Band,
		Verdict:   d.Verdict,
		Strength:  c.Strength,
		Message:   renderMessage(d),
		CreatedAt: now,
		EmittedAt: c.EmittedAt,
		ReadyAt:   now.Add(bandRule(d.Band).delay),
		ExpiresAt: c.ExpiresAt,
		State:     StateQueued,
	}
	return env
}

func renderMessage(d *model.ExecutionDecision) string {
	c := d.Candidate
	return fmt.Sprintf("%s %s %s @ %.4f (SL %.4f / TP %.4f, RR %.2f, strength %.2f, %s)",
		d.Verdict, c.Direction, d.Symbol,
		c.EntryPrice, d.StopLoss, d.TakeProfit, d.RiskReward,
		c.Strength, c.Strategy)
}

// bandRuleSet holds the fixed per-band rate rules
type bandRuleSet struct {
	delay    time.Duration
	cooldown time.Duration
	// perHour is the band's hourly budget; 0 suppresses the band entirely
	perHour int
}

func bandRule(b model.PriorityBand) bandRuleSet {
	switch b {
	case model.BandCritical:
		return bandRuleSet{delay: 0, cooldown: 60 * time.Second, perHour: 10}
	case model.BandHigh:
		return bandRuleSet{delay: 300 * time.Second, cooldown: 900 * time.Second, perHour: 6}
	case model.BandMedium:
		return bandRuleSet{delay: 1800 * time.Second, cooldown: 3600 * time.Second, perHour: 3}
	default:
		return bandRuleSet{perHour: 0}
	}
}
