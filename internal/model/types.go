package model

import (
	"time"

	"github.com/google/uuid"
)

// Direction represents the side of a proposed trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the opposing direction
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// PriorityBand classifies candidates and notifications by urgency
type PriorityBand string

const (
	BandCritical PriorityBand = "CRITICAL"
	BandHigh     PriorityBand = "HIGH"
	BandMedium   PriorityBand = "MEDIUM"
	BandLow      PriorityBand = "LOW"
)

// Rank returns a sortable rank, lower is more urgent
func (b PriorityBand) Rank() int {
	switch b {
	case BandCritical:
		return 0
	case BandHigh:
		return 1
	case BandMedium:
		return 2
	default:
		return 3
	}
}

// Verdict is the execution-policy decision for a candidate
type Verdict string

const (
	VerdictReplace    Verdict = "REPLACE"
	VerdictStrengthen Verdict = "STRENGTHEN"
	VerdictNew        Verdict = "NEW"
	VerdictIgnore     Verdict = "IGNORE"
)

// PositionStatus tracks the lifecycle of a position
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason explains why a position closed or a candidate expired
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseTimeout    CloseReason = "TIMEOUT"
	CloseManual     CloseReason = "MANUAL"
	CloseReplaced   CloseReason = "REPLACED"
)

// RationaleCode explains an execution-policy verdict
type RationaleCode string

const (
	RationaleExpired          RationaleCode = "CANDIDATE_EXPIRED"
	RationaleExistingStronger RationaleCode = "EXISTING_STRONGER"
	RationaleRiskBudget       RationaleCode = "RISK_BUDGET_EXHAUSTED"
	RationaleReplaceCooldown  RationaleCode = "REPLACE_COOLDOWN"
	RationaleOppositeWeaker   RationaleCode = "OPPOSITE_STRONGER_SCORE"
	RationaleOppositeReplaced RationaleCode = "OPPOSITE_REPLACED"
	RationaleSameDirection    RationaleCode = "SAME_DIRECTION_IMPROVED"
	RationaleFreshEntry       RationaleCode = "FRESH_ENTRY"
	RationalePositionCap      RationaleCode = "POSITION_CAP"
	RationaleRiskRewardFloor  RationaleCode = "RISK_REWARD_FLOOR"
	RationaleContention       RationaleCode = "CONTENTION"
)

// BookLevel is one side of a top-of-book snapshot level
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// MarketTick is a single immutable observation for one symbol on one exchange.
// Identity is (Source, Symbol, Sequence).
type MarketTick struct {
	Symbol    string      `json:"symbol"`
	Source    string      `json:"source"`
	Sequence  uint64      `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Bid       float64     `json:"bid"`
	Ask       float64     `json:"ask"`
	Last      float64     `json:"last"`
	Volume    float64     `json:"volume"`
	Bids      []BookLevel `json:"bids,omitempty"`
	Asks      []BookLevel `json:"asks,omitempty"`
}

// Mid returns the mid price, falling back to the last trade when one side is missing
func (t *MarketTick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Bar is the OHLCV aggregate for one (symbol, timeframe) interval
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	TickCount int       `json:"tick_count"`
}

// IndicatorFrame is the computed indicator snapshot at a bar close.
// Immutable after publication; keyed by (Symbol, Timeframe, CloseTime).
type IndicatorFrame struct {
	Symbol           string             `json:"symbol"`
	Timeframe        string             `json:"timeframe"`
	CloseTime        time.Time          `json:"close_time"`
	Bar              Bar                `json:"bar"`
	Values           map[string]float64 `json:"values"`
	DataCompleteness float64            `json:"data_completeness"`
}

// QualityScores are the per-candidate quality sub-scores, each in [0,1]
type QualityScores struct {
	DataCompleteness float64 `json:"data_completeness"`
	SignalClarity    float64 `json:"signal_clarity"`
	Confidence       float64 `json:"confidence"`
	VolatilityFit    float64 `json:"volatility_fit"`
	LiquidityFit     float64 `json:"liquidity_fit"`
}

// SignalCandidate is a proposed trade action emitted by a strategy in P1
type SignalCandidate struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Timeframe   string             `json:"timeframe"`
	Direction   Direction          `json:"direction"`
	Strength    float64            `json:"strength"`
	Confidence  float64            `json:"confidence"`
	EntryPrice  float64            `json:"entry_price"`
	StopLoss    float64            `json:"stop_loss"`
	TakeProfit  float64            `json:"take_profit"`
	CloseTime   time.Time          `json:"close_time"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Strategy    string             `json:"strategy"`
	Features    map[string]float64 `json:"features"`
	Quality     QualityScores      `json:"quality"`
	Band        PriorityBand       `json:"band"`
	EmittedAt   time.Time          `json:"emitted_at"`
	MarketStress float64           `json:"market_stress,omitempty"`
}

// VettedCandidate is a candidate that survived pre-evaluation
type VettedCandidate struct {
	SignalCandidate
	Composite  float64 `json:"composite"`
	Lane       string  `json:"lane"`
	Reinforced bool    `json:"reinforced"`
}

// Position is an active tracked exposure for a symbol
type Position struct {
	ID            uuid.UUID      `json:"id"`
	Symbol        string         `json:"symbol"`
	Direction     Direction      `json:"direction"`
	EntryPrice    float64        `json:"entry_price"`
	EntryTime     time.Time      `json:"entry_time"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	Size          float64        `json:"size"`
	CandidateID   string         `json:"candidate_id"`
	OriginScore   float64        `json:"origin_score"`
	Status        PositionStatus `json:"status"`
	StatusChanged time.Time      `json:"status_changed"`
}

// ExecutionDecision is the P3 output for a vetted candidate
type ExecutionDecision struct {
	ID          uuid.UUID     `json:"id"`
	CandidateID string        `json:"candidate_id"`
	Symbol      string        `json:"symbol"`
	Verdict     Verdict       `json:"verdict"`
	PositionID  *uuid.UUID    `json:"position_id,omitempty"`
	Rationale   RationaleCode `json:"rationale"`
	RiskReward  float64       `json:"risk_reward"`
	StopLoss    float64       `json:"stop_loss"`
	TakeProfit  float64       `json:"take_profit"`
	Timestamp   time.Time     `json:"timestamp"`
	Band        PriorityBand  `json:"band"`
	Candidate   *VettedCandidate `json:"-"`
}

// OutcomeRecord captures the result of a closed position or an expired candidate
type OutcomeRecord struct {
	ID          uuid.UUID          `json:"id"`
	CandidateID string             `json:"candidate_id"`
	PositionID  *uuid.UUID         `json:"position_id,omitempty"`
	Symbol      string             `json:"symbol"`
	Strategy    string             `json:"strategy"`
	Reason      CloseReason        `json:"reason"`
	PnLPct      float64            `json:"pnl_pct"`
	HoldTime    time.Duration      `json:"hold_time"`
	Features    map[string]float64 `json:"features"`
	Regime      string             `json:"regime"`
	ClosedAt    time.Time          `json:"closed_at"`
}

// PositionEvent is delivered by the execution collaborator on lifecycle changes
type PositionEvent struct {
	PositionID uuid.UUID      `json:"position_id"`
	Symbol     string         `json:"symbol"`
	Status     PositionStatus `json:"status"`
	Price      float64        `json:"price,omitempty"`
	Reason     CloseReason    `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CandidateKey builds the candidate identity from its components
func CandidateKey(symbol, timeframe string, closeTime time.Time, strategy string) string {
	return symbol + "|" + timeframe + "|" + closeTime.UTC().Format(time.RFC3339) + "|" + strategy
}
