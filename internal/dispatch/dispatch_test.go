package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/signalforge/signalforge/internal/model"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered []*Envelope
	// transient failures to return before succeeding
	failures  int
	permanent error
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Dispatch(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permanent != nil {
		return s.permanent
	}
	if s.failures > 0 {
		s.failures--
		return model.Transient(errors.New("sink hiccup"))
	}
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

// allowAll bypasses the daily dedup for tests that exercise scheduling
type allowAll struct{}

func (allowAll) Offer(context.Context, *Envelope) (bool, string) { return true, "" }
func (allowAll) MarkSent(context.Context, *Envelope)             {}

func decision(symbol string, band model.PriorityBand, strength float64) *model.ExecutionDecision {
	now := time.Now().UTC()
	c := model.NewSignalCandidate(symbol, "1m", model.DirectionLong, "rsi_reversal", now)
	c.Strength = strength
	c.Confidence = 0.8
	c.EntryPrice = 30000
	c.StopLoss, c.TakeProfit = 29700, 30600
	c.ExpiresAt = now.Add(time.Hour)
	return &model.ExecutionDecision{
		ID:          uuid.New(),
		CandidateID: c.ID,
		Symbol:      symbol,
		Verdict:     model.VerdictNew,
		Rationale:   model.RationaleFreshEntry,
		RiskReward:  2,
		StopLoss:    c.StopLoss,
		TakeProfit:  c.TakeProfit,
		Timestamp:   now,
		Band:        band,
		Candidate:   &model.VettedCandidate{SignalCandidate: *c, Composite: strength, Lane: "standard"},
	}
}

func TestCriticalDispatchesImmediately(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{})
	ctx := context.Background()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))
	require.Equal(t, 1, d.Pending())

	d.step(ctx, time.Now().UTC())
	require.Equal(t, 1, sink.count())
	assert.Equal(t, StateSent, sink.delivered[0].State)
	assert.Equal(t, 0, d.Pending())
}

func TestIgnoreAndLowBandNeverQueued(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{})
	ctx := context.Background()

	ignored := decision("BTCUSDT", model.BandCritical, 0.9)
	ignored.Verdict = model.VerdictIgnore
	d.Enqueue(ctx, ignored)
	d.Enqueue(ctx, decision("ETHUSDT", model.BandLow, 0.9))

	assert.Equal(t, 0, d.Pending())
	d.step(ctx, time.Now().UTC())
	assert.Equal(t, 0, sink.count())
}

func TestBandDelayHoldsUntilReady(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandHigh, 0.9))

	d.step(ctx, now)
	assert.Equal(t, 0, sink.count())
	require.Equal(t, 1, d.Pending())

	// HIGH delay is 300s
	d.step(ctx, now.Add(6*time.Minute))
	assert.Equal(t, 1, sink.count())
}

func TestSymbolBandCooldown(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, allowAll{}, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))
	d.step(ctx, now)
	require.Equal(t, 1, sink.count())

	// second critical for the same symbol inside the 60s cooldown waits
	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.95))
	d.step(ctx, now.Add(30*time.Second))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, d.Pending())

	d.step(ctx, now.Add(2*time.Minute))
	assert.Equal(t, 2, sink.count())
}

func TestHourlyBudgetCapsBand(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, allowAll{}, Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	// MEDIUM budget is 3 per hour
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"} {
		d.Enqueue(ctx, decision(sym, model.BandMedium, 0.9))
	}

	d.step(ctx, now.Add(31*time.Minute))
	assert.Equal(t, 3, sink.count())
	assert.Equal(t, 1, d.Pending())
}

// The hourly budget is absolute: a fresh dispatcher must not send more than
// a band's allowance in its first hour, even with a full token bucket.
func TestHourlyBudgetAbsoluteInFirstHour(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, allowAll{}, Options{})
	// pacing is not under test here, only the window cap
	d.limiters[model.BandCritical] = rate.NewLimiter(rate.Inf, 0)
	ctx := context.Background()
	now := time.Now().UTC()

	// CRITICAL budget is 10 per hour; distinct symbols dodge the cooldown
	symbols := []string{
		"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT",
		"DOTUSDT", "LTCUSDT", "LINKUSDT", "AVAXUSDT", "ATOMUSDT", "NEARUSDT",
	}
	for _, sym := range symbols {
		dec := decision(sym, model.BandCritical, 0.9)
		dec.Candidate.ExpiresAt = now.Add(3 * time.Hour)
		d.Enqueue(ctx, dec)
	}

	d.step(ctx, now)
	assert.Equal(t, 10, sink.count())
	assert.Equal(t, 2, d.Pending())

	// the same window stays capped
	d.step(ctx, now.Add(30*time.Minute))
	assert.Equal(t, 10, sink.count())

	// a new window releases the remainder
	d.step(ctx, now.Add(61*time.Minute))
	assert.Equal(t, 12, sink.count())
	assert.Equal(t, 0, d.Pending())
}

func TestStrongerReplacesQueuedWeaker(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandHigh, 0.6))
	d.Enqueue(ctx, decision("BTCUSDT", model.BandHigh, 0.8))
	// the weaker queued envelope was evicted
	require.Equal(t, 1, d.Pending())

	d.step(ctx, now.Add(6*time.Minute))
	require.Equal(t, 1, sink.count())
	assert.Equal(t, 0.8, sink.delivered[0].Strength)

	// once sent, the day is pinned even for a stronger signal
	d.Enqueue(ctx, decision("BTCUSDT", model.BandHigh, 0.95))
	assert.Equal(t, 0, d.Pending())
}

func TestEnvelopeExpiresBeforeReady(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	dec := decision("BTCUSDT", model.BandMedium, 0.9)
	// candidate dies before the 30-minute MEDIUM delay elapses
	dec.Candidate.ExpiresAt = now.Add(time.Minute)
	d.Enqueue(ctx, dec)

	d.step(ctx, now.Add(5*time.Minute))
	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, d.Pending())
}

func TestTransientFailureRetriesThenSends(t *testing.T) {
	sink := &fakeSink{failures: 2}
	d := New(sink, NewMemoryGuard(), Options{RetryMax: 3, RetryInitial: time.Millisecond, RetryCap: 2 * time.Millisecond})
	ctx := context.Background()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))
	d.step(ctx, time.Now().UTC())

	require.Equal(t, 1, sink.count())
	assert.Equal(t, StateSent, sink.delivered[0].State)
	assert.Equal(t, 3, sink.delivered[0].Attempts)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	sink := &fakeSink{permanent: model.Validationf("malformed payload")}
	d := New(sink, NewMemoryGuard(), Options{RetryMax: 3, RetryInitial: time.Millisecond})
	ctx := context.Background()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))
	d.step(ctx, time.Now().UTC())

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, d.Pending())
}

func TestRetriesExhaustTransientFailure(t *testing.T) {
	sink := &fakeSink{failures: 10}
	d := New(sink, NewMemoryGuard(), Options{RetryMax: 2, RetryInitial: time.Millisecond})
	ctx := context.Background()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))
	d.step(ctx, time.Now().UTC())

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 0, d.Pending())
}

func TestRunDeliversOnTicker(t *testing.T) {
	sink := &fakeSink{}
	d := New(sink, NewMemoryGuard(), Options{Tick: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Enqueue(ctx, decision("BTCUSDT", model.BandCritical, 0.9))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMemoryGuardDay(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.6, CreatedAt: now}
	admitted, evict := g.Offer(ctx, first)
	require.True(t, admitted)
	assert.Empty(t, evict)

	weaker := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.5, CreatedAt: now}
	admitted, _ = g.Offer(ctx, weaker)
	assert.False(t, admitted)

	stronger := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.9, CreatedAt: now}
	admitted, evict = g.Offer(ctx, stronger)
	require.True(t, admitted)
	assert.Equal(t, first.ID.String(), evict)

	// bands and symbols are independent days
	other := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandMedium, Strength: 0.1, CreatedAt: now}
	admitted, _ = g.Offer(ctx, other)
	assert.True(t, admitted)

	g.MarkSent(ctx, stronger)
	late := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.99, CreatedAt: now}
	admitted, _ = g.Offer(ctx, late)
	assert.False(t, admitted)
}

func TestMemoryGuardPrunesPriorDays(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()
	day1 := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		admitted, _ := g.Offer(ctx, &Envelope{ID: uuid.New(), Symbol: sym, Band: model.BandHigh, Strength: 0.6, CreatedAt: day1})
		require.True(t, admitted)
	}
	require.Len(t, g.entries, 3)

	// day rollover retires yesterday's keys, so the guard cannot grow
	// without bound across days
	next := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.6, CreatedAt: day1.Add(2 * time.Hour)}
	admitted, _ := g.Offer(ctx, next)
	require.True(t, admitted)
	assert.Len(t, g.entries, 1)

	// a straggler stamped yesterday neither rolls the day back nor evicts today
	straggler := &Envelope{ID: uuid.New(), Symbol: "ETHUSDT", Band: model.BandHigh, Strength: 0.6, CreatedAt: day1}
	admitted, _ = g.Offer(ctx, straggler)
	assert.True(t, admitted)
	assert.Len(t, g.entries, 2)
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	g := NewRedisGuard(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.6, CreatedAt: now}
	admitted, _ := g.Offer(ctx, first)
	require.True(t, admitted)

	weaker := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.4, CreatedAt: now}
	admitted, _ = g.Offer(ctx, weaker)
	assert.False(t, admitted)

	stronger := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.8, CreatedAt: now}
	admitted, evict := g.Offer(ctx, stronger)
	require.True(t, admitted)
	assert.Equal(t, first.ID.String(), evict)

	g.MarkSent(ctx, stronger)
	late := &Envelope{ID: uuid.New(), Symbol: "BTCUSDT", Band: model.BandHigh, Strength: 0.95, CreatedAt: now}
	admitted, _ = g.Offer(ctx, late)
	assert.False(t, admitted)

	// redis outage falls back to the in-process guard
	mr.Close()
	fresh := &Envelope{ID: uuid.New(), Symbol: "ETHUSDT", Band: model.BandHigh, Strength: 0.5, CreatedAt: now}
	admitted, _ = g.Offer(ctx, fresh)
	assert.True(t, admitted)
}
