// Package dispatch is the output phase: it turns execution decisions into
// external notifications under per-band delay, cooldown, and hourly budget
// rules, with retry, circuit breaking, and a per-day strongest-wins dedup.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
)

// Options configure the dispatcher
type Options struct {
	RetryMax     int
	RetryInitial time.Duration
	RetryCap     time.Duration
	// Tick is the scheduler cadence
	Tick time.Duration
}

func (o *Options) defaults() {
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = 500 * time.Millisecond
	}
}

type cooldownKey struct {
	symbol string
	band   model.PriorityBand
}

// Dispatcher schedules notifications toward one sink
type Dispatcher struct {
	opts    Options
	sink    Sink
	guard   DailyGuard
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	queue     []*Envelope
	cooldowns map[cooldownKey]time.Time
	limiters  map[model.PriorityBand]*rate.Limiter
	budgets   map[model.PriorityBand]*hourWindow

	log zerolog.Logger
}

// hourWindow is the absolute per-band hourly send budget. The rate limiter
// paces sends inside the window; the window caps the total, so a freshly
// started dispatcher cannot burst past a band's hourly allowance.
type hourWindow struct {
	start time.Time
	count int
	max   int
}

func (w *hourWindow) allow(now time.Time) bool {
	if now.Sub(w.start) >= time.Hour {
		w.start = now
		w.count = 0
	}
	if w.count >= w.max {
		return false
	}
	w.count++
	return true
}

func New(sink Sink, guard DailyGuard, opts Options) *Dispatcher {
	opts.defaults()
	if guard == nil {
		guard = NewMemoryGuard()
	}
	d := &Dispatcher{
		opts:      opts,
		sink:      sink,
		guard:     guard,
		cooldowns: make(map[cooldownKey]time.Time),
		limiters:  make(map[model.PriorityBand]*rate.Limiter),
		budgets:   make(map[model.PriorityBand]*hourWindow),
		log:       log.With().Str("component", "dispatch").Str("sink", sink.Name()).Logger(),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "notification-sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, band := range []model.PriorityBand{model.BandCritical, model.BandHigh, model.BandMedium} {
		rule := bandRule(band)
		d.limiters[band] = rate.NewLimiter(rate.Every(time.Hour/time.Duration(rule.perHour)), rule.perHour)
		d.budgets[band] = &hourWindow{max: rule.perHour}
	}
	return d
}

// Enqueue admits a decision for notification. IGNORE verdicts and LOW-band
// decisions are counted but never sent.
func (d *Dispatcher) Enqueue(ctx context.Context, dec *model.ExecutionDecision) {
	if dec.Verdict == model.VerdictIgnore || dec.Candidate == nil {
		return
	}
	if dec.Band == model.BandLow || dec.Band == "" {
		metrics.RecordNotification("SUPPRESSED", string(model.BandLow))
		return
	}

	now := time.Now().UTC()
	env := newEnvelope(dec, now)

	admitted, evict := d.guard.Offer(ctx, env)
	if !admitted {
		metrics.RecordNotification("SUPPRESSED", string(env.Band))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if evict != "" {
		d.removeLocked(evict)
	}
	d.queue = append(d.queue, env)
	metrics.RecordNotification(string(StateQueued), string(env.Band))
	metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(len(d.queue)))
}

// Run drives the scheduler until the context is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.step(ctx, now.UTC())
		}
	}
}

// step promotes, expires, and delivers eligible envelopes once
func (d *Dispatcher) step(ctx context.Context, now time.Time) {
	for {
		env := d.next(now)
		if env == nil {
			return
		}
		d.deliver(ctx, env, now)
	}
}

// next expires stale envelopes, promotes due ones, and pops the most
// urgent deliverable envelope
func (d *Dispatcher) next(now time.Time) *Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.queue[:0]
	for _, env := range d.queue {
		if !env.ExpiresAt.IsZero() && now.After(env.ExpiresAt) {
			env.State = StateExpired
			metrics.RecordNotification(string(StateExpired), string(env.Band))
			continue
		}
		if env.State == StateQueued && !now.Before(env.ReadyAt) {
			env.State = StateReady
		}
		kept = append(kept, env)
	}
	d.queue = kept

	// urgency order: band rank, ready time, strength, emission time
	sort.SliceStable(d.queue, func(i, j int) bool {
		a, b := d.queue[i], d.queue[j]
		if a.Band.Rank() != b.Band.Rank() {
			return a.Band.Rank() < b.Band.Rank()
		}
		if !a.ReadyAt.Equal(b.ReadyAt) {
			return a.ReadyAt.Before(b.ReadyAt)
		}
		if a.Strength != b.Strength {
			return a.Strength > b.Strength
		}
		return a.EmittedAt.Before(b.EmittedAt)
	})

	for i, env := range d.queue {
		if env.State != StateReady {
			continue
		}
		key := cooldownKey{symbol: env.Symbol, band: env.Band}
		if until, cooling := d.cooldowns[key]; cooling && now.Before(until) {
			continue
		}
		if !d.budgets[env.Band].allow(now) {
			continue
		}
		if !d.limiters[env.Band].Allow() {
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		metrics.QueueDepth.WithLabelValues("dispatch").Set(float64(len(d.queue)))
		return env
	}
	return nil
}

// deliver pushes one envelope through the sink with bounded retry
func (d *Dispatcher) deliver(ctx context.Context, env *Envelope, now time.Time) {
	env.State = StateSending
	backoff := d.opts.RetryInitial

	for {
		env.Attempts++
		start := time.Now()
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.sink.Dispatch(ctx, env)
		})
		metrics.SinkLatency.Observe(float64(time.Since(start).Milliseconds()))

		if err == nil {
			env.State = StateSent
			d.mu.Lock()
			d.cooldowns[cooldownKey{symbol: env.Symbol, band: env.Band}] = now.Add(bandRule(env.Band).cooldown)
			d.mu.Unlock()
			d.guard.MarkSent(ctx, env)
			metrics.RecordNotification(string(StateSent), string(env.Band))
			metrics.EndToEndLatency.Observe(float64(time.Since(env.EmittedAt).Milliseconds()))
			return
		}

		retryable := model.Classify(err) == model.ErrClassTransient || errors.Is(err, gobreaker.ErrOpenState)
		if !retryable || env.Attempts > d.opts.RetryMax {
			env.State = StateFailed
			metrics.RecordNotification(string(StateFailed), string(env.Band))
			d.log.Error().
				Err(err).
				Str("symbol", env.Symbol).
				Str("band", string(env.Band)).
				Int("attempts", env.Attempts).
				Msg("Notification failed")
			return
		}

		metrics.NotificationRetries.Inc()
		select {
		case <-ctx.Done():
			env.State = StateFailed
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.opts.RetryCap {
			backoff = d.opts.RetryCap
		}
	}
}

// Pending reports the number of queued and ready envelopes
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) removeLocked(id string) {
	for i, env := range d.queue {
		if env.ID.String() == id {
			metrics.RecordNotification("REPLACED", string(env.Band))
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}
