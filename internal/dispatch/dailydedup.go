package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/model"
)

// DailyGuard enforces the 24-hour per-(symbol, band) notification dedup:
// one notification per calendar day, strongest wins while still waiting,
// already-sent ones are never recalled.
type DailyGuard interface {
	// Offer asks to admit a new envelope. evict names a queued weaker
	// envelope to cancel; admitted is false when a sent or stronger entry
	// already owns the day.
	Offer(ctx context.Context, env *Envelope) (admitted bool, evict string)
	// MarkSent pins the day's entry so later arrivals cannot replace it
	MarkSent(ctx context.Context, env *Envelope)
}

func dayKey(symbol string, band model.PriorityBand, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", symbol, band, at.UTC().Format("2006-01-02"))
}

type guardEntry struct {
	id       string
	strength float64
	sent     bool
}

// MemoryGuard is the in-process fallback guard. Entries from prior calendar
// days are dropped on day rollover, mirroring the redis TTL.
type MemoryGuard struct {
	mu      sync.Mutex
	day     string
	entries map[string]guardEntry
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{entries: make(map[string]guardEntry)}
}

// pruneLocked clears stale keys once a new UTC day starts. ISO day strings
// order lexicographically, so a straggler from an earlier day never rolls
// the guard backwards.
func (g *MemoryGuard) pruneLocked(day string) {
	if day <= g.day {
		return
	}
	g.day = day
	for k := range g.entries {
		if !strings.HasSuffix(k, day) {
			delete(g.entries, k)
		}
	}
}

func (g *MemoryGuard) Offer(_ context.Context, env *Envelope) (bool, string) {
	key := dayKey(env.Symbol, env.Band, env.CreatedAt)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(env.CreatedAt.UTC().Format("2006-01-02"))

	cur, ok := g.entries[key]
	if !ok {
		g.entries[key] = guardEntry{id: env.ID.String(), strength: env.Strength}
		return true, ""
	}
	if cur.sent || env.Strength <= cur.strength {
		return false, ""
	}
	g.entries[key] = guardEntry{id: env.ID.String(), strength: env.Strength}
	return true, cur.id
}

func (g *MemoryGuard) MarkSent(_ context.Context, env *Envelope) {
	key := dayKey(env.Symbol, env.Band, env.CreatedAt)
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.entries[key]
	cur.sent = true
	if cur.id == "" {
		cur.id = env.ID.String()
		cur.strength = env.Strength
	}
	g.entries[key] = cur
}

// RedisGuard keeps the daily dedup state in redis so restarts and multiple
// dispatchers share one view. Falls back to an in-memory guard on errors.
type RedisGuard struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *MemoryGuard
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, ttl: ttl, fallback: NewMemoryGuard()}
}

func (g *RedisGuard) Offer(ctx context.Context, env *Envelope) (bool, string) {
	key := "signalforge:notify:" + dayKey(env.Symbol, env.Band, env.CreatedAt)

	vals, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		log.Warn().Err(model.Transient(err)).Msg("Redis dedup unavailable, using memory guard")
		return g.fallback.Offer(ctx, env)
	}

	if len(vals) == 0 {
		g.write(ctx, key, env, false)
		return true, ""
	}

	sent := vals["sent"] == "1"
	strength, _ := strconv.ParseFloat(vals["strength"], 64)
	if sent || env.Strength <= strength {
		return false, ""
	}
	g.write(ctx, key, env, false)
	return true, vals["id"]
}

func (g *RedisGuard) MarkSent(ctx context.Context, env *Envelope) {
	key := "signalforge:notify:" + dayKey(env.Symbol, env.Band, env.CreatedAt)
	if err := g.client.HSet(ctx, key, "sent", "1").Err(); err != nil {
		log.Warn().Err(err).Msg("Redis dedup mark-sent failed")
		g.fallback.MarkSent(ctx, env)
		return
	}
	g.client.Expire(ctx, key, g.ttl)
}

func (g *RedisGuard) write(ctx context.Context, key string, env *Envelope, sent bool) {
	sentVal := "0"
	if sent {
		sentVal = "1"
	}
	if err := g.client.HSet(ctx, key,
		"id", env.ID.String(),
		"strength", strconv.FormatFloat(env.Strength, 'f', -1, 64),
		"sent", sentVal,
	).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis dedup write failed")
		return
	}
	g.client.Expire(ctx, key, g.ttl)
}
