package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the configuration for structural errors. A failure here is
// fatal: the pipeline refuses to start with a broken configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Exchanges.HealthyQuorum < 1 {
		errs = append(errs, "exchanges.healthy_quorum must be at least 1")
	}
	if len(c.Exchanges.Sources) > 0 && c.Exchanges.HealthyQuorum > len(c.Exchanges.Sources) {
		errs = append(errs, fmt.Sprintf(
			"exchanges.healthy_quorum %d exceeds configured sources %d",
			c.Exchanges.HealthyQuorum, len(c.Exchanges.Sources)))
	}
	if c.Exchanges.ReconnectInitial <= 0 || c.Exchanges.ReconnectMax < c.Exchanges.ReconnectInitial {
		errs = append(errs, "exchanges reconnect backoff bounds are invalid")
	}

	if len(c.Generator.Symbols) == 0 {
		errs = append(errs, "generator.symbols must not be empty")
	}
	for _, tf := range c.Generator.Timeframes {
		if _, err := ParseTimeframe(tf); err != nil {
			errs = append(errs, fmt.Sprintf("generator.timeframes: %v", err))
		}
	}
	if c.Generator.RingSize < c.Generator.WarmupBars {
		errs = append(errs, "generator.ring_size must be >= generator.warmup_bars")
	}

	if c.PreEval.DedupSimilarity < 0 || c.PreEval.DedupSimilarity > 1 {
		errs = append(errs, "preeval.dedup_similarity must be in [0,1]")
	}
	if c.PreEval.QualityFloor < 0 || c.PreEval.QualityFloor > 1 {
		errs = append(errs, "preeval.quality_floor must be in [0,1]")
	}
	if c.PreEval.Workers < 1 {
		errs = append(errs, "preeval.workers must be at least 1")
	}

	if c.Policy.Workers < 1 {
		errs = append(errs, "policy.workers must be at least 1")
	}
	if c.Policy.ReplaceMargin <= c.Policy.StrengthenMargin {
		errs = append(errs, "policy.replace_margin must exceed policy.strengthen_margin")
	}
	if c.Policy.LockTimeout <= 0 {
		errs = append(errs, "policy.lock_timeout must be positive")
	}

	switch c.Dispatch.Sink {
	case "log", "telegram", "nats":
	default:
		errs = append(errs, fmt.Sprintf("dispatch.sink %q is not one of log, telegram, nats", c.Dispatch.Sink))
	}
	if c.Dispatch.Sink == "telegram" && c.Telegram.Token == "" {
		errs = append(errs, "telegram sink selected but telegram.token is empty")
	}

	if c.Learning.MinSignals < 1 || c.Learning.PatternInterval < 1 || c.Learning.OptimizationInterval < 1 {
		errs = append(errs, "learning intervals must be positive")
	}
	if c.Learning.HalfLife <= 0 {
		errs = append(errs, "learning.half_life must be positive")
	}

	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline.queue_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseTimeframe parses a timeframe label like "1m", "5m", "1h" into a duration
func ParseTimeframe(tf string) (time.Duration, error) {
	d, err := time.ParseDuration(tf)
	if err != nil {
		return 0, fmt.Errorf("invalid timeframe %q: %w", tf, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("timeframe %q below one second", tf)
	}
	return d, nil
}
