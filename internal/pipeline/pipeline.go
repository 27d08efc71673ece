// Package pipeline assembles the five phases into one supervised process:
// market ingestion and signal generation feed pre-evaluation, surviving
// candidates flow through the execution policy into notification dispatch,
// and closed-position outcomes loop back through adaptive learning into the
// shared parameter store.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalforge/signalforge/internal/config"
	"github.com/signalforge/signalforge/internal/dispatch"
	"github.com/signalforge/signalforge/internal/generator"
	"github.com/signalforge/signalforge/internal/indicators"
	"github.com/signalforge/signalforge/internal/learning"
	"github.com/signalforge/signalforge/internal/market"
	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
	"github.com/signalforge/signalforge/internal/policy"
	"github.com/signalforge/signalforge/internal/preeval"
	"github.com/signalforge/signalforge/internal/store"
	"github.com/signalforge/signalforge/internal/strategy"
)

// Deps allow the composition root (or a test) to substitute pipeline
// collaborators; nil fields are built from configuration
type Deps struct {
	Feeds    []market.Feed
	Sink     dispatch.Sink
	Guard    dispatch.DailyGuard
	Registry *strategy.Registry
	Graph    *indicators.Graph
	DB       *store.Store
	Params   *params.Store
}

// Pipeline owns every phase and the queues between them
type Pipeline struct {
	cfg *config.Config

	paramStore *params.Store
	hub        *market.Hub
	gen        *generator.Generator
	pre        *preeval.PreEvaluator
	pol        *policy.Policy
	disp       *dispatch.Dispatcher
	learner    *learning.Learner
	executor   *paperExecutor
	db         *store.Store

	// vetted holds one lane per policy worker; candidates are sharded onto
	// lanes by symbol hash so per-symbol arrival order survives the pool
	vetted     []chan *model.VettedCandidate
	preWorkers int
	queueSize  int
	log        zerolog.Logger
}

// New wires the phases together. Nothing runs until Run.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	p := &Pipeline{
		cfg: cfg,
		db:  deps.DB,
		log: log.With().Str("component", "pipeline").Logger(),
	}

	p.paramStore = deps.Params
	if p.paramStore == nil {
		p.paramStore = params.NewStore(nil)
	}
	if p.db != nil {
		if err := p.paramStore.WithPersister(p.db); err != nil {
			return nil, fmt.Errorf("parameter persistence: %w", err)
		}
	}
	_, active := p.paramStore.Get(params.ConsumerGenerator)

	feeds := deps.Feeds
	if feeds == nil {
		for _, src := range cfg.Exchanges.Sources {
			feed, err := market.NewFeed(src.Name, src.Kind, src.URL, src.Testnet)
			if err != nil {
				return nil, err
			}
			feeds = append(feeds, feed)
		}
	}
	p.hub = market.NewHub(feeds, market.Options{
		HealthyQuorum:    cfg.Exchanges.HealthyQuorum,
		HeartbeatTimeout: cfg.Exchanges.HeartbeatTimeout,
		ReconnectInitial: cfg.Exchanges.ReconnectInitial,
		ReconnectMax:     cfg.Exchanges.ReconnectMax,
		SubscribeWindow:  cfg.Exchanges.SubscribeWindow,
		DedupWindow:      cfg.Exchanges.DedupWindow,
	})

	graph := deps.Graph
	if graph == nil {
		var err error
		if cfg.Generator.IndicatorFile != "" {
			graph, err = indicators.LoadGraph(cfg.Generator.IndicatorFile)
		} else {
			graph, err = indicators.DefaultGraph()
		}
		if err != nil {
			return nil, fmt.Errorf("indicator graph: %w", err)
		}
	}
	engine := indicators.NewEngine(graph, cfg.Generator.Workers)

	registry := deps.Registry
	if registry == nil {
		var err error
		registry, err = strategy.BuiltinRegistry()
		if err != nil {
			return nil, err
		}
	}

	timeframes := make(map[string]time.Duration, len(cfg.Generator.Timeframes))
	for _, tf := range cfg.Generator.Timeframes {
		d, err := config.ParseTimeframe(tf)
		if err != nil {
			return nil, err
		}
		timeframes[tf] = d
	}

	p.queueSize = cfg.Pipeline.QueueSize
	if p.queueSize <= 0 {
		p.queueSize = 1024
	}
	p.preWorkers = cfg.PreEval.Workers
	if p.preWorkers <= 0 {
		p.preWorkers = 8
	}
	policyWorkers := cfg.Policy.Workers
	if policyWorkers <= 0 {
		policyWorkers = 8
	}
	p.vetted = make([]chan *model.VettedCandidate, policyWorkers)
	for i := range p.vetted {
		p.vetted[i] = make(chan *model.VettedCandidate, p.queueSize)
	}

	p.pre = preeval.New(preeval.Options{
		DedupWindow:         cfg.PreEval.DedupWindow,
		DedupSimilarity:     cfg.PreEval.DedupSimilarity,
		DiversityThreshold:  cfg.PreEval.DiversityThreshold,
		CorrelationCutoff:   cfg.PreEval.CorrelationCutoff,
		CorrelationBars:     cfg.PreEval.CorrelationBars,
		QualityFloor:        cfg.PreEval.QualityFloor,
		ExpressThreshold:    cfg.PreEval.ExpressThreshold,
		StressThreshold:     cfg.PreEval.StressThreshold,
		HighWatermark:       cfg.PreEval.HighWatermark,
		ReinforcementWindow: cfg.PreEval.ReinforcementWindow,
	}, active, p.vettedDepth)

	p.gen = generator.New(p.hub, engine, registry, active, generator.Options{
		Symbols:    cfg.Generator.Symbols,
		Timeframes: timeframes,
		BarGrace:   cfg.Generator.BarGrace,
		RingSize:   cfg.Generator.RingSize,
		WarmupBars: cfg.Generator.WarmupBars,
		Heartbeat:  cfg.Exchanges.HeartbeatTimeout,
		OnBar: func(bar model.Bar) {
			p.pre.ObserveBar(bar.Symbol, bar.Close, bar.CloseTime)
		},
	})

	p.pol = policy.New(active, policy.Options{
		ReplaceMargin:    cfg.Policy.ReplaceMargin,
		StrengthenMargin: cfg.Policy.StrengthenMargin,
		ReplaceCooldown:  cfg.Policy.ReplaceCooldown,
		LockTimeout:      cfg.Policy.LockTimeout,
		MaxPerSymbol:     cfg.Policy.MaxPerSymbol,
		MaxGlobal:        cfg.Policy.MaxGlobal,
		RiskRewardFloor:  cfg.Policy.RiskRewardFloor,
		AllowHedging:     cfg.Policy.AllowHedging,
		RiskBudget:       cfg.Policy.RiskBudget,
		WidenTakeProfit:  cfg.Policy.WidenTakeProfit,
	})
	if p.db != nil {
		positions, err := p.db.LoadOpenPositions(context.Background())
		if err != nil {
			return nil, fmt.Errorf("position restore: %w", err)
		}
		p.pol.Restore(positions)
	}

	sink := deps.Sink
	if sink == nil {
		var err error
		sink, err = buildSink(cfg)
		if err != nil {
			return nil, err
		}
	}
	guard := deps.Guard
	if guard == nil && cfg.Dispatch.UseRedisDedup {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		guard = dispatch.NewRedisGuard(client, cfg.Dispatch.DedupTTL)
	}
	p.disp = dispatch.New(sink, guard, dispatch.Options{
		RetryMax:     cfg.Dispatch.RetryMax,
		RetryInitial: cfg.Dispatch.RetryInitial,
		RetryCap:     cfg.Dispatch.RetryCap,
	})

	var persist learning.OutcomeStore
	if p.db != nil {
		persist = p.db
	}
	p.learner = learning.New(p.paramStore, learning.Options{
		MinSignals:           cfg.Learning.MinSignals,
		DiscoveryInterval:    cfg.Learning.PatternInterval,
		OptimizationInterval: cfg.Learning.OptimizationInterval,
		HalfLife:             cfg.Learning.HalfLife,
		MinImprovement:       cfg.Learning.MinImprovement,
		MinPatternSamples:    cfg.Learning.MinPatternSamples,
		PatternSuccessRate:   cfg.Learning.MinPatternWinRate,
		Persist:              persist,
	})

	p.executor = newPaperExecutor(p.hub, p.pol, time.Second)

	// new parameter versions reach each phase on its next operation
	p.paramStore.Subscribe(params.ConsumerGenerator, func(_ params.Consumer, set *params.Set) {
		p.gen.ReloadParameters(set)
		p.pre.ReloadParameters(set)
	})
	p.paramStore.Subscribe(params.ConsumerPolicy, func(_ params.Consumer, set *params.Set) {
		p.pol.ReloadParameters(set)
	})

	return p, nil
}

func buildSink(cfg *config.Config) (dispatch.Sink, error) {
	switch cfg.Dispatch.Sink {
	case "", "log":
		return dispatch.NewLogSink(), nil
	case "telegram":
		return dispatch.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID)
	case "nats":
		conn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		return dispatch.NewNATSSink(conn, cfg.NATS.Subject), nil
	default:
		return nil, fmt.Errorf("unknown dispatch sink %q", cfg.Dispatch.Sink)
	}
}

// Run starts every phase and blocks until the context is cancelled and all
// phases have drained top-down
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.gen.Subscribe(ctx); err != nil {
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		p.disp.Run(ctx)
		return nil
	})
	grp.Go(func() error {
		p.executor.run(ctx)
		return nil
	})
	grp.Go(func() error {
		p.runOutcomePump(ctx)
		return nil
	})
	grp.Go(func() error {
		p.runExpiry(ctx)
		return nil
	})
	grp.Go(func() error {
		p.drainDeadLetters(ctx)
		return nil
	})

	// P2: candidate vetting plus reinjection of reinforced candidates
	p.startVetting(ctx, grp, p.gen.Candidates())

	// P3+P4: decisions and notifications, one worker per vetted lane
	for i := range p.vetted {
		lane := p.vetted[i]
		grp.Go(func() error {
			p.runPolicy(ctx, lane)
			return nil
		})
	}

	p.log.Info().Msg("Pipeline running")
	return grp.Wait()
}

// laneFor pins a symbol to one lane so a worker pool never reorders the
// symbol's stream
func laneFor(symbol string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(lanes))
}

// startVetting launches the P2 pool over in. Candidates are routed onto
// per-worker lanes by symbol hash, so each symbol is vetted by exactly one
// worker and enters the policy queues in arrival order. The vetted lanes
// close only after every producer is done, so P3 drains fully.
func (p *Pipeline) startVetting(ctx context.Context, grp *errgroup.Group, in <-chan *model.SignalCandidate) {
	lanes := make([]chan *model.SignalCandidate, p.preWorkers)
	for i := range lanes {
		lanes[i] = make(chan *model.SignalCandidate, p.queueSize)
	}

	grp.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for c := range in {
			select {
			case lanes[laneFor(c.Symbol, len(lanes))] <- c:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	var producers sync.WaitGroup
	for i := range lanes {
		lane := lanes[i]
		producers.Add(1)
		grp.Go(func() error {
			defer producers.Done()
			p.runPreEval(ctx, lane)
			return nil
		})
	}
	producers.Add(1)
	grp.Go(func() error {
		defer producers.Done()
		p.runReinforced(ctx)
		return nil
	})
	go func() {
		producers.Wait()
		for _, lane := range p.vetted {
			close(lane)
		}
	}()
}

// runPreEval drains one sharded candidate lane through P2
func (p *Pipeline) runPreEval(ctx context.Context, lane <-chan *model.SignalCandidate) {
	for c := range lane {
		v, _ := p.pre.Process(ctx, c)
		if v == nil {
			continue
		}
		p.enqueueVetted(ctx, v)
	}
}

// runReinforced reinjects price-confirmed candidates into the policy queue
func (p *Pipeline) runReinforced(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-p.pre.Reinforced():
			p.enqueueVetted(ctx, v)
		}
	}
}

// enqueueVetted routes a vetted candidate onto its symbol's policy lane.
// It never blocks: a full lane sheds the candidate so the upstream workers
// stay responsive, and a shed CRITICAL is always logged.
func (p *Pipeline) enqueueVetted(ctx context.Context, v *model.VettedCandidate) {
	select {
	case p.vetted[laneFor(v.Symbol, len(p.vetted))] <- v:
		metrics.QueueDepth.WithLabelValues("policy").Set(float64(p.vettedDepth()))
	case <-ctx.Done():
	default:
		if v.Band == model.BandCritical {
			p.log.Warn().
				Str("symbol", v.Symbol).
				Str("candidate", v.ID).
				Float64("composite", v.Composite).
				Msg("Critical candidate shed on full policy queue")
		}
		metrics.RecordDrop("p2", metrics.DropOverflow)
	}
}

// vettedDepth sums the queued candidates across all policy lanes
func (p *Pipeline) vettedDepth() int {
	total := 0
	for _, lane := range p.vetted {
		total += len(lane)
	}
	return total
}

// runPolicy turns one lane's vetted candidates into decisions and notifications
func (p *Pipeline) runPolicy(ctx context.Context, lane <-chan *model.VettedCandidate) {
	for v := range lane {
		d := p.pol.Decide(ctx, v)
		if p.db != nil && d.Verdict != model.VerdictIgnore {
			p.savePositions(ctx, d.Symbol)
		}
		p.disp.Enqueue(ctx, d)
	}
}

func (p *Pipeline) savePositions(ctx context.Context, symbol string) {
	for _, pos := range p.pol.Snapshot()[symbol] {
		if err := p.db.SavePosition(ctx, &pos); err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Position persistence failed")
		}
	}
}

// runOutcomePump feeds closed-position outcomes into learning and removes
// the closed rows from the durable book
func (p *Pipeline) runOutcomePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-p.pol.Outcomes():
			if !ok {
				return
			}
			if p.db != nil && rec.PositionID != nil {
				if err := p.db.DeletePosition(ctx, *rec.PositionID); err != nil {
					p.log.Warn().Err(err).Msg("Closed-position cleanup failed")
				}
			}
			p.learner.Record(ctx, rec)
		}
	}
}

// runExpiry times out positions held past the policy's maximum hold
func (p *Pipeline) runExpiry(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if expired := p.pol.ExpireStale(now.UTC()); expired > 0 {
				p.log.Info().Int("positions", expired).Msg("Stale positions expired")
			}
		}
	}
}

func (p *Pipeline) drainDeadLetters(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case letter := <-p.pre.DeadLetters():
			p.log.Error().
				Err(letter.Err).
				Str("candidate", letter.Candidate.ID).
				Time("at", letter.At).
				Msg("Candidate dead-lettered")
		}
	}
}

// Status is the operator-facing runtime snapshot
type Status struct {
	QueueDepth    int               `json:"queue_depth"`
	OpenPositions int               `json:"open_positions"`
	PreEval       preeval.Snapshot  `json:"preeval"`
	Learning      learning.Stage    `json:"learning_stage"`
	Outcomes      int               `json:"outcomes_recorded"`
	Versions      []int64           `json:"parameter_versions"`
	Sources       []string          `json:"healthy_sources"`
	Weights       map[string]float64 `json:"strategy_weights"`
}

// Status reports the pipeline's current state
func (p *Pipeline) Status() Status {
	open := 0
	for _, book := range p.pol.Snapshot() {
		open += len(book)
	}
	return Status{
		QueueDepth:    p.vettedDepth(),
		OpenPositions: open,
		PreEval:       p.pre.Metrics(),
		Learning:      p.learner.Stage(),
		Outcomes:      p.learner.Recorded(),
		Versions:      p.paramStore.Versions(),
		Sources:       p.hub.HealthySources(time.Now()),
		Weights:       p.learner.Weights(),
	}
}

// Params exposes the parameter store for the admin surface
func (p *Pipeline) Params() *params.Store {
	return p.paramStore
}
