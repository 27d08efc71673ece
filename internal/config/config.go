package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pipeline configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Generator GeneratorConfig `mapstructure:"generator"`
	PreEval   PreEvalConfig   `mapstructure:"preeval"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ExchangesConfig contains market-data ingestion settings
type ExchangesConfig struct {
	Sources          []ExchangeSource `mapstructure:"sources"`
	HealthyQuorum    int              `mapstructure:"healthy_quorum"`
	HeartbeatTimeout time.Duration    `mapstructure:"heartbeat_timeout"`
	ReconnectInitial time.Duration    `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration    `mapstructure:"reconnect_max"`
	SubscribeWindow  time.Duration    `mapstructure:"subscribe_window"`
	DedupWindow      int              `mapstructure:"dedup_window"` // recent sequences per (source, symbol)
}

// ExchangeSource describes one streaming feed
type ExchangeSource struct {
	Name    string `mapstructure:"name"`
	Kind    string `mapstructure:"kind"` // "binance", "websocket", "mock"
	URL     string `mapstructure:"url"`
	Testnet bool   `mapstructure:"testnet"`
}

// GeneratorConfig contains P1 settings
type GeneratorConfig struct {
	Symbols       []string      `mapstructure:"symbols"`
	Timeframes    []string      `mapstructure:"timeframes"` // e.g. "1m", "5m", "1h"
	BarGrace      time.Duration `mapstructure:"bar_grace"`
	RingSize      int           `mapstructure:"ring_size"`
	WarmupBars    int           `mapstructure:"warmup_bars"`
	IndicatorFile string        `mapstructure:"indicator_file"` // YAML DAG declaration, empty = built-in graph
	Workers       int           `mapstructure:"workers"`        // indicator pool, 0 = cores*2
}

// PreEvalConfig contains P2 settings
type PreEvalConfig struct {
	Workers             int           `mapstructure:"workers"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	DedupSimilarity     float64       `mapstructure:"dedup_similarity"`
	DiversityThreshold  int           `mapstructure:"diversity_threshold"`
	CorrelationCutoff   float64       `mapstructure:"correlation_cutoff"`
	CorrelationBars     int           `mapstructure:"correlation_bars"`
	QualityFloor        float64       `mapstructure:"quality_floor"`
	ExpressThreshold    float64       `mapstructure:"express_threshold"`
	StressThreshold     float64       `mapstructure:"stress_threshold"`
	HighWatermark       int           `mapstructure:"high_watermark"`
	ReinforcementWindow time.Duration `mapstructure:"reinforcement_window"`
}

// PolicyConfig contains P3 settings
type PolicyConfig struct {
	Workers          int           `mapstructure:"workers"`
	ReplaceMargin    float64       `mapstructure:"replace_margin"`
	StrengthenMargin float64       `mapstructure:"strengthen_margin"`
	ReplaceCooldown  time.Duration `mapstructure:"replace_cooldown"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	MaxPerSymbol     int           `mapstructure:"max_per_symbol"`
	MaxGlobal        int           `mapstructure:"max_global"`
	RiskRewardFloor  float64       `mapstructure:"risk_reward_floor"`
	AllowHedging     bool          `mapstructure:"allow_hedging"`
	RiskBudget       float64       `mapstructure:"risk_budget"` // per-symbol loss budget, pct
	WidenTakeProfit  bool          `mapstructure:"widen_take_profit"`
}

// DispatchConfig contains P4 settings
type DispatchConfig struct {
	Sink          string        `mapstructure:"sink"` // "log", "telegram", "nats"
	RetryMax      int           `mapstructure:"retry_max"`
	RetryInitial  time.Duration `mapstructure:"retry_initial"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	UseRedisDedup bool          `mapstructure:"use_redis_dedup"`
}

// LearningConfig contains P5 settings
type LearningConfig struct {
	MinSignals           int           `mapstructure:"min_signals"`
	PatternInterval      int           `mapstructure:"pattern_interval"`
	OptimizationInterval int           `mapstructure:"optimization_interval"`
	HalfLife             time.Duration `mapstructure:"half_life"`
	MinImprovement       float64       `mapstructure:"min_improvement"`
	MinPatternSamples    int           `mapstructure:"min_pattern_samples"`
	MinPatternWinRate    float64       `mapstructure:"min_pattern_win_rate"`
}

// StoreConfig contains PostgreSQL persistence settings
type StoreConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS sink settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// TelegramConfig contains telegram sink settings
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

// MetricsConfig contains the metrics server settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// PipelineConfig contains inter-phase queue settings
type PipelineConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	PhaseBudget  time.Duration `mapstructure:"phase_budget"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SIGNALFORGE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalforge")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("exchanges.healthy_quorum", 1)
	v.SetDefault("exchanges.heartbeat_timeout", "60s")
	v.SetDefault("exchanges.reconnect_initial", "1s")
	v.SetDefault("exchanges.reconnect_max", "60s")
	v.SetDefault("exchanges.subscribe_window", "30s")
	v.SetDefault("exchanges.dedup_window", 4096)

	v.SetDefault("generator.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("generator.timeframes", []string{"1m", "5m"})
	v.SetDefault("generator.bar_grace", "2s")
	v.SetDefault("generator.ring_size", 256)
	v.SetDefault("generator.warmup_bars", 30)
	v.SetDefault("generator.workers", 0)

	v.SetDefault("preeval.workers", 8)
	v.SetDefault("preeval.dedup_window", "15m")
	v.SetDefault("preeval.dedup_similarity", 0.85)
	v.SetDefault("preeval.diversity_threshold", 3)
	v.SetDefault("preeval.correlation_cutoff", 0.8)
	v.SetDefault("preeval.correlation_bars", 50)
	v.SetDefault("preeval.quality_floor", 0.4)
	v.SetDefault("preeval.express_threshold", 0.8)
	// vol_ratio (ATR over close) rarely exceeds a few percent; 0.05 marks
	// genuine stress
	v.SetDefault("preeval.stress_threshold", 0.05)
	v.SetDefault("preeval.high_watermark", 512)
	v.SetDefault("preeval.reinforcement_window", "5m")

	v.SetDefault("policy.workers", 8)
	v.SetDefault("policy.replace_margin", 0.15)
	v.SetDefault("policy.strengthen_margin", 0.05)
	v.SetDefault("policy.replace_cooldown", "10m")
	v.SetDefault("policy.lock_timeout", "500ms")
	v.SetDefault("policy.max_per_symbol", 1)
	v.SetDefault("policy.max_global", 10)
	v.SetDefault("policy.risk_reward_floor", 1.2)
	v.SetDefault("policy.allow_hedging", false)
	v.SetDefault("policy.risk_budget", 0.05)
	v.SetDefault("policy.widen_take_profit", true)

	v.SetDefault("dispatch.sink", "log")
	v.SetDefault("dispatch.retry_max", 5)
	v.SetDefault("dispatch.retry_initial", "500ms")
	v.SetDefault("dispatch.retry_cap", "30s")
	v.SetDefault("dispatch.dedup_ttl", "24h")
	v.SetDefault("dispatch.use_redis_dedup", false)

	v.SetDefault("learning.min_signals", 50)
	v.SetDefault("learning.pattern_interval", 50)
	v.SetDefault("learning.optimization_interval", 200)
	v.SetDefault("learning.half_life", "12h")
	v.SetDefault("learning.min_improvement", 0.03)
	v.SetDefault("learning.min_pattern_samples", 10)
	v.SetDefault("learning.min_pattern_win_rate", 0.6)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "postgres")
	v.SetDefault("store.database", "signalforge")
	v.SetDefault("store.ssl_mode", "disable")
	v.SetDefault("store.pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "signalforge.notifications")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9100)

	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.phase_budget", "5s")
	v.SetDefault("pipeline.drain_timeout", "30s")
}

// GetDSN returns the PostgreSQL connection string
func (c *StoreConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetMetricsAddr returns the metrics server address
func (c *MetricsConfig) GetMetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
