// Package config handles configuration management with validation, mirroring
// the enumerated options of spec.md §6.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration tree loaded at startup.
type Config struct {
	App            AppConfig              `yaml:"app"`
	Venues         map[string]VenueConfig `yaml:"venues"`
	Keeper         KeeperConfig           `yaml:"keeper"`
	FillCheck      FillCheckConfig        `yaml:"fill_check"`
	Nuclear        NuclearConfig          `yaml:"nuclear"`
	ProfitTake     ProfitTakeConfig       `yaml:"profit_take"`
	Rotation       RotationConfig         `yaml:"rotation"`
	CircuitBreaker CircuitBreakerConfig   `yaml:"circuit_breaker"`
	System         SystemConfig           `yaml:"system"`
	Timing         TimingConfig           `yaml:"timing"`
	Concurrency    ConcurrencyConfig      `yaml:"concurrency"`
	Telemetry      TelemetryConfig        `yaml:"telemetry"`
	Persistence    PersistenceConfig      `yaml:"persistence"`
	Alerting       AlertingConfig         `yaml:"alerting"`
}

// AlertingConfig names the optional operator-notification channels fed into
// internal/alert.AlertManager. Both are optional; cmd/keeper adds a channel
// only when its settings are non-empty, so an empty value leaves it out.
type AlertingConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	ActiveVenues []string `yaml:"active_venues" validate:"required,min=2"`
	EngineType   string   `yaml:"engine_type" validate:"required,oneof=simple durable"`
	DatabaseURL  string   `yaml:"database_url"` // required when engine_type=durable (DBOS)
}

// VenueConfig is per-venue credential and fee configuration. Signing and
// transport are external collaborators; this struct only carries what the
// core needs to know about a venue's economics.
type VenueConfig struct {
	APIKey       string  `yaml:"api_key" validate:"required"`
	SecretKey    string  `yaml:"secret_key" validate:"required"`
	Passphrase   string  `yaml:"passphrase"`
	BaseURL      string  `yaml:"base_url"`
	FeeRate      float64 `yaml:"fee_rate" validate:"required,min=0,max=1"`
	SupportsSpot bool    `yaml:"supports_spot"`
}

// KeeperConfig enumerates spec.md §6's KEEPER_* options.
type KeeperConfig struct {
	Symbols            []string `yaml:"symbols"` // empty = auto-discover
	BlacklistedSymbols []string `yaml:"blacklisted_symbols"`
	MinSpread          float64  `yaml:"min_spread" validate:"min=0"`
	MaxPositionSizeUSD float64  `yaml:"max_position_size_usd" validate:"required,min=0"`
	Leverage           float64  `yaml:"leverage" validate:"required,min=1"`
	PerpSpotEnabled    bool     `yaml:"perp_spot_enabled"`
}

// FillCheckConfig drives the Guardian's age-tiered escalation (spec.md §4.6).
type FillCheckConfig struct {
	MinAgeSeconds        int `yaml:"min_age_seconds" validate:"min=1"`
	AggressiveAgeSeconds int `yaml:"aggressive_age_seconds" validate:"min=1"`
	MarketAgeSeconds     int `yaml:"market_age_seconds" validate:"min=1"`
	ZombieTimeoutSeconds int `yaml:"zombie_timeout_seconds" validate:"min=1"`
	StaleOrderAgeMinutes int `yaml:"stale_order_age_minutes" validate:"min=1"`
}

// NuclearConfig drives the nuclear-close protocol (spec.md §4.7).
type NuclearConfig struct {
	ImbalancePercent    float64 `yaml:"imbalance_percent" validate:"min=0,max=100"`
	TimeoutMinutes      int     `yaml:"timeout_minutes" validate:"min=1"`
	MaxAttempts         int     `yaml:"max_attempts" validate:"min=1"`
	PendingGraceMinutes int     `yaml:"pending_grace_minutes" validate:"min=1"`
	MaxRecoveryRetries  int     `yaml:"max_recovery_retries" validate:"min=1"`
}

// ProfitTakeConfig drives the profit-taking routine (spec.md §4.7).
type ProfitTakeConfig struct {
	MinUSD            float64 `yaml:"min_usd" validate:"min=0"`
	MinClosePercent   float64 `yaml:"min_close_percent" validate:"min=0,max=1"`
	MaxReversionHours float64 `yaml:"max_reversion_hours" validate:"min=0"`
	CooldownHours     float64 `yaml:"cooldown_hours" validate:"min=0"`
}

// RotationConfig drives the rotation decision (spec.md §4.4 rule 6).
type RotationConfig struct {
	MinHoursSaved float64 `yaml:"min_hours_saved" validate:"min=0"`
}

// CircuitBreakerConfig drives the resilience layer (spec.md §7).
type CircuitBreakerConfig struct {
	ErrorThresholdPerHour int `yaml:"error_threshold_per_hour" validate:"min=1"`
	CooldownMS            int `yaml:"cooldown_ms" validate:"min=1"`
	HalfOpenAttempts      int `yaml:"half_open_attempts" validate:"min=1"`
}

// SystemConfig contains process-wide logging/shutdown behavior.
type SystemConfig struct {
	LogLevel        string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit    bool   `yaml:"cancel_on_exit"`
	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

// TimingConfig enumerates the supervisory-loop cadences of spec.md §4.8, in
// seconds.
type TimingConfig struct {
	MainCycleCron            string `yaml:"main_cycle_cron" validate:"required"`
	ReconcilerSeconds        int    `yaml:"reconciler_seconds" validate:"min=1"`
	GuardianSeconds          int    `yaml:"guardian_seconds" validate:"min=1"`
	SingleLegCheckSeconds    int    `yaml:"single_leg_check_seconds" validate:"min=1"`
	OrderVerificationSeconds int    `yaml:"order_verification_seconds" validate:"min=1"`
	StaleCleanupSeconds      int    `yaml:"stale_cleanup_seconds" validate:"min=1"`
	OrphanCheckSeconds       int    `yaml:"orphan_check_seconds" validate:"min=1"`
	BalanceCheckSeconds      int    `yaml:"balance_check_seconds" validate:"min=1"`
	NuclearCheckSeconds      int    `yaml:"nuclear_check_seconds" validate:"min=1"`
	ProfitTakeSeconds        int    `yaml:"profit_take_seconds" validate:"min=1"`
	SpreadFlipSeconds        int    `yaml:"spread_flip_seconds" validate:"min=1"`
	RotationSeconds          int    `yaml:"rotation_seconds" validate:"min=1"`
	IdleCapitalSeconds       int    `yaml:"idle_capital_seconds" validate:"min=1"`
	LeverageHealthSeconds    int    `yaml:"leverage_health_seconds" validate:"min=1"`
	WalletSweepSeconds       int    `yaml:"wallet_sweep_seconds" validate:"min=1"`
	PerfMetricsSeconds       int    `yaml:"perf_metrics_seconds" validate:"min=1"`
	StartupDelaySeconds      int    `yaml:"startup_delay_seconds" validate:"min=0"`
	ExecutionCooldownSeconds int    `yaml:"execution_cooldown_seconds" validate:"min=1"`
}

// ConcurrencyConfig sizes the worker pools used for fan-out.
type ConcurrencyConfig struct {
	MarketCachePoolSize int `yaml:"market_cache_pool_size" validate:"min=1,max=100"`
	EvaluatorPoolSize   int `yaml:"evaluator_pool_size" validate:"min=1,max=100"`
	VenueRateLimitRPS   int `yaml:"venue_rate_limit_rps" validate:"min=1"`
	VenueRateLimitBurst int `yaml:"venue_rate_limit_burst" validate:"min=1"`
}

// TelemetryConfig contains OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// PersistenceConfig locates the durable position store (spec.md §6).
type PersistenceConfig struct {
	PositionStateDir string `yaml:"position_state_dir" validate:"required"`
	SQLitePath       string `yaml:"sqlite_path" validate:"required"`
	CleanupAfterDays int    `yaml:"cleanup_after_days" validate:"min=1"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, then validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateKeeper(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePersistence(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateApp() error {
	if len(c.App.ActiveVenues) < 2 {
		return ValidationError{Field: "app.active_venues", Message: "at least two venues are required for a hedged pair"}
	}
	for _, v := range c.App.ActiveVenues {
		if _, ok := c.Venues[v]; !ok {
			return ValidationError{Field: "app.active_venues", Value: v, Message: "venue configuration not found in venues section"}
		}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when engine_type=durable"}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{Field: "venues", Message: "at least one venue must be configured"}
	}
	for name, v := range c.Venues {
		if v.APIKey == "" {
			return ValidationError{Field: fmt.Sprintf("venues.%s.api_key", name), Message: "API key is required"}
		}
		if v.SecretKey == "" {
			return ValidationError{Field: fmt.Sprintf("venues.%s.secret_key", name), Message: "secret key is required"}
		}
	}
	return nil
}

func (c *Config) validateKeeper() error {
	if c.Keeper.MaxPositionSizeUSD <= 0 {
		return ValidationError{Field: "keeper.max_position_size_usd", Value: c.Keeper.MaxPositionSizeUSD, Message: "must be positive"}
	}
	if c.Keeper.Leverage < 1 {
		return ValidationError{Field: "keeper.leverage", Value: c.Keeper.Leverage, Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

func (c *Config) validatePersistence() error {
	if c.Persistence.PositionStateDir == "" {
		return ValidationError{Field: "persistence.position_state_dir", Message: "required"}
	}
	if c.Persistence.SQLitePath == "" {
		return ValidationError{Field: "persistence.sqlite_path", Message: "required"}
	}
	return nil
}

// String renders the configuration with secrets masked, safe for logging.
func (c *Config) String() string {
	cp := *c
	cp.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		v.APIKey = maskString(v.APIKey)
		v.SecretKey = maskString(v.SecretKey)
		v.Passphrase = maskString(v.Passphrase)
		cp.Venues[name] = v
	}
	data, _ := yaml.Marshal(cp)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a configuration populated with spec.md §6's defaults,
// suitable for tests and local dry-runs.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ActiveVenues: []string{"HL", "L"},
			EngineType:   "simple",
		},
		Venues: map[string]VenueConfig{
			"HL": {APIKey: "test_key", SecretKey: "test_secret", FeeRate: 0.0002, SupportsSpot: false},
			"L":  {APIKey: "test_key", SecretKey: "test_secret", FeeRate: 0.0003, SupportsSpot: false},
			"A":  {APIKey: "test_key", SecretKey: "test_secret", FeeRate: 0.00025, SupportsSpot: true},
		},
		Keeper: KeeperConfig{
			BlacklistedSymbols: []string{"NVDA"},
			MinSpread:          0.0001,
			MaxPositionSizeUSD: 10000,
			Leverage:           2.0,
			PerpSpotEnabled:    true,
		},
		FillCheck: FillCheckConfig{
			MinAgeSeconds:        45,
			AggressiveAgeSeconds: 90,
			MarketAgeSeconds:     120,
			ZombieTimeoutSeconds: 300,
			StaleOrderAgeMinutes: 2,
		},
		Nuclear: NuclearConfig{
			ImbalancePercent:    30,
			TimeoutMinutes:      10,
			MaxAttempts:         3,
			PendingGraceMinutes: 5,
			MaxRecoveryRetries:  5,
		},
		ProfitTake: ProfitTakeConfig{
			MinUSD:            10,
			MinClosePercent:   0.25,
			MaxReversionHours: 168,
			CooldownHours:     1,
		},
		Rotation: RotationConfig{MinHoursSaved: 2},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThresholdPerHour: 10,
			CooldownMS:            300000,
			HalfOpenAttempts:      3,
		},
		System: SystemConfig{
			LogLevel:        "INFO",
			CancelOnExit:    true,
			DiagnosticsAddr: ":8090",
		},
		Timing: TimingConfig{
			MainCycleCron:            "0 * * * *",
			ReconcilerSeconds:        45,
			GuardianSeconds:          30,
			SingleLegCheckSeconds:    60,
			OrderVerificationSeconds: 60,
			StaleCleanupSeconds:      120,
			OrphanCheckSeconds:       30,
			BalanceCheckSeconds:      30,
			NuclearCheckSeconds:      60,
			ProfitTakeSeconds:        30,
			SpreadFlipSeconds:        60,
			RotationSeconds:          180,
			IdleCapitalSeconds:       120,
			LeverageHealthSeconds:    900,
			WalletSweepSeconds:       300,
			PerfMetricsSeconds:       120,
			StartupDelaySeconds:      2,
			ExecutionCooldownSeconds: 60,
		},
		Concurrency: ConcurrencyConfig{
			MarketCachePoolSize: 8,
			EvaluatorPoolSize:   8,
			VenueRateLimitRPS:   25,
			VenueRateLimitBurst: 30,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
			EnableTracing: true,
		},
		Persistence: PersistenceConfig{
			PositionStateDir: "./data",
			SQLitePath:       "./data/keeper.db",
			CleanupAfterDays: 7,
		},
		Alerting: AlertingConfig{},
	}
}
