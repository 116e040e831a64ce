// Package config loads and validates the pipeline configuration and
// the roaster roster from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/roastwatch/roastwatch/internal/model"
)

// Config is the full runtime configuration. Zero values are filled by
// Defaults; Validate runs after loading.
type Config struct {
	Worker   WorkerConfig   `yaml:"worker"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Retry    RetryConfig    `yaml:"retry"`
	LLM      LLMConfig      `yaml:"llm"`
	Image    ImageConfig    `yaml:"image"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Fallback FallbackConfig `yaml:"fallback"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`

	// RoasterFile points at a separate roster file; Roasters may also
	// be listed inline. Both are merged by LoadRoasters.
	RoasterFile string          `yaml:"roaster_file"`
	Roasters    []model.Roaster `yaml:"roasters"`
}

// WorkerConfig sizes the scheduler pool.
type WorkerConfig struct {
	GlobalConcurrency    int           `yaml:"global_concurrency"`
	JobDeadlineFull      time.Duration `yaml:"job_deadline_full"`
	JobDeadlinePriceOnly time.Duration `yaml:"job_deadline_price_only"`
	TickInterval         time.Duration `yaml:"tick_interval"`
}

// FetchConfig governs outbound HTTP behavior.
type FetchConfig struct {
	UserAgent      string        `yaml:"user_agent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	TotalDeadline  time.Duration `yaml:"total_deadline"`
	PoliteDelayMs  int           `yaml:"polite_delay_ms"`
	PoliteJitterMs int           `yaml:"polite_jitter_ms"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	MaxPagesPerRun int           `yaml:"max_pages_per_run"`
}

// RetryConfig parameterizes the shared retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	JitterPct   float64       `yaml:"jitter_pct"`
}

// LLMConfig wires the enrichment fallback.
type LLMConfig struct {
	EnabledGlobal         bool               `yaml:"enabled_global"`
	BaseURL               string             `yaml:"base_url"`
	APIKeyEnv             string             `yaml:"api_key_env"`
	Model                 string             `yaml:"model"`
	DailyBudget           int64              `yaml:"daily_budget"`
	RoasterDailyBudget    int64              `yaml:"roaster_daily_budget"`
	RoasterRequestsPerMin int                `yaml:"roaster_requests_per_min"`
	CacheTTL              time.Duration      `yaml:"cache_ttl"`
	FieldConfidenceFloors map[string]float64 `yaml:"field_confidence_floors"`
}

// ImageConfig wires the image pipeline and CDN.
type ImageConfig struct {
	Concurrency int    `yaml:"concurrency"`
	MaxBytes    int64  `yaml:"max_bytes"`
	CDNBaseURL  string `yaml:"cdn_base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
}

// AlertsConfig holds alerting thresholds.
type AlertsConfig struct {
	PriceDeltaPct float64 `yaml:"price_delta_pct"`
}

// FallbackConfig wires the browser-rendering extract provider.
type FallbackConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// StorageConfig locates the persistence layers.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	ArtifactDir string `yaml:"artifact_dir"`
	StatePath   string `yaml:"state_path"`
	RedisAddr   string `yaml:"redis_addr"`
}

// MetricsConfig exposes the prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig selects zerolog level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Defaults fills unset fields with the documented defaults.
func (c *Config) Defaults() {
	if c.Worker.GlobalConcurrency <= 0 {
		c.Worker.GlobalConcurrency = 16
	}
	if c.Worker.JobDeadlineFull <= 0 {
		c.Worker.JobDeadlineFull = 2 * time.Hour
	}
	if c.Worker.JobDeadlinePriceOnly <= 0 {
		c.Worker.JobDeadlinePriceOnly = 30 * time.Minute
	}
	if c.Worker.TickInterval <= 0 {
		c.Worker.TickInterval = time.Minute
	}

	if c.Fetch.ConnectTimeout <= 0 {
		c.Fetch.ConnectTimeout = 5 * time.Second
	}
	if c.Fetch.ReadTimeout <= 0 {
		c.Fetch.ReadTimeout = 15 * time.Second
	}
	if c.Fetch.TotalDeadline <= 0 {
		c.Fetch.TotalDeadline = 60 * time.Second
	}
	if c.Fetch.PoliteDelayMs <= 0 {
		c.Fetch.PoliteDelayMs = 250
	}
	if c.Fetch.PoliteJitterMs <= 0 {
		c.Fetch.PoliteJitterMs = 100
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 5 << 20
	}
	if c.Fetch.MaxPagesPerRun <= 0 {
		c.Fetch.MaxPagesPerRun = 200
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.JitterPct <= 0 {
		c.Retry.JitterPct = 0.25
	}

	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.DailyBudget <= 0 {
		c.LLM.DailyBudget = 5000
	}
	if c.LLM.RoasterDailyBudget <= 0 {
		c.LLM.RoasterDailyBudget = 500
	}
	if c.LLM.RoasterRequestsPerMin <= 0 {
		c.LLM.RoasterRequestsPerMin = 10
	}
	if c.LLM.CacheTTL <= 0 {
		c.LLM.CacheTTL = 24 * time.Hour
	}

	if c.Image.Concurrency <= 0 {
		c.Image.Concurrency = 4
	}
	if c.Image.MaxBytes <= 0 {
		c.Image.MaxBytes = 10 << 20
	}

	if c.Alerts.PriceDeltaPct <= 0 {
		c.Alerts.PriceDeltaPct = 0.10
	}

	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = "data/artifacts"
	}
	if c.Storage.StatePath == "" {
		c.Storage.StatePath = "data/state.db"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Fetch.UserAgent == "" {
		return fmt.Errorf("fetch.user_agent is required")
	}
	if c.Retry.JitterPct >= 1 {
		return fmt.Errorf("retry.jitter_pct must be below 1, got %v", c.Retry.JitterPct)
	}
	if c.Alerts.PriceDeltaPct >= 1 {
		return fmt.Errorf("alerts.price_delta_pct must be a fraction below 1, got %v", c.Alerts.PriceDeltaPct)
	}
	for field, floor := range c.LLM.FieldConfidenceFloors {
		if floor < 0 || floor > 1 {
			return fmt.Errorf("llm.field_confidence_floors[%s] must be in [0,1], got %v", field, floor)
		}
	}
	if c.LLM.EnabledGlobal && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required when llm.enabled_global is set")
	}
	return nil
}

// LoadRoasters merges the inline roster with RoasterFile and validates
// every entry.
func (c *Config) LoadRoasters() ([]*model.Roaster, error) {
	entries := append([]model.Roaster(nil), c.Roasters...)

	if c.RoasterFile != "" {
		data, err := os.ReadFile(c.RoasterFile)
		if err != nil {
			return nil, fmt.Errorf("read roaster file: %w", err)
		}
		var file struct {
			Roasters []model.Roaster `yaml:"roasters"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse roaster file: %w", err)
		}
		entries = append(entries, file.Roasters...)
	}

	seen := map[int64]bool{}
	out := make([]*model.Roaster, 0, len(entries))
	for i := range entries {
		r := entries[i]
		if err := validateRoaster(&r); err != nil {
			return nil, fmt.Errorf("roaster %q: %w", r.Name, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate roaster id %d", r.ID)
		}
		seen[r.ID] = true
		out = append(out, &r)
	}
	return out, nil
}

func validateRoaster(r *model.Roaster) error {
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive")
	}
	if r.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if !r.Platform.Valid() {
		return fmt.Errorf("platform %q is not one of shopify/woo/other", r.Platform)
	}
	if r.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	for _, expr := range []string{r.FullCadence, r.PriceCadence} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("cadence %q: %w", expr, err)
		}
	}
	return nil
}
