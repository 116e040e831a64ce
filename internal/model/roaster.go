package model

import "time"

// Default knobs applied when a roaster config leaves them unset.
const (
	DefaultConcurrency   = 3
	DefaultAlertDeltaPct = 0.10
	DefaultFullCadence   = "0 3 1 * *" // monthly, day 1, 03:00 UTC
	DefaultPriceCadence  = "0 4 * * 0" // weekly, Sunday 04:00 UTC
)

// Roaster is the configuration record for one monitored coffee vendor.
// Cadences, flags and budgets come from operators; ETag/Last-Modified,
// robots state and remaining fallback budget are mutated by the pipeline.
type Roaster struct {
	ID       int64    `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Hostname string   `yaml:"hostname" json:"hostname"`
	Platform Platform `yaml:"platform" json:"platform"`

	// Currency is the store currency; Shopify listing JSON omits it.
	Currency string `yaml:"currency" json:"currency"`

	FullCadence  string `yaml:"full_cadence" json:"full_cadence"`
	PriceCadence string `yaml:"price_cadence" json:"price_cadence"`
	Concurrency  int    `yaml:"concurrency" json:"concurrency"`

	FallbackEnabled bool  `yaml:"fallback_enabled" json:"fallback_enabled"`
	FallbackBudget  int64 `yaml:"fallback_budget" json:"fallback_budget"`
	LLMEnabled      bool  `yaml:"llm_enabled" json:"llm_enabled"`

	AlertPriceDeltaPct float64 `yaml:"alert_price_delta_pct" json:"alert_price_delta_pct"`

	// Pipeline-owned state, persisted between runs.
	LastETag        string        `yaml:"-" json:"last_etag"`
	LastModified    string        `yaml:"-" json:"last_modified"`
	RobotsAllowed   bool          `yaml:"-" json:"robots_allowed"`
	RobotsCheckedAt time.Time     `yaml:"-" json:"robots_checked_at"`
	CrawlDelay      time.Duration `yaml:"-" json:"crawl_delay"`
	Active          bool          `yaml:"-" json:"active"`
}

// EffectiveConcurrency returns the per-roaster cap, defaulted.
func (r *Roaster) EffectiveConcurrency() int {
	if r.Concurrency > 0 {
		return r.Concurrency
	}
	return DefaultConcurrency
}

// EffectiveAlertDeltaPct returns the price-spike threshold, defaulted.
func (r *Roaster) EffectiveAlertDeltaPct() float64 {
	if r.AlertPriceDeltaPct > 0 {
		return r.AlertPriceDeltaPct
	}
	return DefaultAlertDeltaPct
}

// CadenceFor returns the cron expression governing the given job type.
func (r *Roaster) CadenceFor(t JobType) string {
	switch t {
	case JobPriceOnly:
		if r.PriceCadence != "" {
			return r.PriceCadence
		}
		return DefaultPriceCadence
	default:
		if r.FullCadence != "" {
			return r.FullCadence
		}
		return DefaultFullCadence
	}
}
