package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastwatch/roastwatch/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
fetch:
  user_agent: "roastwatch/1.0 (+https://roastwatch.example)"
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Worker.GlobalConcurrency)
	assert.Equal(t, 2*time.Hour, cfg.Worker.JobDeadlineFull)
	assert.Equal(t, 30*time.Minute, cfg.Worker.JobDeadlinePriceOnly)
	assert.Equal(t, 250, cfg.Fetch.PoliteDelayMs)
	assert.Equal(t, 100, cfg.Fetch.PoliteJitterMs)
	assert.Equal(t, int64(5<<20), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, 200, cfg.Fetch.MaxPagesPerRun)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.InDelta(t, 0.25, cfg.Retry.JitterPct, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.LLM.CacheTTL)
	assert.Equal(t, 4, cfg.Image.Concurrency)
	assert.InDelta(t, 0.10, cfg.Alerts.PriceDeltaPct, 1e-9)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
}

func TestLoad_UserAgentRequired(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", "worker:\n  global_concurrency: 4\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_agent")
}

func TestLoad_OverridesStick(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", `
fetch:
  user_agent: "roastwatch/1.0"
  max_pages_per_run: 50
worker:
  global_concurrency: 4
llm:
  enabled_global: true
  base_url: "https://llm.example/v1"
  field_confidence_floors:
    roast_level: 0.8
alerts:
  price_delta_pct: 0.25
`))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Fetch.MaxPagesPerRun)
	assert.Equal(t, 4, cfg.Worker.GlobalConcurrency)
	assert.InDelta(t, 0.8, cfg.LLM.FieldConfidenceFloors["roast_level"], 1e-9)
	assert.InDelta(t, 0.25, cfg.Alerts.PriceDeltaPct, 1e-9)
}

func TestLoad_LLMEnabledNeedsBaseURL(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", `
fetch:
  user_agent: "roastwatch/1.0"
llm:
  enabled_global: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.base_url")
}

func TestLoadRoasters_FromFile(t *testing.T) {
	roster := writeFile(t, "roasters.yaml", `
roasters:
  - id: 1
    name: "Blue Tokai"
    hostname: "bluetokaicoffee.com"
    platform: shopify
    currency: INR
    price_cadence: "0 4 * * 0"
  - id: 2
    name: "Corridor Seven"
    hostname: "corridorseven.coffee"
    platform: woo
    currency: INR
    llm_enabled: true
`)
	cfg := &Config{RoasterFile: roster}

	rs, err := cfg.LoadRoasters()
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, model.PlatformShopify, rs[0].Platform)
	assert.True(t, rs[1].LLMEnabled)
}

func TestLoadRoasters_RejectsBadEntries(t *testing.T) {
	cases := []struct {
		name    string
		roaster model.Roaster
		wantErr string
	}{
		{"missing hostname", model.Roaster{ID: 1, Name: "x", Platform: model.PlatformShopify, Currency: "INR"}, "hostname"},
		{"bad platform", model.Roaster{ID: 1, Name: "x", Hostname: "x.com", Platform: "etsy", Currency: "INR"}, "platform"},
		{"bad cadence", model.Roaster{ID: 1, Name: "x", Hostname: "x.com", Platform: model.PlatformShopify, Currency: "INR", FullCadence: "whenever"}, "cadence"},
		{"missing currency", model.Roaster{ID: 1, Name: "x", Hostname: "x.com", Platform: model.PlatformShopify}, "currency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Roasters: []model.Roaster{tc.roaster}}
			_, err := cfg.LoadRoasters()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadRoasters_DuplicateID(t *testing.T) {
	r := model.Roaster{ID: 7, Name: "x", Hostname: "x.com", Platform: model.PlatformShopify, Currency: "INR"}
	cfg := &Config{Roasters: []model.Roaster{r, r}}

	_, err := cfg.LoadRoasters()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate roaster id")
}
