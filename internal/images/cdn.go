// Package images fetches remote product images, deduplicates them by
// content hash, and uploads new ones to the CDN. The whole package is
// hard-gated off during price-only runs.
package images

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/model"
)

// ErrPriceOnlySkip is returned by guarded entry points when the run
// context is price-only.
var ErrPriceOnlySkip = fmt.Errorf("image operation skipped: price-only run")

// Meta travels with an upload so the CDN can tag the object.
type Meta struct {
	CoffeeID    int64  `json:"coffee_id"`
	SourceURL   string `json:"source_url"`
	ContentHash string `json:"content_hash"`
	Alt         string `json:"alt,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

// CDN stores image bytes content-addressed. Upload is idempotent on
// the content hash.
type CDN interface {
	Lookup(ctx context.Context, hash string) (cdnURL string, ok bool, err error)
	Upload(ctx context.Context, data []byte, meta Meta) (cdnURL string, err error)
}

// Hash returns the hex SHA-256 of image bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CDNConfig configures the HTTP CDN client.
type CDNConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPCDN is the production CDN client.
type HTTPCDN struct {
	cfg  CDNConfig
	http *http.Client
}

// NewHTTPCDN builds the CDN client.
func NewHTTPCDN(cfg CDNConfig) *HTTPCDN {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPCDN{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Lookup asks the CDN whether the hash is already stored.
func (c *HTTPCDN) Lookup(ctx context.Context, hash string) (string, bool, error) {
	const op = "cdn.lookup"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v1/images/"+hash, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, errs.E(errs.KindImage, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, errs.E(errs.KindImage, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, errs.E(errs.KindImage, op, err)
	}
	return out.URL, true, nil
}

// Upload stores image bytes. The guard here is the last line of
// defense; the runner and the pipeline refuse earlier.
func (c *HTTPCDN) Upload(ctx context.Context, data []byte, meta Meta) (string, error) {
	const op = "cdn.upload"

	if model.IsPriceOnly(ctx) {
		log.Warn().Str("source_url", meta.SourceURL).Msg("cdn upload refused during price-only run")
		return "", ErrPriceOnlySkip
	}

	if url, ok, err := c.Lookup(ctx, meta.ContentHash); err == nil && ok {
		return url, nil
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/images", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Image-Meta", string(metaJSON))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.E(errs.KindImage, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errs.E(errs.KindImage, op, fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(mustRead(resp.Body), &out); err != nil {
		return "", errs.E(errs.KindImage, op, err)
	}
	return out.URL, nil
}

func mustRead(r io.Reader) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, 1<<20))
	return b
}
