// Package robots gates all roaster traffic on robots.txt. The verdict
// and any Crawl-Delay are cached on the roaster record; a roaster whose
// robots disallow scraping never receives another request until an
// operator clears it.
package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"

	"github.com/roastwatch/roastwatch/internal/model"
)

// ErrDenied is returned when a roaster's robots.txt disallows scraping.
var ErrDenied = errors.New("robots.txt disallows scraping")

// Gate checks and caches robots permissions per roaster.
type Gate struct {
	http      *http.Client
	userAgent string
	ttl       time.Duration
	scheme    string
}

// New builds a gate. ttl bounds how long a cached verdict is trusted.
func New(userAgent string, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Gate{
		http:      &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		ttl:       ttl,
		scheme:    "https",
	}
}

// WithScheme overrides the URL scheme. Tests only.
func (g *Gate) WithScheme(scheme string) *Gate {
	g.scheme = scheme
	return g
}

// Check returns whether r may be scraped, refreshing the cached verdict
// when stale. It mutates r's RobotsAllowed, RobotsCheckedAt and
// CrawlDelay fields; persisting them is the caller's concern.
func (g *Gate) Check(ctx context.Context, r *model.Roaster) (bool, error) {
	if !r.RobotsCheckedAt.IsZero() && time.Since(r.RobotsCheckedAt) < g.ttl {
		return r.RobotsAllowed, nil
	}

	allowed, delay, err := g.fetch(ctx, r.Hostname)
	if err != nil {
		// Unreachable robots.txt defaults to allowed; a site that wants
		// to exclude us will be honored on the next successful check.
		log.Warn().Str("roaster", r.Hostname).Err(err).Msg("robots.txt fetch failed, defaulting to allowed")
		allowed, delay = true, 0
	}

	r.RobotsAllowed = allowed
	r.CrawlDelay = delay
	r.RobotsCheckedAt = time.Now().UTC()
	if !allowed {
		return false, nil
	}
	return true, nil
}

func (g *Gate) fetch(ctx context.Context, host string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.scheme+"://"+host+"/robots.txt", nil)
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.http.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return false, 0, fmt.Errorf("read robots.txt: %w", err)
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return false, 0, fmt.Errorf("parse robots.txt: %w", err)
	}

	group := data.FindGroup(g.userAgent)
	allowed := group.Test("/products.json") && group.Test("/wp-json/wc/store/products")
	return allowed, group.CrawlDelay, nil
}
