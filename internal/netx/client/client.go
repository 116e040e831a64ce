// Package client wraps net/http for polite scraping: identifying
// User-Agent, conditional GETs from roaster state, politeness spacing,
// per-phase timeouts and a streaming body cap.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/netx/ratelimit"
)

// Config holds the per-request contract knobs.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	TotalDeadline  time.Duration
	MaxBodyBytes   int64
}

// Defaults fills unset fields with the documented defaults.
func (c Config) Defaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.TotalDeadline <= 0 {
		c.TotalDeadline = 60 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 5 << 20
	}
	return c
}

// Conditional carries the validators from the roaster record.
type Conditional struct {
	ETag         string
	LastModified string
}

// Result is the outcome of one GET.
type Result struct {
	Body         []byte
	Status       int
	Header       http.Header
	DownloadMs   int64
	SizeBytes    int64
	NotModified  bool
	Oversize     bool
	ETag         string
	LastModified string
}

// Client issues polite, conditional GETs.
type Client struct {
	cfg    Config
	http   *http.Client
	polite *ratelimit.Politeness
}

// New builds a client. polite may be nil to disable request spacing
// (tests, fallback providers with their own limits).
func New(cfg Config, polite *ratelimit.Politeness) *Client {
	cfg = cfg.Defaults()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		polite: polite,
	}
}

// Get fetches rawURL. On 304 it returns a NotModified result with no
// body. HTTP error statuses return both the partial result (for artifact
// persistence) and a classified error. Bodies over the cap are returned
// truncated with Oversize set so the caller can spool them for review
// instead of parsing.
func (c *Client) Get(ctx context.Context, rawURL string, cond Conditional, crawlDelay time.Duration) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "client.get", fmt.Errorf("bad url %q: %w", rawURL, err))
	}

	if c.polite != nil {
		if err := c.polite.Wait(ctx, u.Host, crawlDelay); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "client.get", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.KindTransient, "client.get", err)
	}
	defer resp.Body.Close()

	res := &Result{
		Status:       resp.StatusCode,
		Header:       resp.Header,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	if resp.StatusCode == http.StatusNotModified {
		res.NotModified = true
		res.DownloadMs = time.Since(start).Milliseconds()
		return res, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	res.DownloadMs = time.Since(start).Milliseconds()
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.KindTransient, "client.get", fmt.Errorf("read body: %w", readErr))
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		body = body[:c.cfg.MaxBodyBytes]
		res.Oversize = true
	}
	res.Body = body
	res.SizeBytes = int64(len(body))

	if statusErr := errs.FromStatus("client.get", resp.StatusCode, resp.Header); statusErr != nil {
		return res, statusErr
	}
	return res, nil
}
