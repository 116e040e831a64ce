package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/roastwatch/roastwatch/internal/errs"
	"github.com/roastwatch/roastwatch/internal/metrics"
	"github.com/roastwatch/roastwatch/internal/normalize"
	"github.com/roastwatch/roastwatch/internal/retry"
)

const systemPrompt = `You classify coffee product metadata. Answer with a JSON object
{"value": "<enum member>", "confidence": <0..1>} and nothing else.
Vocabularies:
roast_level: light, light-medium, medium, medium-dark, dark, unknown
process: washed, natural, honey, anaerobic, other
species: arabica, robusta, liberica, blend, unknown, or arabica_<pct>_robusta_<pct> for explicit percentage blends.`

// Enricher is the confidence-gated LLM fallback. It satisfies
// normalize.Enricher.
type Enricher struct {
	client  ChatClient
	cache   Cache
	limiter *Limiter
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
	ttl     time.Duration
}

// NewEnricher wires the fallback. cache and limiter must be non-nil.
func NewEnricher(client ChatClient, cache Cache, limiter *Limiter) *Enricher {
	return &Enricher{
		client:  client,
		cache:   cache,
		limiter: limiter,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     120 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		policy: retry.Default(),
		ttl:    DefaultTTL,
	}
}

// SetCacheTTL overrides how long positive answers are cached.
func (e *Enricher) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		e.ttl = ttl
	}
}

// Enrich answers one field request. Cache first; identical inputs
// never reach the provider twice within the TTL.
func (e *Enricher) Enrich(ctx context.Context, req normalize.EnrichRequest) (normalize.EnrichResult, error) {
	const op = "llm.enrich"
	key := CacheKey(req.RawHash, req.Field)

	if entry, ok, err := e.cache.Get(ctx, key); err != nil {
		log.Warn().Err(err).Msg("llm cache read failed")
	} else if ok {
		metrics.LLMCacheHits.WithLabelValues(req.Field).Inc()
		if entry.Negative {
			return normalize.EnrichResult{}, errs.E(errs.KindLLMProvider, op,
				fmt.Errorf("cached failure for %s", req.Field))
		}
		return normalize.EnrichResult{Value: entry.Value, Confidence: entry.Confidence, Cached: true}, nil
	}

	if err := e.limiter.Acquire(ctx, req.Roaster.ID); err != nil {
		metrics.LLMCalls.WithLabelValues(req.Field, "limited").Inc()
		return normalize.EnrichResult{}, err
	}

	var resp ChatResponse
	err := e.policy.Do(ctx, op, func(ctx context.Context) error {
		out, cerr := e.breaker.Execute(func() (any, error) {
			return e.client.Complete(ctx, systemPrompt, userPrompt(req))
		})
		if cerr != nil {
			if cerr == gobreaker.ErrOpenState || cerr == gobreaker.ErrTooManyRequests {
				return errs.E(errs.KindLLMProvider, op, cerr)
			}
			return cerr
		}
		resp = out.(ChatResponse)
		return nil
	})
	if err != nil {
		metrics.LLMCalls.WithLabelValues(req.Field, "error").Inc()
		// Hard failures are cached briefly so one bad payload cannot
		// hammer the provider.
		if errs.KindOf(err) != errs.KindCanceled {
			_ = e.cache.Set(ctx, key, Entry{Negative: true}, NegativeTTL)
		}
		return normalize.EnrichResult{}, err
	}

	value, confidence, perr := parseAnswer(resp.Text)
	if perr != nil {
		metrics.LLMCalls.WithLabelValues(req.Field, "malformed").Inc()
		_ = e.cache.Set(ctx, key, Entry{Negative: true}, NegativeTTL)
		return normalize.EnrichResult{}, errs.E(errs.KindLLMProvider, op, perr)
	}

	metrics.LLMCalls.WithLabelValues(req.Field, "ok").Inc()
	metrics.LLMTokens.Add(float64(resp.TokensUsed))
	_ = e.cache.Set(ctx, key, Entry{Value: value, Confidence: confidence}, e.ttl)

	return normalize.EnrichResult{Value: value, Confidence: confidence, TokensUsed: resp.TokensUsed}, nil
}

// HealthCheck reports whether the breaker would admit a call.
func (e *Enricher) HealthCheck() error {
	if s := e.breaker.State(); s == gobreaker.StateOpen {
		return fmt.Errorf("llm circuit open")
	}
	if e.limiter.GlobalExhausted() {
		return fmt.Errorf("llm daily budget exhausted")
	}
	return nil
}

func userPrompt(req normalize.EnrichRequest) string {
	text := req.ContextText
	if len(text) > 4000 {
		text = text[:4000]
	}
	return fmt.Sprintf("Field: %s\nProduct text:\n%s", req.Field, text)
}

type answer struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func parseAnswer(text string) (string, float64, error) {
	// Providers occasionally wrap the JSON in a code fence.
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var a answer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &a); err != nil {
		return "", 0, fmt.Errorf("parse answer: %w", err)
	}
	if a.Value == "" || a.Confidence < 0 || a.Confidence > 1 {
		return "", 0, fmt.Errorf("answer out of range: %q %v", a.Value, a.Confidence)
	}
	return strings.ToLower(strings.TrimSpace(a.Value)), a.Confidence, nil
}
