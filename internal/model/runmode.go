package model

import "context"

type runModeKey struct{}

// WithJobType tags a context with the running job's type. The image
// pipeline, CDN client and write path all consult it so that no single
// bug can re-enable image work during a price-only run.
func WithJobType(ctx context.Context, t JobType) context.Context {
	return context.WithValue(ctx, runModeKey{}, t)
}

// IsPriceOnly reports whether ctx belongs to a price-only run.
func IsPriceOnly(ctx context.Context) bool {
	t, _ := ctx.Value(runModeKey{}).(JobType)
	return t == JobPriceOnly
}
