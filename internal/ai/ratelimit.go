package ai

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited spaces calls to the wrapped embedder so that large imports
// stay under the provider's request quota.
func RateLimited(e IEmbedder, perSecond float64) IEmbedder {
	if e == nil || perSecond <= 0 {
		return e
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedEmbedder{next: e, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type rateLimitedEmbedder struct {
	next    IEmbedder
	limiter *rate.Limiter
}

func (r *rateLimitedEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Embed(ctx, text, taskType)
}

func (r *rateLimitedEmbedder) ModelName() string {
	return r.next.ModelName()
}
