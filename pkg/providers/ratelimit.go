package providers

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/dotsetgreg/tiermem/pkg/memory"
)

// RateLimited spaces calls to a backend to a fixed number per minute.
type RateLimited struct {
	next    memory.Backend
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive perMinute returns next as is.
func NewRateLimited(next memory.Backend, perMinute, burst int) memory.Backend {
	if perMinute <= 0 || next == nil {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perMinute)/60, burst),
	}
}

func (r *RateLimited) ChatStyle() bool { return r.next.ChatStyle() }

func (r *RateLimited) Generate(ctx context.Context, req memory.GenerateRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Generate(ctx, req)
}
