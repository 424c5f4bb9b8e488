package harnessports

import "context"

// RateLimiter coordinates throughput across model roles.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
