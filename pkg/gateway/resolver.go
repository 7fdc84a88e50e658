package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vyvo/modulebuild/pkg/build"
)

// RetryingResolver wraps a Resolver with a bounded fixed-backoff retry
// policy. Exhausting the attempt ceiling is an infra failure; an
// unresolvable dependency set is surfaced immediately as a user failure.
type RetryingResolver struct {
	inner    Resolver
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewRetryingResolver(inner Resolver, attempts int, backoff time.Duration, logger *slog.Logger) *RetryingResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingResolver{inner: inner, attempts: attempts, backoff: backoff, logger: logger}
}

func (r *RetryingResolver) Resolve(ctx context.Context, name, stream, version, mctx string, strict bool) (map[string][]string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		deps, err := r.inner.Resolve(ctx, name, stream, version, mctx, strict)
		if err == nil {
			return deps, nil
		}
		if errors.Is(err, ErrUnresolvable) {
			return nil, &build.BuildError{Type: build.FailureUser, Reason: "dependency resolution failed", Err: err}
		}
		lastErr = err
		r.logger.Info("dependency resolution attempt failed",
			"module", name+":"+stream, "attempt", attempt, "error", err)

		if attempt == r.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, build.WrapInfra("dependency resolution interrupted", ctx.Err())
		case <-time.After(r.backoff):
		}
	}
	return nil, build.WrapInfra("dependency resolution exhausted retries", lastErr)
}
