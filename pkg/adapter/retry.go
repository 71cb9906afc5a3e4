package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
	"golang.org/x/time/rate"
)

// CallPolicy bounds every outbound provider call: a shared rate limiter, a per-attempt
// timeout and a small exponential backoff for transient failures.
type CallPolicy struct {
	Limiter         *rate.Limiter
	Timeout         time.Duration
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultCallPolicy returns the policy used when none is configured.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Limiter:         rate.NewLimiter(rate.Inf, 0),
		Timeout:         60 * time.Second,
		MaxTries:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	return errors.Is(err, model.ErrTransport) || errors.Is(err, model.ErrRateLimit)
}

// Call runs fn under policy p. fn must return errors already classified into model error
// kinds; only ErrTransport and ErrRateLimit are retried.
func Call[T any](ctx context.Context, p CallPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	limiter := p.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	operation := func() (T, error) {
		var zero T
		if err := limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(goerr.Wrap(model.ErrTransport, "rate limiter wait aborted", goerr.V("cause", err.Error())))
		}

		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		resp, err := fn(callCtx)
		if err != nil {
			if Retryable(err) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}

	resp, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
	if err != nil {
		var zero T
		if !hasKind(err) {
			// cancellation of ctx surfaces from backoff itself
			return zero, goerr.Wrap(model.ErrTransport, "provider call aborted", goerr.V("cause", err.Error()))
		}
		return zero, err
	}
	return resp, nil
}

func hasKind(err error) bool {
	for _, kind := range []error{
		model.ErrValidation,
		model.ErrVideoUnavailable,
		model.ErrAuth,
		model.ErrRateLimit,
		model.ErrTransport,
		model.ErrEmptyIndex,
		model.ErrSessionNotFound,
		model.ErrInternal,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return errors.Is(err, ErrTokenLimit)
}
