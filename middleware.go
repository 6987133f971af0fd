package xrelay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Processor is the business-logic boundary of a worker: it turns one envelope
// into a result. Returning a *ValidationError produces a validation failure
// reply; any other error produces an internal failure reply.
type Processor interface {
	Process(ctx context.Context, env *Envelope) (any, error)
}

// ProcessorFunc lets a plain function satisfy Processor.
type ProcessorFunc func(ctx context.Context, env *Envelope) (any, error)

func (f ProcessorFunc) Process(ctx context.Context, env *Envelope) (any, error) { return f(ctx, env) }

// Middleware composes processing concerns around a Processor.
type Middleware func(next Processor) Processor

// RetryConfig controls retry behavior for processing middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// Validation errors are never retried.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a processor.
// It runs while the worker holds its inbox lock, so keep MaxAttempts and
// Backoff small.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	shouldRetry := cfg.RetryIf
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
			var (
				res     any
				lastErr error
			)
			for i := 1; i <= attempts; i++ {
				res, lastErr = next.Process(ctx, env)
				if lastErr == nil {
					return res, nil
				}
				if ctx.Err() != nil {
					return nil, lastErr
				}
				if i == attempts || IsValidation(lastErr) || errors.Is(lastErr, ErrAmbiguous) || !shouldRetry(lastErr) {
					return nil, lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					timer := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						timer.Stop()
						return nil, lastErr
					case <-timer.C:
					}
				}
			}
			return nil, lastErr
		})
	}
}

// TimeoutMiddleware bounds processing time. On expiry the processor's context
// is cancelled and context.DeadlineExceeded is returned.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Processor) Processor { return next }
	}
	type outcome struct {
		res any
		err error
	}
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *Envelope) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			ch := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						ch <- outcome{err: fmt.Errorf("%w: %v", ErrProcessorPanic, r)}
					}
				}()
				res, err := next.Process(tctx, env)
				ch <- outcome{res: res, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case o := <-ch:
				return o.res, o.err
			}
		})
	}
}

// RecoveryMiddleware converts processor panics into ErrProcessorPanic errors.
func RecoveryMiddleware() Middleware {
	return func(next Processor) Processor {
		return ProcessorFunc(func(ctx context.Context, env *Envelope) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					res = nil
					err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
				}
			}()
			return next.Process(ctx, env)
		})
	}
}

// Chain composes middlewares around a processor in order: the first
// middleware is the outermost.
func Chain(p Processor, mws ...Middleware) Processor {
	wrapped := p
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
