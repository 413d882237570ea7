// Package resilience wraps outbound calls with bounded retries and a
// per-operation circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type Classification struct {
	Retryable     bool
	RecordFailure bool
}

type Classifier func(err error) Classification

type Executor struct {
	policy Policy
	log    *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		policy:   policy.normalize(),
		log:      log.Named("resilience"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Execute runs fn under the retry policy, inside the breaker for operation.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classify Classifier) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classify == nil {
		classify = Permanent
	}

	if !e.policy.BreakerEnabled {
		return e.retry(ctx, op, fn, classify)
	}

	_, err := e.breaker(op, classify).Execute(func() (struct{}, error) {
		return struct{}{}, e.retry(ctx, op, fn, classify)
	})
	return err
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classify Classifier) error {
	backoff := e.policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err).Retryable || attempt >= e.policy.MaxAttempts {
			return err
		}

		wait := min(backoff, e.policy.MaxBackoff)
		e.log.Warn("retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * e.policy.Multiplier)
	}
}

func (e *Executor) breaker(op string, classify Classifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[op]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: e.policy.BreakerProbeCalls,
		Timeout:     e.policy.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= e.policy.BreakerMaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classify(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.log.Warn("circuit breaker state change",
				zap.String("operation", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	e.breakers[op] = cb
	return cb
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Permanent never retries and counts every error against the breaker.
func Permanent(error) Classification {
	return Classification{Retryable: false, RecordFailure: true}
}
