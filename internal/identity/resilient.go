package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"
)

// ResilientBackend wraps a Backend with resilience patterns from fortify
type ResilientBackend struct {
	backend        Backend
	circuitBreaker circuitbreaker.CircuitBreaker[any]
	retrier        retry.Retry[any]
	bulkhead       bulkhead.Bulkhead[any]
	rateLimit      ratelimit.RateLimiter
	logger         *slog.Logger
}

// ResilientConfig holds configuration for the resilient backend wrapper
type ResilientConfig struct {
	EnableCircuitBreaker bool
	EnableRetry          bool
	EnableBulkhead       bool
	EnableRateLimit      bool

	// MaxAttempts for retry (default: 3)
	MaxAttempts int
	// InitialDelay before the first retry (default: 500ms)
	InitialDelay time.Duration
	// MaxConcurrent for bulkhead (default: 4)
	MaxConcurrent int
	// RatePerSecond for rate limiting (default: 5)
	RatePerSecond int
	// FailureThreshold opens the breaker after this many consecutive failures (default: 5)
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open (default: 30s)
	OpenTimeout time.Duration

	Logger *slog.Logger
}

// DefaultResilientConfig returns defaults suited to an auth API
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		EnableCircuitBreaker: true,
		EnableRetry:          true,
		EnableBulkhead:       true,
		EnableRateLimit:      true,
		MaxAttempts:          3,
		InitialDelay:         500 * time.Millisecond,
		MaxConcurrent:        4,
		RatePerSecond:        5,
		FailureThreshold:     5,
		OpenTimeout:          30 * time.Second,
	}
}

// NewResilientBackend wraps backend with the configured patterns
func NewResilientBackend(backend Backend, cfg ResilientConfig) *ResilientBackend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rb := &ResilientBackend{backend: backend, logger: logger}

	if cfg.EnableCircuitBreaker {
		threshold := cfg.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cfg.OpenTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		rb.circuitBreaker = circuitbreaker.New[any](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    10 * time.Second,
			Timeout:     timeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= threshold
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state change",
					"backend", backend.Name(),
					"from", from.String(),
					"to", to.String())
			},
		})
	}

	if cfg.EnableRetry {
		attempts := cfg.MaxAttempts
		if attempts <= 0 {
			attempts = 3
		}
		delay := cfg.InitialDelay
		if delay <= 0 {
			delay = 500 * time.Millisecond
		}
		rb.retrier = retry.New[any](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  delay,
			MaxDelay:      10 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   isRetryable,
		})
	}

	if cfg.EnableBulkhead {
		maxConcurrent := cfg.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 4
		}
		rb.bulkhead = bulkhead.New[any](bulkhead.Config{
			MaxConcurrent: maxConcurrent,
			MaxQueue:      maxConcurrent * 4,
			QueueTimeout:  15 * time.Second,
		})
	}

	if cfg.EnableRateLimit {
		perSecond := cfg.RatePerSecond
		if perSecond <= 0 {
			perSecond = 5
		}
		rb.rateLimit = ratelimit.New(&ratelimit.Config{
			Rate:     perSecond,
			Burst:    perSecond * 2,
			Interval: time.Second,
		})
	}

	return rb
}

// clientFailure carries a provider rejection through the breaker and retrier
// as a successful call, so bad passwords never open the circuit
type clientFailure struct {
	err error
}

// call runs fn through rate limit, bulkhead, retry and circuit breaker
func call[T any](ctx context.Context, rb *ResilientBackend, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if rb.rateLimit != nil && !rb.rateLimit.Allow(ctx, rb.backend.Name()) {
		return zero, fmt.Errorf("%s: %w", op, ErrThrottled)
	}

	operation := func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		if err != nil && isClientRejection(err) {
			return clientFailure{err: err}, nil
		}
		return v, err
	}

	if rb.bulkhead != nil {
		inner := operation
		operation = func(ctx context.Context) (any, error) {
			return rb.bulkhead.Execute(ctx, inner)
		}
	}

	var (
		res any
		err error
	)
	switch {
	case rb.circuitBreaker != nil && rb.retrier != nil:
		res, err = rb.circuitBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return rb.retrier.Do(ctx, operation)
		})
	case rb.circuitBreaker != nil:
		res, err = rb.circuitBreaker.Execute(ctx, operation)
	case rb.retrier != nil:
		res, err = rb.retrier.Do(ctx, operation)
	default:
		res, err = operation(ctx)
	}

	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) || errors.Is(err, ErrThrottled) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
	}
	if cf, ok := res.(clientFailure); ok {
		return zero, cf.err
	}

	v, _ := res.(T)
	return v, nil
}

func (rb *ResilientBackend) Name() string {
	return rb.backend.Name()
}

func (rb *ResilientBackend) SignUp(ctx context.Context, params SignUpParams) (*AuthResponse, error) {
	return call(ctx, rb, "sign up", func(ctx context.Context) (*AuthResponse, error) {
		return rb.backend.SignUp(ctx, params)
	})
}

func (rb *ResilientBackend) SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error) {
	return call(ctx, rb, "sign in", func(ctx context.Context) (*AuthResponse, error) {
		return rb.backend.SignInWithPassword(ctx, email, password)
	})
}

func (rb *ResilientBackend) SignOut(ctx context.Context, accessToken string) error {
	_, err := call(ctx, rb, "sign out", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rb.backend.SignOut(ctx, accessToken)
	})
	return err
}

func (rb *ResilientBackend) GetUser(ctx context.Context, accessToken string) (*RemoteUser, error) {
	return call(ctx, rb, "get user", func(ctx context.Context) (*RemoteUser, error) {
		return rb.backend.GetUser(ctx, accessToken)
	})
}

func (rb *ResilientBackend) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return call(ctx, rb, "refresh token", func(ctx context.Context) (*AuthResponse, error) {
		return rb.backend.RefreshToken(ctx, refreshToken)
	})
}

func (rb *ResilientBackend) VerifyOTP(ctx context.Context, params VerifyParams) (*AuthResponse, error) {
	return call(ctx, rb, "verify otp", func(ctx context.Context) (*AuthResponse, error) {
		return rb.backend.VerifyOTP(ctx, params)
	})
}

func (rb *ResilientBackend) ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*AuthResponse, error) {
	return call(ctx, rb, "exchange code", func(ctx context.Context) (*AuthResponse, error) {
		return rb.backend.ExchangeCode(ctx, authCode, codeVerifier)
	})
}

func (rb *ResilientBackend) Resend(ctx context.Context, params ResendParams) error {
	_, err := call(ctx, rb, "resend", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rb.backend.Resend(ctx, params)
	})
	return err
}

func (rb *ResilientBackend) Recover(ctx context.Context, params RecoverParams) error {
	_, err := call(ctx, rb, "recover", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rb.backend.Recover(ctx, params)
	})
	return err
}

// Close releases resources held by the resilient backend
func (rb *ResilientBackend) Close() error {
	if rb.rateLimit != nil {
		return rb.rateLimit.Close()
	}
	return nil
}

// isClientRejection reports provider answers that retrying cannot change
func isClientRejection(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Status >= 400 && pe.Status < 500 && pe.Status != http.StatusTooManyRequests
}

// isRetryable checks if an error is retryable based on HTTP semantics
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Status {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
