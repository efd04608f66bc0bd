package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds how hard a provider call is retried.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // attempts after the first; default 5
	MaxBackoff  time.Duration `json:"max_backoff"`  // default 60s
	InitBackoff time.Duration `json:"init_backoff"` // default 1s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitBackoff <= 0 {
		c.InitBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitBackoff
	b.MaxInterval = c.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// errorClass is how a provider failure is treated.
type errorClass int

const (
	classFatal     errorClass = iota // give up, report the error
	classTransient                   // back off and try again
	classBilling                     // give up, the account needs attention
)

// Matched against the lowercased error text; the SDKs do not share typed
// errors. Billing is checked first.
var (
	billingMarkers = []string{
		"billing", "payment", "credits", "quota exceeded", "insufficient",
		"402", "subscription", "expired",
	}
	transientMarkers = []string{
		"rate limit", "too many requests", "429", "overloaded", "capacity",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "temporarily unavailable",
	}
)

func classify(err error) errorClass {
	text := strings.ToLower(err.Error())
	contains := func(markers []string) bool {
		for _, m := range markers {
			if strings.Contains(text, m) {
				return true
			}
		}
		return false
	}
	switch {
	case contains(billingMarkers):
		return classBilling
	case contains(transientMarkers):
		return classTransient
	default:
		return classFatal
	}
}

func isRetryableError(err error) bool {
	return err != nil && classify(err) == classTransient
}

func isBillingError(err error) bool {
	return err != nil && classify(err) == classBilling
}

// withRetry calls fn with exponential backoff while it fails transiently,
// at most MaxRetries extra times.
func withRetry[T any](ctx context.Context, cfg RetryConfig, provider string, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	v, err := backoff.Retry[T](ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		switch classify(err) {
		case classBilling:
			return v, backoff.Permanent(fmt.Errorf("billing/payment error (fatal): %w", err))
		case classFatal:
			return v, backoff.Permanent(fmt.Errorf("%s request failed: %w", provider, err))
		}
		return v, err
	},
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && isRetryableError(err) && ctx.Err() == nil {
		var zero T
		return zero, fmt.Errorf("%s request failed after %d retries: %w", provider, cfg.MaxRetries, err)
	}
	return v, err
}
