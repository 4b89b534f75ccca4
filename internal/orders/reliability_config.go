package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SagaConfig holds the retry budgets and collaborator controls of the saga.
type SagaConfig struct {
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	LoyaltyMaxAttempts      int
	CompensationMaxAttempts int
	StepTimeout             time.Duration
	BreakerMaxFailures      int
	BreakerResetTimeout     time.Duration
	RateLimitInterval       time.Duration
	RateLimitBurst          int
	LoyaltyRate             decimal.Decimal
	SubmitWait              time.Duration
}

// DefaultSagaConfig returns the budgets used when nothing is configured.
func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		RetryMaxAttempts:        3,
		RetryBaseDelay:          50 * time.Millisecond,
		RetryMaxDelay:           time.Second,
		LoyaltyMaxAttempts:      8,
		CompensationMaxAttempts: 5,
		StepTimeout:             5 * time.Second,
		BreakerMaxFailures:      5,
		BreakerResetTimeout:     2 * time.Second,
		LoyaltyRate:             decimal.NewFromInt(1),
		SubmitWait:              10 * time.Second,
	}
}

// LoadSagaConfigFromEnv overrides the defaults with any ORDER_* variables that are set.
func LoadSagaConfigFromEnv() (SagaConfig, error) {
	cfg := DefaultSagaConfig()

	ints := []struct {
		name string
		dst  *int
	}{
		{"ORDER_RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		{"ORDER_LOYALTY_MAX_ATTEMPTS", &cfg.LoyaltyMaxAttempts},
		{"ORDER_COMPENSATION_MAX_ATTEMPTS", &cfg.CompensationMaxAttempts},
		{"ORDER_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"ORDER_RATE_LIMIT_BURST", &cfg.RateLimitBurst},
	}
	for _, v := range ints {
		if err := overrideInt(v.name, v.dst); err != nil {
			return cfg, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"ORDER_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"ORDER_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"ORDER_STEP_TIMEOUT", &cfg.StepTimeout},
		{"ORDER_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"ORDER_RATE_LIMIT_INTERVAL", &cfg.RateLimitInterval},
		{"ORDER_SUBMIT_WAIT", &cfg.SubmitWait},
	}
	for _, v := range durations {
		if err := overrideDuration(v.name, v.dst); err != nil {
			return cfg, err
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORDER_LOYALTY_RATE")); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("ORDER_LOYALTY_RATE: %w", err)
		}
		if rate.IsNegative() {
			return cfg, errors.New("ORDER_LOYALTY_RATE must be >= 0")
		}
		cfg.LoyaltyRate = rate
	}

	return cfg, nil
}

// StepPolicy is the retry policy of forward steps.
func (c SagaConfig) StepPolicy() RetryPolicy {
	return c.policy(c.RetryMaxAttempts)
}

// LoyaltyPolicy retries accrual harder: its failure never blocks stock or funds.
func (c SagaConfig) LoyaltyPolicy() RetryPolicy {
	return c.policy(c.LoyaltyMaxAttempts)
}

// CompensationPolicy is the retry budget of each compensation.
func (c SagaConfig) CompensationPolicy() RetryPolicy {
	return c.policy(c.CompensationMaxAttempts)
}

// NewGuard builds the rate limiter and breaker for one collaborator.
func (c SagaConfig) NewGuard() *Guard {
	var limiter *RateLimiter
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	}
	var breaker *CircuitBreaker
	if c.BreakerMaxFailures > 0 {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	return NewGuard(limiter, breaker)
}

func (c SagaConfig) policy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		ShouldRetry: IsRetryable,
	}
}

func overrideDuration(name string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}

func overrideInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}
