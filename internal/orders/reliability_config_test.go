package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadSagaConfigFromEnv_Parses(t *testing.T) {
	t.Setenv("ORDER_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("ORDER_RETRY_BASE_DELAY", "50ms")
	t.Setenv("ORDER_RETRY_MAX_DELAY", "500ms")
	t.Setenv("ORDER_LOYALTY_MAX_ATTEMPTS", "10")
	t.Setenv("ORDER_COMPENSATION_MAX_ATTEMPTS", "6")
	t.Setenv("ORDER_STEP_TIMEOUT", "3s")
	t.Setenv("ORDER_BREAKER_MAX_FAILURES", "4")
	t.Setenv("ORDER_BREAKER_RESET_TIMEOUT", "2s")
	t.Setenv("ORDER_RATE_LIMIT_INTERVAL", "1ms")
	t.Setenv("ORDER_RATE_LIMIT_BURST", "100")
	t.Setenv("ORDER_LOYALTY_RATE", "0.5")
	t.Setenv("ORDER_SUBMIT_WAIT", "1s")

	cfg, err := LoadSagaConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RetryMaxAttempts != 4 {
		t.Fatalf("expected retry attempts 4, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 50*time.Millisecond {
		t.Fatalf("expected retry base delay 50ms, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 500*time.Millisecond {
		t.Fatalf("expected retry max delay 500ms, got %v", cfg.RetryMaxDelay)
	}
	if cfg.LoyaltyMaxAttempts != 10 || cfg.CompensationMaxAttempts != 6 {
		t.Fatalf("unexpected budgets: loyalty %d compensation %d", cfg.LoyaltyMaxAttempts, cfg.CompensationMaxAttempts)
	}
	if cfg.StepTimeout != 3*time.Second {
		t.Fatalf("expected step timeout 3s, got %v", cfg.StepTimeout)
	}
	if cfg.BreakerMaxFailures != 4 {
		t.Fatalf("expected breaker failures 4, got %d", cfg.BreakerMaxFailures)
	}
	if cfg.BreakerResetTimeout != 2*time.Second {
		t.Fatalf("expected breaker reset 2s, got %v", cfg.BreakerResetTimeout)
	}
	if cfg.RateLimitInterval != time.Millisecond {
		t.Fatalf("expected rate interval 1ms, got %v", cfg.RateLimitInterval)
	}
	if cfg.RateLimitBurst != 100 {
		t.Fatalf("expected rate burst 100, got %d", cfg.RateLimitBurst)
	}
	if !cfg.LoyaltyRate.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected loyalty rate 0.5, got %s", cfg.LoyaltyRate)
	}
	if cfg.SubmitWait != time.Second {
		t.Fatalf("expected submit wait 1s, got %v", cfg.SubmitWait)
	}
}

func TestLoadSagaConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadSagaConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := DefaultSagaConfig()
	if cfg.RetryMaxAttempts != def.RetryMaxAttempts || cfg.StepTimeout != def.StepTimeout || cfg.SubmitWait != def.SubmitWait {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if !cfg.LoyaltyRate.Equal(def.LoyaltyRate) {
		t.Fatalf("expected default loyalty rate, got %s", cfg.LoyaltyRate)
	}
}

func TestLoadSagaConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"ORDER_RETRY_MAX_ATTEMPTS": "many",
		"ORDER_STEP_TIMEOUT":       "-1s",
		"ORDER_LOYALTY_RATE":       "-2",
	}
	for name, value := range cases {
		name, value := name, value
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			if _, err := LoadSagaConfigFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", name, value)
			}
		})
	}
}

func TestSagaConfig_Policies(t *testing.T) {
	cfg := DefaultSagaConfig()
	if got := cfg.StepPolicy().MaxAttempts; got != cfg.RetryMaxAttempts {
		t.Fatalf("step attempts %d", got)
	}
	if got := cfg.LoyaltyPolicy().MaxAttempts; got <= cfg.RetryMaxAttempts {
		t.Fatalf("expected loyalty budget above step budget, got %d", got)
	}
	if cfg.CompensationPolicy().ShouldRetry(ErrPaymentDeclined) {
		t.Fatalf("declines must not be retried")
	}
	if cfg.NewGuard() == nil {
		t.Fatalf("expected guard")
	}
}
