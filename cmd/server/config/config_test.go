package config

import (
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("GRPC_ADDR", "")
	t.Setenv("APP_ENV", "")

	cfg := LoadServer()
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":50051" {
		t.Fatalf("unexpected server cfg: %+v", cfg)
	}
	if cfg.Production() {
		t.Fatalf("expected non-production by default")
	}
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":18080")
	t.Setenv("GRPC_ADDR", ":15051")
	t.Setenv("APP_ENV", "production")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

	cfg := LoadServer()
	if cfg.HTTPAddr != ":18080" || cfg.GRPCAddr != ":15051" {
		t.Fatalf("unexpected server cfg: %+v", cfg)
	}
	if !cfg.Production() {
		t.Fatalf("expected production")
	}
	if cfg.OTLPEndpoint != "http://collector:4318" {
		t.Fatalf("unexpected otlp endpoint: %s", cfg.OTLPEndpoint)
	}
}

func TestLoadGRPC(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg)
	}
}

func TestLoadHTTPUnsetDisablesLimiting(t *testing.T) {
	t.Setenv("HTTP_RATE_LIMIT_INTERVAL", "")
	t.Setenv("HTTP_RATE_LIMIT_BURST", "")

	cfg, err := LoadHTTP()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitInterval != 0 || cfg.RateLimitBurst != 0 {
		t.Fatalf("expected zero cfg, got %+v", cfg)
	}
}

func TestLoadGRPCHalfConfigured(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error when only the interval is set")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")
	if cfg := LoadObservability(); cfg.Addr != ":9999" {
		t.Fatalf("unexpected observability addr: %+v", cfg)
	}
	t.Setenv("OBS_ADDR", "")
	if cfg := LoadObservability(); cfg.Addr != ":9090" {
		t.Fatalf("unexpected default observability addr: %+v", cfg)
	}
}

func TestLoadStorage(t *testing.T) {
	t.Setenv("DATABASE_URL", " postgres://localhost/orders ")
	t.Setenv("CHECKPOINT_WAL_PATH", "/tmp/sagas.wal")

	cfg := LoadStorage()
	if cfg.DatabaseURL != "postgres://localhost/orders" || cfg.CheckpointWALPath != "/tmp/sagas.wal" {
		t.Fatalf("unexpected storage cfg: %+v", cfg)
	}
}

func TestLoadKafka(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("KAFKA_TOPIC", "")

	cfg := LoadKafka()
	if !cfg.Enabled() || len(cfg.Brokers) != 2 || cfg.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Brokers)
	}
	if cfg.Topic != "orders.events" {
		t.Fatalf("unexpected default topic: %s", cfg.Topic)
	}

	t.Setenv("KAFKA_BROKERS", "")
	if LoadKafka().Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
}

func TestLoadCollaborators(t *testing.T) {
	t.Setenv("MENU_SERVICE_URL", "http://menu:3000")
	t.Setenv("CUSTOMER_SERVICE_URL", "http://customers:3000")
	t.Setenv("COLLABORATOR_TIMEOUT", "750ms")
	t.Setenv("SEED_FILE", "seed.json")
	t.Setenv("PAYMENT_SUCCESS_RATE", "1")

	cfg, err := LoadCollaborators()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MenuURL != "http://menu:3000" || cfg.CustomerURL != "http://customers:3000" {
		t.Fatalf("unexpected urls: %+v", cfg)
	}
	if cfg.Timeout != 750*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", cfg.Timeout)
	}
	if cfg.SeedFile != "seed.json" || cfg.PaymentSuccessRate != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadCollaboratorsDefaults(t *testing.T) {
	t.Setenv("COLLABORATOR_TIMEOUT", "")
	t.Setenv("PAYMENT_SUCCESS_RATE", "")

	cfg, err := LoadCollaborators()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeout != 3*time.Second || cfg.PaymentSuccessRate != 0.9 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadCollaboratorsRejectsBadRate(t *testing.T) {
	t.Setenv("PAYMENT_SUCCESS_RATE", "1.5")
	if _, err := LoadCollaborators(); err == nil {
		t.Fatalf("expected out of range error")
	}
	t.Setenv("PAYMENT_SUCCESS_RATE", "most")
	if _, err := LoadCollaborators(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "2s")
	t.Setenv("REDIS_LOCK_TTL", "")
	t.Setenv("REDIS_LOCK_RETRY", "")
	t.Setenv("REDIS_CHECKPOINT_TTL", "48h")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.LockTTL != 30*time.Second || cfg.LockRetry != 50*time.Millisecond {
		t.Fatalf("unexpected lock settings: %v %v", cfg.LockTTL, cfg.LockRetry)
	}
	if cfg.CheckpointTTL != 48*time.Hour {
		t.Fatalf("unexpected checkpoint ttl: %v", cfg.CheckpointTTL)
	}
	if !RedisEnabled() {
		t.Fatalf("expected redis enabled")
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedis_MissingURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected missing url error")
	}
	if RedisEnabled() {
		t.Fatalf("expected redis disabled")
	}
}

func TestLoadRedis_InvalidFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "bad")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for bad healthcheck timeout")
	}

	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_LOCK_TTL", "bad")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for bad lock ttl")
	}

	t.Setenv("REDIS_LOCK_TTL", "1s")
	t.Setenv("REDIS_CHECKPOINT_TTL", "-1h")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for negative checkpoint ttl")
	}
}

func TestLoadRedisTLS_NoSettingsReturnsNil(t *testing.T) {
	if cfg, err := loadRedisTLSFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %#v err %v", cfg, err)
	}
}

func TestLoadRedisTLS_MismatchedKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT_FILE", "cert")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected cert/key mismatch error")
	}
}

func TestLoadRedisTLS_InvalidInsecureFlag(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "notabool")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected parse bool error")
	}
}

func TestLoadRedisTLS_InsecureTrue(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")
	cfg, err := loadRedisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %#v", cfg)
	}
}

func TestLoadRedisTLS_ReadCAError(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/no/such/file")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected read error for missing CA file")
	}
}

func TestOptionalAndRequiredHelpers(t *testing.T) {
	t.Setenv("X_OPT_DUR", "-1ms")
	if _, err := optionalDuration("X_OPT_DUR"); err == nil {
		t.Fatalf("expected negative duration error")
	}
	t.Setenv("X_OPT_INT", "-1")
	if _, err := optionalInt("X_OPT_INT"); err == nil {
		t.Fatalf("expected negative int error")
	}
	t.Setenv("X_OPT_BOOL", "notbool")
	if _, err := optionalBool("X_OPT_BOOL"); err == nil {
		t.Fatalf("expected bool parse error")
	}
	t.Setenv("X_REQ_DUR", "bad")
	if _, err := requiredDuration("X_REQ_DUR"); err == nil {
		t.Fatalf("expected bad duration error")
	}
	t.Setenv("X_DUR_OR", "")
	if d, err := durationOr("X_DUR_OR", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("expected fallback, got %v %v", d, err)
	}
}
