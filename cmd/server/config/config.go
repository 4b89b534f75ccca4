package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds listener addresses and process-wide settings.
type ServerConfig struct {
	HTTPAddr     string
	GRPCAddr     string
	Env          string
	OTLPEndpoint string
}

// Production reports whether APP_ENV=production.
func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	LockTTL            time.Duration
	LockRetry          time.Duration
	CheckpointTTL      time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// RateLimitConfig holds ingress rate limiting settings. A zero interval or burst
// disables limiting.
type RateLimitConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// StorageConfig selects the durable stores.
type StorageConfig struct {
	DatabaseURL       string
	CheckpointWALPath string
}

// KafkaConfig holds the event topic settings. No brokers disables Kafka publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// CollaboratorConfig holds the menu and customer service endpoints. Empty URLs select
// the in-memory collaborators, loaded from SeedFile when set.
type CollaboratorConfig struct {
	MenuURL            string
	CustomerURL        string
	Timeout            time.Duration
	SeedFile           string
	PaymentSuccessRate float64
}

const (
	defaultHTTPAddr           = ":8080"
	defaultGRPCAddr           = ":50051"
	defaultObsAddr            = ":9090"
	defaultKafkaTopic         = "orders.events"
	defaultCollabTimeout      = 3 * time.Second
	defaultPaymentSuccessRate = 0.9
	defaultLockTTL            = 30 * time.Second
	defaultLockRetry          = 50 * time.Millisecond
	defaultCheckpointTTL      = 7 * 24 * time.Hour
)

// LoadServer reads listener addresses from env.
func LoadServer() ServerConfig {
	return ServerConfig{
		HTTPAddr:     stringOr("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:     stringOr("GRPC_ADDR", defaultGRPCAddr),
		Env:          strings.TrimSpace(os.Getenv("APP_ENV")),
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}
}

// RedisEnabled reports whether REDIS_URL is set.
func RedisEnabled() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.LockTTL, err = durationOr("REDIS_LOCK_TTL", defaultLockTTL); err != nil {
		return cfg, err
	}
	if cfg.LockRetry, err = durationOr("REDIS_LOCK_RETRY", defaultLockRetry); err != nil {
		return cfg, err
	}
	if cfg.CheckpointTTL, err = durationOr("REDIS_CHECKPOINT_TTL", defaultCheckpointTTL); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (RateLimitConfig, error) {
	return loadRateLimit("GRPC")
}

// LoadHTTP reads HTTP ingress rate limit settings from env.
func LoadHTTP() (RateLimitConfig, error) {
	return loadRateLimit("HTTP")
}

func loadRateLimit(prefix string) (RateLimitConfig, error) {
	interval, err := optionalDuration(prefix + "_RATE_LIMIT_INTERVAL")
	if err != nil {
		return RateLimitConfig{}, err
	}
	burst, err := optionalInt(prefix + "_RATE_LIMIT_BURST")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if (interval == nil) != (burst == nil) {
		return RateLimitConfig{}, fmt.Errorf("%s_RATE_LIMIT_INTERVAL and %s_RATE_LIMIT_BURST must be set together", prefix, prefix)
	}
	var cfg RateLimitConfig
	if interval != nil {
		cfg.RateLimitInterval = *interval
		cfg.RateLimitBurst = *burst
	}
	return cfg, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() ObservabilityConfig {
	return ObservabilityConfig{Addr: stringOr("OBS_ADDR", defaultObsAddr)}
}

// LoadStorage reads the durable store settings from env.
func LoadStorage() StorageConfig {
	return StorageConfig{
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CheckpointWALPath: strings.TrimSpace(os.Getenv("CHECKPOINT_WAL_PATH")),
	}
}

// LoadKafka reads KAFKA_BROKERS (comma separated) and KAFKA_TOPIC from env.
func LoadKafka() KafkaConfig {
	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return KafkaConfig{
		Brokers: brokers,
		Topic:   stringOr("KAFKA_TOPIC", defaultKafkaTopic),
	}
}

// LoadCollaborators reads the menu and customer service settings from env.
func LoadCollaborators() (CollaboratorConfig, error) {
	cfg := CollaboratorConfig{
		MenuURL:     strings.TrimSpace(os.Getenv("MENU_SERVICE_URL")),
		CustomerURL: strings.TrimSpace(os.Getenv("CUSTOMER_SERVICE_URL")),
		SeedFile:    strings.TrimSpace(os.Getenv("SEED_FILE")),
	}

	var err error
	if cfg.Timeout, err = durationOr("COLLABORATOR_TIMEOUT", defaultCollabTimeout); err != nil {
		return cfg, err
	}

	cfg.PaymentSuccessRate = defaultPaymentSuccessRate
	if raw := strings.TrimSpace(os.Getenv("PAYMENT_SUCCESS_RATE")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cfg, fmt.Errorf("PAYMENT_SUCCESS_RATE: %w", err)
		}
		if rate < 0 || rate > 1 {
			return cfg, errors.New("PAYMENT_SUCCESS_RATE must be between 0 and 1")
		}
		cfg.PaymentSuccessRate = rate
	}
	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return fallback, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func requiredDuration(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
