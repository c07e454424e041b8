// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

// Ingest transports understood by the client binaries.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds collector and client configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the collector's gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the address of the HTTP RPC gateway; empty disables it.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory repository.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or a path to one. Only key-issuing tools need it.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or a path to one. The collector verifies ingest keys with it.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim of ingest keys.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim of ingest keys.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// IngestKeyTTL is the lifetime of issued ingest keys (e.g. "8760h").
	IngestKeyTTL string `mapstructure:"INGEST_KEY_TTL"`

	// KafkaBrokers is a comma-separated list of broker addresses. Empty disables fan-out.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the topic stored events are published to.
	KafkaTopic string `mapstructure:"KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of the Loki worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC collector; empty keeps providers local.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure disables TLS for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// IngestURL is the collector address used by clients: a base URL for the
	// http transport, host:port for grpc.
	IngestURL string `mapstructure:"INGEST_URL"`
	// IngestTransport is "http" or "grpc".
	IngestTransport string `mapstructure:"INGEST_TRANSPORT"`
	// IngestAPIKey is sent with every client call.
	IngestAPIKey string `mapstructure:"INGEST_API_KEY"`
	// IngestInsecure disables TLS for the grpc transport.
	IngestInsecure bool `mapstructure:"INGEST_INSECURE"`
	// QueueDBPath is the SQLite file holding pending events.
	QueueDBPath string `mapstructure:"QUEUE_DB_PATH"`
	// BatchInterval is the timer flush period (e.g. "30s").
	BatchInterval string `mapstructure:"BATCH_INTERVAL"`
	// UploadTimeout bounds one upload or error report call.
	UploadTimeout string `mapstructure:"UPLOAD_TIMEOUT"`
	// SessionTimeout is how long a session id stays valid.
	SessionTimeout string `mapstructure:"SESSION_TIMEOUT"`
	// MaxQueueSize is the queue length that triggers an immediate flush.
	MaxQueueSize int `mapstructure:"MAX_QUEUE_SIZE"`
	// MaxPending caps the queue during outages; 0 means 10 * MaxQueueSize.
	MaxPending int `mapstructure:"MAX_PENDING"`
	// AppVersion overrides the version read from build info.
	AppVersion string `mapstructure:"APP_VERSION"`
	// DefaultAppVersion is reported when the version cannot be resolved.
	DefaultAppVersion string `mapstructure:"DEFAULT_APP_VERSION"`
	// DeviceType overrides the platform identifier (default runtime.GOOS).
	DeviceType string `mapstructure:"DEVICE_TYPE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "campus-telemetry")
	v.SetDefault("JWT_AUDIENCE", "campus-ingest")
	v.SetDefault("INGEST_KEY_TTL", "8760h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "campus-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "campus-telemetry-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "campus-telemetry-collector")
	v.SetDefault("INGEST_URL", "http://localhost:8081")
	v.SetDefault("INGEST_TRANSPORT", TransportHTTP)
	v.SetDefault("INGEST_API_KEY", "")
	v.SetDefault("INGEST_INSECURE", false)
	v.SetDefault("QUEUE_DB_PATH", "telemetry-queue.db")
	v.SetDefault("BATCH_INTERVAL", "30s")
	v.SetDefault("UPLOAD_TIMEOUT", "10s")
	v.SetDefault("SESSION_TIMEOUT", "30m")
	v.SetDefault("MAX_QUEUE_SIZE", 100)
	v.SetDefault("MAX_PENDING", 0)
	v.SetDefault("APP_VERSION", "")
	v.SetDefault("DEFAULT_APP_VERSION", "1.0.0")
	v.SetDefault("DEVICE_TYPE", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, xerrors.Errorf("config: unmarshal: %w", err)
	}

	if cfg.GRPCAddr == "" {
		return nil, xerrors.New("config: GRPC_ADDR must be set")
	}
	cfg.IngestTransport = strings.ToLower(strings.TrimSpace(cfg.IngestTransport))
	if cfg.IngestTransport != TransportHTTP && cfg.IngestTransport != TransportGRPC {
		return nil, xerrors.Errorf("config: INGEST_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, cfg.IngestTransport)
	}
	if cfg.MaxQueueSize < 1 {
		return nil, xerrors.New("config: MAX_QUEUE_SIZE must be at least 1")
	}
	if cfg.MaxPending != 0 && cfg.MaxPending < cfg.MaxQueueSize {
		return nil, xerrors.New("config: MAX_PENDING must be 0 or at least MAX_QUEUE_SIZE")
	}
	if cfg.Env == "production" && cfg.JWTPublicKey == "" {
		return nil, xerrors.New("config: JWT_PUBLIC_KEY must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// AuthEnabled reports whether the collector verifies ingest keys.
func (c *Config) AuthEnabled() bool {
	return c.JWTPublicKey != ""
}

// KeyTTL parses IngestKeyTTL. Returns 8760h if unset or invalid.
func (c *Config) KeyTTL() time.Duration {
	return parseDuration(c.IngestKeyTTL, 8760*time.Hour)
}

// BatchIntervalDuration parses BatchInterval. Returns 30s if unset or invalid.
func (c *Config) BatchIntervalDuration() time.Duration {
	return parseDuration(c.BatchInterval, 30*time.Second)
}

// UploadTimeoutDuration parses UploadTimeout. Returns 10s if unset or invalid.
func (c *Config) UploadTimeoutDuration() time.Duration {
	return parseDuration(c.UploadTimeout, 10*time.Second)
}

// SessionTimeoutDuration parses SessionTimeout. Returns 30m if unset or invalid.
func (c *Config) SessionTimeoutDuration() time.Duration {
	return parseDuration(c.SessionTimeout, 30*time.Minute)
}

// MaxPendingOrDefault returns MaxPending, or 10 * MaxQueueSize when unset.
func (c *Config) MaxPendingOrDefault() int {
	if c.MaxPending > 0 {
		return c.MaxPending
	}
	return 10 * c.MaxQueueSize
}

// KafkaBrokersList returns broker addresses from the comma-separated config.
// An empty list means Kafka fan-out is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
