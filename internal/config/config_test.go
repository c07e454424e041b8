package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var keys = []string{
	"GRPC_ADDR", "HTTP_ADDR", "DATABASE_URL", "APP_ENV",
	"JWT_PRIVATE_KEY", "JWT_PUBLIC_KEY", "JWT_ISSUER", "JWT_AUDIENCE", "INGEST_KEY_TTL",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID", "LOKI_URL",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
	"INGEST_URL", "INGEST_TRANSPORT", "INGEST_API_KEY", "INGEST_INSECURE", "QUEUE_DB_PATH",
	"BATCH_INTERVAL", "UPLOAD_TIMEOUT", "SESSION_TIMEOUT", "MAX_QUEUE_SIZE", "MAX_PENDING",
	"APP_VERSION", "DEFAULT_APP_VERSION", "DEVICE_TYPE",
}

// clearEnv blanks every key; viper ignores empty env vars, so defaults apply.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.GRPCAddr)
	require.Equal(t, ":8081", cfg.HTTPAddr)
	require.Equal(t, "campus-telemetry", cfg.JWTIssuer)
	require.Equal(t, "campus-ingest", cfg.JWTAudience)
	require.Equal(t, "campus-telemetry", cfg.KafkaTopic)
	require.Equal(t, "campus-telemetry-worker", cfg.KafkaGroupID)
	require.Equal(t, TransportHTTP, cfg.IngestTransport)
	require.Equal(t, 100, cfg.MaxQueueSize)
	require.Equal(t, "1.0.0", cfg.DefaultAppVersion)
	require.False(t, cfg.AuthEnabled())
	require.Nil(t, cfg.KafkaBrokersList())

	require.Equal(t, 30*time.Second, cfg.BatchIntervalDuration())
	require.Equal(t, 10*time.Second, cfg.UploadTimeoutDuration())
	require.Equal(t, 30*time.Minute, cfg.SessionTimeoutDuration())
	require.Equal(t, 8760*time.Hour, cfg.KeyTTL())
	require.Equal(t, 1000, cfg.MaxPendingOrDefault())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRPC_ADDR", ":9090")
	t.Setenv("INGEST_TRANSPORT", " GRPC ")
	t.Setenv("BATCH_INTERVAL", "5s")
	t.Setenv("SESSION_TIMEOUT", "45m")
	t.Setenv("MAX_QUEUE_SIZE", "20")
	t.Setenv("MAX_PENDING", "500")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("JWT_PUBLIC_KEY", "/etc/keys/ingest.pub")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, TransportGRPC, cfg.IngestTransport)
	require.Equal(t, 5*time.Second, cfg.BatchIntervalDuration())
	require.Equal(t, 45*time.Minute, cfg.SessionTimeoutDuration())
	require.Equal(t, 20, cfg.MaxQueueSize)
	require.Equal(t, 500, cfg.MaxPendingOrDefault())
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokersList())
	require.True(t, cfg.AuthEnabled())
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown transport", map[string]string{"INGEST_TRANSPORT": "websocket"}},
		{"zero queue size", map[string]string{"MAX_QUEUE_SIZE": "0"}},
		{"pending below queue size", map[string]string{"MAX_QUEUE_SIZE": "50", "MAX_PENDING": "10"}},
		{"production without public key", map[string]string{"APP_ENV": "production"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestDurations_InvalidFallBack(t *testing.T) {
	t.Parallel()
	cfg := &Config{BatchInterval: "soon", UploadTimeout: "-1s", SessionTimeout: "", IngestKeyTTL: "0s"}
	require.Equal(t, 30*time.Second, cfg.BatchIntervalDuration())
	require.Equal(t, 10*time.Second, cfg.UploadTimeoutDuration())
	require.Equal(t, 30*time.Minute, cfg.SessionTimeoutDuration())
	require.Equal(t, 8760*time.Hour, cfg.KeyTTL())
}

func TestKafkaBrokersList_NilConfig(t *testing.T) {
	t.Parallel()
	var cfg *Config
	require.Nil(t, cfg.KafkaBrokersList())
}
