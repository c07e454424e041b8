// Worker consumes stored telemetry events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, KAFKA_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/config"
	"campus-telemetry/internal/telemetry/loki"
)

const (
	pushTimeout  = 10 * time.Second
	pushAttempts = 3
)

func main() {
	job := pflag.String("job", loki.DefaultJob, "Loki job label")
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr)).Named("worker")
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	if err := run(logger, *job); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(logger slog.Logger, job string) error {
	cfg, err := config.Load()
	if err != nil {
		return xerrors.Errorf("config: %w", err)
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		return xerrors.New("KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		return xerrors.New("LOKI_URL is required")
	}
	sink, err := loki.New(cfg.LokiURL, loki.WithJob(job))
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "consuming",
		slog.F("topic", cfg.KafkaTopic),
		slog.F("group", cfg.KafkaGroupID),
		slog.F("loki_url", cfg.LokiURL),
	)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info(context.Background(), "stopped")
				return nil
			}
			logger.Warn(ctx, "kafka read failed", slog.Error(err))
			continue
		}
		if err := push(ctx, sink, msg.Value); err != nil {
			logger.Warn(ctx, "loki push failed; event skipped",
				slog.F("partition", msg.Partition),
				slog.F("offset", msg.Offset),
				slog.Error(err),
			)
			continue
		}
		logger.Debug(ctx, "event pushed", slog.F("partition", msg.Partition), slog.F("offset", msg.Offset))
	}
}

// push retries transient Loki failures a few times before giving up on the
// event.
func push(ctx context.Context, sink *loki.Client, value []byte) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pushAttempts-1), ctx)
	return backoff.Retry(func() error {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		return sink.PushEventJSON(pushCtx, value)
	}, b)
}
