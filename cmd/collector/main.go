// Collector serves the telemetry ingestion and error dashboard RPCs over gRPC
// and the HTTP RPC gateway. Configuration comes from the environment (see
// internal/config); DATABASE_URL selects Postgres, otherwise data is kept in
// memory.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/audit"
	auditrepo "campus-telemetry/internal/audit/repository"
	"campus-telemetry/internal/collector"
	collectorhandler "campus-telemetry/internal/collector/handler"
	"campus-telemetry/internal/collector/repository"
	"campus-telemetry/internal/config"
	"campus-telemetry/internal/db"
	healthhandler "campus-telemetry/internal/health/handler"
	"campus-telemetry/internal/security"
	"campus-telemetry/internal/server"
	"campus-telemetry/internal/server/interceptors"
	"campus-telemetry/internal/telemetry"
	telemetryotel "campus-telemetry/internal/telemetry/otel"
	"campus-telemetry/internal/telemetry/producer"
)

const (
	healthInterval  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if *verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	if err := run(logger); err != nil {
		fmt.Fprintln(os.Stderr, "collector:", err)
		os.Exit(1)
	}
}

func run(logger slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return xerrors.Errorf("config: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, logger, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return xerrors.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	var (
		repo      repository.Repository
		auditRepo auditrepo.Repository
		pinger    healthhandler.Pinger
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		repo = repository.NewPostgresRepository(conn)
		auditRepo = auditrepo.NewPostgresRepository(conn)
		pinger = conn
	} else {
		logger.Warn(ctx, "DATABASE_URL not set; events and errors are kept in memory")
		repo = repository.NewMemoryRepository()
		auditRepo = auditrepo.NewMemoryRepository()
	}

	emitters := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(logger, cfg.KafkaBrokersList(), cfg.KafkaTopic); kp != nil {
		emitters = append(emitters, kp)
		defer kp.Close()
		logger.Info(ctx, "kafka fan-out enabled", slog.F("topic", cfg.KafkaTopic))
	}

	var verifier *security.KeyVerifier
	if cfg.AuthEnabled() {
		pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
		if err != nil {
			return xerrors.Errorf("JWT_PUBLIC_KEY: %w", err)
		}
		verifier, err = security.NewKeyVerifier(pub, cfg.JWTIssuer, cfg.JWTAudience, nil)
		if err != nil {
			return xerrors.Errorf("key verifier: %w", err)
		}
	} else {
		logger.Warn(ctx, "JWT_PUBLIC_KEY not set; ingest keys are not verified")
	}

	svc := collector.NewService(repo, collector.Options{
		Emitter: emitters,
		Audit:   audit.NewLogger(auditRepo, keyActor, nil, logger),
		Logger:  logger,
	})
	health := healthhandler.NewServer(pinger, telemetryv1.ServiceName, nil, logger)

	grpcSrv, err := server.NewServer(server.Options{
		Verifier: verifier,
		Meter:    providers.MeterProvider.Meter("campus-telemetry/collector"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	server.RegisterServices(grpcSrv, server.Deps{Collector: svc, Health: health, Logger: logger})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return xerrors.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: collectorhandler.NewHTTPHandler(svc, collectorhandler.HTTPOptions{
			Verifier: verifier,
			Health:   health,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		health.Run(gctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info(gctx, "gRPC server listening", slog.F("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			return xerrors.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			logger.Info(gctx, "HTTP gateway listening", slog.F("addr", cfg.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				return xerrors.Errorf("http serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down")
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return nil
	})
	err = g.Wait()

	// Let in-flight async emits finish before the providers shut down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	logger.Info(context.Background(), "collector stopped")
	return err
}

// keyActor attributes audit entries to the verified ingest key.
func keyActor(ctx context.Context) (appID, keyID string, ok bool) {
	key, ok := interceptors.GetKey(ctx)
	if !ok {
		return "", "", false
	}
	return key.AppID, key.ID, true
}
