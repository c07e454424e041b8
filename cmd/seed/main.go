// seed inserts development sample data for local testing: a day's worth of
// screen views and a handful of recurring error patterns. Run after
// cmd/migrate. Idempotent: skips inserts if the demo quiz 503 pattern already
// exists. When JWT_PRIVATE_KEY is set it also prints an ingest key and a
// dashboard key for local clients.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/collector"
	"campus-telemetry/internal/collector/repository"
	"campus-telemetry/internal/config"
	"campus-telemetry/internal/db"
	"campus-telemetry/internal/security"
	"campus-telemetry/internal/telemetry/dashboard"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/errorreport"
)

const (
	demoAppID   = "campus-app-dev"
	demoSession = "dev-session-001"
)

var demoUsers = []string{"dev-user-001", "dev-user-002", "dev-user-003"}

type demoError struct {
	errorType domain.ErrorType
	name      string
	messages  []string
	severity  domain.Severity
	screen    string
	device    string
}

var demoErrors = []demoError{
	{
		errorType: domain.ErrorTypeAPI,
		name:      "HTTP 503",
		messages:  []string{"quiz 17 unavailable", "quiz 93 unavailable", "quiz 4 unavailable"},
		severity:  domain.SeverityCritical,
		screen:    "Quiz",
		device:    "android",
	},
	{
		errorType: domain.ErrorTypeJS,
		name:      "TypeError",
		messages:  []string{"Cannot read properties of undefined (reading 'score')"},
		severity:  domain.SeverityError,
		screen:    "Results",
		device:    "ios",
	},
	{
		errorType: domain.ErrorTypeNetwork,
		name:      "NetworkError",
		messages:  []string{"request to https://api.campus.example/profile/8812 timed out"},
		severity:  domain.SeverityWarning,
		screen:    "Profile",
		device:    "web",
	},
}

func main() {
	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if err := run(context.Background(), logger); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return xerrors.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return xerrors.New("DATABASE_URL is required")
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return xerrors.Errorf("db: %w", err)
	}
	defer database.Close()

	svc := collector.NewService(repository.NewPostgresRepository(database), collector.Options{Logger: logger})

	first := demoErrors[0]
	_, hash := errorreport.Fingerprint(first.errorType, first.name, first.messages[0])
	_, err = svc.PatternDetails(ctx, hash)
	switch {
	case err == nil:
		logger.Info(ctx, "demo data already present, skipping inserts", slog.F("error_hash", hash))
	case xerrors.Is(err, collector.ErrNotFound):
		if err := seed(ctx, svc); err != nil {
			return err
		}
		logger.Info(ctx, "demo data inserted")
	default:
		return err
	}

	if cfg.JWTPrivateKey != "" {
		if err := printKeys(cfg); err != nil {
			return err
		}
	}

	d, err := dashboard.NewReader(svc).ErrorDashboard(ctx, dashboard.DefaultDays)
	if err != nil {
		return err
	}
	fmt.Printf("errors=%d patterns=%d users=%d critical=%d\n", d.TotalErrors, d.UniquePatterns, d.AffectedUsers, d.CriticalCount)
	for _, p := range d.TopErrors {
		fmt.Printf("  %-8s %-10s x%-3d %s\n", p.Severity, p.ErrorType, p.OccurrenceCount, p.MessageTemplate)
	}
	return nil
}

func seed(ctx context.Context, svc *collector.Service) error {
	now := time.Now().UTC()
	var events []domain.Event
	for i, screen := range []string{"Home", "QuizList", "Quiz", "Results", "Profile", "Home"} {
		events = append(events, domain.Event{
			EventType:  domain.EventScreenView,
			EventName:  "screen_view",
			Category:   domain.CategoryNavigation,
			ScreenName: screen,
			SessionID:  demoSession,
			DeviceType: "android",
			AppVersion: "2.4.0",
			OccurredAt: now.Add(time.Duration(i-6) * time.Minute),
		})
	}
	if _, err := svc.BatchTrackEvents(ctx, events); err != nil {
		return xerrors.Errorf("events: %w", err)
	}

	for i, de := range demoErrors {
		for j, msg := range de.messages {
			user := demoUsers[(i+j)%len(demoUsers)]
			_, err := svc.ReportError(ctx, domain.ErrorReport{
				ErrorType:  de.errorType,
				Name:       de.name,
				Message:    msg,
				Severity:   de.severity,
				ScreenName: de.screen,
				DeviceType: de.device,
				AppVersion: "2.4.0",
				UserID:     &user,
				SessionID:  demoSession,
				OccurredAt: now,
			})
			if err != nil {
				return xerrors.Errorf("report %q: %w", msg, err)
			}
		}
	}
	return nil
}

func printKeys(cfg *config.Config) error {
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return xerrors.Errorf("JWT_PRIVATE_KEY: %w", err)
	}
	issuer, err := security.NewKeyIssuer(signer, cfg.JWTIssuer, cfg.JWTAudience, cfg.KeyTTL(), nil)
	if err != nil {
		return err
	}
	for _, scope := range []security.Scope{security.ScopeIngest, security.ScopeDashboard} {
		token, _, exp, err := issuer.Issue(demoAppID, scope)
		if err != nil {
			return err
		}
		fmt.Printf("%s key (expires %s):\n%s\n", scope, exp.Format(time.RFC3339), token)
	}
	return nil
}
