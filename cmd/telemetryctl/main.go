// telemetryctl drives a collector from the command line: it reads the error
// dashboard, triages patterns, issues ingest keys and emits synthetic
// telemetry through the client pipeline.
//
//	telemetryctl dashboard [--days N]
//	telemetryctl details HASH
//	telemetryctl status HASH STATUS [--notes TEXT]
//	telemetryctl issue-key --app ID [--scope ingest --scope dashboard]
//	telemetryctl emit [--events N] [--errors N]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/config"
	"campus-telemetry/internal/security"
	"campus-telemetry/internal/telemetry/dashboard"
	"campus-telemetry/internal/telemetry/domain"
)

type command struct {
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

type env struct {
	cfg    *config.Config
	logger slog.Logger
}

var commands = map[string]command{
	"dashboard": {"dashboard [--days N]", runDashboard},
	"details":   {"details HASH", runDetails},
	"status":    {"status HASH STATUS [--notes TEXT]", runStatus},
	"issue-key": {"issue-key --app ID [--scope ingest] [--scope dashboard]", runIssueKey},
	"emit":      {"emit [--events N] [--errors N]", runEmit},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "telemetryctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelWarn)
	if os.Getenv("TELEMETRYCTL_DEBUG") != "" {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.run(ctx, &env{cfg: cfg, logger: logger}, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "telemetryctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	for _, name := range []string{"dashboard", "details", "status", "issue-key", "emit"} {
		fmt.Fprintln(os.Stderr, "  telemetryctl", commands[name].usage)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withReader(e *env, fn func(r *dashboard.Reader) error) error {
	client, closeFn, err := dial(e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(dashboard.NewReader(client))
}

func runDashboard(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	days := fs.IntP("days", "d", dashboard.DefaultDays, "Window in days (max 90)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withReader(e, func(r *dashboard.Reader) error {
		d, err := r.ErrorDashboard(ctx, *days)
		if err != nil {
			return err
		}
		return printJSON(d)
	})
}

func runDetails(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("details", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return xerrors.New("expected exactly one error hash")
	}
	return withReader(e, func(r *dashboard.Reader) error {
		d, err := r.PatternDetails(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(d)
	})
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	notes := fs.String("notes", "", "Operator notes stored on the pattern")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return xerrors.New("expected an error hash and a status")
	}
	return withReader(e, func(r *dashboard.Reader) error {
		p, err := r.UpdatePatternStatus(ctx, fs.Arg(0), domain.PatternStatus(fs.Arg(1)), *notes)
		if err != nil {
			return err
		}
		return printJSON(p)
	})
}

func runIssueKey(_ context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("issue-key", pflag.ContinueOnError)
	app := fs.String("app", "", "App id recorded as the key subject")
	scopes := fs.StringSlice("scope", []string{string(security.ScopeIngest)}, "Scopes granted to the key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if e.cfg.JWTPrivateKey == "" {
		return xerrors.New("JWT_PRIVATE_KEY is required")
	}
	signer, err := security.ParsePrivateKey(e.cfg.JWTPrivateKey)
	if err != nil {
		return xerrors.Errorf("JWT_PRIVATE_KEY: %w", err)
	}
	issuer, err := security.NewKeyIssuer(signer, e.cfg.JWTIssuer, e.cfg.JWTAudience, e.cfg.KeyTTL(), nil)
	if err != nil {
		return err
	}
	granted := make([]security.Scope, len(*scopes))
	for i, s := range *scopes {
		granted[i] = security.Scope(s)
	}
	token, jti, exp, err := issuer.Issue(*app, granted...)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"key":        token,
		"key_id":     jti,
		"app_id":     *app,
		"scopes":     granted,
		"expires_at": exp,
	})
}
