package main

import (
	"context"
	"fmt"
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry"
	"campus-telemetry/internal/telemetry/device"
	"campus-telemetry/internal/telemetry/errorreport"
	"campus-telemetry/internal/telemetry/storage"
	"campus-telemetry/internal/telemetry/uploader"
)

var demoScreens = []string{"Home", "QuizList", "Quiz", "Results", "Profile"}

// runEmit pushes synthetic usage through a real Tracker: the events are
// queued in the SQLite store at QUEUE_DB_PATH and flushed to the collector,
// so whatever a failed upload leaves behind is retried on the next run.
func runEmit(ctx context.Context, e *env, args []string) error {
	fs := pflag.NewFlagSet("emit", pflag.ContinueOnError)
	events := fs.IntP("events", "n", 20, "Number of screen views and feature uses to track")
	errs := fs.Int("errors", 3, "Number of API errors to report")
	user := fs.String("user", "", "User id attached to error reports")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.OpenSQLite(e.cfg.QueueDBPath)
	if err != nil {
		return xerrors.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	client, closeFn, err := dial(e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer closeFn()

	opts := telemetry.Options{
		Transport:      client,
		Store:          store,
		Logger:         e.logger,
		BatchInterval:  e.cfg.BatchIntervalDuration(),
		UploadTimeout:  e.cfg.UploadTimeoutDuration(),
		SessionTimeout: e.cfg.SessionTimeoutDuration(),
		MaxQueueSize:   e.cfg.MaxQueueSize,
		MaxPending:     e.cfg.MaxPendingOrDefault(),
		Device: device.Options{
			FallbackVersion: e.cfg.DefaultAppVersion,
			Logger:          e.logger,
		},
	}
	if e.cfg.AppVersion != "" {
		opts.Device.Version = device.StaticVersion(e.cfg.AppVersion)
	}
	if e.cfg.DeviceType != "" {
		platform := e.cfg.DeviceType
		opts.Device.Platform = func() string { return platform }
	}
	if *user != "" {
		uid := *user
		opts.UserID = func(context.Context) *string { return &uid }
	}

	tracker, err := telemetry.New(opts)
	if err != nil {
		return err
	}
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer tracker.Close()
	tracker.InstallGlobalHook()

	for i := range *events {
		screen := demoScreens[i%len(demoScreens)]
		if i%2 == 0 {
			tracker.TrackScreenView(ctx, screen, nil)
			continue
		}
		tracker.TrackFeatureUse(ctx, "tap_"+screen, screen, map[string]any{"seq": i})
	}

	reported := 0
	for i := range *errs {
		url := fmt.Sprintf("https://api.campus.example/quiz/%d", 100+i)
		if _, ok := tracker.ReportAPIError(ctx, url, http.StatusServiceUnavailable, "quiz service unavailable", errorreport.Context{ScreenName: "Quiz"}); ok {
			reported++
		}
	}

	res := tracker.Flush(ctx)
	stats := tracker.UploadStats()
	out := map[string]any{
		"session_id":      tracker.SessionID(),
		"flush":           res,
		"pending":         tracker.Pending(),
		"dropped":         tracker.Dropped(),
		"errors_reported": reported,
	}
	if stats.LastError != nil {
		out["last_error"] = stats.LastError.Error()
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if res == uploader.ResultFailed {
		e.logger.Warn(ctx, "events kept for the next run", slog.F("pending", tracker.Pending()))
	}
	return nil
}
