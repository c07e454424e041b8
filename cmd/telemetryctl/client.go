package main

import (
	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/config"
	"campus-telemetry/internal/telemetry"
	"campus-telemetry/internal/telemetry/dashboard"
	"campus-telemetry/internal/telemetry/transport/grpcrpc"
	"campus-telemetry/internal/telemetry/transport/httprpc"
)

// remote is everything telemetryctl calls on the collector.
type remote interface {
	telemetry.Transport
	dashboard.Backend
}

// dial returns a client for the configured ingest transport and a func that
// releases it.
func dial(cfg *config.Config, logger slog.Logger) (remote, func() error, error) {
	switch cfg.IngestTransport {
	case config.TransportGRPC:
		c, err := grpcrpc.Dial(grpcrpc.Options{
			Target:   cfg.IngestURL,
			APIKey:   cfg.IngestAPIKey,
			Insecure: cfg.IngestInsecure,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.TransportHTTP:
		c, err := httprpc.New(httprpc.Options{
			BaseURL: cfg.IngestURL,
			APIKey:  cfg.IngestAPIKey,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	}
	return nil, nil, xerrors.Errorf("unknown INGEST_TRANSPORT %q", cfg.IngestTransport)
}
