package interceptors

import (
	"context"

	"campus-telemetry/internal/security"
)

type contextKey struct{ name string }

var ingestKeyKey = contextKey{"ingest_key"}

// WithKey returns a context carrying the verified ingest key.
func WithKey(ctx context.Context, key security.IngestKey) context.Context {
	return context.WithValue(ctx, ingestKeyKey, key)
}

// GetKey returns the verified ingest key and true if the request carried one.
func GetKey(ctx context.Context) (security.IngestKey, bool) {
	v, ok := ctx.Value(ingestKeyKey).(security.IngestKey)
	return v, ok
}

// GetAppID returns the app id of the verified key, or "", false.
func GetAppID(ctx context.Context) (string, bool) {
	key, ok := GetKey(ctx)
	if !ok {
		return "", false
	}
	return key.AppID, true
}
