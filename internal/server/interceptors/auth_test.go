package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"campus-telemetry/internal/security"
)

const (
	ingestMethod    = "/test.Service/Ingest"
	dashboardMethod = "/test.Service/Dashboard"
	publicMethod    = "/test.Service/Public"
)

var testScopes = map[string]security.Scope{
	ingestMethod:    security.ScopeIngest,
	dashboardMethod: security.ScopeDashboard,
}

func withBearer(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

// call runs the interceptor and returns the key the handler saw.
func call(t *testing.T, ic grpc.UnaryServerInterceptor, ctx context.Context, method string) (security.IngestKey, bool, error) {
	t.Helper()
	var (
		key    security.IngestKey
		hasKey bool
	)
	_, err := ic(ctx, "req", &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, _ interface{}) (interface{}, error) {
		key, hasKey = GetKey(ctx)
		return "ok", nil
	})
	return key, hasKey, err
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()
	issuer, verifier, err := security.NewTestKeys(nil)
	require.NoError(t, err)
	ic := AuthUnary(verifier, testScopes)

	ingestKey, _, _, err := issuer.Issue("campus-ios", security.ScopeIngest)
	require.NoError(t, err)
	allKey, _, _, err := issuer.Issue("ops-console", security.ScopeIngest, security.ScopeDashboard)
	require.NoError(t, err)

	t.Run("public without token", func(t *testing.T) {
		t.Parallel()
		_, hasKey, err := call(t, ic, context.Background(), publicMethod)
		require.NoError(t, err)
		require.False(t, hasKey)
	})

	t.Run("public with invalid token", func(t *testing.T) {
		t.Parallel()
		_, hasKey, err := call(t, ic, withBearer("garbage"), publicMethod)
		require.NoError(t, err)
		require.False(t, hasKey)
	})

	t.Run("protected without token", func(t *testing.T) {
		t.Parallel()
		_, _, err := call(t, ic, context.Background(), ingestMethod)
		require.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("protected with invalid token", func(t *testing.T) {
		t.Parallel()
		_, _, err := call(t, ic, withBearer("garbage"), ingestMethod)
		require.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("scope granted", func(t *testing.T) {
		t.Parallel()
		key, hasKey, err := call(t, ic, withBearer(ingestKey), ingestMethod)
		require.NoError(t, err)
		require.True(t, hasKey)
		require.Equal(t, "campus-ios", key.AppID)
	})

	t.Run("scope missing", func(t *testing.T) {
		t.Parallel()
		_, _, err := call(t, ic, withBearer(ingestKey), dashboardMethod)
		require.Equal(t, codes.PermissionDenied, status.Code(err))
	})

	t.Run("multiple scopes", func(t *testing.T) {
		t.Parallel()
		key, _, err := call(t, ic, withBearer(allKey), dashboardMethod)
		require.NoError(t, err)
		require.Equal(t, "ops-console", key.AppID)
	})
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	require.Equal(t, "abc", BearerToken("Bearer abc"))
	require.Equal(t, "abc", BearerToken("  bearer   abc "))
	require.Empty(t, BearerToken("Basic abc"))
	require.Empty(t, BearerToken("Bear"))
	require.Empty(t, BearerToken(""))
}
