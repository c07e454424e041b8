package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"campus-telemetry/internal/security"
)

const bearerPrefix = "bearer "

// AuthUnary returns a unary server interceptor that verifies the ingest key
// sent as a Bearer token and stores it in the context. scopes maps a full
// method name to the scope it requires; methods missing from scopes are
// public. A valid key without the required scope gets PermissionDenied.
func AuthUnary(verifier *security.KeyVerifier, scopes map[string]security.Scope) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		required, protected := scopes[info.FullMethod]
		token := extractBearer(ctx)

		if token == "" {
			if !protected {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		key, err := verifier.Verify(token)
		if err != nil {
			if !protected {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		if protected && !key.HasScope(required) {
			return nil, status.Errorf(codes.PermissionDenied, "key lacks %q scope", required)
		}
		return handler(WithKey(ctx, key), req)
	}
}

// BearerToken returns the token from an Authorization header value, or "" if
// the value is not a Bearer credential.
func BearerToken(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	return BearerToken(vals[0])
}
