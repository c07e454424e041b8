// Package security issues and verifies ingest API keys. Keys are JWTs signed
// with RS256 or ES256; the collector only needs the public key.
package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"slices"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

// ErrInvalidToken is returned when a key is malformed, expired or signed by
// someone else.
var ErrInvalidToken = xerrors.New("invalid token")

// Scope grants access to a group of RPCs.
type Scope string

const (
	// ScopeIngest allows event upload and error reporting.
	ScopeIngest Scope = "ingest"
	// ScopeDashboard allows reading and triaging error patterns.
	ScopeDashboard Scope = "dashboard"
)

// KeyClaims are the JWT claims of an ingest key. Subject is the app id.
type KeyClaims struct {
	jwt.RegisteredClaims
	Scopes []Scope `json:"scopes"`
}

// IngestKey is a verified key.
type IngestKey struct {
	ID        string
	AppID     string
	Scopes    []Scope
	ExpiresAt time.Time
}

// HasScope reports whether k grants s.
func (k IngestKey) HasScope(s Scope) bool {
	return slices.Contains(k.Scopes, s)
}

// KeyIssuer signs ingest keys.
type KeyIssuer struct {
	privateKey crypto.Signer
	method     jwt.SigningMethod
	issuer     string
	audience   string
	ttl        time.Duration
	clock      quartz.Clock
}

// NewKeyIssuer returns an issuer signing with privateKey (RSA or ECDSA).
func NewKeyIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration, clock quartz.Clock) (*KeyIssuer, error) {
	var method jwt.SigningMethod
	switch KeyAlg(privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &KeyIssuer{
		privateKey: privateKey,
		method:     method,
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
		clock:      clock,
	}, nil
}

// Issue returns a signed key for appID granting scopes, its jti and expiry.
func (p *KeyIssuer) Issue(appID string, scopes ...Scope) (token, jti string, expiresAt time.Time, err error) {
	if appID == "" {
		return "", "", time.Time{}, xerrors.New("issue key: app id is required")
	}
	if len(scopes) == 0 {
		return "", "", time.Time{}, xerrors.New("issue key: at least one scope is required")
	}
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.clock.Now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := KeyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   appID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scopes: scopes,
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.privateKey)
	if err != nil {
		return "", "", time.Time{}, xerrors.Errorf("sign key: %w", err)
	}
	return token, jti, expiresAt, nil
}

// KeyVerifier validates ingest keys (signature, exp, iss, aud).
type KeyVerifier struct {
	publicKey crypto.PublicKey
	parser    *jwt.Parser
}

// NewKeyVerifier returns a verifier for keys signed by the holder of publicKey.
func NewKeyVerifier(publicKey crypto.PublicKey, issuer, audience string, clock quartz.Clock) (*KeyVerifier, error) {
	alg := KeyAlg(publicKey)
	if alg == "" {
		return nil, ErrInvalidKey
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &KeyVerifier{
		publicKey: publicKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{alg}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

// Verify parses token and returns the key it describes.
func (v *KeyVerifier) Verify(token string) (IngestKey, error) {
	var claims KeyClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return IngestKey{}, ErrInvalidToken
	}
	key := IngestKey{
		ID:     claims.ID,
		AppID:  claims.Subject,
		Scopes: claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		key.ExpiresAt = claims.ExpiresAt.Time
	}
	return key, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Errorf("generate jti: %w", err)
	}
	return hex.EncodeToString(b), nil
}
