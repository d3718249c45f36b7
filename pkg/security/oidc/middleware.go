package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// Config defines OIDC verification settings for the Admin API.
// Typical minimal config requires Issuer and ClientID, or a JWKSURL + Audience.
type Config struct {
	// Issuer is the OIDC issuer URL. When provided, the provider's well-known
	// metadata is used to discover JWKS and other endpoints.
	Issuer string

	// ClientID is the expected audience/client_id for tokens.
	// If Audience is not set, ClientID is used as the expected audience.
	ClientID string

	// Audience, when set, overrides ClientID as the expected audience value.
	Audience string

	// JWKSURL is an optional direct JWKS endpoint URL. When provided without
	// Issuer, verification uses a remote key set fetched from JWKSURL.
	JWKSURL string
}

// Verifier validates Bearer tokens using OIDC, via issuer discovery or a
// direct JWKS URL.
type Verifier struct {
	verifier *gooidc.IDTokenVerifier
}

// NewVerifier builds a token verifier based on the provided Config.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	expectedAud := cfg.Audience
	if expectedAud == "" {
		expectedAud = cfg.ClientID
	}

	switch {
	case cfg.Issuer != "":
		provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc: provider discovery failed: %w", err)
		}
		ver := provider.Verifier(&gooidc.Config{ClientID: expectedAud})
		return &Verifier{verifier: ver}, nil
	case cfg.JWKSURL != "":
		ks := gooidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
		// Empty issuer skips the issuer check.
		ver := gooidc.NewVerifier(cfg.Issuer, ks, &gooidc.Config{ClientID: expectedAud})
		return &Verifier{verifier: ver}, nil
	default:
		return nil, errors.New("oidc: either Issuer or JWKSURL must be provided")
	}
}

// Subject holds verified identity fields extracted from the token.
type Subject struct {
	Subject   string
	Issuer    string
	Audience  string
	ExpiresAt time.Time
}

// Verify parses and validates a Bearer token string and returns subject info.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Subject, error) {
	if v == nil || v.verifier == nil {
		return nil, errors.New("oidc: verifier not initialized")
	}
	idt, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("oidc: token verification failed: %w", err)
	}
	var claims struct {
		Exp int64  `json:"exp"`
		Sub string `json:"sub"`
		Iss string `json:"iss"`
		Aud any    `json:"aud"` // string or []string
	}
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc: parse claims: %w", err)
	}
	var aud string
	switch t := claims.Aud.(type) {
	case string:
		aud = t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				aud = s
			}
		}
	case []string:
		if len(t) > 0 {
			aud = t[0]
		}
	}
	return &Subject{
		Subject:   claims.Sub,
		Issuer:    claims.Iss,
		Audience:  aud,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// VerifierIface allows plugging a custom verifier (and simplifies testing).
type VerifierIface interface {
	Verify(ctx context.Context, rawToken string) (*Subject, error)
}

type contextKey string

const subjectContextKey contextKey = "oidcSubject"

// WithSubject stores a verified subject on the context.
func WithSubject(ctx context.Context, s *Subject) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectContextKey, s)
}

// SubjectFromContext retrieves the verified subject set by Middleware.
func SubjectFromContext(ctx context.Context) (*Subject, bool) {
	s, ok := ctx.Value(subjectContextKey).(*Subject)
	return s, ok
}

// Middleware enforces OIDC Bearer auth on incoming requests.
// Requests matched by exempt pass through unauthenticated. On success the
// verified subject is set on the X-Admin-Subject response header and the
// request context; on failure the middleware returns 401.
func Middleware(v VerifierIface, exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			subj, err := v.Verify(r.Context(), raw)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := r.Context()
			if subj != nil {
				w.Header().Set("X-Admin-Subject", subj.Subject)
				ctx = WithSubject(ctx, subj)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
