package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeVerifier struct {
	subject *Subject
	err     error
}

func (f *fakeVerifier) Verify(ctx context.Context, raw string) (*Subject, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subject, nil
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	h := Middleware(&fakeVerifier{subject: &Subject{Subject: "alice"}}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	for _, authz := range []string{"", "Basic abc", "bearer lowercase"} {
		req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("authz %q: code = %d", authz, w.Code)
		}
	}
}

func TestMiddlewareRejectsBadToken(t *testing.T) {
	h := Middleware(&fakeVerifier{err: errors.New("boom")}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)
	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestMiddlewarePassesSubject(t *testing.T) {
	var got *Subject
	h := Middleware(&fakeVerifier{subject: &Subject{Subject: "alice"}}, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = SubjectFromContext(r.Context())
		}),
	)
	req := httptest.NewRequest(http.MethodGet, "/admin/scrub/stats", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if got == nil || got.Subject != "alice" {
		t.Fatalf("subject = %+v", got)
	}
	if w.Header().Get("X-Admin-Subject") != "alice" {
		t.Fatalf("header = %q", w.Header().Get("X-Admin-Subject"))
	}
}

func TestMiddlewareExempt(t *testing.T) {
	h := Middleware(&fakeVerifier{err: errors.New("boom")}, func(r *http.Request) bool {
		return strings.HasSuffix(r.URL.Path, "/health")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("exempt path: code = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/scrub/stats", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("non-exempt path: code = %d", w.Code)
	}
}

func TestNewVerifierRequiresIssuerOrJWKS(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{ClientID: "cid"}); err == nil {
		t.Fatal("expected error without issuer or jwks url")
	}
}
