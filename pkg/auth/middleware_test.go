package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tracefirst/attest/pkg/auth"
	"github.com/tracefirst/attest/pkg/tenants"
)

var testSigningKey = []byte("test-signing-key-0123456789abcdef")

// signTestToken builds an HS256 token with the given tenant binding.
func signTestToken(t *testing.T, key []byte, sub, tenantID string, expiry time.Time) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "attest-test",
		},
		TenantID: tenantID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newTestAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(map[string]string{
		"key-alpha-0001": "alpha",
		"key-beta-0002":  "beta",
	}, testSigningKey)
}

// echoHandler records the principal and tenant the middleware injected.
func echoHandler(t *testing.T, principal *auth.Principal, tenant *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		if err != nil {
			t.Errorf("expected principal in context: %v", err)
		}
		*principal = p
		if id, ok := tenants.FromContext(r.Context()); ok {
			*tenant = id
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_APIKey(t *testing.T) {
	var principal auth.Principal
	var tenant string
	handler := newTestAuthenticator().Middleware(echoHandler(t, &principal, &tenant))

	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("X-API-Key", "key-alpha-0001")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if tenant != "alpha" {
		t.Errorf("expected tenant 'alpha' in context, got %q", tenant)
	}
	if principal.Method != auth.MethodAPIKey {
		t.Errorf("expected api_key method, got %q", principal.Method)
	}
	if principal.Subject != "key-alph" {
		t.Errorf("expected key prefix subject, got %q", principal.Subject)
	}
}

func TestMiddleware_UnknownAPIKey(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for an unknown key")
	}))

	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("X-API-Key", "key-unknown")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestMiddleware_MissingCredentials(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without credentials")
	}))

	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_MalformedAuthorizationHeader(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a malformed header")
	}))

	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMiddleware_ValidJWT(t *testing.T) {
	var principal auth.Principal
	var tenant string
	handler := newTestAuthenticator().Middleware(echoHandler(t, &principal, &tenant))

	token := signTestToken(t, testSigningKey, "user-123", "gamma", time.Now().Add(time.Hour))
	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if principal.Subject != "user-123" {
		t.Errorf("expected subject 'user-123', got %q", principal.Subject)
	}
	if tenant != "gamma" {
		t.Errorf("expected tenant 'gamma', got %q", tenant)
	}
	if principal.Method != auth.MethodJWT {
		t.Errorf("expected jwt method, got %q", principal.Method)
	}
}

func TestMiddleware_ExpiredJWT(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for an expired token")
	}))

	token := signTestToken(t, testSigningKey, "user-123", "gamma", time.Now().Add(-time.Hour))
	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestMiddleware_WrongSigningKey(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for a forged token")
	}))

	token := signTestToken(t, []byte("another-key-another-key-another!"), "user-123", "gamma", time.Now().Add(time.Hour))
	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestMiddleware_JWTWithoutTenantBinding(t *testing.T) {
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for an unbound token")
	}))

	token := signTestToken(t, testSigningKey, "user-123", "", time.Now().Add(time.Hour))
	req := httptest.NewRequest("GET", "/runs/1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestMiddleware_TenantOverride(t *testing.T) {
	authn := newTestAuthenticator()

	t.Run("matching override passes", func(t *testing.T) {
		var principal auth.Principal
		var tenant string
		handler := authn.Middleware(echoHandler(t, &principal, &tenant))

		req := httptest.NewRequest("GET", "/runs/1/status", nil)
		req.Header.Set("X-API-Key", "key-beta-0002")
		req.Header.Set("X-Tenant-ID", "beta")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if tenant != "beta" {
			t.Errorf("expected tenant 'beta', got %q", tenant)
		}
	})

	t.Run("contradicting override is rejected", func(t *testing.T) {
		handler := authn.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called on tenant mismatch")
		}))

		req := httptest.NewRequest("GET", "/runs/1/status", nil)
		req.Header.Set("X-API-Key", "key-beta-0002")
		req.Header.Set("X-Tenant-ID", "alpha")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})
}

func TestMiddleware_PublicPath(t *testing.T) {
	called := false
	handler := newTestAuthenticator().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("health endpoint should bypass authentication")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Run("generates when absent", func(t *testing.T) {
		var seen string
		handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = auth.GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/runs", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if seen == "" {
			t.Fatal("expected a generated request ID in context")
		}
		if got := w.Header().Get("X-Request-ID"); got != seen {
			t.Errorf("response header %q does not match context ID %q", got, seen)
		}
	})

	t.Run("propagates client ID", func(t *testing.T) {
		handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := auth.GetRequestID(r.Context()); got != "client-supplied-id" {
				t.Errorf("expected propagated ID, got %q", got)
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest("GET", "/runs", nil)
		req.Header.Set("X-Request-ID", "client-supplied-id")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != "client-supplied-id" {
			t.Errorf("expected echoed header, got %q", got)
		}
	})
}
