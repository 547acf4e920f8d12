package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tracefirst/attest/pkg/auth"
)

func TestLocalLimiter_Burst(t *testing.T) {
	limiter := auth.NewLocalLimiter(1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "alpha/key-1")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be within burst", i)
		}
	}

	ok, err := limiter.Allow(ctx, "alpha/key-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Error("third request should exceed the burst")
	}

	// A different actor has its own bucket.
	ok, err = limiter.Allow(ctx, "beta/key-2")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !ok {
		t.Error("separate actors must not share buckets")
	}
}

func TestRateLimitMiddleware_SensitivePathsOnly(t *testing.T) {
	limiter := auth.NewLocalLimiter(1, 1)
	limited := func(r *http.Request) bool {
		return strings.HasSuffix(r.URL.Path, "/execute")
	}
	handler := auth.RateLimitMiddleware(limiter, limited)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	principalCtx := auth.WithPrincipal(context.Background(), auth.Principal{
		Subject:  "key-alph",
		TenantID: "alpha",
		Method:   auth.MethodAPIKey,
	})

	send := func(path string) int {
		req := httptest.NewRequest("POST", path, nil).WithContext(principalCtx)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("/runs/1/execute"); code != http.StatusOK {
		t.Fatalf("first execute should pass, got %d", code)
	}
	if code := send("/runs/1/execute"); code != http.StatusTooManyRequests {
		t.Errorf("second execute should be limited, got %d", code)
	}

	// Unlimited paths never consume tokens.
	for i := 0; i < 5; i++ {
		if code := send("/runs/1/status"); code != http.StatusOK {
			t.Fatalf("status request %d should pass, got %d", i, code)
		}
	}
}

func TestRateLimitMiddleware_RetryAfterHeader(t *testing.T) {
	limiter := auth.NewLocalLimiter(1, 1)
	handler := auth.RateLimitMiddleware(limiter, func(*http.Request) bool { return true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest("POST", "/documents/upload", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/documents/upload", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response must carry Retry-After")
	}
}

func TestRateLimitMiddleware_NilLimiterFailsOpen(t *testing.T) {
	handler := auth.RateLimitMiddleware(nil, func(*http.Request) bool { return true })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/documents/upload", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d should pass without a limiter, got %d", i, w.Code)
		}
	}
}

func TestRedisLimiter_WindowKey(t *testing.T) {
	limiter := auth.NewRedisLimiter(nil, 10, time.Minute)

	base := time.Date(2026, 3, 1, 12, 30, 10, 0, time.UTC)
	k1 := limiter.WindowKey("alpha/key-1", base)
	k2 := limiter.WindowKey("alpha/key-1", base.Add(20*time.Second))
	k3 := limiter.WindowKey("alpha/key-1", base.Add(time.Minute))
	k4 := limiter.WindowKey("beta/key-2", base)

	if k1 != k2 {
		t.Errorf("same window must map to the same key: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Error("successive windows must map to distinct keys")
	}
	if k1 == k4 {
		t.Error("actors must not share window keys")
	}
}
