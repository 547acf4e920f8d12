package api_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tracefirst/attest/pkg/api"
	"github.com/tracefirst/attest/pkg/tenants"
)

// countingHandler responds 201 with a body that changes on every real
// invocation, so a replayed response is distinguishable from a fresh one.
func countingHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, *calls)
	})
}

func idempotentRequest(tenantID, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/companies", nil)
	if tenantID != "" {
		req = req.WithContext(tenants.WithTenant(req.Context(), tenantID))
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestIdempotencyReplaysPerTenant(t *testing.T) {
	calls := 0
	handler := api.IdempotencyMiddleware(api.NewIdempotencyStore(time.Minute))(countingHandler(&calls))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("alpha", "key-1"))
	if calls != 1 {
		t.Fatalf("expected first request to reach the handler, calls=%d", calls)
	}
	firstBody := w.Body.String()

	// Same key, different tenant: must not replay alpha's response.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("beta", "key-1"))
	if calls != 2 {
		t.Fatalf("expected cross-tenant request to reach the handler, calls=%d", calls)
	}
	if w.Header().Get("Idempotent-Replay") != "" {
		t.Error("cross-tenant request must not be marked as a replay")
	}

	// Same key, same tenant: replayed without touching the handler.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, idempotentRequest("alpha", "key-1"))
	if calls != 2 {
		t.Fatalf("expected replay to skip the handler, calls=%d", calls)
	}
	if w.Header().Get("Idempotent-Replay") != "true" {
		t.Error("expected Idempotent-Replay header on cached response")
	}
	if w.Body.String() != firstBody {
		t.Errorf("replayed body %q differs from original %q", w.Body.String(), firstBody)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("expected replayed status 201, got %d", w.Code)
	}
}

func TestIdempotencyDoesNotCacheErrors(t *testing.T) {
	calls := 0
	handler := api.IdempotencyMiddleware(api.NewIdempotencyStore(time.Minute))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			api.WriteBadRequest(w, "nope")
		}))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", "key-err"))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", "key-err"))
	if calls != 2 {
		t.Fatalf("expected 4xx responses to bypass the cache, calls=%d", calls)
	}
}

func TestIdempotencyEntriesExpire(t *testing.T) {
	calls := 0
	handler := api.IdempotencyMiddleware(api.NewIdempotencyStore(10*time.Millisecond))(countingHandler(&calls))

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", "key-ttl"))
	time.Sleep(25 * time.Millisecond)
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", "key-ttl"))
	if calls != 2 {
		t.Fatalf("expected expired entry to re-execute, calls=%d", calls)
	}
}

func TestIdempotencySkipsReadsAndUnkeyedRequests(t *testing.T) {
	calls := 0
	handler := api.IdempotencyMiddleware(api.NewIdempotencyStore(time.Minute))(countingHandler(&calls))

	get := httptest.NewRequest(http.MethodGet, "/companies", nil)
	get.Header.Set("Idempotency-Key", "key-get")
	handler.ServeHTTP(httptest.NewRecorder(), get)
	handler.ServeHTTP(httptest.NewRecorder(), get)

	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", ""))
	handler.ServeHTTP(httptest.NewRecorder(), idempotentRequest("alpha", ""))

	if calls != 4 {
		t.Fatalf("expected every request to reach the handler, calls=%d", calls)
	}
}
