package observability

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code the wrapped handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routePattern collapses numeric path segments so metric attributes stay
// low-cardinality: /runs/42/report becomes /runs/:id/report.
func routePattern(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		numeric := true
		for _, c := range seg {
			if c < '0' || c > '9' {
				numeric = false
				break
			}
		}
		if numeric {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// HTTPMiddleware traces each request as a server span and records RED
// metrics keyed by method, route pattern, and status code.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routePattern(r.URL.Path)
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		}

		ctx, span := p.StartSpan(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs = append(attrs, attribute.Int("http.status_code", rec.status))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))

		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError {
			p.RecordError(ctx, fmt.Errorf("http %d", rec.status), attrs...)
		}
	})
}
