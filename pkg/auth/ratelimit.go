package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/tracefirst/attest/pkg/api"
)

// Limiter answers whether an actor may proceed with one more request.
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, actor string) (bool, error)
}

// staleAfter is how long an idle actor's bucket survives before pruning.
const staleAfter = 3 * time.Minute

// LocalLimiter enforces per-actor token buckets in process memory.
type LocalLimiter struct {
	mu     sync.Mutex
	actors map[string]*actorBucket
	rps    rate.Limit
	burst  int
}

type actorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds an in-process limiter granting each actor rps
// requests per second with the given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		actors: make(map[string]*actorBucket),
		rps:    rate.Limit(rps),
		burst:  burst,
	}
}

// Allow consumes one token from the actor's bucket.
func (l *LocalLimiter) Allow(_ context.Context, actor string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.actors[actor]
	if !ok {
		l.prune()
		b = &actorBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.actors[actor] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow(), nil
}

// prune drops buckets idle past staleAfter. Called with the lock held on
// each insert, which bounds the map without a background sweeper.
func (l *LocalLimiter) prune() {
	cutoff := time.Now().Add(-staleAfter)
	for actor, b := range l.actors {
		if b.lastSeen.Before(cutoff) {
			delete(l.actors, actor)
		}
	}
}

// RedisLimiter enforces a fixed-window counter per actor in Redis, for
// deployments running more than one API replica.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisLimiter builds a fixed-window limiter granting each actor limit
// requests per window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit), window: window, prefix: "ratelimit"}
}

// WindowKey buckets now into the actor's current fixed window.
func (l *RedisLimiter) WindowKey(actor string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, actor, now.Unix()/int64(l.window.Seconds()))
}

// Allow increments the actor's window counter and compares it to the
// limit. The first hit of a window arms the key's expiry.
func (l *RedisLimiter) Allow(ctx context.Context, actor string) (bool, error) {
	key := l.WindowKey(actor, time.Now())
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return n <= l.limit, nil
}

// RateLimitMiddleware enforces per-actor limits on the requests selected
// by limited. The actor is the authenticated principal when present,
// falling back to the remote address. Limiter errors fail open rather
// than blocking all traffic.
func RateLimitMiddleware(limiter Limiter, limited func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limited == nil || !limited(r) {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), actorID(r))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorID picks the rate-limit key for a request.
func actorID(r *http.Request) string {
	if p, err := GetPrincipal(r.Context()); err == nil {
		return p.TenantID + "/" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
