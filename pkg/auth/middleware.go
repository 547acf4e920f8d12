// Package auth authenticates control-plane requests and binds each one to
// a tenant. Two credential forms are accepted: a static API key mapped to
// a tenant, and a Bearer JWT carrying a tenant_id claim. Requests without
// credentials are rejected with 401; bad credentials and contradictory
// tenant overrides with 403.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tracefirst/attest/pkg/api"
	"github.com/tracefirst/attest/pkg/tenants"
)

// Request headers read by the authenticator.
const (
	HeaderAPIKey = "X-API-Key"
	HeaderTenant = "X-Tenant-ID"
)

// Claims are the JWT claims accepted by the API. TenantID is mandatory;
// a token without a tenant binding cannot scope store access.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Authenticator resolves request credentials to a Principal. Either
// credential source may be left unconfigured; a request must satisfy one
// of the remaining ones.
type Authenticator struct {
	keys   map[string]string
	jwtKey []byte
}

// NewAuthenticator builds an authenticator from an API-key -> tenant map
// and an optional HMAC key for validating Bearer tokens.
func NewAuthenticator(keys map[string]string, jwtKey []byte) *Authenticator {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &Authenticator{keys: cp, jwtKey: jwtKey}
}

// ValidateToken parses and validates a Bearer token string. Only HS256
// signatures under the configured key are accepted.
func (a *Authenticator) ValidateToken(tokenStr string) (*Claims, error) {
	if len(a.jwtKey) == 0 {
		return nil, errors.New("auth: bearer tokens not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.jwtKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints served without credentials.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// keyPrefix is the identifying, loggable prefix of an API key.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

// Middleware authenticates every non-public request and injects the
// resolved Principal and tenant into the context. The X-API-Key header
// wins when both credential forms are present.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := a.resolve(w, r)
		if !ok {
			return
		}

		// An explicit tenant header is an assertion, not a switch: it
		// must agree with the tenant the credential already names.
		if override := r.Header.Get(HeaderTenant); override != "" && override != principal.TenantID {
			api.WriteForbidden(w, "X-Tenant-ID does not match the credential's tenant")
			return
		}

		ctx := WithPrincipal(r.Context(), principal)
		ctx = tenants.WithTenant(ctx, principal.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolve authenticates the request, writing the error response itself
// when the credentials do not hold up.
func (a *Authenticator) resolve(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		tenant, known := a.keys[key]
		if !known {
			api.WriteForbidden(w, "Unknown API key")
			return Principal{}, false
		}
		return Principal{Subject: keyPrefix(key), TenantID: tenant, Method: MethodAPIKey}, true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		api.WriteUnauthorized(w, "Missing credentials: provide X-API-Key or a Bearer token")
		return Principal{}, false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
		return Principal{}, false
	}

	claims, err := a.ValidateToken(parts[1])
	if err != nil {
		api.WriteForbidden(w, "Invalid or expired token")
		return Principal{}, false
	}
	if claims.TenantID == "" {
		api.WriteForbidden(w, "Token tenant binding is required")
		return Principal{}, false
	}
	return Principal{Subject: claims.Subject, TenantID: claims.TenantID, Method: MethodJWT}, true
}
