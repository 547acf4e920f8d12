package auth

// Method names how a request authenticated.
type Method string

const (
	// MethodAPIKey marks requests authenticated by the X-API-Key header.
	MethodAPIKey Method = "api_key"
	// MethodJWT marks requests authenticated by a Bearer token.
	MethodJWT Method = "jwt"
)

// Principal is the authenticated caller of a request. Subject is the API
// key for key auth and the token subject for JWT auth; TenantID scopes
// every store access made on the caller's behalf.
type Principal struct {
	Subject  string `json:"subject"`
	TenantID string `json:"tenant_id"`
	Method   Method `json:"method"`
}
