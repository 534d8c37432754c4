// ABOUTME: HTTP session resolution for chat endpoints
// ABOUTME: Resolves bearer JWTs and API keys into a Session attached to the request context

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrNoCredentials is returned when a request carries neither a bearer token nor an API key.
var ErrNoCredentials = errors.New("no credentials")

// APIKeyHeader is the header service callers put their static key in.
const APIKeyHeader = "X-API-Key"

// Resolver turns an incoming request into a Session.
type Resolver interface {
	Resolve(r *http.Request) (*Session, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (*Session, error)

func (f ResolverFunc) Resolve(r *http.Request) (*Session, error) { return f(r) }

// CredentialResolver checks the Authorization bearer token first, then the API key header.
// Either verifier may be nil. Tokens without a tier claim get DefaultTier.
type CredentialResolver struct {
	Tokens      TokenVerifier
	Keys        *APIKeyVerifier
	DefaultTier string
}

var _ Resolver = (*CredentialResolver)(nil)

func (c *CredentialResolver) Resolve(r *http.Request) (*Session, error) {
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		if c.Tokens == nil {
			return nil, ErrInvalidToken
		}
		claims, err := c.Tokens.Verify(token)
		if err != nil {
			return nil, err
		}
		tier := claims.Tier
		if tier == "" {
			tier = c.DefaultTier
		}
		return &Session{OwnerID: claims.Subject, Tier: tier, Method: MethodJWT}, nil
	}

	if key := r.Header.Get(APIKeyHeader); key != "" {
		if c.Keys == nil {
			return nil, ErrUnknownAPIKey
		}
		entry, err := c.Keys.Verify(key)
		if err != nil {
			return nil, err
		}
		tier := entry.Tier
		if tier == "" {
			tier = c.DefaultTier
		}
		return &Session{OwnerID: entry.Principal, Tier: tier, Method: MethodAPIKey}, nil
	}

	return nil, ErrNoCredentials
}

// AnonymousResolver gives every request the same session. Used when no
// credentials are configured, for local development.
func AnonymousResolver(ownerID, tier string) Resolver {
	return ResolverFunc(func(*http.Request) (*Session, error) {
		return &Session{OwnerID: ownerID, Tier: tier, Method: MethodAnonymous}, nil
	})
}

// extractBearerToken extracts the token from "Bearer <token>" format.
// Returns empty string if the header is missing or malformed.
func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}

	return strings.TrimSpace(authHeader[len(prefix):])
}

// SessionMiddleware attaches the resolved Session to the request context when
// resolution succeeds. Failed resolution is not rejected here; handlers leave
// that decision to admission so the error body stays uniform.
func SessionMiddleware(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := resolver.Resolve(r)
			if err != nil {
				if !errors.Is(err, ErrNoCredentials) {
					logger.Debug("session resolution failed", "error", err, "path", r.URL.Path)
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}
