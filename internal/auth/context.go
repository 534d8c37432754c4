// ABOUTME: Caller session carried through request handlers
// ABOUTME: Provides WithSession/FromContext for propagating the resolved caller via context

package auth

import (
	"context"
)

// Method records how a session was established.
type Method string

const (
	MethodJWT       Method = "jwt"
	MethodAPIKey    Method = "api_key"
	MethodAnonymous Method = "anonymous"
)

// Session is the authenticated caller: who they are and which quota tier applies.
type Session struct {
	OwnerID string
	Tier    string
	Method  Method
}

// sessionContextKey is the key type for storing a Session in context.Context.
type sessionContextKey struct{}

// WithSession returns a new context with the Session attached.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext retrieves the Session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}
