// Package auth resolves chat callers into sessions.
//
// # Authentication Methods
//
//   - JWT Tokens: HS256 tokens signed with auth.jwt_secret. The "sub" claim is
//     the owner id and the optional "tier" claim selects the quota tier.
//
//   - API Keys: service callers send X-API-Key. Keys are configured as bcrypt
//     hashes (see "coven-chat hash-key") together with a principal and tier.
//
// When neither is configured the server runs with an anonymous local session.
//
// # Sessions
//
// SessionMiddleware attaches a *Session to the request context:
//
//	session := auth.FromContext(r.Context()) // nil when the caller is unknown
//
// A nil session is not rejected by the middleware. The admission gate turns it
// into an unauthorized response.
package auth
