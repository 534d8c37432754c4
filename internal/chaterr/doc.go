// Package chaterr maps failures to user-safe HTTP responses.
//
// Every error that reaches a client is a *Error with a Kind (which fixes the
// status) and a Surface:
//
//	{"code":"rate_limit:chat","message":"...","cause":"..."}
//
// Failures inside an open stream are not rendered here; the generator emits an
// error frame instead.
package chaterr
