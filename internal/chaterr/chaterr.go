// ABOUTME: Translates internal failures into user-safe HTTP error responses
// ABOUTME: Errors carry a kind and a surface, rendered as {"code":"kind:surface",...}

package chaterr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Kind is the class of failure, which fixes the HTTP status.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindRateLimit           Kind = "rate_limit"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindOffline             Kind = "offline"
)

// Surface names the part of the API a failure occurred in.
type Surface string

const (
	SurfaceAPI     Surface = "api"
	SurfaceChat    Surface = "chat"
	SurfaceHistory Surface = "history"
	SurfaceStream  Surface = "stream"
	SurfaceGateway Surface = "activate_gateway"
)

// RequestIDHeader is read for the correlation id of unclassified failures.
const RequestIDHeader = "X-Request-Id"

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusPaymentRequired
	default:
		return http.StatusServiceUnavailable
	}
}

// Error is a classified failure safe to show to a client.
type Error struct {
	Kind    Kind
	Surface Surface
	Cause   string
	err     error
}

// New builds a classified error with the default user message.
func New(kind Kind, surface Surface) *Error {
	return &Error{Kind: kind, Surface: surface}
}

// Wrap builds a classified error that keeps err for logging and errors.Is.
func Wrap(kind Kind, surface Surface, err error) *Error {
	return &Error{Kind: kind, Surface: surface, err: err}
}

// WithCause attaches a user-visible cause.
func (e *Error) WithCause(cause string) *Error {
	e.Cause = cause
	return e
}

// Code is the "kind:surface" identifier sent to clients.
func (e *Error) Code() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Surface)
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Code(), e.err)
	}
	return e.Code()
}

func (e *Error) Unwrap() error { return e.err }

// Message is the user-safe text for the error.
func (e *Error) Message() string {
	if e.Kind == KindBadRequest && e.Surface == SurfaceGateway {
		return "The model provider requires a valid payment method before it will serve requests."
	}
	switch e.Kind {
	case KindBadRequest:
		return "The request couldn't be processed. Please check your input and try again."
	case KindUnauthorized:
		if e.Surface == SurfaceChat {
			return "You need to sign in to continue chatting."
		}
		return "You need to sign in before continuing."
	case KindForbidden:
		if e.Surface == SurfaceChat {
			return "This chat belongs to another user."
		}
		return "Your account does not have access to this feature."
	case KindNotFound:
		if e.Surface == SurfaceChat {
			return "The requested chat was not found."
		}
		return "The requested resource was not found."
	case KindRateLimit:
		return "You have exceeded your maximum number of messages for the day. Please try again later."
	case KindUpstreamUnavailable:
		return "The model provider requires a valid payment method before it will serve requests."
	default:
		return "We're having trouble sending your message. Please try again later."
	}
}

// Body is the JSON error document.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// Body renders the error document.
func (e *Error) Body() Body {
	return Body{Code: e.Code(), Message: e.Message(), Cause: e.Cause}
}

// paymentMarkers are substrings of upstream errors that mean billing must be set up first.
var paymentMarkers = []string{
	"requires a valid credit card",
	"credit card on file",
	"payment method",
	"payment required",
	"insufficient_quota",
}

// From classifies any error. Already classified errors pass through; upstream
// billing failures become upstream_unavailable; context cancellation becomes
// bad_request; everything else is offline on the given surface.
func From(err error, surface Surface) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if isPaymentError(err) {
		return Wrap(KindUpstreamUnavailable, surface, err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindBadRequest, surface, err)
	}
	return Wrap(KindOffline, surface, err)
}

func isPaymentError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range paymentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// CorrelationID returns the request's X-Request-Id or a fresh uuid.
func CorrelationID(r *http.Request) string {
	if r != nil {
		if id := strings.TrimSpace(r.Header.Get(RequestIDHeader)); id != "" {
			return id
		}
	}
	return uuid.New().String()
}

// Write classifies err and writes it as a JSON response. Offline errors are
// logged with a correlation id, which is also returned to the client as cause.
func Write(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, surface Surface) {
	ce := From(err, surface)
	if ce.Kind == KindOffline {
		id := CorrelationID(r)
		if logger != nil {
			logger.Error("unhandled request error", "error", err, "correlation_id", id, "code", ce.Code())
		}
		if ce.Cause == "" {
			ce = &Error{Kind: ce.Kind, Surface: ce.Surface, Cause: "correlation id " + id, err: ce.err}
		}
	}
	WriteError(w, ce)
}

// WriteError writes a classified error without logging.
func WriteError(w http.ResponseWriter, ce *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Kind.Status())
	_ = json.NewEncoder(w).Encode(ce.Body())
}
