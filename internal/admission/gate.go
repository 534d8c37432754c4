// ABOUTME: Admission gate deciding whether a caller may submit a turn to a chat
// ABOUTME: Checks the session, the rolling message quota for the caller's tier, and chat ownership

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/store"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Authorized Decision = iota
	Unauthorized
	Forbidden
	QuotaExceeded
)

func (d Decision) String() string {
	switch d {
	case Authorized:
		return "authorized"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case QuotaExceeded:
		return "quota_exceeded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Err returns the client-facing error for a rejection, nil for Authorized.
func (d Decision) Err() error {
	switch d {
	case Unauthorized:
		return chaterr.New(chaterr.KindUnauthorized, chaterr.SurfaceChat)
	case Forbidden:
		return chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat)
	case QuotaExceeded:
		return chaterr.New(chaterr.KindRateLimit, chaterr.SurfaceChat)
	default:
		return nil
	}
}

// Limits holds the quota policy.
type Limits struct {
	Window      time.Duration
	DefaultTier string
	Tiers       map[string]int
}

// Ceiling returns the message ceiling for a tier, falling back to DefaultTier.
func (l Limits) Ceiling(tier string) int {
	if n, ok := l.Tiers[tier]; ok {
		return n
	}
	return l.Tiers[l.DefaultTier]
}

// Gate reads the store and never writes to it.
type Gate struct {
	store  store.Store
	limits Limits
	logger *slog.Logger
}

// New creates a Gate.
func New(s store.Store, limits Limits, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Window <= 0 {
		limits.Window = 24 * time.Hour
	}
	return &Gate{store: s, limits: limits, logger: logger.With("component", "admission")}
}

// Admit decides whether session may submit a turn to chatID. A missing chat is
// allowed since the session initializer creates it.
func (g *Gate) Admit(ctx context.Context, session *auth.Session, chatID string) (Decision, error) {
	if session == nil || session.OwnerID == "" {
		return Unauthorized, nil
	}

	count, err := g.store.CountRecentMessagesByOwner(ctx, session.OwnerID, g.limits.Window)
	if err != nil {
		return Unauthorized, fmt.Errorf("counting recent messages: %w", err)
	}
	if ceiling := g.limits.Ceiling(session.Tier); count >= ceiling {
		g.logger.Info("quota exceeded",
			"owner_id", session.OwnerID,
			"tier", session.Tier,
			"count", count,
			"ceiling", ceiling,
		)
		return QuotaExceeded, nil
	}

	return g.CheckOwnership(ctx, session, chatID)
}

// CheckOwnership rejects access to a chat owned by someone else.
func (g *Gate) CheckOwnership(ctx context.Context, session *auth.Session, chatID string) (Decision, error) {
	if session == nil || session.OwnerID == "" {
		return Unauthorized, nil
	}

	chat, err := g.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return Authorized, nil
	}
	if err != nil {
		return Unauthorized, fmt.Errorf("loading chat: %w", err)
	}
	if chat.OwnerID != session.OwnerID {
		g.logger.Warn("foreign chat access", "chat_id", chatID, "owner_id", session.OwnerID)
		return Forbidden, nil
	}
	return Authorized, nil
}
