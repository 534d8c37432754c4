// ABOUTME: Writes the messages a turn produced back to the store
// ABOUTME: Messages already known to the turn are updated in place, new ones are batch inserted

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-chat/internal/message"
	"github.com/2389/coven-chat/internal/store"
)

// Plan is what Reconcile did.
type Plan struct {
	Inserts []string
	Updates []string
}

// Reconcile persists finished against the messages the turn started with. A
// finished message whose id appears in turnMessages is updated; the rest are
// inserted in one batch. Update failures do not stop the remaining writes;
// every failure is returned joined.
func Reconcile(ctx context.Context, s store.Store, chatID string, turnMessages, finished []message.Message) (Plan, error) {
	known := make(map[string]struct{}, len(turnMessages))
	for _, m := range turnMessages {
		known[m.ID] = struct{}{}
	}

	var plan Plan
	var inserts []*store.Message
	var errs []error
	now := time.Now()

	for _, m := range finished {
		if _, ok := known[m.ID]; ok {
			if err := s.UpdateMessage(ctx, chatID, m.ID, m.Parts); err != nil {
				errs = append(errs, fmt.Errorf("update message %s: %w", m.ID, err))
				continue
			}
			plan.Updates = append(plan.Updates, m.ID)
			continue
		}
		msg := m.Clone()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		inserts = append(inserts, &store.Message{ChatID: chatID, Message: msg})
	}

	if len(inserts) > 0 {
		if err := s.InsertMessages(ctx, inserts); err != nil {
			errs = append(errs, fmt.Errorf("insert %d messages: %w", len(inserts), err))
		} else {
			for _, m := range inserts {
				plan.Inserts = append(plan.Inserts, m.ID)
			}
		}
	}

	return plan, errors.Join(errs...)
}
