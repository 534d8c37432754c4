// ABOUTME: Tests for quota counting and token usage persistence
// ABOUTME: Runs the same quota scenarios against SQLite and the mock store

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/message"
)

func TestCountRecentMessagesByOwner(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"mock":   func(t *testing.T) Store { return NewMockStore() },
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			createTestChat(t, s, "mine", "user-1")
			createTestChat(t, s, "theirs", "user-2")

			now := time.Now()
			msgs := []*Message{
				{ChatID: "mine", Message: message.Message{ID: "u1", Role: message.RoleUser, CreatedAt: now.Add(-time.Hour)}},
				{ChatID: "mine", Message: message.Message{ID: "u2", Role: message.RoleUser, CreatedAt: now.Add(-2 * time.Hour)}},
				{ChatID: "mine", Message: message.Message{ID: "old", Role: message.RoleUser, CreatedAt: now.Add(-25 * time.Hour)}},
				{ChatID: "mine", Message: message.Message{ID: "a1", Role: message.RoleAssistant, CreatedAt: now}},
				{ChatID: "theirs", Message: message.Message{ID: "x1", Role: message.RoleUser, CreatedAt: now}},
			}
			require.NoError(t, s.InsertMessages(ctx, msgs))

			count, err := s.CountRecentMessagesByOwner(ctx, "user-1", 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			count, err = s.CountRecentMessagesByOwner(ctx, "nobody", 24*time.Hour)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestUsageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveUsage(ctx, &TokenUsage{
			ID:           uuid.New().String(),
			ChatID:       "chat-1",
			OwnerID:      "user-1",
			Model:        "chat-model",
			InputTokens:  10,
			OutputTokens: 5,
			CreatedAt:    time.Now(),
		}))
	}
	require.NoError(t, s.SaveUsage(ctx, &TokenUsage{
		ID:          uuid.New().String(),
		ChatID:      "chat-1",
		OwnerID:     "user-1",
		Model:       "chat-model",
		InputTokens: 1000,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
	}))

	stats, err := s.GetUsageStats(ctx, "user-1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Turns)
	assert.Equal(t, int64(30), stats.InputTokens)
	assert.Equal(t, int64(15), stats.OutputTokens)

	empty, err := s.GetUsageStats(ctx, "nobody", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, empty.Turns)
}
