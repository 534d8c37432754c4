// ABOUTME: SQLite queries for quota accounting and token usage tracking
// ABOUTME: Counts recent user messages per owner and stores per-turn model token usage

package store

import (
	"context"
	"fmt"
	"time"
)

// CountRecentMessagesByOwner counts user-authored messages in the owner's chats
// created within the trailing window.
func (s *SQLiteStore) CountRecentMessagesByOwner(ctx context.Context, ownerID string, window time.Duration) (int, error) {
	since := formatTime(time.Now().Add(-window))

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.owner_id = ? AND m.role = 'user' AND m.created_at >= ?
	`, ownerID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent messages: %w", err)
	}
	return count, nil
}

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	query := `
		INSERT INTO token_usage (
			id, chat_id, message_id, owner_id, model,
			input_tokens, output_tokens, reasoning_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.ChatID,
		nullString(usage.MessageID),
		usage.OwnerID,
		usage.Model,
		usage.InputTokens,
		usage.OutputTokens,
		usage.ReasoningTokens,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"chat_id", usage.ChatID,
		"model", usage.Model,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetUsageStats sums an owner's usage since the given time.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, ownerID string, since time.Time) (*UsageStats, error) {
	var stats UsageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0)
		FROM token_usage
		WHERE owner_id = ? AND created_at >= ?
	`, ownerID, formatTime(since)).Scan(
		&stats.Turns,
		&stats.InputTokens,
		&stats.OutputTokens,
		&stats.ReasoningTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}
