// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and records write calls for assertions

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/message"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	chats    map[string]*Chat          // keyed by chat ID
	messages map[string]*Message       // keyed by message ID
	order    []string                  // message IDs in insertion order
	streams  map[string][]*StreamRecord // keyed by chat ID
	usage    []*TokenUsage

	// Inserted and Updated record message ids in call order.
	Inserted []string
	Updated  []string

	// Err, when set, is returned by every write.
	Err error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string]*Message),
		streams:  make(map[string][]*StreamRecord),
	}
}

// GetChat retrieves a chat by ID.
func (m *MockStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// CreateChat stores a new chat.
func (m *MockStore) CreateChat(ctx context.Context, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.chats[chat.ID]; ok {
		return ErrDuplicateChat
	}
	c := *chat
	if c.Visibility == "" {
		c.Visibility = VisibilityPrivate
	}
	m.chats[c.ID] = &c
	return nil
}

// UpdateChatTitle overwrites a chat's title.
func (m *MockStore) UpdateChatTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	c, ok := m.chats[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	return nil
}

// ListChats returns an owner's chats, newest first.
func (m *MockStore) ListChats(ctx context.Context, ownerID string, limit int) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Chat
	for _, c := range m.chats {
		if c.OwnerID == ownerID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteChat removes a chat and everything attached to it.
func (m *MockStore) DeleteChat(ctx context.Context, id string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.chats, id)
	delete(m.streams, id)

	kept := m.order[:0]
	for _, mid := range m.order {
		if m.messages[mid].ChatID == id {
			delete(m.messages, mid)
			continue
		}
		kept = append(kept, mid)
	}
	m.order = kept
	return c, nil
}

// GetMessages returns a chat's messages in insertion order.
func (m *MockStore) GetMessages(ctx context.Context, chatID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.ChatID != chatID {
			continue
		}
		cp := Message{ChatID: msg.ChatID, Message: msg.Message.Clone()}
		result = append(result, &cp)
	}
	return result, nil
}

// InsertMessages stores new messages, rejecting the batch on a duplicate id.
func (m *MockStore) InsertMessages(ctx context.Context, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	for _, msg := range msgs {
		if _, ok := m.messages[msg.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
	}
	for _, msg := range msgs {
		cp := Message{ChatID: msg.ChatID, Message: msg.Message.Clone()}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		m.messages[cp.ID] = &cp
		m.order = append(m.order, cp.ID)
		m.Inserted = append(m.Inserted, cp.ID)
	}
	return nil
}

// UpdateMessage rewrites the parts of a message stored under chatID.
func (m *MockStore) UpdateMessage(ctx context.Context, chatID, id string, parts []message.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	msg, ok := m.messages[id]
	if !ok || msg.ChatID != chatID {
		return ErrNotFound
	}
	msg.Parts = message.Message{Parts: parts}.Clone().Parts
	m.Updated = append(m.Updated, id)
	return nil
}

// CountRecentMessagesByOwner counts user messages in the owner's chats within window.
func (m *MockStore) CountRecentMessagesByOwner(ctx context.Context, ownerID string, window time.Duration) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := time.Now().Add(-window)
	count := 0
	for _, msg := range m.messages {
		c, ok := m.chats[msg.ChatID]
		if !ok || c.OwnerID != ownerID || msg.Role != message.RoleUser {
			continue
		}
		if !msg.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// CreateStreamRecord records a stream for a chat.
func (m *MockStore) CreateStreamRecord(ctx context.Context, streamID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.streams[chatID] = append(m.streams[chatID], &StreamRecord{ID: streamID, ChatID: chatID, CreatedAt: time.Now()})
	return nil
}

// GetStreamRecords returns a chat's stream records, newest first.
func (m *MockStore) GetStreamRecords(ctx context.Context, chatID string) ([]*StreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.streams[chatID]
	result := make([]*StreamRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		cp := *recs[i]
		result = append(result, &cp)
	}
	return result, nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// GetUsageStats sums an owner's usage since the given time.
func (m *MockStore) GetUsageStats(ctx context.Context, ownerID string, since time.Time) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if u.OwnerID != ownerID || u.CreatedAt.Before(since) {
			continue
		}
		stats.Turns++
		stats.InputTokens += int64(u.InputTokens)
		stats.OutputTokens += int64(u.OutputTokens)
		stats.ReasoningTokens += int64(u.ReasoningTokens)
	}
	return &stats, nil
}

// Writes returns copies of the recorded insert and update ids.
func (m *MockStore) Writes() (inserted, updated []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Inserted...), append([]string(nil), m.Updated...)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
