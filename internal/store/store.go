// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Chat, Message, StreamRecord and TokenUsage plus the Store contract

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-chat/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when trying to create a chat that already exists
var ErrDuplicateChat = errors.New("chat already exists")

// ErrDuplicateMessage is returned when a message id is already stored
var ErrDuplicateMessage = errors.New("message already exists")

// PlaceholderTitle is the title a chat carries until title generation finishes.
const PlaceholderTitle = "New chat"

// Visibility controls who may read a chat.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Chat is a conversation owned by one caller.
type Chat struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Message is a stored message: the UI message plus the chat it belongs to.
type Message struct {
	ChatID string
	message.Message
}

// StreamRecord associates a resumable stream with the chat whose turn produced it.
type StreamRecord struct {
	ID        string
	ChatID    string
	CreatedAt time.Time
}

// TokenUsage records model token consumption for one turn.
type TokenUsage struct {
	ID              string
	ChatID          string
	MessageID       string
	OwnerID         string
	Model           string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	CreatedAt       time.Time
}

// UsageStats aggregates TokenUsage rows.
type UsageStats struct {
	Turns           int64
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
}

// Store defines the persistence contract used by the orchestrator.
type Store interface {
	// Chats
	GetChat(ctx context.Context, id string) (*Chat, error)
	CreateChat(ctx context.Context, chat *Chat) error
	UpdateChatTitle(ctx context.Context, id, title string) error
	ListChats(ctx context.Context, ownerID string, limit int) ([]*Chat, error)
	DeleteChat(ctx context.Context, id string) (*Chat, error)

	// Messages
	GetMessages(ctx context.Context, chatID string) ([]*Message, error)
	InsertMessages(ctx context.Context, msgs []*Message) error
	UpdateMessage(ctx context.Context, chatID, id string, parts []message.Part) error
	CountRecentMessagesByOwner(ctx context.Context, ownerID string, window time.Duration) (int, error)

	// Streams
	CreateStreamRecord(ctx context.Context, streamID, chatID string) error
	GetStreamRecords(ctx context.Context, chatID string) ([]*StreamRecord, error)

	// Usage
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetUsageStats(ctx context.Context, ownerID string, since time.Time) (*UsageStats, error)

	Close() error
}
