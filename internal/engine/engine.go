// ABOUTME: Generation engine contract: one streamed model step per Stream call
// ABOUTME: Defines modes, tool declarations, requests and the chunks a model emits

package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/coven-chat/internal/message"
)

// Mode selects how a turn is generated.
type Mode int

const (
	// ModeStandard offers all tools and smooths text output.
	ModeStandard Mode = iota
	// ModeReasoning offers no tools, passes a reasoning budget and streams raw deltas.
	ModeReasoning
)

func (m Mode) String() string {
	if m == ModeReasoning {
		return "reasoning"
	}
	return "standard"
}

// ModeFor derives the mode from a model identifier.
func ModeFor(modelID string) Mode {
	if strings.Contains(modelID, "reasoning") || strings.Contains(modelID, "thinking") {
		return ModeReasoning
	}
	return ModeStandard
}

// ToolSpec declares a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is the input to one model step.
type Request struct {
	Model           string
	System          string
	Messages        []message.Message
	Tools           []ToolSpec
	ReasoningBudget int // tokens; zero disables extended reasoning
}

// ChunkType discriminates Chunk.
type ChunkType int

const (
	ChunkText ChunkType = iota
	ChunkReasoning
	ChunkToolCall
	ChunkFinish
	ChunkError
)

// FinishReason says why a step ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishOther     FinishReason = "other"
)

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage is token accounting for one step.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.ReasoningTokens += u2.ReasoningTokens
}

// Chunk is one streamed event from a model step. A step ends with exactly one
// ChunkFinish or ChunkError, after which the channel is closed.
type Chunk struct {
	Type         ChunkType
	Text         string
	ToolCall     *ToolCall
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// Model streams one step of generation.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
