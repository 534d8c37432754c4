// ABOUTME: UI-facing message model shared by the store, orchestrator and HTTP layer
// ABOUTME: Messages carry ordered heterogeneous parts (text, reasoning, file, tool invocation)

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateToolCall is returned when two tool parts in one conversation share a call id.
var ErrDuplicateToolCall = errors.New("duplicate tool call id")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// PartType discriminates Part variants. Tool invocation parts use "tool-<name>".
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartFile      PartType = "file"
	PartStepStart PartType = "step-start"

	toolPrefix = "tool-"
)

// ToolPartType returns the part type for invocations of the named tool.
func ToolPartType(toolName string) PartType {
	return PartType(toolPrefix + toolName)
}

// IsTool reports whether the part type is a tool invocation.
func (t PartType) IsTool() bool {
	return strings.HasPrefix(string(t), toolPrefix) && len(t) > len(toolPrefix)
}

// ToolName returns the tool name for a tool invocation part type, or "".
func (t PartType) ToolName() string {
	if !t.IsTool() {
		return ""
	}
	return strings.TrimPrefix(string(t), toolPrefix)
}

// Approval records a pending or resolved human decision on a tool call.
type Approval struct {
	ID       string `json:"id"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Part is one element of a message. Which fields are meaningful depends on Type.
type Part struct {
	Type PartType `json:"type"`

	// text and reasoning
	Text string `json:"text,omitempty"`

	// file
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// tool invocation
	ToolCallID string          `json:"toolCallId,omitempty"`
	State      ToolState       `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message is a single conversation message as exchanged with clients.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolPart returns a pointer to the tool part with the given call id, or nil.
func (m *Message) ToolPart(callID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].Type.IsTool() && m.Parts[i].ToolCallID == callID {
			return &m.Parts[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate parts without aliasing.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp := p
		if p.Input != nil {
			cp.Input = append(json.RawMessage(nil), p.Input...)
		}
		if p.Output != nil {
			cp.Output = append(json.RawMessage(nil), p.Output...)
		}
		if p.Approval != nil {
			a := *p.Approval
			if a.Approved != nil {
				v := *a.Approved
				a.Approved = &v
			}
			cp.Approval = &a
		}
		out.Parts[i] = cp
	}
	return out
}

// Validate checks the structural invariants of a single message.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	for i, p := range m.Parts {
		if p.Type == "" {
			return fmt.Errorf("part %d: type is required", i)
		}
		if p.Type.IsTool() {
			if p.ToolCallID == "" {
				return fmt.Errorf("part %d: toolCallId is required", i)
			}
			if !p.State.Valid() {
				return fmt.Errorf("part %d: invalid tool state %q", i, p.State)
			}
		}
	}
	return nil
}

// ValidateToolCallIDs ensures every tool call id appears at most once across msgs.
func ValidateToolCallIDs(msgs []Message) error {
	seen := make(map[string]string)
	for _, m := range msgs {
		for _, p := range m.Parts {
			if !p.Type.IsTool() {
				continue
			}
			if owner, ok := seen[p.ToolCallID]; ok {
				return fmt.Errorf("%w: %s (messages %s and %s)", ErrDuplicateToolCall, p.ToolCallID, owner, m.ID)
			}
			seen[p.ToolCallID] = m.ID
		}
	}
	return nil
}

// EncodeParts serializes parts for storage.
func EncodeParts(parts []Part) (string, error) {
	if parts == nil {
		parts = []Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encoding parts: %w", err)
	}
	return string(data), nil
}

// DecodeParts is the inverse of EncodeParts.
func DecodeParts(data string) ([]Part, error) {
	var parts []Part
	if err := json.Unmarshal([]byte(data), &parts); err != nil {
		return nil, fmt.Errorf("decoding parts: %w", err)
	}
	return parts, nil
}
