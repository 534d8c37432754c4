// ABOUTME: Stream frames: typed, sequenced JSON events delivered to chat clients
// ABOUTME: Frame types follow the delta-event UI message stream convention

package stream

import (
	"encoding/json"
)

// FrameType names a frame.
type FrameType string

const (
	FrameStart               FrameType = "start"
	FrameStartStep           FrameType = "start-step"
	FrameTextStart           FrameType = "text-start"
	FrameTextDelta           FrameType = "text-delta"
	FrameTextEnd             FrameType = "text-end"
	FrameReasoningStart      FrameType = "reasoning-start"
	FrameReasoningDelta      FrameType = "reasoning-delta"
	FrameReasoningEnd        FrameType = "reasoning-end"
	FrameToolInputAvailable  FrameType = "tool-input-available"
	FrameToolApprovalRequest FrameType = "tool-approval-request"
	FrameToolOutputAvailable FrameType = "tool-output-available"
	FrameToolOutputDenied    FrameType = "tool-output-denied"
	FrameFinishStep          FrameType = "finish-step"
	FrameChatTitle           FrameType = "data-chat-title"
	FrameError               FrameType = "error"
	FrameFinish              FrameType = "finish"
)

// Frame is one event. Seq is assigned by the broker, starting at 1 per stream.
// Data is the complete JSON payload including its "type" field.
type Frame struct {
	Seq  int64           `json:"seq"`
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewFrame builds a frame whose payload is fields plus "type".
func NewFrame(t FrameType, fields map[string]any) Frame {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = t
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"type": FrameError, "errorText": "unencodable frame"})
		return Frame{Type: FrameError, Data: data}
	}
	return Frame{Type: t, Data: data}
}

// Terminal reports whether no frames follow this one.
func (f Frame) Terminal() bool {
	return f.Type == FrameFinish
}
