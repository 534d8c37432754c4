// ABOUTME: Tests for the message model and tool part state machine
// ABOUTME: Covers part encoding, tool call id uniqueness and the transition table

package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolPart(callID string, state ToolState) Part {
	return Part{
		Type:       ToolPartType("getWeather"),
		ToolCallID: callID,
		State:      state,
		Input:      json.RawMessage(`{"latitude":1,"longitude":2}`),
	}
}

func TestPartType_Tool(t *testing.T) {
	pt := ToolPartType("deleteSpace")
	assert.True(t, pt.IsTool())
	assert.Equal(t, "deleteSpace", pt.ToolName())

	assert.False(t, PartText.IsTool())
	assert.False(t, PartType("tool-").IsTool())
	assert.Empty(t, PartReasoning.ToolName())
}

func TestEncodeDecodeParts_PreservesToolFields(t *testing.T) {
	approved := false
	parts := []Part{
		TextPart("hi"),
		{
			Type:       ToolPartType("deleteSpace"),
			ToolCallID: "call-1",
			State:      StateOutputDenied,
			Input:      json.RawMessage(`{"id":"space-1"}`),
			Approval:   &Approval{ID: "appr-1", Approved: &approved, Reason: "no"},
		},
	}

	encoded, err := EncodeParts(parts)
	require.NoError(t, err)

	decoded, err := DecodeParts(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "hi", decoded[0].Text)
	assert.Equal(t, StateOutputDenied, decoded[1].State)
	require.NotNil(t, decoded[1].Approval)
	require.NotNil(t, decoded[1].Approval.Approved)
	assert.False(t, *decoded[1].Approval.Approved)
	assert.JSONEq(t, `{"id":"space-1"}`, string(decoded[1].Input))
}

func TestEncodeParts_NilBecomesEmptyArray(t *testing.T) {
	encoded, err := EncodeParts(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", encoded)
}

func TestMessage_Validate(t *testing.T) {
	valid := Message{ID: "m1", Role: RoleUser, Parts: []Part{TextPart("hello")}}
	assert.NoError(t, valid.Validate())

	noID := Message{Role: RoleUser}
	assert.Error(t, noID.Validate())

	badRole := Message{ID: "m1", Role: "robot"}
	assert.Error(t, badRole.Validate())

	badTool := Message{ID: "m1", Role: RoleAssistant, Parts: []Part{{Type: ToolPartType("x"), ToolCallID: "c", State: "running"}}}
	assert.Error(t, badTool.Validate())
}

func TestValidateToolCallIDs(t *testing.T) {
	msgs := []Message{
		{ID: "a", Role: RoleAssistant, Parts: []Part{toolPart("call-1", StateOutputAvailable)}},
		{ID: "b", Role: RoleAssistant, Parts: []Part{toolPart("call-2", StateInputAvailable)}},
	}
	assert.NoError(t, ValidateToolCallIDs(msgs))

	msgs = append(msgs, Message{ID: "c", Role: RoleAssistant, Parts: []Part{toolPart("call-1", StateInputAvailable)}})
	assert.ErrorIs(t, ValidateToolCallIDs(msgs), ErrDuplicateToolCall)
}

func TestMessage_CloneDoesNotAlias(t *testing.T) {
	approved := true
	orig := Message{ID: "m", Role: RoleAssistant, Parts: []Part{toolPart("c", StateApprovalResponded)}}
	orig.Parts[0].Approval = &Approval{ID: "a", Approved: &approved}

	cp := orig.Clone()
	cp.Parts[0].State = StateOutputAvailable
	*cp.Parts[0].Approval.Approved = false

	assert.Equal(t, StateApprovalResponded, orig.Parts[0].State)
	assert.True(t, *orig.Parts[0].Approval.Approved)
}

func TestTransition_Table(t *testing.T) {
	allowed := [][2]ToolState{
		{StateInputAvailable, StateApprovalRequested},
		{StateInputAvailable, StateOutputAvailable},
		{StateApprovalRequested, StateApprovalResponded},
		{StateApprovalRequested, StateOutputDenied},
		{StateApprovalResponded, StateOutputAvailable},
		{StateApprovalResponded, StateOutputDenied},
	}
	for _, edge := range allowed {
		assert.NoError(t, Transition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	rejected := [][2]ToolState{
		{StateOutputAvailable, StateInputAvailable},
		{StateOutputDenied, StateOutputAvailable},
		{StateApprovalRequested, StateOutputAvailable},
		{StateInputAvailable, StateOutputDenied},
		{StateInputAvailable, "bogus"},
	}
	for _, edge := range rejected {
		assert.ErrorIs(t, Transition(edge[0], edge[1]), ErrInvalidTransition, "%s -> %s", edge[0], edge[1])
	}
}

func TestPart_AdvanceLeavesStateOnError(t *testing.T) {
	p := toolPart("c", StateOutputAvailable)
	err := p.Advance(StateApprovalRequested)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateOutputAvailable, p.State)

	text := TextPart("x")
	assert.ErrorIs(t, text.Advance(StateOutputAvailable), ErrInvalidTransition)
}

func TestPart_Responded(t *testing.T) {
	approved := true
	p := toolPart("c", StateApprovalResponded)
	p.Approval = &Approval{ID: "a", Approved: &approved}

	ok, decision := p.Responded()
	assert.True(t, ok)
	assert.True(t, decision)

	p.Approval.Approved = nil
	ok, decision = p.Responded()
	assert.True(t, ok)
	assert.False(t, decision)

	pending := toolPart("d", StateApprovalRequested)
	assert.True(t, pending.PendingApproval())
	ok, _ = pending.Responded()
	assert.False(t, ok)
	assert.True(t, StateOutputDenied.Terminal())
	assert.False(t, StateInputAvailable.Terminal())
}
