// ABOUTME: Tests for turn start, generation, approvals and completion
// ABOUTME: Uses a scripted engine model, MockStore and a real tool registry

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/engine"
	"github.com/2389/coven-chat/internal/message"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/tools"
)

// scriptedStep is one model call.
type scriptedStep struct {
	chunks []engine.Chunk
	err    error
	wait   <-chan struct{}
}

// fakeModel replays scripted steps; calls past the script answer "ok".
type fakeModel struct {
	mu       sync.Mutex
	steps    []scriptedStep
	requests []engine.Request
}

func (m *fakeModel) Stream(ctx context.Context, req engine.Request) (<-chan engine.Chunk, error) {
	m.mu.Lock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	s := textStep("ok")
	if i < len(m.steps) {
		s = m.steps[i]
	}
	m.mu.Unlock()

	if s.wait != nil {
		select {
		case <-s.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan engine.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (m *fakeModel) Requests() []engine.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]engine.Request(nil), m.requests...)
}

func textStep(deltas ...string) scriptedStep {
	var cs []engine.Chunk
	for _, d := range deltas {
		cs = append(cs, engine.Chunk{Type: engine.ChunkText, Text: d})
	}
	cs = append(cs, engine.Chunk{
		Type:         engine.ChunkFinish,
		FinishReason: engine.FinishStop,
		Usage:        &engine.Usage{InputTokens: 10, OutputTokens: 5},
	})
	return scriptedStep{chunks: cs}
}

func toolStep(callID, name, input string) scriptedStep {
	return scriptedStep{chunks: []engine.Chunk{
		{Type: engine.ChunkToolCall, ToolCall: &engine.ToolCall{ID: callID, Name: name, Input: json.RawMessage(input)}},
		{Type: engine.ChunkFinish, FinishReason: engine.FinishToolCalls, Usage: &engine.Usage{InputTokens: 8, OutputTokens: 2}},
	}}
}

type fakeTitler struct {
	title string
	err   error
	wait  <-chan struct{}
	calls atomic.Int32
}

func (f *fakeTitler) Title(ctx context.Context, _ message.Message) (string, error) {
	f.calls.Add(1)
	if f.wait != nil {
		select {
		case <-f.wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.title, f.err
}

type testEnv struct {
	svc          *Service
	store        *store.MockStore
	model        *fakeModel
	weatherCalls atomic.Int32
	deleteCalls  atomic.Int32
}

func newTestEnv(t *testing.T, model *fakeModel, titler engine.Titler) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMockStore(), model: model}

	reg := tools.NewRegistry(time.Second, nil)
	require.NoError(t, reg.Register(tools.Entry{
		Name:        "getWeather",
		Description: "Get the current weather at a location",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Source:      tools.Builtin("weather"),
		Handler: func(context.Context, json.RawMessage) (any, error) {
			env.weatherCalls.Add(1)
			return map[string]any{"temperature": 21.5}, nil
		},
	}))
	require.NoError(t, reg.Register(tools.Entry{
		Name:             "deleteSpace",
		Description:      "Delete a knowledge space",
		Schema:           json.RawMessage(`{"type":"object"}`),
		Source:           tools.External(tools.SpacesProvider),
		RequiresApproval: true,
		Handler: func(context.Context, json.RawMessage) (any, error) {
			env.deleteCalls.Add(1)
			return map[string]any{"success": true, "message": "Space deleted successfully"}, nil
		},
	}))

	approvals := dedupe.New(time.Hour, 100)
	t.Cleanup(approvals.Close)

	env.svc = New(Config{}, Options{
		Store:     env.store,
		Model:     model,
		Titler:    titler,
		Tools:     reg,
		Approvals: approvals,
	})
	return env
}

var testSession = &auth.Session{OwnerID: "user-1", Tier: "regular", Method: auth.MethodJWT}

func userMessage(id, text string) message.Message {
	return message.Message{ID: id, Role: message.RoleUser, Parts: []message.Part{message.TextPart(text)}}
}

// collect drains a turn's frames. onFrame, if set, sees each frame as it arrives.
func collect(t *testing.T, turn *Turn, onFrame func(stream.Frame)) []stream.Frame {
	t.Helper()
	var frames []stream.Frame
	ch := turn.Frames()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, f)
			if onFrame != nil {
				onFrame(f)
			}
		case <-timeout:
			t.Fatal("timed out waiting for frames")
			return nil
		}
	}
}

func frameTypes(frames []stream.Frame) []stream.FrameType {
	out := make([]stream.FrameType, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func payload(t *testing.T, f stream.Frame) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func framesOf(frames []stream.Frame, typ stream.FrameType) []stream.Frame {
	var out []stream.Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func textDeltas(t *testing.T, frames []stream.Frame) []string {
	var out []string
	for _, f := range framesOf(frames, stream.FrameTextDelta) {
		out = append(out, payload(t, f)["delta"].(string))
	}
	return out
}

func storedMessages(t *testing.T, s *store.MockStore, chatID string) []*store.Message {
	t.Helper()
	msgs, err := s.GetMessages(context.Background(), chatID)
	require.NoError(t, err)
	return msgs
}

func partTypes(m message.Message) []message.PartType {
	out := make([]message.PartType, len(m.Parts))
	for i, p := range m.Parts {
		out[i] = p.Type
	}
	return out
}

func assertKind(t *testing.T, err error, kind chaterr.Kind) {
	t.Helper()
	var ce *chaterr.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, kind, ce.Kind)
}

func TestBegin_FreshTurn(t *testing.T) {
	titleSeen := make(chan struct{})
	step := textStep("Hel", "lo the", "re")
	step.wait = titleSeen
	model := &fakeModel{steps: []scriptedStep{step}}
	titler := &fakeTitler{title: "Friendly Greeting"}
	env := newTestEnv(t, model, titler)
	ctx := context.Background()

	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(ctx, BeginRequest{
		Session:    testSession,
		ChatID:     "c1",
		Message:    &msg,
		ModelID:    "chat-model",
		Visibility: store.VisibilityPrivate,
	})
	require.NoError(t, err)
	assert.False(t, turn.Continuation)
	assert.NotEmpty(t, turn.StreamID)

	frames := collect(t, turn, func(f stream.Frame) {
		if f.Type == stream.FrameChatTitle {
			close(titleSeen)
		}
	})
	require.NoError(t, turn.Wait())

	types := frameTypes(frames)
	assert.Equal(t, stream.FrameStart, types[0])
	assert.Equal(t, stream.FrameFinish, types[len(types)-1])
	assert.Len(t, framesOf(frames, stream.FrameFinish), 1)

	titles := framesOf(frames, stream.FrameChatTitle)
	require.Len(t, titles, 1)
	assert.Equal(t, "Friendly Greeting", payload(t, titles[0])["data"])
	assert.Equal(t, []string{"Hello ", "there"}, textDeltas(t, frames))

	chat, err := env.store.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", chat.OwnerID)
	assert.Equal(t, "Friendly Greeting", chat.Title)

	msgs := storedMessages(t, env.store, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Text())
	assert.Equal(t, payload(t, frames[0])["messageId"], msgs[1].ID)

	inserted, updated := env.store.Writes()
	assert.Equal(t, []string{"m1", msgs[1].ID}, inserted)
	assert.Empty(t, updated)

	latest, err := env.svc.LatestStream(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, turn.StreamID, latest)

	stats, err := env.store.GetUsageStats(ctx, "user-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Turns)
	assert.Equal(t, int64(10), stats.InputTokens)
}

func TestBegin_TitleStoredAfterStreamClosed(t *testing.T) {
	release := make(chan struct{})
	titler := &fakeTitler{title: "Late Title", wait: release}
	env := newTestEnv(t, &fakeModel{steps: []scriptedStep{textStep("Hi")}}, titler)

	msg := userMessage("m1", "hello there")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg})
	require.NoError(t, err)

	frames := collect(t, turn, nil)
	close(release)
	require.NoError(t, turn.Wait())

	assert.Empty(t, framesOf(frames, stream.FrameChatTitle))
	chat, err := env.store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Late Title", chat.Title)
}

func TestBegin_ExistingChatAppendsToHistory(t *testing.T) {
	titler := &fakeTitler{title: "unused"}
	model := &fakeModel{}
	env := newTestEnv(t, model, titler)
	ctx := context.Background()

	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1", Title: "Weather"}))
	first := userMessage("m1", "weather?")
	require.NoError(t, env.store.InsertMessages(ctx, []*store.Message{{ChatID: "c1", Message: first}}))

	msg := userMessage("m2", "and tomorrow?")
	turn, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Equal(t, int32(0), titler.calls.Load())
	reqs := model.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, "m1", reqs[0].Messages[0].ID)
	assert.Equal(t, "m2", reqs[0].Messages[1].ID)
	assert.Equal(t, message.RoleAssistant, reqs[0].Messages[2].Role)
}

func TestBegin_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeModel{}, nil)
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "theirs", OwnerID: "user-2"}))

	msg := userMessage("m1", "hi")
	assistant := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{message.TextPart("hello")}}

	tests := []struct {
		name string
		req  BeginRequest
		kind chaterr.Kind
	}{
		{"no session", BeginRequest{ChatID: "c1", Message: &msg}, chaterr.KindUnauthorized},
		{"foreign chat", BeginRequest{Session: testSession, ChatID: "theirs", Message: &msg}, chaterr.KindForbidden},
		{"both message and messages", BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, Messages: []message.Message{msg}}, chaterr.KindBadRequest},
		{"neither", BeginRequest{Session: testSession, ChatID: "c1"}, chaterr.KindBadRequest},
		{"assistant as new message", BeginRequest{Session: testSession, ChatID: "c1", Message: &assistant}, chaterr.KindBadRequest},
		{"continuation of missing chat", BeginRequest{Session: testSession, ChatID: "missing", Messages: []message.Message{msg}}, chaterr.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Begin(ctx, tt.req)
			var ce *chaterr.Error
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
		})
	}

	inserted, _ := env.store.Writes()
	assert.Empty(t, inserted)
	_, err := env.store.GetChat(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGenerate_ReasoningModeHasNoToolsAndRawDeltas(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{{chunks: []engine.Chunk{
		{Type: engine.ChunkReasoning, Text: "Let me think"},
		{Type: engine.ChunkText, Text: "Hel"},
		{Type: engine.ChunkText, Text: "lo"},
		{Type: engine.ChunkFinish, FinishReason: engine.FinishStop, Usage: &engine.Usage{InputTokens: 3, OutputTokens: 2, ReasoningTokens: 40}},
	}}}}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "why is the sky blue")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model-reasoning"})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeReasoning, turn.Mode)

	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	assert.NotNil(t, reqs[0].Tools)
	assert.Empty(t, reqs[0].Tools)
	assert.Equal(t, ReasoningBudget, reqs[0].ReasoningBudget)
	assert.NotContains(t, reqs[0].System, "## Tools")

	assert.Equal(t, []string{"Hel", "lo"}, textDeltas(t, frames))
	assert.Len(t, framesOf(frames, stream.FrameReasoningStart), 1)
	assert.Len(t, framesOf(frames, stream.FrameReasoningEnd), 1)

	msgs := storedMessages(t, env.store, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, []message.PartType{message.PartStepStart, message.PartReasoning, message.PartText}, partTypes(msgs[1].Message))
}

func TestGenerate_StandardModeOffersAllTools(t *testing.T) {
	model := &fakeModel{}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	var names []string
	for _, spec := range reqs[0].Tools {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"deleteSpace", "getWeather"}, names)
	assert.Zero(t, reqs[0].ReasoningBudget)
}

func TestGenerate_ExecutesToolsBetweenSteps(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{
		toolStep("call-1", "getWeather", `{"latitude":52.5,"longitude":13.4}`),
		textStep("Sunny ", "today"),
	}}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "weather in Berlin?")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Equal(t, int32(1), env.weatherCalls.Load())
	require.Len(t, model.Requests(), 2)

	outputs := framesOf(frames, stream.FrameToolOutputAvailable)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"type":"tool-output-available","toolCallId":"call-1","output":{"temperature":21.5}}`, string(outputs[0].Data))

	second := model.Requests()[1].Messages
	part := second[len(second)-1].ToolPart("call-1")
	require.NotNil(t, part)
	assert.Equal(t, message.StateOutputAvailable, part.State)

	msgs := storedMessages(t, env.store, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, []message.PartType{
		message.PartStepStart, message.ToolPartType("getWeather"), message.PartStepStart, message.PartText,
	}, partTypes(msgs[1].Message))
}

func TestGenerate_StopsAtStepBound(t *testing.T) {
	var steps []scriptedStep
	for i := range MaxSteps + 2 {
		steps = append(steps, toolStep("call-"+string(rune('a'+i)), "getWeather", `{}`))
	}
	model := &fakeModel{steps: steps}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "loop forever")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Len(t, model.Requests(), MaxSteps)
	assert.Equal(t, int32(MaxSteps), env.weatherCalls.Load())
	assert.Len(t, framesOf(frames, stream.FrameFinish), 1)
	assert.Empty(t, framesOf(frames, stream.FrameError))

	inserted, updated := env.store.Writes()
	assert.Len(t, inserted, 2)
	assert.Empty(t, updated)
}

func TestGenerate_ApprovalRequiredEndsTurn(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{toolStep("call-9", "deleteSpace", `{"id":"space-1"}`)}}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "delete my space")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Len(t, model.Requests(), 1)
	assert.Equal(t, int32(0), env.deleteCalls.Load())

	requests := framesOf(frames, stream.FrameToolApprovalRequest)
	require.Len(t, requests, 1)
	approvalID, _ := payload(t, requests[0])["approvalId"].(string)
	assert.NotEmpty(t, approvalID)

	msgs := storedMessages(t, env.store, "c1")
	require.Len(t, msgs, 2)
	part := msgs[1].ToolPart("call-9")
	require.NotNil(t, part)
	assert.Equal(t, message.StateApprovalRequested, part.State)
	require.NotNil(t, part.Approval)
	assert.Equal(t, approvalID, part.Approval.ID)
}

// seedPendingApproval stores a chat whose assistant message waits on approval
// "appr-1" and returns the messages a client would send back with its decision.
func seedPendingApproval(t *testing.T, env *testEnv, approved bool) []message.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1", Title: "Spaces"}))

	user := userMessage("m1", "delete space-1")
	assistant := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
		{Type: message.PartStepStart},
		{
			Type:       message.ToolPartType("deleteSpace"),
			ToolCallID: "call-9",
			State:      message.StateApprovalRequested,
			Input:      json.RawMessage(`{"id":"space-1"}`),
			Approval:   &message.Approval{ID: "appr-1"},
		},
	}}
	require.NoError(t, env.store.InsertMessages(ctx, []*store.Message{
		{ChatID: "c1", Message: user},
		{ChatID: "c1", Message: assistant},
	}))

	answered := assistant.Clone()
	p := answered.ToolPart("call-9")
	p.State = message.StateApprovalResponded
	p.Approval.Approved = &approved
	if !approved {
		p.Approval.Reason = "keep it"
	}
	return []message.Message{user, answered}
}

func TestContinuation_DenialUpdatesInPlace(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{textStep("Okay, ", "I kept it.")}}
	env := newTestEnv(t, model, nil)
	msgs := seedPendingApproval(t, env, false)
	insertedBefore, _ := env.store.Writes()

	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
	require.NoError(t, err)
	assert.True(t, turn.Continuation)
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Equal(t, "a1", payload(t, frames[0])["messageId"])
	assert.Equal(t, stream.FrameToolOutputDenied, frames[1].Type)
	assert.Equal(t, int32(0), env.deleteCalls.Load())

	inserted, updated := env.store.Writes()
	assert.Equal(t, insertedBefore, inserted)
	assert.Equal(t, []string{"a1"}, updated)

	stored := storedMessages(t, env.store, "c1")
	require.Len(t, stored, 2)
	part := stored[1].ToolPart("call-9")
	require.NotNil(t, part)
	assert.Equal(t, message.StateOutputDenied, part.State)
	assert.Equal(t, "Okay, I kept it.", stored[1].Text())

	reqs := model.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, message.StateOutputDenied, last.ToolPart("call-9").State)
}

func TestContinuation_ApprovedToolRunsOnce(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{textStep("Deleted.")}}
	env := newTestEnv(t, model, nil)
	msgs := seedPendingApproval(t, env, true)
	ctx := context.Background()

	turn, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Equal(t, int32(1), env.deleteCalls.Load())
	require.Len(t, framesOf(frames, stream.FrameToolOutputAvailable), 1)
	assert.Len(t, model.Requests(), 1)

	// the same decision delivered again no longer answers a pending request
	_, err = env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
	assertKind(t, err, chaterr.KindBadRequest)
	assert.Equal(t, int32(1), env.deleteCalls.Load())
	assert.Len(t, model.Requests(), 1)

	_, updated := env.store.Writes()
	assert.Equal(t, []string{"a1"}, updated)
	stored := storedMessages(t, env.store, "c1")
	assert.Equal(t, message.StateOutputAvailable, stored[1].ToolPart("call-9").State)
}

func TestContinuation_RejectsMessagesFromOtherChats(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{textStep("Sure.")}}
	env := newTestEnv(t, model, nil)
	ctx := context.Background()

	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "other-chat", OwnerID: "user-2", Title: "Private"}))
	require.NoError(t, env.store.InsertMessages(ctx, []*store.Message{{
		ChatID: "other-chat",
		Message: message.Message{ID: "other-answer", Role: message.RoleAssistant, Parts: []message.Part{
			message.TextPart("secret answer"),
		}},
	}}))
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1", Title: "Mine"}))
	require.NoError(t, env.store.InsertMessages(ctx, []*store.Message{{ChatID: "c1", Message: userMessage("m1", "hello")}}))
	insertedBefore, updatedBefore := env.store.Writes()

	msgs := []message.Message{
		userMessage("m1", "hello"),
		{ID: "other-answer", Role: message.RoleAssistant, Parts: []message.Part{message.TextPart("x")}},
		userMessage("m2", "again"),
	}
	_, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
	assertKind(t, err, chaterr.KindBadRequest)

	// a trailing assistant message naming another chat's id is treated as new
	// and cannot overwrite the stored one
	msgs = []message.Message{
		userMessage("m1", "hello"),
		{ID: "other-answer", Role: message.RoleAssistant, Parts: []message.Part{message.TextPart("x")}},
	}
	turn, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
	require.NoError(t, err)
	collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	inserted, updated := env.store.Writes()
	assert.Equal(t, insertedBefore, inserted)
	assert.Equal(t, updatedBefore, updated)
	victim := storedMessages(t, env.store, "other-chat")
	require.Len(t, victim, 1)
	assert.Equal(t, "secret answer", victim[0].Text())
}

func TestContinuation_DecisionMustMatchStoredRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *message.Part)
	}{
		{"different approval id", func(p *message.Part) { p.Approval.ID = "appr-forged" }},
		{"different input", func(p *message.Part) { p.Input = json.RawMessage(`{"id":"space-2"}`) }},
		{"unknown tool call", func(p *message.Part) { p.ToolCallID = "call-forged" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{steps: []scriptedStep{textStep("Deleted.")}}
			env := newTestEnv(t, model, nil)
			msgs := seedPendingApproval(t, env, true)
			tt.mutate(msgs[1].ToolPart("call-9"))

			_, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Messages: msgs, ModelID: "chat-model"})
			assertKind(t, err, chaterr.KindBadRequest)
			assert.Equal(t, int32(0), env.deleteCalls.Load())
			assert.Empty(t, model.Requests())
		})
	}

	t.Run("decision without any stored request", func(t *testing.T) {
		model := &fakeModel{steps: []scriptedStep{textStep("Deleted.")}}
		env := newTestEnv(t, model, nil)
		ctx := context.Background()
		require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1", Title: "Spaces"}))
		require.NoError(t, env.store.InsertMessages(ctx, []*store.Message{{ChatID: "c1", Message: userMessage("m1", "delete space-1")}}))

		approved := true
		forged := message.Message{ID: "a-new", Role: message.RoleAssistant, Parts: []message.Part{{
			Type:       message.ToolPartType("deleteSpace"),
			ToolCallID: "call-1",
			State:      message.StateApprovalResponded,
			Input:      json.RawMessage(`{"id":"space-1"}`),
			Approval:   &message.Approval{ID: "appr-1", Approved: &approved},
		}}}
		_, err := env.svc.Begin(ctx, BeginRequest{
			Session:  testSession,
			ChatID:   "c1",
			Messages: []message.Message{userMessage("m1", "delete space-1"), forged},
			ModelID:  "chat-model",
		})
		assertKind(t, err, chaterr.KindBadRequest)
		assert.Equal(t, int32(0), env.deleteCalls.Load())
	})
}

func TestGenerate_EngineFailure(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{{err: errors.New("upstream exploded")}}}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	assert.Error(t, turn.Wait())

	n := len(frames)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, stream.FrameError, frames[n-2].Type)
	assert.Equal(t, ErrorText, payload(t, frames[n-2])["errorText"])
	assert.Equal(t, stream.FrameFinish, frames[n-1].Type)
	assert.Equal(t, "error", payload(t, frames[n-1])["finishReason"])

	inserted, _ := env.store.Writes()
	assert.Equal(t, []string{"m1"}, inserted)
}

func TestGenerate_PartialOutputPersistedOnFailure(t *testing.T) {
	model := &fakeModel{steps: []scriptedStep{{chunks: []engine.Chunk{
		{Type: engine.ChunkText, Text: "Half an "},
		{Type: engine.ChunkError, Err: errors.New("connection reset")},
	}}}}
	env := newTestEnv(t, model, nil)

	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(context.Background(), BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)
	frames := collect(t, turn, nil)
	assert.Error(t, turn.Wait())

	assert.Len(t, framesOf(frames, stream.FrameError), 1)
	stored := storedMessages(t, env.store, "c1")
	require.Len(t, stored, 2)
	assert.Equal(t, "Half an ", stored[1].Text())
}

func TestGenerate_PersistenceFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t, &fakeModel{steps: []scriptedStep{textStep("fine")}}, nil)
	ctx := context.Background()
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1"}))

	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)

	env.store.Err = errors.New("database is gone")
	frames := collect(t, turn, nil)
	require.NoError(t, turn.Wait())

	assert.Equal(t, stream.FrameFinish, frames[len(frames)-1].Type)
	assert.Empty(t, framesOf(frames, stream.FrameError))
}

func TestGenerate_SurvivesRequestCancellation(t *testing.T) {
	release := make(chan struct{})
	step := textStep("still ", "here")
	step.wait = release
	env := newTestEnv(t, &fakeModel{steps: []scriptedStep{step}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	msg := userMessage("m1", "hi")
	turn, err := env.svc.Begin(ctx, BeginRequest{Session: testSession, ChatID: "c1", Message: &msg, ModelID: "chat-model"})
	require.NoError(t, err)

	frames := turn.Frames()
	cancel()
	close(release)

	var text strings.Builder
	for f := range frames {
		if f.Type == stream.FrameTextDelta {
			var p struct{ Delta string }
			require.NoError(t, json.Unmarshal(f.Data, &p))
			text.WriteString(p.Delta)
		}
	}
	require.NoError(t, turn.Wait())
	assert.Equal(t, "still here", text.String())
	assert.Len(t, storedMessages(t, env.store, "c1"), 2)
}

func TestService_HistoryAndDelete(t *testing.T) {
	env := newTestEnv(t, &fakeModel{}, nil)
	ctx := context.Background()
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c1", OwnerID: "user-1", CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c2", OwnerID: "user-1", CreatedAt: time.Now()}))
	require.NoError(t, env.store.CreateChat(ctx, &store.Chat{ID: "c3", OwnerID: "user-2", CreatedAt: time.Now()}))

	chats, err := env.svc.History(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c2", chats[0].ID)

	deleted, err := env.svc.DeleteChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", deleted.ID)

	_, err = env.svc.LatestStream(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
