// ABOUTME: Drives one bounded generation turn: model steps, tool calls and approvals
// ABOUTME: Translates engine chunks into stream frames and builds the assistant message as it goes

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/engine"
	"github.com/2389/coven-chat/internal/message"
	"github.com/2389/coven-chat/internal/stream"
)

const (
	// MaxSteps bounds model/tool round trips per turn.
	MaxSteps = 5

	// ReasoningBudget is the token budget passed to reasoning models.
	ReasoningBudget = 10_000

	// ErrorText is the only failure text clients ever see in-band.
	ErrorText = "Oops, an error occurred!"
)

// outcome is what a turn produced.
type outcome struct {
	assistant message.Message
	usage     engine.Usage
	steps     int

	// touched is false for a continuation that resolved nothing and ran no
	// model step; there is nothing new to store.
	touched bool
	err     error
}

// generator runs one turn. It is single use.
type generator struct {
	svc  *Service
	turn *Turn
	emit *emitter
	log  *slog.Logger

	history   []message.Message
	assistant message.Message
	usage     engine.Usage

	textID      string
	reasoningID string
	smooth      *smoother
}

func newGenerator(svc *Service, turn *Turn, emit *emitter) *generator {
	g := &generator{
		svc:  svc,
		turn: turn,
		emit: emit,
		log:  svc.logger.With("chat_id", turn.ChatID, "stream_id", turn.StreamID),
	}

	msgs := turn.Messages
	if turn.Continuation && len(msgs) > 0 && msgs[len(msgs)-1].Role == message.RoleAssistant {
		g.history = cloneAll(msgs[:len(msgs)-1])
		g.assistant = msgs[len(msgs)-1].Clone()
	} else {
		g.history = cloneAll(msgs)
		g.assistant = message.Message{ID: uuid.NewString(), Role: message.RoleAssistant}
	}
	if turn.Mode == engine.ModeStandard {
		g.smooth = &smoother{}
	}
	return g
}

func cloneAll(msgs []message.Message) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// run generates the turn, always ending with exactly one finish frame.
func (g *generator) run(ctx context.Context) outcome {
	g.emit.send(stream.FrameStart, map[string]any{"messageId": g.assistant.ID})

	resolved, err := g.resolveApprovals(ctx)
	steps := 0
	finishReason := engine.FinishStop

	if err == nil && (resolved || !g.hasOpenApprovals()) {
		for steps < MaxSteps {
			steps++
			var calls []engine.ToolCall
			calls, finishReason, err = g.step(ctx)
			if err != nil || len(calls) == 0 {
				break
			}
			if g.handleToolCalls(ctx, calls) {
				break
			}
		}
	}

	if err != nil {
		finishReason = engine.FinishError
		ce := chaterr.From(err, chaterr.SurfaceChat)
		g.log.Error("generation failed", "code", ce.Code(), "step", steps, "error", err)
		g.emit.send(stream.FrameError, map[string]any{"errorText": ErrorText})
	}

	g.emit.send(stream.FrameFinish, map[string]any{"finishReason": finishReason})

	return outcome{
		assistant: g.assistant,
		usage:     g.usage,
		steps:     steps,
		touched:   resolved || steps > 0,
		err:       err,
	}
}

// hasOpenApprovals reports whether the assistant message still has a tool
// call that is waiting on, or has not acted on, a human decision. A
// continuation that resolved nothing and still has one is a duplicate and
// does not call the model again.
func (g *generator) hasOpenApprovals() bool {
	for _, p := range g.assistant.Parts {
		if p.Type.IsTool() && (p.State == message.StateApprovalRequested || p.State == message.StateApprovalResponded) {
			return true
		}
	}
	return false
}

// resolveApprovals acts on tool parts that carry a decision. Approved calls
// execute at most once per approval id.
func (g *generator) resolveApprovals(ctx context.Context) (bool, error) {
	resolved := false
	for i := range g.assistant.Parts {
		p := &g.assistant.Parts[i]
		responded, approved := p.Responded()
		if !responded {
			continue
		}

		if !approved {
			if err := p.Advance(message.StateOutputDenied); err != nil {
				g.log.Warn("invalid tool transition", "tool_call_id", p.ToolCallID, "error", err)
				continue
			}
			g.emit.send(stream.FrameToolOutputDenied, map[string]any{"toolCallId": p.ToolCallID})
			g.log.Info("tool call denied", "tool", p.Type.ToolName(), "tool_call_id", p.ToolCallID)
			resolved = true
			continue
		}

		if !g.svc.approvals.Claim(p.Approval.ID) {
			g.log.Warn("approval already executed, skipping",
				"approval_id", p.Approval.ID,
				"tool_call_id", p.ToolCallID)
			continue
		}

		result := g.svc.tools.Execute(ctx, p.Type.ToolName(), p.Input)
		if err := p.Advance(message.StateOutputAvailable); err != nil {
			g.log.Warn("invalid tool transition", "tool_call_id", p.ToolCallID, "error", err)
			continue
		}
		p.Output = result.Output
		g.emit.send(stream.FrameToolOutputAvailable, map[string]any{
			"toolCallId": p.ToolCallID,
			"output":     result.Output,
		})
		resolved = true
	}
	if err := ctx.Err(); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// step runs one model call and returns the tool calls it requested.
func (g *generator) step(ctx context.Context) ([]engine.ToolCall, engine.FinishReason, error) {
	g.emit.send(stream.FrameStartStep, nil)
	g.assistant.Parts = append(g.assistant.Parts, message.Part{Type: message.PartStepStart})

	req := engine.Request{
		Model:    g.turn.ModelID,
		System:   engine.SystemPrompt(g.turn.Mode, g.turn.Hints),
		Messages: append(cloneAll(g.history), g.assistant.Clone()),
		Tools:    g.svc.tools.Active(g.turn.Mode),
	}
	if g.turn.Mode == engine.ModeReasoning {
		req.ReasoningBudget = g.svc.cfg.ReasoningBudget
	}

	chunks, err := g.svc.model.Stream(ctx, req)
	if err != nil {
		return nil, engine.FinishError, err
	}

	var calls []engine.ToolCall
	reason := engine.FinishOther
	var streamErr error

	for c := range chunks {
		switch c.Type {
		case engine.ChunkText:
			g.closeReasoning()
			g.text(c.Text)
		case engine.ChunkReasoning:
			g.closeText()
			g.reasoning(c.Text)
		case engine.ChunkToolCall:
			g.closeText()
			g.closeReasoning()
			if c.ToolCall != nil {
				calls = append(calls, *c.ToolCall)
				g.toolInput(*c.ToolCall)
			}
		case engine.ChunkFinish:
			reason = c.FinishReason
			if c.Usage != nil {
				g.usage.Add(*c.Usage)
			}
		case engine.ChunkError:
			streamErr = c.Err
			if streamErr == nil {
				streamErr = errors.New("model stream failed")
			}
		}
	}
	g.closeText()
	g.closeReasoning()
	g.emit.send(stream.FrameFinishStep, nil)

	if streamErr != nil {
		return nil, engine.FinishError, streamErr
	}
	return calls, reason, nil
}

func (g *generator) firstContent() {
	if g.turn.firstFrame.IsZero() {
		g.turn.firstFrame = time.Now()
	}
}

func (g *generator) text(delta string) {
	if delta == "" {
		return
	}
	if g.textID == "" {
		g.textID = uuid.NewString()
		g.emit.send(stream.FrameTextStart, map[string]any{"id": g.textID})
		g.assistant.Parts = append(g.assistant.Parts, message.TextPart(""))
	}
	last := &g.assistant.Parts[len(g.assistant.Parts)-1]
	last.Text += delta
	g.firstContent()

	if g.smooth == nil {
		g.emit.send(stream.FrameTextDelta, map[string]any{"id": g.textID, "delta": delta})
		return
	}
	for _, w := range g.smooth.push(delta) {
		g.emit.send(stream.FrameTextDelta, map[string]any{"id": g.textID, "delta": w})
	}
}

func (g *generator) closeText() {
	if g.textID == "" {
		return
	}
	if g.smooth != nil {
		if rest := g.smooth.flush(); rest != "" {
			g.emit.send(stream.FrameTextDelta, map[string]any{"id": g.textID, "delta": rest})
		}
	}
	g.emit.send(stream.FrameTextEnd, map[string]any{"id": g.textID})
	g.textID = ""
}

func (g *generator) reasoning(delta string) {
	if delta == "" {
		return
	}
	if g.reasoningID == "" {
		g.reasoningID = uuid.NewString()
		g.emit.send(stream.FrameReasoningStart, map[string]any{"id": g.reasoningID})
		g.assistant.Parts = append(g.assistant.Parts, message.Part{Type: message.PartReasoning})
	}
	last := &g.assistant.Parts[len(g.assistant.Parts)-1]
	last.Text += delta
	g.firstContent()
	g.emit.send(stream.FrameReasoningDelta, map[string]any{"id": g.reasoningID, "delta": delta})
}

func (g *generator) closeReasoning() {
	if g.reasoningID == "" {
		return
	}
	g.emit.send(stream.FrameReasoningEnd, map[string]any{"id": g.reasoningID})
	g.reasoningID = ""
}

func (g *generator) toolInput(call engine.ToolCall) {
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	g.assistant.Parts = append(g.assistant.Parts, message.Part{
		Type:       message.ToolPartType(call.Name),
		ToolCallID: call.ID,
		State:      message.StateInputAvailable,
		Input:      input,
	})
	g.emit.send(stream.FrameToolInputAvailable, map[string]any{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"input":      input,
	})
}

// handleToolCalls executes or parks each call and reports whether the turn
// must stop to wait for approval.
func (g *generator) handleToolCalls(ctx context.Context, calls []engine.ToolCall) bool {
	waiting := false
	for _, call := range calls {
		p := g.assistant.ToolPart(call.ID)
		if p == nil {
			continue
		}

		if g.svc.tools.RequiresApproval(call.Name) {
			if err := p.Advance(message.StateApprovalRequested); err != nil {
				g.log.Warn("invalid tool transition", "tool_call_id", call.ID, "error", err)
				continue
			}
			p.Approval = &message.Approval{ID: uuid.NewString()}
			g.emit.send(stream.FrameToolApprovalRequest, map[string]any{
				"approvalId": p.Approval.ID,
				"toolCallId": call.ID,
			})
			g.log.Info("tool call awaiting approval", "tool", call.Name, "approval_id", p.Approval.ID)
			waiting = true
			continue
		}

		result := g.svc.tools.Execute(ctx, call.Name, p.Input)
		if err := p.Advance(message.StateOutputAvailable); err != nil {
			g.log.Warn("invalid tool transition", "tool_call_id", call.ID, "error", err)
			continue
		}
		p.Output = result.Output
		g.emit.send(stream.FrameToolOutputAvailable, map[string]any{
			"toolCallId": call.ID,
			"output":     result.Output,
		})
	}
	return waiting
}
