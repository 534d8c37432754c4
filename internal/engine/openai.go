// ABOUTME: OpenAI-compatible chat completion adapter implementing Model
// ABOUTME: Streams text, reasoning and tool-call deltas and converts UI messages to model messages

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/coven-chat/internal/message"
)

// OpenAIModel streams from any OpenAI-compatible chat completions endpoint.
type OpenAIModel struct {
	client *openai.Client
	logger *slog.Logger
}

var _ Model = (*OpenAIModel)(nil)

// NewOpenAIModel creates an adapter. An empty baseURL uses the public API.
func NewOpenAIModel(baseURL, apiKey string, logger *slog.Logger) *OpenAIModel {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIModel{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "engine"),
	}
}

// Stream starts one completion and returns its chunks.
func (m *OpenAIModel) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	creq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.ReasoningBudget > 0 {
		creq.ReasoningEffort = reasoningEffort(req.ReasoningBudget)
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}

	out := make(chan Chunk, 16)
	go m.pump(ctx, stream, out)
	return out, nil
}

// toolCallAcc accumulates streamed fragments of one tool call.
type toolCallAcc struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (m *OpenAIModel) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	send := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := map[int]*toolCallAcc{}
	var usage *Usage
	reason := FinishOther

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(Chunk{Type: ChunkError, Err: fmt.Errorf("receiving completion chunk: %w", err)})
			return
		}

		if resp.Usage != nil {
			usage = &Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
			if d := resp.Usage.CompletionTokensDetails; d != nil {
				usage.ReasoningTokens = d.ReasoningTokens
			}
		}

		for _, choice := range resp.Choices {
			delta := choice.Delta
			if delta.ReasoningContent != "" {
				if !send(Chunk{Type: ChunkReasoning, Text: delta.ReasoningContent}) {
					return
				}
			}
			if delta.Content != "" {
				if !send(Chunk{Type: ChunkText, Text: delta.Content}) {
					return
				}
			}
			for i, tc := range delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &toolCallAcc{index: idx}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				reason = mapFinishReason(choice.FinishReason)
			}
		}
	}

	ordered := make([]*toolCallAcc, 0, len(calls))
	for _, acc := range calls {
		ordered = append(ordered, acc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	for _, acc := range ordered {
		input := json.RawMessage(acc.args.String())
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		if !json.Valid(input) {
			m.logger.Warn("model produced invalid tool arguments", "tool_name", acc.name, "tool_call_id", acc.id)
			quoted, _ := json.Marshal(acc.args.String())
			input = json.RawMessage(`{"raw":` + string(quoted) + `}`)
		}
		if !send(Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: acc.id, Name: acc.name, Input: input}}) {
			return
		}
	}
	if len(ordered) > 0 && reason == FinishOther {
		reason = FinishToolCalls
	}

	send(Chunk{Type: ChunkFinish, FinishReason: reason, Usage: usage})
}

func mapFinishReason(r openai.FinishReason) FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonLength:
		return FinishLength
	default:
		return FinishOther
	}
}

// reasoningEffort maps a token budget onto the effort levels the API accepts.
func reasoningEffort(budget int) string {
	switch {
	case budget <= 2048:
		return "low"
	case budget <= 8192:
		return "medium"
	default:
		return "high"
	}
}

// toOpenAIMessages converts UI messages to chat completion messages. Assistant
// messages are split at step boundaries so each step's tool calls are followed
// by their results. Tool calls still waiting on approval are omitted.
func toOpenAIMessages(system string, msgs []message.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case message.RoleUser:
			out = append(out, userMessage(msg))
		case message.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})
		case message.RoleAssistant:
			out = append(out, assistantMessages(msg)...)
		}
	}
	return out
}

func userMessage(msg message.Message) openai.ChatCompletionMessage {
	var parts []openai.ChatMessagePart
	hasImage := false
	for _, p := range msg.Parts {
		switch p.Type {
		case message.PartText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case message.PartFile:
			if strings.HasPrefix(p.MediaType, "image/") {
				hasImage = true
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
				})
			}
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func assistantMessages(msg message.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	var text strings.Builder
	var calls []openai.ToolCall
	var results []openai.ChatCompletionMessage

	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text.String(),
			ToolCalls: calls,
		})
		out = append(out, results...)
		text.Reset()
		calls, results = nil, nil
	}

	for _, p := range msg.Parts {
		switch {
		case p.Type == message.PartStepStart:
			flush()
		case p.Type == message.PartText:
			text.WriteString(p.Text)
		case p.Type.IsTool():
			output, ok := toolResult(p)
			if !ok {
				continue
			}
			input := string(p.Input)
			if input == "" {
				input = "{}"
			}
			calls = append(calls, openai.ToolCall{
				ID:       p.ToolCallID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: p.Type.ToolName(), Arguments: input},
			})
			results = append(results, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: p.ToolCallID,
				Content:    output,
			})
		}
	}
	flush()
	return out
}

// toolResult renders the model-visible result of a resolved tool part.
func toolResult(p message.Part) (string, bool) {
	switch p.State {
	case message.StateOutputAvailable:
		if len(p.Output) == 0 {
			return "null", true
		}
		return string(p.Output), true
	case message.StateOutputDenied:
		reason := "The user denied this tool call."
		if p.Approval != nil && p.Approval.Reason != "" {
			reason = p.Approval.Reason
		}
		data, _ := json.Marshal(map[string]string{"type": "execution-denied", "reason": reason})
		return string(data), true
	default:
		return "", false
	}
}
