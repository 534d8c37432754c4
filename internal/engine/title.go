// ABOUTME: Chat title generation from the first user message
// ABOUTME: LangchainTitler asks a small model; PlainTitle strips markdown and clamps the result

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/coven-chat/internal/message"
)

// DefaultTitle is used for greetings and when nothing usable comes back.
const DefaultTitle = "New conversation"

// MaxTitleRunes bounds stored titles.
const MaxTitleRunes = 80

// Titler produces a short title for a chat from its first user message.
type Titler interface {
	Title(ctx context.Context, msg message.Message) (string, error)
}

// LangchainTitler generates titles with a langchaingo chat model.
type LangchainTitler struct {
	llm llms.Model
}

var _ Titler = (*LangchainTitler)(nil)

// NewLangchainTitler connects to an OpenAI-compatible endpoint.
func NewLangchainTitler(baseURL, apiKey, model string) (*LangchainTitler, error) {
	opts := []lcopenai.Option{
		lcopenai.WithToken(apiKey),
		lcopenai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create title model: %w", err)
	}
	return &LangchainTitler{llm: llm}, nil
}

// NewLangchainTitlerWithModel wraps an existing langchaingo model.
func NewLangchainTitlerWithModel(llm llms.Model) *LangchainTitler {
	return &LangchainTitler{llm: llm}
}

func (t *LangchainTitler) Title(ctx context.Context, msg message.Message) (string, error) {
	content := strings.TrimSpace(msg.Text())
	if content == "" {
		return DefaultTitle, nil
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, TitlePrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, content),
	}
	resp, err := t.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(32))
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("generate title: no response choices")
	}
	return PlainTitle(resp.Choices[0].Content), nil
}

// HeuristicTitler derives a title from the message itself. Used when no title
// model is configured.
type HeuristicTitler struct{}

func (HeuristicTitler) Title(_ context.Context, msg message.Message) (string, error) {
	words := strings.Fields(PlainTitle(msg.Text()))
	if len(words) > 5 {
		words = words[:5]
	}
	title := strings.Join(words, " ")
	if title == "" || isGreeting(title) {
		return DefaultTitle, nil
	}
	return title, nil
}

func isGreeting(s string) bool {
	switch strings.ToLower(strings.Trim(s, "!.? ")) {
	case "hi", "hello", "hey", "hi there", "hello there", "good morning", "good evening":
		return true
	}
	return false
}

var titleMarkdown = goldmark.New()

// PlainTitle renders model output to a single plain line: markdown removed,
// quotes, colons and hashes dropped, whitespace collapsed, at most MaxTitleRunes.
func PlainTitle(raw string) string {
	src := []byte(strings.TrimSpace(raw))
	doc := titleMarkdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				buf.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(node.Value)
		}
		return ast.WalkContinue, nil
	})

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '`', ':', '#', '*', '“', '”':
			return -1
		}
		return r
	}, buf.String())
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > MaxTitleRunes {
		cleaned = strings.TrimSpace(string([]rune(cleaned)[:MaxTitleRunes]))
	}
	if cleaned == "" {
		return DefaultTitle
	}
	return cleaned
}
