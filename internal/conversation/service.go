// ABOUTME: Conversation service: starts turns, runs generation and persists what it produced
// ABOUTME: Record first, then act. The user message is stored before any model call

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/engine"
	"github.com/2389/coven-chat/internal/message"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/tools"
)

// Config tunes turn execution.
type Config struct {
	// ReasoningBudget is passed to reasoning models. Defaults to ReasoningBudget.
	ReasoningBudget int

	// TurnTimeout bounds a whole generation. Defaults to 2 minutes.
	TurnTimeout time.Duration

	// TitleTimeout bounds title generation. Defaults to 30 seconds.
	TitleTimeout time.Duration

	// PersistTimeout bounds each completion write. Defaults to 5 seconds.
	PersistTimeout time.Duration
}

// Options are the collaborators of a Service.
type Options struct {
	Store     store.Store
	Model     engine.Model
	Titler    engine.Titler
	Tools     *tools.Registry
	Approvals *dedupe.Cache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service starts and completes conversation turns.
type Service struct {
	cfg       Config
	store     store.Store
	model     engine.Model
	titler    engine.Titler
	tools     *tools.Registry
	approvals *dedupe.Cache
	metrics   *metrics.Metrics
	titles    singleflight.Group
	logger    *slog.Logger
}

// New creates a Service. Titler defaults to the heuristic titler, Tools to an
// empty registry and Approvals to a one hour cache.
func New(cfg Config, opts Options) *Service {
	if cfg.ReasoningBudget <= 0 {
		cfg.ReasoningBudget = ReasoningBudget
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 30 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	titler := opts.Titler
	if titler == nil {
		titler = engine.HeuristicTitler{}
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewRegistry(0, logger)
	}
	approvals := opts.Approvals
	if approvals == nil {
		approvals = dedupe.New(time.Hour, 10_000)
	}

	return &Service{
		cfg:       cfg,
		store:     opts.Store,
		model:     opts.Model,
		titler:    titler,
		tools:     registry,
		approvals: approvals,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "conversation"),
	}
}

// BeginRequest starts a turn. Exactly one of Message and Messages is set.
type BeginRequest struct {
	Session *auth.Session
	ChatID  string

	// Message is a new user message appended to the stored history.
	Message *message.Message

	// Messages is the full list sent by a client continuing a turn, typically
	// after answering a tool approval. It is used verbatim.
	Messages []message.Message

	ModelID    string
	Visibility store.Visibility
	Hints      engine.RequestHints
}

// Turn is one request's generation. Frames starts it; Wait joins it.
type Turn struct {
	ChatID       string
	OwnerID      string
	ModelID      string
	StreamID     string
	Mode         engine.Mode
	Hints        engine.RequestHints
	Messages     []message.Message
	Continuation bool

	svc      *Service
	ctx      context.Context
	group    errgroup.Group
	title    *titleTask
	received time.Time

	startOnce  sync.Once
	emit       *emitter
	firstFrame time.Time
}

// titleTask is the handle of a background title generation.
type titleTask struct {
	done  chan struct{}
	title string
	err   error
}

// Begin admits nothing by itself: the caller has already run the admission
// gate. It resolves the chat, persists the user message, records a stream id
// and returns the turn ready to be started.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (*Turn, error) {
	if req.Session == nil || req.Session.OwnerID == "" {
		return nil, chaterr.New(chaterr.KindUnauthorized, chaterr.SurfaceChat)
	}
	if req.ChatID == "" || (req.Message == nil) == (len(req.Messages) == 0) {
		return nil, chaterr.New(chaterr.KindBadRequest, chaterr.SurfaceAPI)
	}

	chat, err := s.store.GetChat(ctx, req.ChatID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load chat %s: %w", req.ChatID, err)
	}
	if exists && chat.OwnerID != req.Session.OwnerID {
		s.logger.Warn("chat owned by another caller", "chat_id", req.ChatID, "owner_id", req.Session.OwnerID)
		return nil, chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat)
	}

	turn := &Turn{
		ChatID:   req.ChatID,
		OwnerID:  req.Session.OwnerID,
		ModelID:  req.ModelID,
		Mode:     engine.ModeFor(req.ModelID),
		Hints:    req.Hints,
		svc:      s,
		ctx:      context.WithoutCancel(ctx),
		received: time.Now(),
	}

	if len(req.Messages) > 0 {
		if err := s.beginContinuation(ctx, turn, req, exists); err != nil {
			return nil, err
		}
	} else {
		if err := s.beginNewMessage(ctx, turn, req, exists); err != nil {
			return nil, err
		}
	}

	turn.StreamID = uuid.NewString()
	if err := s.store.CreateStreamRecord(ctx, turn.StreamID, turn.ChatID); err != nil {
		return nil, fmt.Errorf("record stream: %w", err)
	}

	s.logger.Debug("turn started",
		"chat_id", turn.ChatID,
		"stream_id", turn.StreamID,
		"mode", turn.Mode,
		"continuation", turn.Continuation,
		"messages", len(turn.Messages))
	return turn, nil
}

func (s *Service) beginContinuation(ctx context.Context, turn *Turn, req BeginRequest, exists bool) error {
	for i := range req.Messages {
		if err := req.Messages[i].Validate(); err != nil {
			return chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err)
		}
	}
	if err := message.ValidateToolCallIDs(req.Messages); err != nil {
		return chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err)
	}
	if !exists {
		return chaterr.New(chaterr.KindNotFound, chaterr.SurfaceChat)
	}

	stored, err := s.store.GetMessages(ctx, turn.ChatID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if err := checkContinuation(req.Messages, stored); err != nil {
		s.logger.Warn("continuation rejected", "chat_id", turn.ChatID, "owner_id", turn.OwnerID, "error", err)
		return chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err)
	}

	turn.Messages = cloneAll(req.Messages)
	turn.Continuation = true
	return nil
}

// checkContinuation verifies a client-supplied message list against the chat's
// stored history. Every message must be stored under the chat, except a
// trailing assistant message not yet persisted. Tool parts carrying an
// approval decision must answer an approval request the chat actually holds,
// for the same call, approval id and input.
func checkContinuation(msgs []message.Message, stored []*store.Message) error {
	byID := make(map[string]*store.Message, len(stored))
	for _, m := range stored {
		byID[m.ID] = m
	}

	for i, m := range msgs {
		prev, ok := byID[m.ID]
		if !ok {
			if i == len(msgs)-1 && m.Role == message.RoleAssistant && !hasDecision(m) {
				continue
			}
			return fmt.Errorf("message %s is not part of this chat", m.ID)
		}
		if prev.Role != m.Role {
			return fmt.Errorf("message %s: role %s does not match stored role %s", m.ID, m.Role, prev.Role)
		}
		for _, p := range m.Parts {
			if responded, _ := p.Responded(); !responded {
				continue
			}
			if err := matchesRequest(p, prev.ToolPart(p.ToolCallID)); err != nil {
				return fmt.Errorf("message %s: %w", m.ID, err)
			}
		}
	}
	return nil
}

func hasDecision(m message.Message) bool {
	for _, p := range m.Parts {
		if responded, _ := p.Responded(); responded {
			return true
		}
	}
	return false
}

// matchesRequest checks a responded part against the stored approval request.
func matchesRequest(p message.Part, req *message.Part) error {
	if req == nil || !req.PendingApproval() || req.Type != p.Type {
		return fmt.Errorf("tool call %s has no pending approval request", p.ToolCallID)
	}
	if req.Approval == nil || req.Approval.ID != p.Approval.ID {
		return fmt.Errorf("tool call %s: approval id does not match the request", p.ToolCallID)
	}
	if !sameJSON(req.Input, p.Input) {
		return fmt.Errorf("tool call %s: input differs from the approved request", p.ToolCallID)
	}
	return nil
}

func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func (s *Service) beginNewMessage(ctx context.Context, turn *Turn, req BeginRequest, exists bool) error {
	msg := req.Message.Clone()
	if err := msg.Validate(); err != nil {
		return chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err)
	}
	if msg.Role != message.RoleUser {
		return chaterr.New(chaterr.KindBadRequest, chaterr.SurfaceAPI).WithCause("new messages must have role user")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var history []message.Message
	if exists {
		stored, err := s.store.GetMessages(ctx, turn.ChatID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, m := range stored {
			history = append(history, m.Message)
		}
	} else {
		created, err := s.createChat(ctx, turn, req.Visibility)
		if err != nil {
			return err
		}
		if created {
			s.startTitle(turn, msg)
		} else {
			// another request created it first; use what it stored
			stored, err := s.store.GetMessages(ctx, turn.ChatID)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			for _, m := range stored {
				history = append(history, m.Message)
			}
		}
	}

	if err := s.store.InsertMessages(ctx, []*store.Message{{ChatID: turn.ChatID, Message: msg}}); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err)
		}
		return fmt.Errorf("record user message: %w", err)
	}
	s.logger.Debug("user message recorded", "chat_id", turn.ChatID, "message_id", msg.ID)

	turn.Messages = append(history, msg)
	return nil
}

// createChat creates the chat with the placeholder title. It reports false
// when a concurrent request won the race for the same id and owner.
func (s *Service) createChat(ctx context.Context, turn *Turn, visibility store.Visibility) (bool, error) {
	if !visibility.Valid() {
		visibility = store.VisibilityPrivate
	}
	chat := &store.Chat{
		ID:         turn.ChatID,
		OwnerID:    turn.OwnerID,
		Title:      store.PlaceholderTitle,
		Visibility: visibility,
		CreatedAt:  time.Now(),
	}
	err := s.store.CreateChat(ctx, chat)
	if err == nil {
		s.logger.Debug("chat created", "chat_id", chat.ID)
		return true, nil
	}
	if !errors.Is(err, store.ErrDuplicateChat) {
		return false, fmt.Errorf("create chat: %w", err)
	}

	existing, lookupErr := s.store.GetChat(ctx, turn.ChatID)
	if lookupErr != nil {
		s.logger.Error("lookup failed after duplicate chat", "chat_id", turn.ChatID, "error", lookupErr)
		return false, fmt.Errorf("create chat: %w", err)
	}
	if existing.OwnerID != turn.OwnerID {
		return false, chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat)
	}
	return false, nil
}

// startTitle generates and stores the chat title in the background. The
// stored title does not depend on the stream still being open.
func (s *Service) startTitle(turn *Turn, first message.Message) {
	task := &titleTask{done: make(chan struct{})}
	turn.title = task

	turn.group.Go(func() error {
		defer close(task.done)

		ctx, cancel := context.WithTimeout(turn.ctx, s.cfg.TitleTimeout)
		defer cancel()

		v, err, shared := s.titles.Do(turn.ChatID, func() (any, error) {
			title, err := s.titler.Title(ctx, first)
			if err != nil {
				return nil, err
			}
			if err := s.store.UpdateChatTitle(ctx, turn.ChatID, title); err != nil {
				s.logger.Error("failed to save chat title", "chat_id", turn.ChatID, "error", err)
			}
			return title, nil
		})
		if err != nil {
			task.err = err
			s.logger.Warn("title generation failed", "chat_id", turn.ChatID, "error", err)
			return nil
		}
		task.title, _ = v.(string)
		s.logger.Debug("chat titled", "chat_id", turn.ChatID, "title", task.title, "shared", shared)
		return nil
	})
}

// Frames starts generation on the first call and returns its frames. The
// generation runs detached from the request context until it finishes or the
// turn timeout passes; the channel must be drained.
func (t *Turn) Frames() <-chan stream.Frame {
	t.startOnce.Do(func() {
		t.emit = newEmitter()
		s := t.svc

		t.group.Go(func() error {
			ctx, cancel := context.WithTimeout(t.ctx, s.cfg.TurnTimeout)
			defer cancel()

			out := newGenerator(s, t, t.emit).run(ctx)
			t.emit.close()
			s.complete(t, out)
			return out.err
		})

		if t.title != nil {
			title, emit := t.title, t.emit
			t.group.Go(func() error {
				select {
				case <-emit.opened:
				case <-emit.done():
					return nil
				}
				select {
				case <-title.done:
					if title.err == nil && title.title != "" {
						emit.send(stream.FrameChatTitle, map[string]any{"data": title.title})
					}
				case <-emit.done():
				}
				return nil
			})
		}
	})
	return t.emit.out
}

// Wait blocks until generation, completion and the title task have finished.
// It returns the generation error, if any.
func (t *Turn) Wait() error {
	return t.group.Wait()
}

// complete runs once per turn after the finish frame.
func (s *Service) complete(t *Turn, out outcome) {
	ctx, cancel := context.WithTimeout(t.ctx, s.cfg.PersistTimeout)
	defer cancel()

	log := s.logger.With("chat_id", t.ChatID, "stream_id", t.StreamID)

	var finished []message.Message
	if out.touched && hasContent(out.assistant) {
		finished = append(finished, out.assistant)
	}
	if len(finished) > 0 {
		plan, err := Reconcile(ctx, s.store, t.ChatID, t.Messages, finished)
		if err != nil {
			log.Error("failed to persist turn", "error", err)
		}
		log.Debug("turn persisted", "inserted", len(plan.Inserts), "updated", len(plan.Updates))
	}

	if out.usage != (engine.Usage{}) {
		usage := &store.TokenUsage{
			ID:              uuid.NewString(),
			ChatID:          t.ChatID,
			MessageID:       out.assistant.ID,
			OwnerID:         t.OwnerID,
			Model:           t.ModelID,
			InputTokens:     out.usage.InputTokens,
			OutputTokens:    out.usage.OutputTokens,
			ReasoningTokens: out.usage.ReasoningTokens,
			CreatedAt:       time.Now(),
		}
		if err := s.store.SaveUsage(ctx, usage); err != nil {
			log.Error("failed to save usage", "error", err)
		}
		s.metrics.RecordTokens(t.ModelID, out.usage.InputTokens, out.usage.OutputTokens, out.usage.ReasoningTokens)
	}

	mode := t.Mode.String()
	if !t.firstFrame.IsZero() {
		s.metrics.RecordFirstFrame(mode, t.firstFrame.Sub(t.received))
	}
	s.metrics.RecordStream(mode, out.err == nil, time.Since(t.received))

	log.Info("turn complete",
		"steps", out.steps,
		"parts", len(out.assistant.Parts),
		"input_tokens", out.usage.InputTokens,
		"output_tokens", out.usage.OutputTokens,
		"failed", out.err != nil)
}

// hasContent reports whether m has any part other than step markers.
func hasContent(m message.Message) bool {
	for _, p := range m.Parts {
		if p.Type != message.PartStepStart {
			return true
		}
	}
	return false
}

// History returns the caller's chats, newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]*store.Chat, error) {
	return s.store.ListChats(ctx, ownerID, limit)
}

// DeleteChat removes a chat with its messages and stream records.
func (s *Service) DeleteChat(ctx context.Context, chatID string) (*store.Chat, error) {
	chat, err := s.store.DeleteChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat deleted", "chat_id", chatID)
	return chat, nil
}

// LatestStream returns the newest stream id recorded for a chat.
func (s *Service) LatestStream(ctx context.Context, chatID string) (string, error) {
	recs, err := s.store.GetStreamRecords(ctx, chatID)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", store.ErrNotFound
	}
	return recs[0].ID, nil
}
