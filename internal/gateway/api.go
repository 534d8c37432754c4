// ABOUTME: HTTP API handlers for chat turns, chat deletion, stream resume and history
// ABOUTME: POST /api/chat answers with an SSE stream of generation frames

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/engine"
	"github.com/2389/coven-chat/internal/message"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/stream"
)

const (
	// maxBodyBytes bounds a POST /api/chat body. Continuations carry the whole chat.
	maxBodyBytes = 4 << 20

	// maxTextRunes bounds each text part of a new user message.
	maxTextRunes = 2000

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// StreamIDHeader carries the stream id of a turn so clients can resume it.
const StreamIDHeader = "X-Stream-Id"

var validate = validator.New(validator.WithRequiredStructEnabled())

// ChatRequest is the JSON body of POST /api/chat. Exactly one of Message and
// Messages is set: a new user message, or the full message list of a turn
// continued after a tool approval decision.
type ChatRequest struct {
	ID                     string            `json:"id" validate:"required,uuid"`
	Message                *message.Message  `json:"message,omitempty" validate:"required_without=Messages,excluded_with=Messages"`
	Messages               []message.Message `json:"messages,omitempty"`
	SelectedChatModel      string            `json:"selectedChatModel" validate:"required,max=128"`
	SelectedVisibilityType store.Visibility  `json:"selectedVisibilityType" validate:"required,oneof=public private"`
}

// HistoryResponse is the JSON response for GET /api/history.
type HistoryResponse struct {
	Chats   []*store.Chat `json:"chats"`
	HasMore bool          `json:"hasMore"`
}

// parseChatRequest decodes and validates a chat request body.
func parseChatRequest(w http.ResponseWriter, r *http.Request) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, err
	}
	if req.Message != nil {
		for i, p := range req.Message.Parts {
			if p.Type == message.PartText && utf8.RuneCountInString(p.Text) > maxTextRunes {
				return nil, fmt.Errorf("part %d: text longer than %d characters", i, maxTextRunes)
			}
		}
	}
	return &req, nil
}

// fail classifies err, records it and writes the error document.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, route string, err error, surface chaterr.Surface) {
	ce := chaterr.From(err, surface)
	g.metrics.RecordError(ce.Code())
	g.metrics.RecordRequest(route, false)
	chaterr.Write(w, r, g.logger, ce, surface)
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// handleChat handles POST /api/chat: admit, start the turn, and stream its frames.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	const route = "chat"
	ctx := r.Context()

	req, err := parseChatRequest(w, r)
	if err != nil {
		g.logger.Debug("rejected chat request", "error", err)
		g.fail(w, r, route, chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err), chaterr.SurfaceAPI)
		return
	}

	// Check streaming support before anything is persisted
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.fail(w, r, route, errors.New("streaming not supported"), chaterr.SurfaceChat)
		return
	}

	session := auth.FromContext(ctx)
	decision, err := g.gate.Admit(ctx, session, req.ID)
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceChat)
		return
	}
	g.metrics.RecordAdmission(decision.String())
	if derr := decision.Err(); derr != nil {
		g.fail(w, r, route, derr, chaterr.SurfaceChat)
		return
	}

	turn, err := g.conversation.Begin(ctx, conversation.BeginRequest{
		Session:    session,
		ChatID:     req.ID,
		Message:    req.Message,
		Messages:   req.Messages,
		ModelID:    req.SelectedChatModel,
		Visibility: req.SelectedVisibilityType,
		Hints:      engine.HintsFromRequest(r),
	})
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceChat)
		return
	}

	frames, err := g.broker.OpenOrAttach(ctx, turn.StreamID, turn.Frames, 0)
	if err != nil {
		g.fail(w, r, route, fmt.Errorf("open stream %s: %w", turn.StreamID, err), chaterr.SurfaceStream)
		return
	}

	// Frames has been called by now, so the turn's group is populated
	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		_ = turn.Wait()
	}()

	setSSEHeaders(w.Header())
	w.Header().Set(StreamIDHeader, turn.StreamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	finished := g.pipeFrames(w, flusher, frames)
	if !finished {
		g.metrics.RecordClientDisconnect()
		g.logger.Info("client left before the turn finished", "chat_id", turn.ChatID, "stream_id", turn.StreamID)
	}
	g.metrics.RecordRequest(route, true)
}

// handleDeleteChat handles DELETE /api/chat?id=.
func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	const route = "delete_chat"
	ctx := r.Context()

	id := r.URL.Query().Get("id")
	if id == "" {
		g.fail(w, r, route, chaterr.New(chaterr.KindBadRequest, chaterr.SurfaceAPI).WithCause("parameter id is required"), chaterr.SurfaceAPI)
		return
	}

	session := auth.FromContext(ctx)
	if session == nil || session.OwnerID == "" {
		g.fail(w, r, route, chaterr.New(chaterr.KindUnauthorized, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}
	if _, err := g.store.GetChat(ctx, id); errors.Is(err, store.ErrNotFound) {
		g.fail(w, r, route, chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}
	decision, err := g.gate.CheckOwnership(ctx, session, id)
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceChat)
		return
	}
	if derr := decision.Err(); derr != nil {
		g.fail(w, r, route, derr, chaterr.SurfaceChat)
		return
	}

	chat, err := g.conversation.DeleteChat(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(w, r, route, chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceChat)
		return
	}

	g.metrics.RecordRequest(route, true)
	g.writeJSON(w, http.StatusOK, chat)
}

// handleResume handles GET /api/chat/{id}/stream. It replays the newest stream
// of the chat after the client's last seen frame, then follows it live.
func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	const route = "resume"
	ctx := r.Context()
	chatID := r.PathValue("id")

	session := auth.FromContext(ctx)
	if session == nil || session.OwnerID == "" {
		g.fail(w, r, route, chaterr.New(chaterr.KindUnauthorized, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}

	after, err := resumePoint(r)
	if err != nil {
		g.fail(w, r, route, chaterr.Wrap(chaterr.KindBadRequest, chaterr.SurfaceAPI, err), chaterr.SurfaceAPI)
		return
	}

	if !g.broker.Resumable() {
		g.metrics.RecordRequest(route, true)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	chat, err := g.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		g.fail(w, r, route, chaterr.New(chaterr.KindNotFound, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceChat)
		return
	}
	if chat.Visibility != store.VisibilityPublic && chat.OwnerID != session.OwnerID {
		g.fail(w, r, route, chaterr.New(chaterr.KindForbidden, chaterr.SurfaceChat), chaterr.SurfaceChat)
		return
	}

	streamID, err := g.conversation.LatestStream(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		g.metrics.RecordRequest(route, true)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceStream)
		return
	}

	frames, err := g.broker.Attach(ctx, streamID, after)
	if errors.Is(err, stream.ErrStreamNotFound) || errors.Is(err, stream.ErrResumeDisabled) {
		g.metrics.RecordRequest(route, true)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceStream)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.fail(w, r, route, errors.New("streaming not supported"), chaterr.SurfaceStream)
		return
	}

	setSSEHeaders(w.Header())
	w.Header().Set(StreamIDHeader, streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	g.logger.Debug("stream resumed", "chat_id", chatID, "stream_id", streamID, "after", after)
	if !g.pipeFrames(w, flusher, frames) {
		g.metrics.RecordClientDisconnect()
	}
	g.metrics.RecordRequest(route, true)
}

// resumePoint reads the last seen sequence number from Last-Event-ID or ?after=.
func resumePoint(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("invalid resume point %q", raw)
	}
	return after, nil
}

// handleHistory handles GET /api/history?limit=.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	const route = "history"
	ctx := r.Context()

	session := auth.FromContext(ctx)
	if session == nil || session.OwnerID == "" {
		g.fail(w, r, route, chaterr.New(chaterr.KindUnauthorized, chaterr.SurfaceHistory), chaterr.SurfaceHistory)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.fail(w, r, route, chaterr.New(chaterr.KindBadRequest, chaterr.SurfaceAPI).WithCause("limit must be a positive integer"), chaterr.SurfaceAPI)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	chats, err := g.conversation.History(ctx, session.OwnerID, limit+1)
	if err != nil {
		g.fail(w, r, route, err, chaterr.SurfaceHistory)
		return
	}

	resp := HistoryResponse{Chats: chats, HasMore: len(chats) > limit}
	if resp.HasMore {
		resp.Chats = chats[:limit]
	}
	if resp.Chats == nil {
		resp.Chats = []*store.Chat{}
	}
	g.metrics.RecordRequest(route, true)
	g.writeJSON(w, http.StatusOK, resp)
}
