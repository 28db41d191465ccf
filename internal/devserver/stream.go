package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"parlor/internal/config"
	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	"parlor/internal/httputil"
)

// FailTrigger in a message makes the reply stream end with an error frame
const FailTrigger = "[[fail]]"

// StreamMessage creates a user turn and streams the reply
// POST /v1/chats/{id}/stream
func (s *Server) StreamMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := httputil.PathParam(w, r, "id", "Chat ID")
	if !ok {
		return
	}
	content, ok := s.parseContent(w, r)
	if !ok {
		return
	}

	target, err := s.store.BeginMessage(httputil.GetUserID(r), chatID, content)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	s.streamReply(w, r, target, "send", strings.Contains(content, FailTrigger))
}

// StreamRegenerate adds a candidate to an assistant turn and streams it
// POST /v1/turns/{id}/regen/stream
func (s *Server) StreamRegenerate(w http.ResponseWriter, r *http.Request) {
	turnID, ok := httputil.PathParam(w, r, "id", "Turn ID")
	if !ok {
		return
	}

	target, err := s.store.BeginRegenerate(httputil.GetUserID(r), turnID)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	s.streamReply(w, r, target, "regenerate", false)
}

// StreamEdit forks the branch at a user turn and streams a fresh reply
// POST /v1/turns/{id}/edit/stream
func (s *Server) StreamEdit(w http.ResponseWriter, r *http.Request) {
	turnID, ok := httputil.PathParam(w, r, "id", "Turn ID")
	if !ok {
		return
	}
	content, ok := s.parseContent(w, r)
	if !ok {
		return
	}

	target, err := s.store.BeginEdit(httputil.GetUserID(r), turnID, content)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	s.streamReply(w, r, target, "edit", strings.Contains(content, FailTrigger))
}

func (s *Server) parseContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req chat.ContentRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
		return "", false
	}

	err := validation.ValidateStruct(&req,
		validation.Field(&req.Content,
			validation.Required,
			validation.RuneLength(1, config.MaxMessageLength),
		),
	)
	if err != nil {
		httputil.RespondDomainError(w, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return "", false
	}
	return req.Content, true
}

// streamReply writes meta, word chunks and done. If the client goes away the
// candidate keeps whatever was generated so far.
func (s *Server) streamReply(w http.ResponseWriter, r *http.Request, target *StreamTarget, action string, fail bool) {
	assistant := target.AssistantTurn
	logger := s.logger.With(
		"action", action,
		"chat_id", target.ChatID,
		"turn_id", assistant.ID,
		"request_id", httputil.GetRequestID(r),
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.finalize(logger, assistant, "")
		httputil.RespondError(w, http.StatusInternalServerError, httputil.CodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	s.metrics.IncrementSSEConnections()
	defer s.metrics.DecrementSSEConnections()

	frames := newFrameWriter(w, flusher)
	ka := newKeepAlive(s.keepAlive)
	stopped := ka.Start(frames, logger)
	defer func() {
		ka.Stop()
		<-stopped
	}()

	logger.Debug("stream started")
	if err := frames.WriteEvent(chat.MetaEvent{
		Type:          chat.EventMeta,
		UserTurn:      target.UserTurn,
		AssistantTurn: &assistant,
	}); err != nil {
		s.finalize(logger, assistant, "")
		return
	}

	ctx := r.Context()
	reply := s.replies.Reply(s.replyWords)
	var sent strings.Builder

	for i, word := range splitWords(reply) {
		if !s.pause(ctx) {
			logger.Info("client disconnected", "chunks_sent", i)
			s.finalize(logger, assistant, sent.String())
			return
		}
		if err := frames.WriteEvent(chat.ChunkEvent{Type: chat.EventChunk, Content: word}); err != nil {
			logger.Info("client disconnected during write", "error", err)
			s.finalize(logger, assistant, sent.String())
			return
		}
		sent.WriteString(word)

		if fail {
			s.finalize(logger, assistant, sent.String())
			frames.WriteEvent(chat.ErrorEvent{Type: chat.EventError, Code: "LLM_ERROR", Message: "mock provider failure"})
			logger.Info("stream failed on request")
			return
		}
	}

	s.finalize(logger, assistant, reply)
	turnID, candidateID := assistant.ID, assistant.CandidateID
	if err := frames.WriteEvent(chat.DoneEvent{
		Type:                 chat.EventDone,
		FullContent:          reply,
		AssistantTurnID:      &turnID,
		AssistantCandidateID: &candidateID,
	}); err != nil {
		logger.Info("client disconnected before done", "error", err)
		return
	}
	logger.Debug("stream completed", "chars", len(reply))
}

// pause waits between chunks; it reports false once the client is gone
func (s *Server) pause(ctx context.Context) bool {
	if s.streamDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.streamDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) finalize(logger *slog.Logger, ref chat.TurnRef, content string) {
	if err := s.store.FinalizeCandidate(ref.ID, ref.CandidateID, content); err != nil {
		logger.Warn("failed to finalize candidate", "error", err)
	}
}
