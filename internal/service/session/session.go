// Package session owns the client-side view of one chat and keeps it in
// sync with the server's turn tree.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"parlor/internal/config"
	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	chatSvc "parlor/internal/domain/services/chat"
	"parlor/internal/metrics"

	"github.com/google/uuid"
)

// Phase is the coarse state of a session
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseReady     Phase = "ready"
	PhaseStreaming Phase = "streaming"
	PhaseError     Phase = "error"
)

// State is a point-in-time copy of the session, safe to keep and read
type State struct {
	ChatID      string
	Phase       Phase
	Character   *chat.CharacterSummary
	Messages    []chat.Message
	IsStreaming bool
	IsLoading   bool
	Error       string
	HasMore     bool
}

// AuthState reports whether requests can be authenticated
type AuthState interface {
	HasToken() bool
}

// CharacterSelection is the externally owned "selected character" indicator.
// An empty id clears it.
type CharacterSelection interface {
	SelectCharacter(characterID string)
}

// Options configures a Session
type Options struct {
	ChatID    string
	API       chatSvc.TurnSync
	Auth      AuthState          // optional
	Selection CharacterSelection // optional
	PageLimit int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// streamToken identifies one stream-producing action. It stays the active
// token until the action's reload has been applied, so that a newer action
// can cancel the reload as well as the stream.
type streamToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	parent context.Context
	action string
	target string // message id receiving chunks
}

// Session is the chat session state machine.
// All methods are safe for concurrent use.
type Session struct {
	api       chatSvc.TurnSync
	auth      AuthState
	selection CharacterSelection
	pageLimit int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	chatID string
	state  State
	active *streamToken
	epoch  uint64 // bumped whenever the session is reset; stale loads are dropped

	// version orders notifications; subscribers never see an older state
	// after a newer one
	version   uint64
	deliverMu sync.Mutex // serializes delivery
	delivered uint64

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int

	wg sync.WaitGroup
}

// New creates a session for opts.ChatID. Call Open to load it.
func New(opts Options) *Session {
	limit := opts.PageLimit
	if limit <= 0 {
		limit = config.DefaultTurnPageLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Session{
		api:       opts.API,
		auth:      opts.Auth,
		selection: opts.Selection,
		pageLimit: limit,
		metrics:   opts.Metrics,
		logger:    logger,
		chatID:    opts.ChatID,
		state: State{
			ChatID:    opts.ChatID,
			Phase:     PhaseLoading,
			IsLoading: true,
		},
		listeners: make(map[int]func(State)),
	}
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a listener called after every state change.
// The returned function removes it. Listeners may subscribe, unsubscribe and
// read Snapshot, but must not start session actions synchronously.
func (s *Session) Subscribe(listener func(State)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Wait blocks until every stream started so far, including its final
// reload, has finished
func (s *Session) Wait() {
	s.wg.Wait()
}

// Open (re)loads the session from scratch: any stream is cancelled, state is
// reset and the latest page of turns is fetched.
func (s *Session) Open(ctx context.Context) error {
	if s.auth != nil && !s.auth.HasToken() {
		return domain.ErrNotAuthorized
	}

	s.mu.Lock()
	s.cancelActiveLocked()
	s.epoch++
	epoch := s.epoch
	chatID := s.chatID
	s.state = State{
		ChatID:    chatID,
		Phase:     PhaseLoading,
		IsLoading: true,
	}
	s.commitLocked()

	s.logger.Debug("loading chat", "chat_id", chatID)
	page, err := s.fetch(ctx, chatID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return context.Canceled
	}
	s.state.IsLoading = false
	if err != nil {
		s.state.Phase = PhaseError
		s.state.Error = errorMessage(err, "Failed to load chat")
		s.commitLocked()
		s.logger.Warn("failed to load chat", "chat_id", chatID, "error", err)
		return err
	}
	characterID := s.applyPageLocked(page)
	s.state.Phase = PhaseReady
	s.commitLocked()

	s.selectCharacter(characterID)
	return nil
}

// SwitchChat points the session at another chat and opens it.
// A stream of the previous chat is cancelled before any state is reset.
func (s *Session) SwitchChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	s.cancelActiveLocked()
	s.chatID = chatID
	s.mu.Unlock()

	return s.Open(ctx)
}

// Close cancels any stream and clears the selected character
func (s *Session) Close() {
	s.mu.Lock()
	s.cancelActiveLocked()
	s.epoch++
	s.state.IsStreaming = false
	if s.state.Phase == PhaseStreaming {
		s.state.Phase = PhaseReady
	}
	s.commitLocked()

	s.selectCharacter("")
}

// Reload replaces the thread with the server's latest page.
// Refused while a stream is in flight.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}
	// supersedes the reload of a finished stream
	s.cancelActiveLocked()
	s.mu.Unlock()

	return s.reload(ctx, nil)
}

// CancelStream cancels the in-flight stream, if any. The session becomes
// idle without applying anything further from that stream, then reloads.
func (s *Session) CancelStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || !s.state.IsStreaming {
		return false
	}
	s.active.cancel()
	return true
}

// SendMessage appends an optimistic user message and an empty assistant
// placeholder, then streams the reply into the placeholder.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return &domain.ValidationError{Message: "message cannot be empty"}
	}
	if s.auth != nil && !s.auth.HasToken() {
		return domain.ErrNotAuthorized
	}

	s.mu.Lock()
	if s.state.Character == nil {
		s.mu.Unlock()
		return domain.ErrNoCharacter
	}
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}

	userID := "temp-user-" + uuid.NewString()
	assistantID := "temp-assistant-" + uuid.NewString()
	s.state.Messages = append(s.state.Messages,
		chat.Message{ID: userID, Role: chat.RoleUser, Content: content, IsTemp: true},
		chat.Message{ID: assistantID, Role: chat.RoleAssistant, IsTemp: true},
	)
	tok := s.beginStreamLocked(ctx, "send", assistantID)
	chatID := s.chatID
	s.commitLocked()

	stream, err := s.api.SendMessage(tok.ctx, chatID, content)
	s.consume(tok, stream, err)
	return nil
}

// Regenerate streams a new candidate for an assistant message.
// The message is cleared and its counters bumped before the request is made.
func (s *Session) Regenerate(ctx context.Context, turnID string) error {
	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}

	idx, err := s.indexLocked(turnID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg := &s.state.Messages[idx]
	if msg.Role != chat.RoleAssistant {
		s.mu.Unlock()
		return &domain.ValidationError{Message: "only assistant messages can be regenerated"}
	}
	if !msg.Navigable() {
		s.mu.Unlock()
		return domain.ErrNotNavigable
	}
	if msg.CandidateCount >= config.MaxCandidatesPerTurn {
		s.mu.Unlock()
		return domain.ErrCandidateLimit
	}

	next := nextCandidateNo(msg.CandidateCount)
	msg.Content = ""
	msg.CandidateNo = next
	msg.CandidateCount = next
	tok := s.beginStreamLocked(ctx, "regenerate", turnID)
	s.commitLocked()

	stream, err := s.api.RegenerateTurn(tok.ctx, turnID)
	s.consume(tok, stream, err)
	return nil
}

// EditUserTurn rewrites a user message as a new candidate. Everything after
// it is dropped from view and a fresh assistant reply is streamed.
func (s *Session) EditUserTurn(ctx context.Context, turnID, content string) error {
	if strings.TrimSpace(content) == "" {
		return &domain.ValidationError{Message: "message cannot be empty"}
	}

	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}

	idx, err := s.indexLocked(turnID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg := s.state.Messages[idx]
	if msg.Role != chat.RoleUser {
		s.mu.Unlock()
		return &domain.ValidationError{Message: "only user messages can be edited"}
	}
	if msg.IsTemp {
		s.mu.Unlock()
		return domain.ErrNotNavigable
	}
	if msg.CandidateCount >= config.MaxCandidatesPerTurn {
		s.mu.Unlock()
		return domain.ErrCandidateLimit
	}

	next := nextCandidateNo(msg.CandidateCount)
	msg.Content = content
	msg.CandidateNo = next
	msg.CandidateCount = next

	assistantID := "temp-assistant-" + uuid.NewString()
	messages := make([]chat.Message, 0, idx+2)
	messages = append(messages, s.state.Messages[:idx]...)
	messages = append(messages, msg, chat.Message{ID: assistantID, Role: chat.RoleAssistant, IsTemp: true})
	s.state.Messages = messages

	tok := s.beginStreamLocked(ctx, "edit", assistantID)
	s.commitLocked()

	stream, err := s.api.EditUserTurn(tok.ctx, turnID, content)
	s.consume(tok, stream, err)
	return nil
}

// SelectCandidate makes candidateNo the primary candidate of a turn and
// reloads. There is no optimistic update.
func (s *Session) SelectCandidate(ctx context.Context, turnID string, candidateNo int) error {
	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}

	idx, err := s.indexLocked(turnID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg := s.state.Messages[idx]
	if !msg.Navigable() {
		s.mu.Unlock()
		return domain.ErrNotNavigable
	}
	if candidateNo < 1 || candidateNo > msg.CandidateCount || candidateNo > config.MaxCandidatesPerTurn {
		s.mu.Unlock()
		return domain.ErrCandidateLimit
	}
	// supersedes the reload of a finished stream
	s.cancelActiveLocked()
	epoch := s.epoch
	s.mu.Unlock()

	if _, err := s.api.SelectCandidate(ctx, turnID, candidateNo); err != nil {
		s.mu.Lock()
		if s.epoch == epoch {
			s.state.Error = errorMessage(err, "Failed to select candidate")
			s.commitLocked()
		} else {
			s.mu.Unlock()
		}
		s.logger.Warn("failed to select candidate", "turn_id", turnID, "candidate_no", candidateNo, "error", err)
		return err
	}

	return s.reload(ctx, nil)
}

// Navigate moves a message step candidates forward or back. Moving forward
// past the last candidate of an assistant message regenerates it; past the
// last candidate of a user message, or before the first, nothing happens.
func (s *Session) Navigate(ctx context.Context, turnID string, step int) error {
	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return domain.ErrStreaming
	}
	idx, err := s.indexLocked(turnID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msg := s.state.Messages[idx]
	s.mu.Unlock()

	if !msg.Navigable() {
		return domain.ErrNotNavigable
	}

	target := msg.CandidateNo + step
	switch {
	case step == 0 || target < 1:
		return nil
	case target > msg.CandidateCount:
		if msg.Role != chat.RoleAssistant {
			return nil
		}
		if msg.CandidateCount >= config.MaxCandidatesPerTurn {
			return domain.ErrCandidateLimit
		}
		return s.Regenerate(ctx, turnID)
	default:
		return s.SelectCandidate(ctx, turnID, target)
	}
}

// beginStreamLocked cancels the previous action and installs a fresh token
func (s *Session) beginStreamLocked(ctx context.Context, action, target string) *streamToken {
	s.cancelActiveLocked()

	streamCtx, cancel := context.WithCancel(ctx)
	tok := &streamToken{
		ctx:    streamCtx,
		cancel: cancel,
		parent: ctx,
		action: action,
		target: target,
	}
	s.active = tok
	s.state.IsStreaming = true
	s.state.Phase = PhaseStreaming
	s.state.Error = ""
	s.wg.Add(1)

	s.logger.Debug("stream started", "action", action, "target", target)
	return tok
}

// cancelActiveLocked cancels and forgets the active token
func (s *Session) cancelActiveLocked() {
	if s.active != nil {
		s.active.cancel()
		s.active = nil
	}
}

// consume drives the stream in the background
func (s *Session) consume(tok *streamToken, stream chatSvc.EventStream, openErr error) {
	go func() {
		defer s.wg.Done()
		defer tok.cancel()

		if openErr != nil {
			if !s.finish(tok, errorMessage(openErr, "Failed to start stream")) {
				s.settleCancelled(tok)
			}
			return
		}
		defer stream.Close()

	events:
		for ev := range stream.Events() {
			switch ev.Type {
			case chat.EventMeta:
				if ev.AssistantTurn != nil {
					s.logger.Debug("stream meta", "action", tok.action, "assistant_turn_id", ev.AssistantTurn.ID)
				}
			case chat.EventChunk:
				applied := s.applyEvent(tok, func() {
					if m := s.findLocked(tok.target); m != nil {
						m.Content += ev.Content
					}
				})
				if !applied {
					break events
				}
			case chat.EventDone:
				applied := s.applyEvent(tok, func() {
					if m := s.findLocked(tok.target); m != nil {
						m.Content = ev.FullContent
					}
					s.idleLocked()
				})
				if applied {
					s.reload(tok.ctx, tok)
					return
				}
				break events
			case chat.EventError:
				if s.finish(tok, ev.ErrorText()) {
					return
				}
				break events
			}
		}

		if tok.ctx.Err() != nil {
			s.settleCancelled(tok)
			return
		}

		s.logger.Warn("stream ended without a terminal event", "action", tok.action)
		if s.apply(tok, s.idleLocked) {
			s.reload(tok.ctx, tok)
		}
	}()
}

// settleCancelled idles a cancelled stream and reloads, applying nothing the
// stream delivered. Replaced or closed sessions have already moved on.
func (s *Session) settleCancelled(tok *streamToken) {
	if !s.apply(tok, s.idleLocked) {
		return
	}
	s.logger.Debug("stream cancelled", "action", tok.action)
	s.reload(context.WithoutCancel(tok.parent), tok)
}

// finish writes an inline error marker into the target message and reloads.
// It reports false if the stream was cancelled or replaced first.
func (s *Session) finish(tok *streamToken, message string) bool {
	applied := s.applyEvent(tok, func() {
		if m := s.findLocked(tok.target); m != nil {
			m.Content = "Error: " + message
		}
		s.idleLocked()
	})
	if !applied {
		return false
	}
	s.logger.Warn("stream failed", "action", tok.action, "error", message)
	s.reload(tok.ctx, tok)
	return true
}

// apply runs fn under the lock if tok is still the active token.
// It reports whether fn ran.
func (s *Session) apply(tok *streamToken, fn func()) bool {
	s.mu.Lock()
	if s.active != tok {
		s.mu.Unlock()
		return false
	}
	fn()
	s.commitLocked()
	return true
}

// applyEvent is apply for stream events: once the token is cancelled nothing
// more from its stream lands, even events already buffered
func (s *Session) applyEvent(tok *streamToken, fn func()) bool {
	s.mu.Lock()
	if s.active != tok || tok.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	fn()
	s.commitLocked()
	return true
}

func (s *Session) idleLocked() {
	s.state.IsStreaming = false
	if s.state.Phase == PhaseStreaming {
		s.state.Phase = PhaseReady
	}
}

// reload fetches the latest page and replaces the thread wholesale.
// With a token, the result applies only while that token is active and the
// token is released afterwards. Without one, it applies only while no stream
// action is active.
func (s *Session) reload(ctx context.Context, tok *streamToken) error {
	s.mu.Lock()
	epoch := s.epoch
	chatID := s.chatID
	s.mu.Unlock()

	page, err := s.fetch(ctx, chatID)

	s.mu.Lock()
	if s.epoch != epoch || s.active != tok {
		s.mu.Unlock()
		s.metrics.Reload("discarded")
		return err
	}
	if tok != nil {
		s.active = nil
	}
	if errors.Is(err, context.Canceled) {
		s.commitLocked()
		s.metrics.Reload(metrics.OutcomeCancelled)
		return err
	}
	if err != nil {
		s.state.Error = errorMessage(err, "Failed to reload chat")
		s.commitLocked()
		s.metrics.Reload(metrics.OutcomeError)
		s.logger.Warn("failed to reload chat", "error", err)
		return err
	}

	characterID := s.applyPageLocked(page)
	if s.state.Phase == PhaseError || s.state.Phase == PhaseLoading {
		s.state.Phase = PhaseReady
	}
	s.state.IsLoading = false
	s.commitLocked()
	s.metrics.Reload(metrics.OutcomeDone)

	s.selectCharacter(characterID)
	return nil
}

func (s *Session) fetch(ctx context.Context, chatID string) (*chat.TurnsPage, error) {
	page, err := s.api.ListTurns(ctx, chatID, chatSvc.ListTurnsParams{Limit: s.pageLimit})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// applyPageLocked installs a page and returns the character id to select
func (s *Session) applyPageLocked(page *chat.TurnsPage) string {
	character := cloneCharacter(&page.Character)
	s.state.Character = character
	s.state.Messages = chat.MessagesFromTurns(page.Turns)
	s.state.HasMore = page.HasMore
	s.state.Error = ""
	return character.ID
}

func (s *Session) selectCharacter(characterID string) {
	if s.selection != nil {
		s.selection.SelectCharacter(characterID)
	}
}

func (s *Session) indexLocked(id string) (int, error) {
	for i := range s.state.Messages {
		if s.state.Messages[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", domain.ErrTurnNotFound, id)
}

func (s *Session) findLocked(id string) *chat.Message {
	for i := range s.state.Messages {
		if s.state.Messages[i].ID == id {
			return &s.state.Messages[i]
		}
	}
	return nil
}

// commitLocked bumps the version, releases the lock and notifies listeners
func (s *Session) commitLocked() {
	s.version++
	version := s.version
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if version <= s.delivered {
		return
	}
	s.delivered = version

	s.listenersMu.Lock()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (s *Session) snapshotLocked() State {
	st := s.state
	st.Messages = chat.CloneMessages(s.state.Messages)
	st.Character = cloneCharacter(s.state.Character)
	return st
}

func cloneCharacter(c *chat.CharacterSummary) *chat.CharacterSummary {
	if c == nil {
		return nil
	}
	out := *c
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	return &out
}

// nextCandidateNo is the slot a new candidate will take, capped
func nextCandidateNo(count int) int {
	if count < 1 {
		count = 1
	}
	return min(config.MaxCandidatesPerTurn, count+1)
}

func errorMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}
