package devserver

import (
	"net/http"
	"strconv"

	"parlor/internal/domain/models"
	"parlor/internal/domain/models/chat"
	"parlor/internal/httputil"
)

// SendCode issues a one-time login code
// POST /v1/auth/send_code
func (s *Server) SendCode(w http.ResponseWriter, r *http.Request) {
	var req models.SendCodeRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
		return
	}

	code, err := s.store.IssueCode(req.Email)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}

	// No mail in development: the code goes to the log
	s.logger.Info("login code issued", "email", req.Email, "code", code)
	httputil.RespondJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// Login exchanges a login code for an access token
// POST /v1/auth/login
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.Login(req.Email, req.Code)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}

	token, err := s.verifier.Issue(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to issue token", "user_id", user.ID, "error", err)
		httputil.RespondDomainError(w, err)
		return
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	httputil.RespondJSON(w, http.StatusOK, models.AuthResponse{AccessToken: token, TokenType: "bearer"})
}

// Me returns the signed-in user
// GET /v1/auth/me
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(httputil.GetUserID(r))
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, user)
}

// GetCharacter returns a character by id or identifier
// GET /v1/characters/{id}
func (s *Server) GetCharacter(w http.ResponseWriter, r *http.Request) {
	characterID, ok := httputil.PathParam(w, r, "id", "Character ID")
	if !ok {
		return
	}

	character, err := s.store.GetCharacter(characterID)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, character)
}

// RecentChat returns the caller's latest chat with a character, 404 if none
// GET /v1/characters/{id}/chats/recent
func (s *Server) RecentChat(w http.ResponseWriter, r *http.Request) {
	characterID, ok := httputil.PathParam(w, r, "id", "Character ID")
	if !ok {
		return
	}

	c, err := s.store.RecentChat(httputil.GetUserID(r), characterID)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, chat.ChatEnvelope{Chat: c})
}

// CreateChat starts a chat with a character
// POST /v1/chats
func (s *Server) CreateChat(w http.ResponseWriter, r *http.Request) {
	var req chat.CreateChatRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
		return
	}
	if req.CharacterID == "" {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "character_id is required")
		return
	}

	c, err := s.store.CreateChat(httputil.GetUserID(r), req.CharacterID)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}

	s.logger.Info("chat created", "chat_id", c.ID, "character_id", c.CharacterID)
	httputil.RespondJSON(w, http.StatusCreated, chat.ChatEnvelope{Chat: c})
}

// ListTurns returns one page of the active branch
// GET /v1/chats/{id}/turns?before_turn_id=&limit=
func (s *Server) ListTurns(w http.ResponseWriter, r *http.Request) {
	chatID, ok := httputil.PathParam(w, r, "id", "Chat ID")
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	page, err := s.store.ListTurns(httputil.GetUserID(r), chatID, query.Get("before_turn_id"), limit)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, page)
}

// SelectCandidate switches the primary candidate of a turn
// POST /v1/turns/{id}/select
func (s *Server) SelectCandidate(w http.ResponseWriter, r *http.Request) {
	turnID, ok := httputil.PathParam(w, r, "id", "Turn ID")
	if !ok {
		return
	}

	var req chat.SelectCandidateRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, httputil.CodeBadRequest, "Invalid request body")
		return
	}

	resp, err := s.store.SelectCandidate(httputil.GetUserID(r), turnID, req.CandidateNo)
	if err != nil {
		httputil.RespondDomainError(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}
