// Package devserver is an in-memory implementation of the turn-branching chat
// API. It serves the same envelopes, errors and stream frames as the real
// backend and is meant for local development and integration tests.
package devserver

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"parlor/internal/config"
	"parlor/internal/domain"
	"parlor/internal/domain/models"
	"parlor/internal/domain/models/chat"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// turnNode is a turn plus its full candidate set
type turnNode struct {
	id                string
	chatID            string
	turnNo            int
	author            chat.AuthorType
	isProactive       bool
	parentTurnID      *string
	parentCandidateID *string
	candidates        []*chat.Candidate
	primary           int // index into candidates
	seq               uint64
	createdAt         time.Time
}

func (n *turnNode) primaryCandidate() *chat.Candidate {
	return n.candidates[n.primary]
}

func (n *turnNode) toTurn() chat.Turn {
	return chat.Turn{
		ID:                n.id,
		ChatID:            n.chatID,
		TurnNo:            n.turnNo,
		AuthorType:        n.author,
		State:             chat.TurnStateOK,
		IsProactive:       n.isProactive,
		ParentTurnID:      n.parentTurnID,
		ParentCandidateID: n.parentCandidateID,
		PrimaryCandidate:  *n.primaryCandidate(),
		CandidateCount:    len(n.candidates),
		CreatedAt:         n.createdAt,
	}
}

func (n *turnNode) ref() chat.TurnRef {
	return chat.TurnRef{ID: n.id, TurnNo: n.turnNo, CandidateID: n.primaryCandidate().ID}
}

// StreamTarget names the candidate a streaming action writes into
type StreamTarget struct {
	ChatID        string
	CharacterID   string
	UserTurn      *chat.TurnRef
	AssistantTurn chat.TurnRef
}

// Store holds users, characters, chats and turn trees in memory.
// All methods are safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	users      map[string]*models.User // by email
	codes      map[string]string       // pending login codes by email
	characters map[string]*chat.CharacterSummary
	chats      map[string]*chat.Chat
	turns      map[string]*turnNode
	seq        uint64
	now        func() time.Time
}

// NewStore creates an empty store seeded with the given characters
func NewStore(characters ...chat.CharacterSummary) *Store {
	s := &Store{
		users:      make(map[string]*models.User),
		codes:      make(map[string]string),
		characters: make(map[string]*chat.CharacterSummary),
		chats:      make(map[string]*chat.Chat),
		turns:      make(map[string]*turnNode),
		now:        time.Now,
	}
	for _, c := range characters {
		s.AddCharacter(c)
	}
	return s
}

// DefaultCharacters is the cast the dev server starts with
func DefaultCharacters() []chat.CharacterSummary {
	return []chat.CharacterSummary{
		{
			ID:              "8f0b7a52-5a43-4a57-9d53-6c1d0a3f1e01",
			Identifier:      "mira",
			Name:            "Mira",
			Description:     "A cartographer who maps places that do not exist yet.",
			GreetingMessage: "Oh, a visitor! Mind the ink, it is still wet. Where shall we go today?",
			Tags:            []string{"fantasy", "explorer"},
			Visibility:      chat.VisibilityPublic,
		},
		{
			ID:              "8f0b7a52-5a43-4a57-9d53-6c1d0a3f1e02",
			Identifier:      "quill",
			Name:            "Quill",
			Description:     "A retired detective who answers every question with another question.",
			GreetingMessage: "You look like someone with a puzzle. Am I right?",
			Tags:            []string{"mystery"},
			Visibility:      chat.VisibilityPublic,
		},
	}
}

// AddCharacter registers a character; a missing ID is generated
func (s *Store) AddCharacter(c chat.CharacterSummary) chat.CharacterSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Visibility == "" {
		c.Visibility = chat.VisibilityPublic
	}
	stored := c
	s.characters[c.ID] = &stored
	return c
}

// IssueCode creates a one-time login code for email
func (s *Store) IssueCode(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validation.Validate(email,
		validation.Required,
		validation.Length(3, 254),
		validation.Match(emailPattern).Error("must be a valid email address"),
	); err != nil {
		return "", fmt.Errorf("%w: email %v", domain.ErrValidation, err)
	}

	code := fmt.Sprintf("%06d", rand.IntN(1000000))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return code, nil
}

// Login consumes the pending code and returns the user, creating it on first login
func (s *Store) Login(email, code string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.codes[email]
	if !ok || pending != strings.TrimSpace(code) {
		return nil, &domain.UnauthorizedError{Message: "invalid or expired login code"}
	}
	delete(s.codes, email)

	now := s.now()
	user, ok := s.users[email]
	if !ok {
		username := strings.SplitN(email, "@", 2)[0]
		user = &models.User{
			ID:        uuid.NewString(),
			Email:     email,
			Username:  &username,
			CreatedAt: now,
		}
		s.users[email] = user
	}
	user.LastLoginAt = &now

	out := *user
	return &out, nil
}

// GetUser returns a user by id
func (s *Store) GetUser(userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			out := *u
			return &out, nil
		}
	}
	return nil, &domain.NotFoundError{Message: "user not found"}
}

// GetCharacter looks a character up by id or identifier
func (s *Store) GetCharacter(idOrIdentifier string) (*chat.CharacterSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.characterLocked(idOrIdentifier)
	if err != nil {
		return nil, err
	}
	out := *c
	return &out, nil
}

func (s *Store) characterLocked(idOrIdentifier string) (*chat.CharacterSummary, error) {
	if c, ok := s.characters[idOrIdentifier]; ok {
		return c, nil
	}
	for _, c := range s.characters {
		if c.Identifier != "" && c.Identifier == idOrIdentifier {
			return c, nil
		}
	}
	return nil, &domain.NotFoundError{Message: "character not found"}
}

// CreateChat starts a new chat; the character's greeting becomes the first turn
func (s *Store) CreateChat(userID, characterID string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	character, err := s.characterLocked(characterID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &chat.Chat{
		ID:          uuid.NewString(),
		UserID:      userID,
		CharacterID: character.ID,
		Type:        chat.ChatTypeOneOnOne,
		State:       chat.ChatStateActive,
		Visibility:  chat.VisibilityPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.chats[c.ID] = c
	character.InteractionCount++

	if character.GreetingMessage != "" {
		greeting := s.addTurnLocked(c, nil, chat.AuthorCharacter, character.GreetingMessage, true)
		greeting.isProactive = true
		s.moveLeafLocked(c, greeting)
	}

	out := *c
	return &out, nil
}

// RecentChat returns the user's most recently updated chat with a character
func (s *Store) RecentChat(userID, characterID string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	character, err := s.characterLocked(characterID)
	if err != nil {
		return nil, err
	}

	var recent *chat.Chat
	for _, c := range s.chats {
		if c.UserID != userID || c.CharacterID != character.ID || c.State != chat.ChatStateActive {
			continue
		}
		if recent == nil || c.UpdatedAt.After(recent.UpdatedAt) {
			recent = c
		}
	}
	if recent == nil {
		return nil, &domain.NotFoundError{Message: "no recent chat"}
	}
	out := *recent
	return &out, nil
}

// ListTurns returns one page of the active branch, oldest first.
// beforeTurnID pages backwards from a turn on that branch.
func (s *Store) ListTurns(userID, chatID, beforeTurnID string, limit int) (*chat.TurnsPage, error) {
	if limit <= 0 {
		limit = config.DefaultTurnPageLimit
	}
	if limit > config.MaxTurnPageLimit {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("limit must be at most %d", config.MaxTurnPageLimit)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.chatLocked(userID, chatID)
	if err != nil {
		return nil, err
	}

	path := s.pathLocked(c)
	end := len(path)
	if beforeTurnID != "" {
		end = -1
		for i, n := range path {
			if n.id == beforeTurnID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, &domain.NotFoundError{Message: "turn is not on the active branch"}
		}
	}
	start := max(0, end-limit)

	page := &chat.TurnsPage{
		Chat:    *c,
		Turns:   make([]chat.Turn, 0, end-start),
		HasMore: start > 0,
	}
	if character, ok := s.characters[c.CharacterID]; ok {
		page.Character = *character
	}
	for _, n := range path[start:end] {
		page.Turns = append(page.Turns, n.toTurn())
	}
	if page.HasMore && len(page.Turns) > 0 {
		cursor := page.Turns[0].ID
		page.NextCursor = &cursor
	}
	return page, nil
}

// BeginMessage appends a user turn to the active branch plus an empty
// assistant turn for the reply
func (s *Store) BeginMessage(userID, chatID, content string) (*StreamTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.chatLocked(userID, chatID)
	if err != nil {
		return nil, err
	}

	var leaf *turnNode
	if c.ActiveLeafTurnID != nil {
		leaf = s.turns[*c.ActiveLeafTurnID]
	}
	user := s.addTurnLocked(c, leaf, chat.AuthorUser, content, true)
	assistant := s.addTurnLocked(c, user, chat.AuthorCharacter, "", false)
	s.moveLeafLocked(c, assistant)

	userRef := user.ref()
	return &StreamTarget{
		ChatID:        c.ID,
		CharacterID:   c.CharacterID,
		UserTurn:      &userRef,
		AssistantTurn: assistant.ref(),
	}, nil
}

// BeginRegenerate adds an empty candidate to an assistant turn and makes it primary
func (s *Store) BeginRegenerate(userID, turnID string) (*StreamTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, c, err := s.turnLocked(userID, turnID)
	if err != nil {
		return nil, err
	}
	if n.author != chat.AuthorCharacter {
		return nil, &domain.ValidationError{Message: "only assistant turns can be regenerated"}
	}
	if len(n.candidates) >= config.MaxCandidatesPerTurn {
		return nil, fmt.Errorf("%w: turn already has %d candidates", domain.ErrCandidateLimit, len(n.candidates))
	}

	s.addCandidateLocked(n, "", false)
	s.moveLeafLocked(c, n)

	return &StreamTarget{
		ChatID:        c.ID,
		CharacterID:   c.CharacterID,
		AssistantTurn: n.ref(),
	}, nil
}

// BeginEdit adds content as a new candidate of a user turn, forking the
// branch there, and appends an empty assistant turn for the reply
func (s *Store) BeginEdit(userID, turnID, content string) (*StreamTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, c, err := s.turnLocked(userID, turnID)
	if err != nil {
		return nil, err
	}
	if n.author != chat.AuthorUser {
		return nil, &domain.ValidationError{Message: "only user turns can be edited"}
	}
	if len(n.candidates) >= config.MaxCandidatesPerTurn {
		return nil, fmt.Errorf("%w: turn already has %d candidates", domain.ErrCandidateLimit, len(n.candidates))
	}

	s.addCandidateLocked(n, content, true)
	assistant := s.addTurnLocked(c, n, chat.AuthorCharacter, "", false)
	s.moveLeafLocked(c, assistant)

	userRef := n.ref()
	return &StreamTarget{
		ChatID:        c.ID,
		CharacterID:   c.CharacterID,
		UserTurn:      &userRef,
		AssistantTurn: assistant.ref(),
	}, nil
}

// FinalizeCandidate stores the generated content and marks the candidate final
func (s *Store) FinalizeCandidate(turnID, candidateID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.turns[turnID]
	if !ok {
		return &domain.NotFoundError{Message: "turn not found"}
	}
	for _, cand := range n.candidates {
		if cand.ID == candidateID {
			cand.Content = content
			cand.IsFinal = true
			if c, ok := s.chats[n.chatID]; ok {
				c.UpdatedAt = s.now()
			}
			return nil
		}
	}
	return &domain.NotFoundError{Message: "candidate not found"}
}

// SelectCandidate makes candidateNo primary and moves the active leaf to the
// newest branch continuing it
func (s *Store) SelectCandidate(userID, turnID string, candidateNo int) (*chat.SelectCandidateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, c, err := s.turnLocked(userID, turnID)
	if err != nil {
		return nil, err
	}
	if candidateNo < 1 || candidateNo > len(n.candidates) {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("candidate_no must be between 1 and %d", len(n.candidates)),
		}
	}

	n.primary = candidateNo - 1
	leaf := n
	for {
		next := s.latestChildLocked(leaf)
		if next == nil {
			break
		}
		leaf = next
	}
	s.moveLeafLocked(c, leaf)

	return &chat.SelectCandidateResponse{
		TurnID:             n.id,
		PrimaryCandidateID: n.primaryCandidate().ID,
		CandidateNo:        candidateNo,
		CandidateCount:     len(n.candidates),
		ActiveLeafTurnID:   leaf.id,
	}, nil
}

func (s *Store) chatLocked(userID, chatID string) (*chat.Chat, error) {
	c, ok := s.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, &domain.NotFoundError{Message: "chat not found"}
	}
	return c, nil
}

func (s *Store) turnLocked(userID, turnID string) (*turnNode, *chat.Chat, error) {
	n, ok := s.turns[turnID]
	if !ok {
		return nil, nil, &domain.NotFoundError{Message: "turn not found"}
	}
	c, err := s.chatLocked(userID, n.chatID)
	if err != nil {
		return nil, nil, &domain.NotFoundError{Message: "turn not found"}
	}
	return n, c, nil
}

func (s *Store) addTurnLocked(c *chat.Chat, parent *turnNode, author chat.AuthorType, content string, final bool) *turnNode {
	s.seq++
	n := &turnNode{
		id:        uuid.NewString(),
		chatID:    c.ID,
		turnNo:    1,
		author:    author,
		seq:       s.seq,
		createdAt: s.now(),
	}
	if parent != nil {
		parentID := parent.id
		parentCandidateID := parent.primaryCandidate().ID
		n.parentTurnID = &parentID
		n.parentCandidateID = &parentCandidateID
		n.turnNo = parent.turnNo + 1
	}
	s.addCandidateLocked(n, content, final)
	s.turns[n.id] = n

	c.LastTurnID = &n.id
	return n
}

func (s *Store) addCandidateLocked(n *turnNode, content string, final bool) {
	n.candidates = append(n.candidates, &chat.Candidate{
		ID:          uuid.NewString(),
		CandidateNo: len(n.candidates) + 1,
		Content:     content,
		IsFinal:     final,
		CreatedAt:   s.now(),
	})
	n.primary = len(n.candidates) - 1
}

func (s *Store) moveLeafLocked(c *chat.Chat, leaf *turnNode) {
	id := leaf.id
	c.ActiveLeafTurnID = &id
	c.UpdatedAt = s.now()
}

// latestChildLocked returns the newest turn continuing n's primary candidate
func (s *Store) latestChildLocked(n *turnNode) *turnNode {
	primaryID := n.primaryCandidate().ID
	var latest *turnNode
	for _, child := range s.turns {
		if child.parentTurnID == nil || *child.parentTurnID != n.id {
			continue
		}
		if child.parentCandidateID == nil || *child.parentCandidateID != primaryID {
			continue
		}
		if latest == nil || child.seq > latest.seq {
			latest = child
		}
	}
	return latest
}

// pathLocked walks from the active leaf to the root, oldest first
func (s *Store) pathLocked(c *chat.Chat) []*turnNode {
	if c.ActiveLeafTurnID == nil {
		return nil
	}
	var path []*turnNode
	for n := s.turns[*c.ActiveLeafTurnID]; n != nil; {
		path = append(path, n)
		if n.parentTurnID == nil {
			break
		}
		n = s.turns[*n.parentTurnID]
	}
	sort.Slice(path, func(i, j int) bool { return path[i].turnNo < path[j].turnNo })
	return path
}
