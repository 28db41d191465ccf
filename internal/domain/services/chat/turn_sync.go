package chat

import (
	"context"

	"parlor/internal/domain/models/chat"
)

// EventStream is one in-flight streaming action.
// Events closes after a terminal event, end of stream or Close.
type EventStream interface {
	Events() <-chan chat.StreamEvent
	Close()
}

// TurnSync defines the turn-oriented chat API consumed by a chat session
type TurnSync interface {
	// ListTurns returns one page of the active branch, oldest first.
	// An empty BeforeTurnID asks for the latest page.
	ListTurns(ctx context.Context, chatID string, params ListTurnsParams) (*chat.TurnsPage, error)

	// SelectCandidate makes candidateNo the primary candidate of a turn.
	// Not a streaming call.
	SelectCandidate(ctx context.Context, turnID string, candidateNo int) (*chat.SelectCandidateResponse, error)

	// SendMessage creates a user turn and streams the assistant reply
	SendMessage(ctx context.Context, chatID, content string) (EventStream, error)

	// RegenerateTurn adds a candidate to an assistant turn and streams it
	RegenerateTurn(ctx context.Context, turnID string) (EventStream, error)

	// EditUserTurn adds a candidate to a user turn, forking the branch,
	// and streams a fresh assistant reply on the new branch
	EditUserTurn(ctx context.Context, turnID, content string) (EventStream, error)
}

// CharacterDirectory resolves characters and their chats.
// Used by front-ends to pick a chat before opening a session.
type CharacterDirectory interface {
	GetCharacter(ctx context.Context, characterID string) (*chat.CharacterSummary, error)

	// RecentChat returns the caller's most recent chat with the character,
	// or nil when there is none
	RecentChat(ctx context.Context, characterID string) (*chat.Chat, error)

	CreateChat(ctx context.Context, characterID string) (*chat.Chat, error)
}

// ListTurnsParams selects a page of turns
type ListTurnsParams struct {
	BeforeTurnID string `json:"before_turn_id,omitempty"`
	Limit        int    `json:"limit"`
}
