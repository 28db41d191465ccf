package chat

import (
	"time"
)

// AuthorType identifies who authored a turn
type AuthorType string

const (
	AuthorUser      AuthorType = "USER"
	AuthorCharacter AuthorType = "CHARACTER"
	AuthorSystem    AuthorType = "SYSTEM"
)

// TurnState is the lifecycle state of a turn
type TurnState string

const (
	TurnStateOK       TurnState = "OK"
	TurnStateFiltered TurnState = "FILTERED"
	TurnStateDeleted  TurnState = "DELETED"
	TurnStateError    TurnState = "ERROR"
)

// Turn is one position in a conversation. Turns form a tree through
// ParentTurnID/ParentCandidateID: a turn continues one specific candidate of
// its parent. Identity is immutable; only the primary candidate pointer and
// the candidate set evolve.
type Turn struct {
	ID                string     `json:"id"`
	ChatID            string     `json:"chat_id,omitempty"`
	TurnNo            int        `json:"turn_no"`
	AuthorType        AuthorType `json:"author_type"`
	State             TurnState  `json:"state"`
	IsProactive       bool       `json:"is_proactive"`
	ParentTurnID      *string    `json:"parent_turn_id,omitempty"`
	ParentCandidateID *string    `json:"parent_candidate_id,omitempty"`
	PrimaryCandidate  Candidate  `json:"primary_candidate"`
	CandidateCount    int        `json:"candidate_count"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsGreeting reports whether the turn is a proactive character turn with no
// parent, i.e. the greeting that opens a fresh chat
func (t *Turn) IsGreeting() bool {
	return t.AuthorType == AuthorCharacter && t.IsProactive && t.ParentTurnID == nil
}

// Candidate is one concrete content value for a turn.
// CandidateNo is 1-based, dense and never reused within a turn.
type Candidate struct {
	ID          string    `json:"id"`
	CandidateNo int       `json:"candidate_no"`
	Content     string    `json:"content"`
	Model       *string   `json:"model,omitempty"`
	IsFinal     bool      `json:"is_final"`
	Rank        *int      `json:"rank,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnsPage is one page of the active branch path of a chat
type TurnsPage struct {
	Chat       Chat             `json:"chat"`
	Character  CharacterSummary `json:"character"`
	Turns      []Turn           `json:"turns"`
	NextCursor *string          `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// SelectCandidateRequest is the body of POST /v1/turns/{id}/select
type SelectCandidateRequest struct {
	CandidateNo int `json:"candidate_no"`
}

// SelectCandidateResponse carries the updated pointers after a select
type SelectCandidateResponse struct {
	TurnID             string `json:"turn_id"`
	PrimaryCandidateID string `json:"primary_candidate_id"`
	CandidateNo        int    `json:"candidate_no"`
	CandidateCount     int    `json:"candidate_count"`
	ActiveLeafTurnID   string `json:"active_leaf_turn_id"`
}

// ContentRequest is the body of the send and edit stream endpoints
type ContentRequest struct {
	Content string `json:"content"`
}
