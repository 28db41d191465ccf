package chat

import (
	"sort"
	"strings"
)

// Role is the rendered side of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the locally rendered projection of a turn.
// ID is the turn id, or a temporary id while the message is optimistic.
// CandidateNo and CandidateCount are zero while the message is temporary or a greeting.
type Message struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	CandidateNo    int    `json:"candidate_no,omitempty"`
	CandidateCount int    `json:"candidate_count,omitempty"`
	IsTemp         bool   `json:"is_temp,omitempty"`
	IsGreeting     bool   `json:"is_greeting,omitempty"`
}

// Navigable reports whether branch navigation applies to the message.
// Temporary messages and greetings have no meaningful siblings.
func (m *Message) Navigable() bool {
	return !m.IsTemp && !m.IsGreeting && m.CandidateCount > 0
}

// RoleFor maps an author type onto a rendered role
func RoleFor(author AuthorType) Role {
	if author == AuthorUser {
		return RoleUser
	}
	return RoleAssistant
}

// MessagesFromTurns maps a page of turns onto the visible thread.
// SYSTEM turns are dropped, as are stub turns whose primary candidate is
// neither final nor carrying text. Turns are ordered by turn_no.
func MessagesFromTurns(turns []Turn) []Message {
	ordered := make([]Turn, len(turns))
	copy(ordered, turns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TurnNo < ordered[j].TurnNo
	})

	messages := make([]Message, 0, len(ordered))
	for i := range ordered {
		t := &ordered[i]
		if t.AuthorType != AuthorUser && t.AuthorType != AuthorCharacter {
			continue
		}
		if !t.PrimaryCandidate.IsFinal && strings.TrimSpace(t.PrimaryCandidate.Content) == "" {
			continue
		}

		msg := Message{
			ID:      t.ID,
			Role:    RoleFor(t.AuthorType),
			Content: t.PrimaryCandidate.Content,
		}
		if t.IsGreeting() {
			msg.IsGreeting = true
		} else {
			msg.CandidateNo = t.PrimaryCandidate.CandidateNo
			msg.CandidateCount = t.CandidateCount
		}
		messages = append(messages, msg)
	}
	return messages
}

// CloneMessages returns an independent copy of a message slice
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}
