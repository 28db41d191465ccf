package chat

import (
	"time"
)

// ChatType distinguishes one-on-one chats from rooms
type ChatType string

const (
	ChatTypeOneOnOne ChatType = "ONE_ON_ONE"
	ChatTypeRoom     ChatType = "ROOM"
)

// ChatState is the lifecycle state of a chat
type ChatState string

const (
	ChatStateActive   ChatState = "ACTIVE"
	ChatStateArchived ChatState = "ARCHIVED"
)

// Visibility applies to both chats and characters
type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityPrivate  Visibility = "PRIVATE"
	VisibilityUnlisted Visibility = "UNLISTED"
)

// Chat represents a conversation session between one user and one character.
// A chat owns a tree of turns; ActiveLeafTurnID is the tip of the branch the
// user currently sees.
type Chat struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	CharacterID      string     `json:"character_id"`
	Type             ChatType   `json:"type"`
	State            ChatState  `json:"state"`
	Visibility       Visibility `json:"visibility"`
	LastTurnID       *string    `json:"last_turn_id,omitempty"`
	ActiveLeafTurnID *string    `json:"active_leaf_turn_id,omitempty"`
	LastReadTurnNo   int        `json:"last_read_turn_no"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CharacterSummary is the character metadata returned alongside turn pages
type CharacterSummary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	SystemPrompt     string     `json:"system_prompt,omitempty"`
	GreetingMessage  string     `json:"greeting_message,omitempty"`
	AvatarFileName   string     `json:"avatar_file_name,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	CreatorID        *string    `json:"creator_id,omitempty"`
	Visibility       Visibility `json:"visibility,omitempty"`
	Identifier       string     `json:"identifier,omitempty"`
	InteractionCount int        `json:"interaction_count"`
}

// DefaultAvatar is shown for characters without an uploaded avatar
const DefaultAvatar = "/default-avatar.svg"

// Avatar returns the avatar file name, falling back to the default avatar
func (c *CharacterSummary) Avatar() string {
	if c.AvatarFileName == "" {
		return DefaultAvatar
	}
	return c.AvatarFileName
}

// ChatEnvelope wraps a chat in the shape returned by chat create/lookup endpoints
type ChatEnvelope struct {
	Chat *Chat `json:"chat"`
}

// CreateChatRequest is the DTO for creating a new chat
type CreateChatRequest struct {
	CharacterID string `json:"character_id"`
}
