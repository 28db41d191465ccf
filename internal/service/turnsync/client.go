// Package turnsync is the typed client for the turn-oriented chat API.
package turnsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"parlor/internal/config"
	"parlor/internal/domain"
	"parlor/internal/domain/models/chat"
	chatSvc "parlor/internal/domain/services/chat"
	"parlor/internal/httpclient"
	"parlor/internal/sse"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Stream action labels
const (
	ActionSend       = "send"
	ActionRegenerate = "regenerate"
	ActionEdit       = "edit"
)

// Client implements chatSvc.TurnSync and chatSvc.CharacterDirectory
type Client struct {
	api       *httpclient.Client
	transport *sse.Transport
	logger    *slog.Logger
}

// New creates a turn-sync client over the shared API client
func New(api *httpclient.Client) *Client {
	return &Client{
		api:       api,
		transport: sse.NewTransport(api),
		logger:    api.Logger(),
	}
}

var (
	_ chatSvc.TurnSync           = (*Client)(nil)
	_ chatSvc.CharacterDirectory = (*Client)(nil)
)

// ListTurns fetches one page of the active branch
func (c *Client) ListTurns(ctx context.Context, chatID string, params chatSvc.ListTurnsParams) (*chat.TurnsPage, error) {
	if params.Limit == 0 {
		params.Limit = config.DefaultTurnPageLimit
	}
	if err := validateListTurns(chatID, params); err != nil {
		return nil, err
	}

	query := url.Values{}
	if params.BeforeTurnID != "" {
		query.Set("before_turn_id", params.BeforeTurnID)
	}
	query.Set("limit", strconv.Itoa(params.Limit))

	var page chat.TurnsPage
	path := fmt.Sprintf("/v1/chats/%s/turns?%s", url.PathEscape(chatID), query.Encode())
	if err := c.api.Get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return &page, nil
}

// SelectCandidate makes candidateNo the primary candidate of the turn
func (c *Client) SelectCandidate(ctx context.Context, turnID string, candidateNo int) (*chat.SelectCandidateResponse, error) {
	req := chat.SelectCandidateRequest{CandidateNo: candidateNo}
	if err := validateSelect(turnID, &req); err != nil {
		return nil, err
	}

	var resp chat.SelectCandidateResponse
	path := fmt.Sprintf("/v1/turns/%s/select", url.PathEscape(turnID))
	if err := c.api.Post(ctx, path, req, &resp); err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}
	return &resp, nil
}

// SendMessage streams the reply to a new user message
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (chatSvc.EventStream, error) {
	req := chat.ContentRequest{Content: content}
	if err := validateContent("chat", chatID, &req); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/chats/%s/stream", url.PathEscape(chatID))
	return c.transport.Open(ctx, http.MethodPost, path, req, sse.WithAction(ActionSend)), nil
}

// RegenerateTurn streams a new candidate for an assistant turn
func (c *Client) RegenerateTurn(ctx context.Context, turnID string) (chatSvc.EventStream, error) {
	if err := validation.Validate(turnID, validation.Required); err != nil {
		return nil, fmt.Errorf("%w: turn_id: %v", domain.ErrValidation, err)
	}

	path := fmt.Sprintf("/v1/turns/%s/regen/stream", url.PathEscape(turnID))
	return c.transport.Open(ctx, http.MethodPost, path, nil, sse.WithAction(ActionRegenerate)), nil
}

// EditUserTurn adds an edited candidate to a user turn and streams the new reply
func (c *Client) EditUserTurn(ctx context.Context, turnID, content string) (chatSvc.EventStream, error) {
	req := chat.ContentRequest{Content: content}
	if err := validateContent("turn", turnID, &req); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/turns/%s/edit/stream", url.PathEscape(turnID))
	return c.transport.Open(ctx, http.MethodPost, path, req, sse.WithAction(ActionEdit)), nil
}

// GetCharacter fetches a character
func (c *Client) GetCharacter(ctx context.Context, characterID string) (*chat.CharacterSummary, error) {
	if err := validation.Validate(characterID, validation.Required); err != nil {
		return nil, fmt.Errorf("%w: character_id: %v", domain.ErrValidation, err)
	}

	var character chat.CharacterSummary
	if err := c.api.Get(ctx, "/v1/characters/"+url.PathEscape(characterID), &character); err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return &character, nil
}

// RecentChat returns the most recent chat with the character, nil if none
func (c *Client) RecentChat(ctx context.Context, characterID string) (*chat.Chat, error) {
	if err := validation.Validate(characterID, validation.Required); err != nil {
		return nil, fmt.Errorf("%w: character_id: %v", domain.ErrValidation, err)
	}

	var envelope chat.ChatEnvelope
	path := fmt.Sprintf("/v1/characters/%s/chats/recent", url.PathEscape(characterID))
	if err := c.api.Get(ctx, path, &envelope); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("recent chat: %w", err)
	}
	return envelope.Chat, nil
}

// CreateChat starts a new chat with the character
func (c *Client) CreateChat(ctx context.Context, characterID string) (*chat.Chat, error) {
	req := chat.CreateChatRequest{CharacterID: characterID}
	if err := validation.ValidateStruct(&req,
		validation.Field(&req.CharacterID, validation.Required),
	); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	var envelope chat.ChatEnvelope
	if err := c.api.Post(ctx, "/v1/chats", req, &envelope); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	if envelope.Chat == nil {
		return nil, fmt.Errorf("create chat: response has no chat")
	}
	return envelope.Chat, nil
}

// GetOrCreateChatID resumes the most recent chat with the character or starts one
func (c *Client) GetOrCreateChatID(ctx context.Context, characterID string) (string, error) {
	recent, err := c.RecentChat(ctx, characterID)
	if err != nil {
		return "", err
	}
	if recent != nil {
		return recent.ID, nil
	}

	created, err := c.CreateChat(ctx, characterID)
	if err != nil {
		return "", err
	}
	c.logger.Info("created chat", "chat_id", created.ID, "character_id", characterID)
	return created.ID, nil
}

// Validation

func validateListTurns(chatID string, params chatSvc.ListTurnsParams) error {
	if err := validation.Validate(chatID, validation.Required); err != nil {
		return fmt.Errorf("%w: chat_id: %v", domain.ErrValidation, err)
	}
	if err := validation.ValidateStruct(&params,
		validation.Field(&params.Limit, validation.Min(1), validation.Max(config.MaxTurnPageLimit)),
	); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func validateSelect(turnID string, req *chat.SelectCandidateRequest) error {
	if err := validation.Validate(turnID, validation.Required); err != nil {
		return fmt.Errorf("%w: turn_id: %v", domain.ErrValidation, err)
	}
	if err := validation.ValidateStruct(req,
		validation.Field(&req.CandidateNo,
			validation.Required,
			validation.Min(1),
			validation.Max(config.MaxCandidatesPerTurn),
		),
	); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func validateContent(kind, id string, req *chat.ContentRequest) error {
	if err := validation.Validate(id, validation.Required); err != nil {
		return fmt.Errorf("%w: %s_id: %v", domain.ErrValidation, kind, err)
	}
	if err := validation.ValidateStruct(req,
		validation.Field(&req.Content,
			validation.By(notBlank),
			validation.RuneLength(1, config.MaxMessageLength),
		),
	); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}
