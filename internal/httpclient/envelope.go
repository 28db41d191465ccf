package httpclient

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"parlor/internal/domain"
)

// SuccessEnvelope wraps successful responses: {"code","message","status","data"}
type SuccessEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
}

// ErrorEnvelope is the body of a non-2xx response
type ErrorEnvelope struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// unwrapEnvelope returns the data member when the payload is an envelope
// (an object carrying code, status and data) and the payload itself otherwise.
func unwrapEnvelope(raw []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	_, hasCode := fields["code"]
	_, hasStatus := fields["status"]
	data, hasData := fields["data"]
	if hasCode && hasStatus && hasData {
		return data
	}
	return raw
}

// ClassifyResponse turns a non-2xx response into a domain error.
// It returns nil for 2xx. The body is read at most once and is not closed.
// A 401 invalidates the shared token before returning *domain.UnauthorizedError.
func (c *Client) ClassifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var envelope ErrorEnvelope
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); err == nil {
		_ = json.Unmarshal(raw, &envelope)
	}

	message := envelope.Message
	if message == "" {
		message = envelope.Detail
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if c.tokens != nil {
			c.tokens.Invalidate()
		}
		if message == "" {
			message = "Authentication required"
		}
		return &domain.UnauthorizedError{Message: message}
	}

	return &domain.APIError{
		Status:  resp.StatusCode,
		Code:    envelope.Code,
		Message: message,
	}
}

// IsUnauthorized reports whether err came from a 401
func IsUnauthorized(err error) bool {
	return errors.Is(err, domain.ErrUnauthorized)
}
