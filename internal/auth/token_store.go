package auth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStore holds the access token shared by every API client of the process.
// Changes are pushed to subscribers; the session and the CLI subscribe to learn
// about sign-out caused by a 401.
type TokenStore struct {
	mu        sync.RWMutex
	token     string
	persister TokenPersister
	listeners map[int]func(token string)
	nextID    int
	now       func() time.Time
	logger    *slog.Logger
}

// NewTokenStore creates an empty store. persister may be nil for a
// memory-only store.
func NewTokenStore(persister TokenPersister, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		persister: persister,
		listeners: make(map[int]func(token string)),
		now:       time.Now,
		logger:    logger,
	}
}

// InitFromStorage loads a previously saved token.
// Subscribers are not notified; nobody has subscribed yet at startup.
func (s *TokenStore) InitFromStorage() error {
	if s.persister == nil {
		return nil
	}
	token, err := s.persister.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if token != "" && s.isExpired(token) {
		s.logger.Info("stored token has expired, discarding")
		s.Clear()
	}
	return nil
}

// Token returns the current token, or "" when none is set or it has expired
func (s *TokenStore) Token() string {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" || s.isExpired(token) {
		return ""
	}
	return token
}

// HasToken reports whether a usable token is present
func (s *TokenStore) HasToken() bool {
	return s.Token() != ""
}

// SetToken replaces the token, persists it and notifies subscribers
func (s *TokenStore) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	listeners := make([]func(string), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if s.persister != nil {
		var err error
		if token == "" {
			err = s.persister.Remove()
		} else {
			err = s.persister.Save(token)
		}
		if err != nil {
			s.logger.Warn("failed to persist token", "error", err)
		}
	}

	for _, l := range listeners {
		l(token)
	}
}

// Clear removes the token
func (s *TokenStore) Clear() {
	s.SetToken("")
}

// Invalidate implements TokenSource; a 401 clears the token globally
func (s *TokenStore) Invalidate() {
	s.logger.Info("access token invalidated by server")
	s.Clear()
}

// Subscribe registers a listener for token changes.
// The returned function removes the listener.
func (s *TokenStore) Subscribe(listener func(token string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ExpiresAt reads the exp claim without verifying the signature.
// ok is false when the token is not a JWT or carries no exp.
func (s *TokenStore) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	return expiresAt(token)
}

func (s *TokenStore) isExpired(token string) bool {
	exp, ok := expiresAt(token)
	if !ok {
		return false
	}
	return !s.now().Before(exp)
}

// expiresAt parses the token unverified; the server is the one that checks signatures
func expiresAt(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
