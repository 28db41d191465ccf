package devserver

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"parlor/internal/auth"
	"parlor/internal/httputil"
	"parlor/internal/metrics"
	"parlor/internal/middleware"
)

// Options configures a Server
type Options struct {
	Store    *Store
	Verifier *auth.HMACVerifier
	Replies  ReplyGenerator

	// StreamDelay is the pause between chunks; ReplyWords the reply length
	StreamDelay time.Duration
	ReplyWords  int

	// KeepAlive is the interval between keep-alive comments, 0 disables them
	KeepAlive time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves the chat API from a Store
type Server struct {
	store       *Store
	verifier    *auth.HMACVerifier
	replies     ReplyGenerator
	streamDelay time.Duration
	replyWords  int
	keepAlive   time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a server
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	replies := opts.Replies
	if replies == nil {
		replies = NewLoremReplies()
	}
	words := opts.ReplyWords
	if words <= 0 {
		words = 40
	}
	store := opts.Store
	if store == nil {
		store = NewStore(DefaultCharacters()...)
	}
	verifier := opts.Verifier
	if verifier == nil {
		// tokens from a random secret only live as long as this server
		verifier, _ = auth.NewHMACVerifier(uuid.NewString(), 24*time.Hour, logger)
	}

	return &Server{
		store:       store,
		verifier:    verifier,
		replies:     replies,
		streamDelay: opts.StreamDelay,
		replyWords:  words,
		keepAlive:   opts.KeepAlive,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// Verifier returns the token issuer
func (s *Server) Verifier() *auth.HMACVerifier {
	return s.verifier
}

// Store returns the backing store
func (s *Server) Store() *Store {
	return s.store
}

// Handler returns the API routes wrapped in the standard middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := middleware.Auth(s.verifier, s.logger)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	// Auth
	mux.HandleFunc("POST /v1/auth/send_code", s.SendCode)
	mux.HandleFunc("POST /v1/auth/login", s.Login)
	mux.Handle("GET /v1/auth/me", protect(s.Me))

	// Characters and chats
	mux.Handle("GET /v1/characters/{id}", protect(s.GetCharacter))
	mux.Handle("GET /v1/characters/{id}/chats/recent", protect(s.RecentChat))
	mux.Handle("POST /v1/chats", protect(s.CreateChat))
	mux.Handle("GET /v1/chats/{id}/turns", protect(s.ListTurns))

	// Turns
	mux.Handle("POST /v1/turns/{id}/select", protect(s.SelectCandidate))
	mux.Handle("POST /v1/chats/{id}/stream", protect(s.StreamMessage))
	mux.Handle("POST /v1/turns/{id}/regen/stream", protect(s.StreamRegenerate))
	mux.Handle("POST /v1/turns/{id}/edit/stream", protect(s.StreamEdit))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httputil.RespondError(w, http.StatusNotFound, httputil.CodeNotFound, "route not found")
	})

	return middleware.Chain(mux,
		middleware.RequestID(),
		middleware.Tracing("parlor/devserver"),
		middleware.Logging(s.logger, s.metrics),
		middleware.Recovery(s.logger),
	)
}
