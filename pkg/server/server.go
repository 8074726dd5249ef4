// Package server exposes the planner HTTP API: session CRUD, the streaming
// chat endpoint, the log sink, and websocket live updates.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/planwise/planner/pkg/provider"
	"github.com/planwise/planner/pkg/store"
)

// Options configures the server.
type Options struct {
	// Tokens maps bearer credentials to owner identities.
	Tokens map[string]string

	// SessionLimit caps active sessions per owner. Zero means unlimited.
	SessionLimit int

	// RateLimit caps session creations per owner per minute. Zero means
	// unlimited.
	RateLimit int
}

// Server serves the planner API.
type Server struct {
	sessions store.SessionStore
	messages store.MessageStore
	provider provider.Provider
	opts     Options
	limiter  *rateLimiter
	srv      *http.Server
}

// New creates a Server.
func New(sessions store.SessionStore, messages store.MessageStore, p provider.Provider, opts Options) *Server {
	return &Server{
		sessions: sessions,
		messages: messages,
		provider: p,
		opts:     opts,
		limiter:  newRateLimiter(opts.RateLimit, time.Minute),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		// The log sink accepts reports from unauthenticated pages too.
		r.Post("/logs", s.handleLogs)

		r.Group(func(r chi.Router) {
			r.Use(s.auth)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Patch("/sessions/{id}", s.handleRenameSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Get("/sessions/{id}/messages", s.handleListMessages)
			r.Get("/sessions/{id}/usage", s.handleSessionUsage)
			r.Get("/sessions/{id}/ws", s.handleSessionWebSocket)

			r.Post("/chat", s.handleChat)
		})
	})

	return r
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	slog.Info("starting planner API", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

type ctxKey int

const ownerKey ctxKey = 0

// auth resolves the bearer token to an owner identity.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		owner, ok := s.opts.Tokens[token]
		if !ok {
			s.errorResponse(w, http.StatusUnauthorized, "unauthenticated", "unknown credential")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// errorResponse writes the typed {code, message} error body.
func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	s.jsonResponse(w, status, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: message})
}

// rateLimiter is a fixed-window per-owner counter.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *rateLimiter) allow(owner string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	recent := l.hits[owner][:0]
	for _, t := range l.hits[owner] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.hits[owner] = recent
		return false
	}
	l.hits[owner] = append(recent, time.Now())
	return true
}
