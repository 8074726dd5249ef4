package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/provider"
	"github.com/planwise/planner/pkg/store"
)

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := s.sessions.ListSessions(r.Context(), ownerFrom(r.Context()), limit, offset)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	if !s.limiter.allow(owner) {
		s.errorResponse(w, http.StatusTooManyRequests, "rate_limited", "too many session creations, slow down")
		return
	}

	var req struct {
		Title   string                `json:"title"`
		Context domain.SessionContext `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if field := missingContextField(req.Context); field != "" {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", field+" is required")
		return
	}

	if s.opts.SessionLimit > 0 {
		n, err := s.sessions.CountActive(r.Context(), owner)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		if n >= s.opts.SessionLimit {
			s.errorResponse(w, http.StatusConflict, "session_limit", "active session limit reached")
			return
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = req.Context.Challenge + " — " + req.Context.BusinessType
	}
	sess := domain.Session{
		ID:      uuid.New().String(),
		OwnerID: owner,
		Title:   title,
		Context: req.Context,
		Status:  domain.SessionActive,
	}
	if err := s.sessions.CreateSession(r.Context(), &sess); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, sess)
}

func missingContextField(sctx domain.SessionContext) string {
	switch {
	case strings.TrimSpace(sctx.BusinessType) == "":
		return "business_type"
	case strings.TrimSpace(sctx.TargetMarket) == "":
		return "target_market"
	case strings.TrimSpace(sctx.Challenge) == "":
		return "challenge"
	}
	return ""
}

// ownedSession loads a session and checks it belongs to the caller.
// Foreign sessions look identical to missing ones.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request, id string) *domain.Session {
	sess, err := s.sessions.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.OwnerID != ownerFrom(r.Context())) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "session not found")
		return nil
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return nil
	}
	return sess
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}
	var req struct {
		Title  string               `json:"title"`
		Status domain.SessionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Title) != "" {
		sess.Title = strings.TrimSpace(req.Title)
	}
	if req.Status != "" {
		sess.Status = req.Status
	}
	if err := s.sessions.UpdateSession(r.Context(), sess); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}

	// The normal flow archives; ?hard=true removes the record and its
	// messages for good.
	var err error
	if r.URL.Query().Get("hard") == "true" {
		err = s.sessions.DeleteSession(r.Context(), sess.ID)
	} else {
		err = s.sessions.ArchiveSession(r.Context(), sess.ID)
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

// apiMessage converts a stored record into the wire shape clients merge
// into their conversation state. The durable id doubles as the stable key.
func apiMessage(m store.Message) domain.Message {
	return domain.Message{
		Ref:       domain.MessageRef{TempID: m.ID, DurableID: m.ID},
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Tokens:    m.Tokens,
		Status:    domain.MessageCompleted,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}
	msgs, err := s.messages.ListMessages(r.Context(), sess.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, apiMessage(m))
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}
	usage, err := s.messages.SessionUsage(r.Context(), sess.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, usage)
}

// --- Chat ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "validation_error", "message is required")
		return
	}
	sess := s.ownedSession(w, r, req.SessionID)
	if sess == nil {
		return
	}

	prior, err := s.messages.ListMessages(r.Context(), sess.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	history := make([]provider.Message, 0, len(prior))
	for _, m := range prior {
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}

	ts, err := s.provider.Stream(r.Context(), sess.Context, history, req.Message)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	defer ts.Close()

	// Persist the user message only once a reply stream is open. A failed
	// attempt leaves no trace, so the client's retry of the same turn does
	// not stack duplicate user messages in the log.
	userMsg := store.Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      domain.RoleUser,
		Content:   req.Message,
		Tokens:    domain.EstimateTokens(req.Message),
	}
	if err := s.messages.AppendMessage(r.Context(), &userMsg); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	assistantID := uuid.New().String()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-User-Message-Id", userMsg.ID)
	w.Header().Set("X-Assistant-Message-Id", assistantID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var full strings.Builder
	for {
		chunk, err := ts.Next()
		if chunk != "" {
			full.WriteString(chunk)
			if _, werr := io.WriteString(w, chunk); werr != nil {
				slog.Debug("chat client went away mid-stream", "session", sess.ID, "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone; the broken stream is the error signal.
			// The partial reply is not persisted.
			slog.Error("provider stream failed mid-reply", "session", sess.ID, "error", err)
			return
		}
	}

	asst := store.Message{
		ID:        assistantID,
		SessionID: sess.ID,
		Role:      domain.RoleAssistant,
		Content:   full.String(),
		Tokens:    domain.EstimateTokens(full.String()),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.messages.AppendMessage(r.Context(), &asst); err != nil {
		slog.Error("persisting assistant reply", "session", sess.ID, "error", err)
	}
}

// --- Log sink ---

// handleLogs accepts client error reports. Fire-and-forget from the
// client's perspective: anything parseable is acknowledged, anything else
// is acknowledged too.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var report struct {
		Message   string    `json:"message"`
		Stack     string    `json:"stack"`
		Context   string    `json:"context"`
		Timestamp time.Time `json:"timestamp"`
		URL       string    `json:"url"`
		UserAgent string    `json:"user_agent"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 256*1024)).Decode(&report); err == nil {
		slog.Info("client error report",
			"context", report.Context,
			"message", report.Message,
			"userAgent", report.UserAgent,
		)
	}
	w.WriteHeader(http.StatusAccepted)
}
