package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/planwise/planner/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSessionWebSocket pushes a session's message log to the client:
// the full log on connect, then every newly appended message.
func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := s.ownedSession(w, r, chi.URLParam(r, "id"))
	if sess == nil {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	updates := s.messages.Subscribe()
	defer s.messages.Unsubscribe(updates)

	sentIDs := make(map[string]bool)
	if err := s.syncMessages(r, ws, sess.ID, sentIDs); err != nil {
		slog.Error("initial websocket sync failed", "session", sess.ID, "error", err)
		return
	}

	// Reader goroutine: only there to notice the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case sid := <-updates:
			if sid != sess.ID {
				continue
			}
			if err := s.syncMessages(r, ws, sess.ID, sentIDs); err != nil {
				slog.Debug("websocket sync failed", "session", sess.ID, "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// syncMessages sends every message the client has not seen yet.
func (s *Server) syncMessages(r *http.Request, ws *websocket.Conn, sessionID string, sentIDs map[string]bool) error {
	msgs, err := s.messages.ListMessages(r.Context(), sessionID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if sentIDs[m.ID] {
			continue
		}
		payload := struct {
			Type    string         `json:"type"`
			Message domain.Message `json:"message"`
		}{Type: "message", Message: apiMessage(m)}
		if err := ws.WriteJSON(payload); err != nil {
			return err
		}
		sentIDs[m.ID] = true
	}
	return nil
}
