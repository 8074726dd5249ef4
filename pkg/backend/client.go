// Package backend is the HTTP client for the planner API: session CRUD and
// the streaming chat endpoint. It attaches the caller's opaque credential,
// decodes typed {code, message} error payloads into apperr.StatusError, and
// leaves retry/backoff decisions to the caller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/domain"
)

// Client talks to the planner API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client. token is the opaque caller credential and is
// sent as a bearer token on every request. The client carries no timeout of
// its own; callers bound each call through the request context.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// statusError reads a non-2xx response body into a typed error.
// The body is the backend's {code, message} payload; anything else becomes
// the message verbatim.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	se := &apperr.StatusError{Status: resp.StatusCode}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		se.Code = payload.Code
		se.Message = payload.Message
	} else {
		se.Message = strings.TrimSpace(string(body))
	}
	return se
}

// doJSON issues the request and decodes a 2xx JSON response into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateSession creates a new planning session.
func (c *Client) CreateSession(ctx context.Context, title string, sctx domain.SessionContext) (*domain.Session, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/sessions", struct {
		Title   string                `json:"title,omitempty"`
		Context domain.SessionContext `json:"context"`
	}{Title: title, Context: sctx})
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := c.doJSON(req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// TurnResponse is a successful chat call: the assistant reply as a raw
// chunked text stream plus the durable ids the backend assigned to both
// sides of the turn. The caller owns closing Body.
type TurnResponse struct {
	Body               io.ReadCloser
	UserMessageID      string
	AssistantMessageID string
}

// SendMessage posts one user message for a turn. On success the reply
// streams through TurnResponse.Body; on failure the typed error payload is
// returned instead.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (*TurnResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &TurnResponse{
		Body:               resp.Body,
		UserMessageID:      resp.Header.Get("X-User-Message-Id"),
		AssistantMessageID: resp.Header.Get("X-Assistant-Message-Id"),
	}, nil
}

// ListSessions returns a page of the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	path := "/api/sessions"
	if limit > 0 || offset > 0 {
		path += "?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var sessions []domain.Session
	if err := c.doJSON(req, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+id, nil)
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := c.doJSON(req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListMessages returns the persisted message log for a session.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	if err := c.doJSON(req, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/sessions/"+id, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// RenameSession updates a session's title.
func (c *Client) RenameSession(ctx context.Context, id, title string) (*domain.Session, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/sessions/"+id, struct {
		Title string `json:"title"`
	}{Title: title})
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := c.doJSON(req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
