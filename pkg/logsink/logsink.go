// Package logsink delivers classified errors to the external logging
// collaborator. Delivery is fire-and-forget: reports are queued onto a
// bounded channel, a single worker posts them, and both queue overflow and
// delivery failures are swallowed. A failure here must never affect
// classification or retry behavior.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/planwise/planner/pkg/apperr"
)

// Report is the payload shape the logging endpoint accepts.
type Report struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Context   string    `json:"context"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Reporter is the asynchronous client for the logging endpoint.
type Reporter struct {
	endpoint  string
	userAgent string
	client    *http.Client

	queue chan Report
	done  chan struct{}
	once  sync.Once
}

var _ apperr.Reporter = (*Reporter)(nil)

// New creates a Reporter posting to endpoint and starts its worker.
// queueSize bounds the number of pending reports; further reports are
// dropped until the worker catches up.
func New(endpoint, userAgent string, queueSize int) *Reporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Reporter{
		endpoint:  endpoint,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 5 * time.Second},
		queue:     make(chan Report, queueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Report queues a classified error for delivery. Never blocks: if the
// queue is full the report is dropped.
func (r *Reporter) Report(op string, err error) {
	if err == nil {
		return
	}
	rep := Report{
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
		Context:   op,
		Timestamp: time.Now().UTC(),
		URL:       r.endpoint,
		UserAgent: r.userAgent,
	}
	select {
	case r.queue <- rep:
	default:
		slog.Debug("log sink queue full, dropping report", "op", op)
	}
}

// Close stops accepting reports, drains the queue, and waits for the
// worker to exit.
func (r *Reporter) Close() {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
	})
}

func (r *Reporter) run() {
	defer close(r.done)
	for rep := range r.queue {
		r.post(rep)
	}
}

func (r *Reporter) post(rep Report) {
	data, err := json.Marshal(rep)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Debug("log sink delivery failed", "error", err)
		return
	}
	resp.Body.Close()
}
