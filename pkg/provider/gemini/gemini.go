// Package gemini implements provider.Provider using the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/genai"

	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/provider"
)

// Provider streams planning replies from a Gemini model.
type Provider struct {
	client *genai.Client
	model  string
}

// Verify interface compliance.
var _ provider.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) Name() string { return "gemini" }

// instructions builds the system prompt from the planning context.
func instructions(sctx domain.SessionContext) string {
	s := fmt.Sprintf(
		"You are a business planning advisor. The user runs a %s business targeting %s. Their stated challenge is: %s.",
		sctx.BusinessType, sctx.TargetMarket, sctx.Challenge,
	)
	if sctx.Details != "" {
		s += "\n\nAdditional context from the user:\n" + sctx.Details
	}
	return s + "\n\nGive specific, actionable advice. Keep answers focused on the stated challenge."
}

// Stream sends the conversation to the model and returns the reply chunks.
func (p *Provider) Stream(ctx context.Context, sctx domain.SessionContext, history []provider.Message, prompt string) (provider.TextStream, error) {
	slog.Debug("Gemini.Stream", "model", p.model, "historyLen", len(history))

	var contents []*genai.Content
	for _, msg := range history {
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	})

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: instructions(sctx)}},
		},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	iter := p.client.Models.GenerateContentStream(streamCtx, p.model, contents, config)

	// The SDK exposes a push iterator; drain it on a goroutine so callers
	// get pull semantics chunk by chunk.
	ch := make(chan chunk, 16)
	go func() {
		defer close(ch)
		for resp, err := range iter {
			if err != nil {
				ch <- chunk{err: err}
				return
			}
			if resp == nil {
				continue
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						select {
						case ch <- chunk{text: part.Text}:
						case <-streamCtx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return &geminiStream{ch: ch, cancel: cancel}, nil
}

type chunk struct {
	text string
	err  error
}

type geminiStream struct {
	ch     <-chan chunk
	cancel context.CancelFunc
}

func (s *geminiStream) Next() (string, error) {
	c, ok := <-s.ch
	if !ok {
		return "", io.EOF
	}
	if c.err != nil {
		return "", c.err
	}
	return c.text, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
