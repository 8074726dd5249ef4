package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/planwise/planner/pkg/domain"
)

// Static is a scripted provider used in development and tests. It emits a
// canned reply word by word, optionally pausing between chunks to mimic a
// real model.
type Static struct {
	// Reply overrides the generated reply when non-empty.
	Reply string

	// Delay is the pause between chunks. Zero emits as fast as the
	// consumer reads.
	Delay time.Duration
}

var _ Provider = (*Static)(nil)

func (s *Static) Name() string { return "static" }

func (s *Static) Stream(ctx context.Context, sctx domain.SessionContext, _ []Message, prompt string) (TextStream, error) {
	reply := s.Reply
	if reply == "" {
		reply = fmt.Sprintf(
			"For a %s business targeting %s, the main lever on %q is consistent measurement: pick one metric, review it weekly, and iterate.",
			sctx.BusinessType, sctx.TargetMarket, prompt,
		)
	}
	words := strings.SplitAfter(reply, " ")
	return &staticStream{ctx: ctx, chunks: words, delay: s.Delay}, nil
}

type staticStream struct {
	ctx    context.Context
	chunks []string
	pos    int
	delay  time.Duration
}

func (s *staticStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *staticStream) Close() error { return nil }
