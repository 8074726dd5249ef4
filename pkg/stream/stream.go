// Package stream consumes the chunked text body of an assistant reply.
package stream

import (
	"context"
	"io"
	"strings"
)

// chunkSize bounds a single read. The backend writes raw decoded text with
// no framing, so any split is valid.
const chunkSize = 4 * 1024

// ReadAll drains r, invoking onChunk with the full accumulated text after
// every chunk so the caller can reflect partial content immediately.
//
// On a mid-stream failure the accumulated partial text is returned alongside
// the error; it is never discarded. A context cancellation between reads is
// surfaced as ctx.Err() with the same partial-preserving behavior.
func ReadAll(ctx context.Context, r io.Reader, onChunk func(accumulated string)) (string, error) {
	var acc strings.Builder
	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), err
		}

		n, err := r.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if onChunk != nil {
				onChunk(acc.String())
			}
		}
		if err == io.EOF {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), err
		}
	}
}
