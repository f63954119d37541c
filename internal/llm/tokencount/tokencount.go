// Package tokencount estimates token counts for LLM prompts.
//
// It uses tiktoken-go to encode text when an encoding is available and
// falls back to a bytes-per-token heuristic otherwise, so estimates remain
// usable for local models whose tokenizers tiktoken does not know.
package tokencount

import (
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// defaultEncoding approximates most modern chat-model tokenizers well
// enough for accounting purposes.
const defaultEncoding = "cl100k_base"

// heuristicBytesPerToken is the fallback ratio when no encoding can be
// loaded (e.g. offline environments).
const heuristicBytesPerToken = 4

// Counter provides thread-safe token estimation with a cached encoding.
type Counter struct {
	once     sync.Once
	enc      *tiktoken.Tiktoken
	loadErr  error
	warnOnce sync.Once
}

// NewCounter creates a token counter. The encoding is loaded lazily on
// first use.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		c.enc, c.loadErr = tiktoken.GetEncoding(defaultEncoding)
	})
	if c.loadErr != nil {
		c.warnOnce.Do(func() {
			slog.Warn("token encoding unavailable; using byte heuristic",
				slog.String("encoding", defaultEncoding),
				slog.Any("error", c.loadErr))
		})
		return nil
	}
	return c.enc
}

// Estimate returns the approximate token count of text.
func (c *Counter) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / heuristicBytesPerToken
	if n == 0 {
		n = 1
	}
	return n
}
