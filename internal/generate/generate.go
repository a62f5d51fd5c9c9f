// Package generate defines answer generation as a lazy stream of text
// fragments. Providers live in subpackages (generate/openai).
package generate

import (
	"context"
	"io"
	"strings"
)

// SystemPrompt is the fixed instruction sent ahead of every user prompt.
const SystemPrompt = "You are a professional AI assistant. Answer the user's question in Markdown. " +
	"Be accurate, precise and well organised."

// Generator opens a stream of answer fragments for a prompt.
//
// Generate returns an error without any fragments when the provider cannot
// be reached, rejects the request or answers with an unusable payload.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Stream, error)
}

// Stream yields fragments in order. Next returns io.EOF once the answer is
// complete and may return a shorter sequence if the upstream connection
// drops. A Stream cannot be restarted. Close releases the upstream
// connection and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Collect drains s and returns the concatenated text. It always closes s.
func Collect(ctx context.Context, s Stream) (string, error) {
	defer s.Close()

	var b strings.Builder
	for {
		frag, err := s.Next(ctx)
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
}

// SliceStream replays fixed fragments. It backs tests and the single-shot
// (non-streaming) provider response.
type SliceStream struct {
	frags []string
	pos   int
}

func NewSliceStream(frags ...string) *SliceStream {
	return &SliceStream{frags: frags}
}

func (s *SliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.frags) {
		return "", io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	return f, nil
}

func (s *SliceStream) Close() error {
	s.pos = len(s.frags)
	return nil
}
