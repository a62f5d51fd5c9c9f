// Package openai streams answers from any OpenAI-compatible chat-completion
// API (OpenAI, DeepSeek, local gateways).
//
// Requests go out with "stream": true and the reply is read as server-sent
// events; each "data:" line carries one delta. A provider that ignores the
// stream flag and answers with a single JSON body still works: the whole
// message becomes one fragment.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/generate"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-reasoner"

	// maxLineBytes bounds a single SSE line.
	maxLineBytes = 1 << 20
	// maxErrorBody is how much of a failed response is kept for the log.
	maxErrorBody = 4 << 10
)

// compile-time check
var _ generate.Generator = (*Provider)(nil)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration // time to wait for response headers
	MaxTokens   int
	Temperature float64
}

// Provider talks to the chat-completion endpoint through a circuit breaker.
// When the breaker is open, Generate fails fast with an upstream error.
type Provider struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	logger = logger.Named("openai")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	base := &http.Client{Transport: transport}

	client := base
	if cfg.APIKey != "" {
		// oauth2's transport adds "Authorization: Bearer <key>" to every request.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey}))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generate",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// A caller hanging up is not the provider's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Provider{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type completion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// statusError is a non-2xx reply from the provider.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.code)
}

// Generate sends one streaming chat-completion request and returns the reply
// as a fragment stream. The returned stream holds the HTTP response body open
// until it is drained or closed.
func (p *Provider) Generate(ctx context.Context, prompt string) (generate.Stream, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, apperror.ValidationFailed("prompt", "prompt is required")
	}

	body, err := json.Marshal(chatRequest{
		Model: p.cfg.Model,
		Messages: []message{
			{Role: "system", Content: generate.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:      true,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	})
	if err != nil {
		return nil, apperror.Internal("could not build generation request", err)
	}

	out, err := p.breaker.Execute(func() (any, error) {
		return p.open(ctx, body)
	})
	if err != nil {
		return nil, p.mapError(ctx, err)
	}
	resp := out.(*http.Response)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return p.single(resp)
	}
	return newSSEStream(resp.Body), nil
}

// open performs the request and returns the response only for 2xx replies.
func (p *Provider) open(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, body: string(b)}
	}
	return resp, nil
}

func (p *Provider) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperror.Upstream("generation service is temporarily unavailable", err)
	}

	var se *statusError
	if errors.As(err, &se) {
		p.logger.Error("provider rejected request",
			zap.Int("status", se.code),
			zap.String("body", se.body),
		)
		return apperror.Upstream(fmt.Sprintf("generation provider returned status %d", se.code), err)
	}

	p.logger.Error("provider request failed", zap.Error(err))
	return apperror.Upstream("generation provider is unreachable", err)
}

// single handles a provider that answered with one JSON document.
func (p *Provider) single(resp *http.Response) (generate.Stream, error) {
	defer resp.Body.Close()

	var c completion
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		p.logger.Error("unparseable provider response", zap.Error(err))
		return nil, apperror.Upstream("generation provider sent an unreadable response", err)
	}
	if c.Error != nil {
		return nil, apperror.Upstream("generation provider error: "+c.Error.Message, nil)
	}
	if len(c.Choices) == 0 || c.Choices[0].Message.Content == "" {
		return nil, errNoAnswer()
	}
	return generate.NewSliceStream(c.Choices[0].Message.Content), nil
}

func errNoAnswer() error {
	return apperror.Upstream("generation provider sent no answer", nil)
}

// sseStream reads "data:" lines off a streaming response body. A stream
// that ends before yielding any text fails with an upstream error instead
// of io.EOF, so an empty answer never passes for a finished one.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	emitted   bool
	done      bool
	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	return &sseStream{body: body, scanner: sc}
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.Close()
			return "", err
		}

		if !s.scanner.Scan() {
			err := s.scanner.Err()
			s.Close()
			switch {
			case !s.emitted && err != nil:
				return "", apperror.Upstream("generation provider stream failed", err)
			case !s.emitted:
				return "", errNoAnswer()
			case err != nil:
				return "", fmt.Errorf("openai: stream interrupted: %w", err)
			}
			return "", io.EOF
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			// blank separators, comments (": keep-alive"), event names
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.Close()
			if !s.emitted {
				return "", errNoAnswer()
			}
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.Close()
			return "", apperror.Upstream("generation provider sent an unreadable response", err)
		}
		if chunk.Error != nil {
			s.Close()
			return "", apperror.Upstream("generation provider error: "+chunk.Error.Message, nil)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			// role announcements and reasoning deltas carry no answer text
			continue
		}
		s.emitted = true
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.done = true
		err = s.body.Close()
	})
	return err
}
