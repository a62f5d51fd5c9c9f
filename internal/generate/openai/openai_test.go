package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/generate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL + "/v1/",
		APIKey:      "test-key",
		Model:       "test-model",
		Timeout:     5 * time.Second,
		MaxTokens:   100,
		Temperature: 0.5,
	}, zap.NewNop())
}

func writeSSE(w http.ResponseWriter, frags ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	fmt.Fprint(w, ": keep-alive\n\n")
	fmt.Fprint(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
	for _, f := range frags {
		b, _ := json.Marshal(f)
		fmt.Fprintf(w, `data: {"choices":[{"delta":{"content":%s}}]}`+"\n\n", b)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func TestGenerate_StreamsFragments(t *testing.T) {
	var got chatRequest
	var authHeader, path string

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeSSE(w, "Recursion", " is", " a function calling itself.")
	})

	stream, err := p.Generate(context.Background(), "  What is recursion?  ")
	require.NoError(t, err)

	var frags []string
	for {
		f, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		frags = append(frags, f)
	}

	assert.Equal(t, []string{"Recursion", " is", " a function calling itself."}, frags)
	assert.Equal(t, "Bearer test-key", authHeader)
	assert.Equal(t, "/v1/chat/completions", path)

	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 100, got.MaxTokens)
	assert.InDelta(t, 0.5, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, generate.SystemPrompt, got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "What is recursion?", got.Messages[1].Content)

	// finished streams stay finished
	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, stream.Close())
}

func TestGenerate_NonStreamingJSON(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"whole answer"}}]}`)
	})

	stream, err := p.Generate(context.Background(), "prompt")
	require.NoError(t, err)

	text, err := generate.Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "whole answer", text)
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	_, err := p.Generate(context.Background(), "   ")
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	assert.Zero(t, hits.Load())
}

func TestGenerate_ErrorStatus(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	})

	stream, err := p.Generate(context.Background(), "prompt")
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, apperror.ErrUpstream), "got %v", err)
}

func TestGenerate_UnparseableJSON(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `<html>not json</html>`)
	})

	_, err := p.Generate(context.Background(), "prompt")
	assert.True(t, errors.Is(err, apperror.ErrUpstream), "got %v", err)
}

func TestGenerate_UnparseableEventYieldsNoFragments(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {broken\n\n")
	})

	stream, err := p.Generate(context.Background(), "prompt")
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	assert.True(t, errors.Is(err, apperror.ErrUpstream), "got %v", err)

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestGenerate_StreamWithoutDoneEndsAtEOF(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"only"}}]}`+"\n\n")
	})

	stream, err := p.Generate(context.Background(), "prompt")
	require.NoError(t, err)

	text, err := generate.Collect(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, "only", text)
}

func TestGenerate_NoAnswerIsUpstreamError(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"html maintenance page", "text/html", "<html><body>down for maintenance</body></html>"},
		{"done only", "text/event-stream", "data: [DONE]\n\n"},
		{"role announcement only", "text/event-stream", `data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n\ndata: [DONE]\n\n"},
		{"empty body", "text/event-stream", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				fmt.Fprint(w, tt.body)
			})

			stream, err := p.Generate(context.Background(), "prompt")
			require.NoError(t, err)

			_, err = stream.Next(context.Background())
			assert.True(t, errors.Is(err, apperror.ErrUpstream), "got %v", err)

			_, err = stream.Next(context.Background())
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestGenerate_NonStreamingEmptyContent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":""}}]}`)
	})

	stream, err := p.Generate(context.Background(), "prompt")
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, apperror.ErrUpstream), "got %v", err)
}

func TestGenerate_CancelReleasesUpstream(t *testing.T) {
	released := make(chan struct{})

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"first"}}]}`+"\n\n")
		w.(http.Flusher).Flush()

		<-r.Context().Done()
		close(released)
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.Generate(ctx, "prompt")
	require.NoError(t, err)

	f, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", f)

	cancel()
	_, err = stream.Next(ctx)
	assert.Error(t, err)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not released after cancel")
	}
}

func TestGenerate_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := p.Generate(context.Background(), "prompt")
		require.True(t, errors.Is(err, apperror.ErrUpstream))
	}
	require.EqualValues(t, 5, hits.Load())

	_, err := p.Generate(context.Background(), "prompt")
	assert.True(t, errors.Is(err, apperror.ErrUpstream))
	assert.EqualValues(t, 5, hits.Load(), "open breaker must not reach the provider")
}
