package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/generate"
	"go.uber.org/zap"
)

type fakeGenerator struct {
	frags   []string
	err     error
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (generate.Stream, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return generate.NewSliceStream(f.frags...), nil
}

func TestGenerate_TrimsAndStreams(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"a", "b"}}
	svc := NewGenerateService(gen, zap.NewNop())

	stream, err := svc.Generate(context.Background(), "alice", "  explain channels  ")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	text, err := generate.Collect(context.Background(), stream)
	if err != nil || text != "ab" {
		t.Errorf("Collect() = %q, %v", text, err)
	}
	if len(gen.prompts) != 1 || gen.prompts[0] != "explain channels" {
		t.Errorf("prompts = %q", gen.prompts)
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewGenerateService(gen, zap.NewNop())

	for _, p := range []string{"", "   \n\t"} {
		if _, err := svc.Generate(context.Background(), "alice", p); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("Generate(%q) error = %v, want ErrValidation", p, err)
		}
	}
	if _, err := svc.Generate(context.Background(), "alice", strings.Repeat("x", 4001)); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("oversized prompt error = %v, want ErrValidation", err)
	}
	if len(gen.prompts) != 0 {
		t.Error("invalid prompts must not reach the provider")
	}
}

func TestGenerate_ProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"app error passes through", apperror.Upstream("provider down", nil), apperror.ErrUpstream},
		{"plain error becomes upstream", errors.New("dial tcp: refused"), apperror.ErrUpstream},
		{"cancellation passes through", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewGenerateService(&fakeGenerator{err: tt.err}, zap.NewNop())
			_, err := svc.Generate(context.Background(), "alice", "prompt")
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
