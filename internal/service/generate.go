package service

import (
	"context"
	"errors"
	"strings"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/generate"
	"go.uber.org/zap"
)

type generateInput struct {
	Prompt string `json:"question" validate:"required,max=4000"`
}

// GenerateService fronts the answer provider.
type GenerateService struct {
	gen    generate.Generator
	logger *zap.Logger
}

func NewGenerateService(gen generate.Generator, logger *zap.Logger) *GenerateService {
	return &GenerateService{gen: gen, logger: logger.Named("generate")}
}

// Generate validates the prompt and opens a fragment stream. The caller must
// Close the stream.
func (s *GenerateService) Generate(ctx context.Context, userID, prompt string) (generate.Stream, error) {
	in := generateInput{Prompt: strings.TrimSpace(prompt)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	stream, err := s.gen.Generate(ctx, in.Prompt)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperror.Upstream("answer generation failed", err)
	}

	s.logger.Info("generation started",
		zap.String("userID", userID),
		zap.Int("promptLength", len(in.Prompt)),
	)
	return stream, nil
}
