package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
	// MaxListOffset bounds (page-1)*limit so absurd page numbers cannot
	// overflow into a negative offset.
	MaxListOffset = 1 << 30
)

type ListInput struct {
	Page  int
	Limit int
	// Query is free text matched against question, answer and tags.
	Query string
	// ViewerID is the authenticated caller, if any. It drives QA.Liked.
	ViewerID string
}

// QAInput is the editable part of a question. Create requires every field;
// Update applies only the non-zero ones.
type QAInput struct {
	Question string        `json:"question" validate:"required,min=10,max=10000"`
	Answer   string        `json:"answer" validate:"required,max=100000"`
	Tags     []string      `json:"tags" validate:"max=10,dive,required,max=30"`
	AIModel  model.AIModel `json:"aiModel" validate:"required,aimodel"`
	Status   model.Status  `json:"status" validate:"omitempty,qastatus"`
}

type commentInput struct {
	Content string `json:"content" validate:"required,max=1000"`
}

// QAService implements the question store rules: validation, ownership,
// engagement.
type QAService struct {
	repo   repository.QARepository
	logger *zap.Logger
}

func NewQAService(repo repository.QARepository, logger *zap.Logger) *QAService {
	return &QAService{
		repo:   repo,
		logger: logger.Named("qa"),
	}
}

// List returns one page of published questions, newest first.
// Page and Limit default to 1 and DefaultListLimit; Limit is capped at
// MaxListLimit. A page past MaxListOffset is clamped and comes back empty.
func (s *QAService) List(ctx context.Context, in ListInput) ([]model.QA, model.Pagination, error) {
	page := in.Page
	if page < 1 {
		page = 1
	}
	limit := in.Limit
	if limit < 1 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if maxPage := MaxListOffset/limit + 1; page > maxPage {
		page = maxPage
	}

	qas, total, err := s.repo.List(ctx, repository.ListOptions{
		Limit:    limit,
		Offset:   (page - 1) * limit,
		Query:    strings.TrimSpace(in.Query),
		Status:   model.StatusPublished,
		ViewerID: in.ViewerID,
	})
	if err != nil {
		s.logger.Error("failed to list questions", zap.Error(err))
		return nil, model.Pagination{}, fmt.Errorf("listing questions: %w", err)
	}

	return qas, model.NewPagination(total, page, limit), nil
}

// Get counts one view and returns the question with its comments.
func (s *QAService) Get(ctx context.Context, id, viewerID string) (*model.QA, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "question ID is required")
	}

	if err := s.repo.IncrementViews(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id, viewerID)
}

// Create publishes a new question owned by ownerID. New questions are
// always published; a status sent by the client is ignored.
func (s *QAService) Create(ctx context.Context, ownerID string, in QAInput) (*model.QA, error) {
	in = normalize(in)
	in.Status = model.StatusPublished
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	qa := &model.QA{
		UserID:   ownerID,
		Question: in.Question,
		Answer:   in.Answer,
		Tags:     in.Tags,
		AIModel:  in.AIModel,
		Status:   in.Status,
	}
	if err := s.repo.Create(ctx, qa); err != nil {
		s.logger.Error("failed to create question", zap.String("userID", ownerID), zap.Error(err))
		return nil, fmt.Errorf("creating question: %w", err)
	}

	s.logger.Info("question created",
		zap.String("id", qa.ID),
		zap.String("userID", ownerID),
		zap.String("aiModel", string(qa.AIModel)),
	)

	// Re-read so the owner profile is resolved.
	return s.repo.GetByID(ctx, qa.ID, ownerID)
}

// Update edits a question. Only the owner may edit; empty fields are left
// unchanged.
func (s *QAService) Update(ctx context.Context, id, requesterID string, in QAInput) (*model.QA, error) {
	qa, err := s.owned(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	in = normalize(in)
	merged := QAInput{
		Question: qa.Question,
		Answer:   qa.Answer,
		Tags:     qa.Tags,
		AIModel:  qa.AIModel,
		Status:   qa.Status,
	}
	if in.Question != "" {
		merged.Question = in.Question
	}
	if in.Answer != "" {
		merged.Answer = in.Answer
	}
	if in.Tags != nil {
		merged.Tags = in.Tags
	}
	if in.AIModel != "" {
		merged.AIModel = in.AIModel
	}
	if in.Status != "" {
		merged.Status = in.Status
	}
	if err := validateStruct(merged); err != nil {
		return nil, err
	}

	qa.Question = merged.Question
	qa.Answer = merged.Answer
	qa.Tags = merged.Tags
	qa.AIModel = merged.AIModel
	qa.Status = merged.Status

	if err := s.repo.Update(ctx, qa); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		s.logger.Error("failed to update question", zap.String("id", qa.ID), zap.Error(err))
		return nil, fmt.Errorf("updating question: %w", err)
	}

	s.logger.Info("question updated", zap.String("id", qa.ID))
	return s.repo.GetByID(ctx, qa.ID, requesterID)
}

// Delete removes a question for good. Only the owner may delete.
func (s *QAService) Delete(ctx context.Context, id, requesterID string) error {
	qa, err := s.owned(ctx, id, requesterID)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, qa.ID); err != nil {
		return err
	}

	s.logger.Info("question deleted", zap.String("id", qa.ID), zap.String("userID", requesterID))
	return nil
}

// ToggleLike flips the caller's like and returns the new state and count.
func (s *QAService) ToggleLike(ctx context.Context, id, userID string) (bool, int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, 0, apperror.ValidationFailed("id", "question ID is required")
	}
	if userID == "" {
		return false, 0, apperror.Unauthorized("authentication required")
	}

	liked, count, err := s.repo.ToggleLike(ctx, id, userID)
	if err != nil {
		return false, 0, err
	}

	s.logger.Debug("like toggled",
		zap.String("id", id),
		zap.String("userID", userID),
		zap.Bool("liked", liked),
		zap.Int("likes", count),
	)
	return liked, count, nil
}

// AddComment appends a comment by userID to a question.
func (s *QAService) AddComment(ctx context.Context, id, userID, content string) (*model.Comment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "question ID is required")
	}
	if userID == "" {
		return nil, apperror.Unauthorized("authentication required")
	}

	in := commentInput{Content: strings.TrimSpace(content)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	c := &model.Comment{QAID: id, UserID: userID, Content: in.Content}
	if err := s.repo.AddComment(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("comment added", zap.String("id", id), zap.String("commentID", c.ID))
	return c, nil
}

// owned loads a question and checks requesterID owns it.
func (s *QAService) owned(ctx context.Context, id, requesterID string) (*model.QA, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "question ID is required")
	}
	if requesterID == "" {
		return nil, apperror.Unauthorized("authentication required")
	}

	qa, err := s.repo.GetByID(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if qa.UserID != requesterID {
		s.logger.Warn("ownership check failed",
			zap.String("id", id),
			zap.String("owner", qa.UserID),
			zap.String("requester", requesterID),
		)
		return nil, apperror.Forbidden("you can only modify your own questions")
	}
	return qa, nil
}

// normalize trims text fields and drops blank tags.
func normalize(in QAInput) QAInput {
	in.Question = strings.TrimSpace(in.Question)
	in.Answer = strings.TrimSpace(in.Answer)
	in.AIModel = model.AIModel(strings.TrimSpace(string(in.AIModel)))
	in.Status = model.Status(strings.TrimSpace(string(in.Status)))

	if in.Tags != nil {
		tags := make([]string, 0, len(in.Tags))
		seen := make(map[string]bool, len(in.Tags))
		for _, t := range in.Tags {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			tags = append(tags, t)
		}
		in.Tags = tags
	}
	return in
}
