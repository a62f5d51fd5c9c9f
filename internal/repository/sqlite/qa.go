package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/xid"
	"github.com/sakif/qaplanet/internal/apperror"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/repository"
)

// compile-time check that *DB implements repository.QARepository
var _ repository.QARepository = (*DB)(nil)

// qaSelect loads a question with its owner profile and engagement counts.
// The single placeholder is the viewer ID used for the "liked" flag.
const qaSelect = `
	SELECT q.id, q.user_id, u.username, u.avatar,
	       q.question, q.answer, q.tags, q.views, q.status, q.ai_model,
	       q.created_at, q.updated_at,
	       (SELECT COUNT(*) FROM qa_likes l WHERE l.qa_id = q.id),
	       (SELECT COUNT(*) FROM qa_comments c WHERE c.qa_id = q.id),
	       EXISTS (SELECT 1 FROM qa_likes l WHERE l.qa_id = q.id AND l.user_id = ?)
	FROM qas q
	JOIN users u ON u.id = q.user_id`

// Create inserts a new question. ID and timestamps are assigned here and
// written back into qa.
func (db *DB) Create(ctx context.Context, qa *model.QA) error {
	qa.ID = xid.New().String()
	qa.CreatedAt = now()
	qa.UpdatedAt = qa.CreatedAt
	if qa.Tags == nil {
		qa.Tags = []string{}
	}

	tags, err := json.Marshal(qa.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: encoding tags: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO qas (id, user_id, question, answer, tags, views, status, ai_model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		qa.ID,
		qa.UserID,
		qa.Question,
		qa.Answer,
		string(tags),
		string(qa.Status),
		string(qa.AIModel),
		qa.CreatedAt,
		qa.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating question: %w", err)
	}

	return nil
}

// GetByID returns one question with its comments in append order.
// viewerID may be empty.
func (db *DB) GetByID(ctx context.Context, id, viewerID string) (*model.QA, error) {
	row := db.conn.QueryRowContext(ctx, qaSelect+` WHERE q.id = ?`, viewerID, id)

	qa, err := scanQA(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("question", id)
		}
		return nil, fmt.Errorf("sqlite: getting question %s: %w", id, err)
	}

	comments, err := db.listComments(ctx, id)
	if err != nil {
		return nil, err
	}
	qa.Comments = comments

	return qa, nil
}

// List returns one page of questions, newest first, plus the total number of
// matching rows.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.QA, int, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := max(opts.Offset, 0)

	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "q.status = ?")
		args = append(args, string(opts.Status))
	}
	if match := ftsQuery(opts.Query); match != "" {
		where = append(where, "q.id IN (SELECT qa_id FROM qas_fts WHERE qas_fts MATCH ?)")
		args = append(args, match)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qas q`+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: counting questions: %w", err)
	}

	pageArgs := append([]any{opts.ViewerID}, args...)
	pageArgs = append(pageArgs, limit, offset)

	rows, err := db.conn.QueryContext(ctx,
		qaSelect+clause+` ORDER BY q.created_at DESC, q.id DESC LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: listing questions: %w", err)
	}
	defer rows.Close()

	qas := make([]model.QA, 0, limit)
	for rows.Next() {
		qa, err := scanQA(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scanning question row: %w", err)
		}
		qas = append(qas, *qa)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: iterating questions: %w", err)
	}

	return qas, total, nil
}

// Update rewrites the editable fields. The owner column is never touched.
func (db *DB) Update(ctx context.Context, qa *model.QA) error {
	qa.UpdatedAt = now()
	if qa.Tags == nil {
		qa.Tags = []string{}
	}
	tags, err := json.Marshal(qa.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: encoding tags: %w", err)
	}

	return db.execOne(ctx, "question", qa.ID,
		`UPDATE qas
		 SET question = ?, answer = ?, tags = ?, status = ?, ai_model = ?, updated_at = ?
		 WHERE id = ?`,
		qa.Question,
		qa.Answer,
		string(tags),
		string(qa.Status),
		string(qa.AIModel),
		qa.UpdatedAt,
		qa.ID,
	)
}

// Delete removes a question; likes and comments go with it via ON DELETE CASCADE.
func (db *DB) Delete(ctx context.Context, id string) error {
	return db.execOne(ctx, "question", id, `DELETE FROM qas WHERE id = ?`, id)
}

// IncrementViews bumps the counter in place, so concurrent viewers never
// overwrite each other's increment.
func (db *DB) IncrementViews(ctx context.Context, id string) error {
	return db.execOne(ctx, "question", id,
		`UPDATE qas SET views = views + 1 WHERE id = ?`, id)
}

// ToggleLike flips userID's membership in the like-set.
//
// The toggle is a targeted DELETE of the (qa, user) row followed, only if
// nothing was deleted, by an INSERT of it. Both run in one immediate
// transaction, so concurrent toggles by different users each touch their own
// row and never lose one another's update.
func (db *DB) ToggleLike(ctx context.Context, qaID, userID string) (bool, int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("sqlite: beginning like transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM qas WHERE id = ?`, qaID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, apperror.NotFound("question", qaID)
		}
		return false, 0, fmt.Errorf("sqlite: checking question %s: %w", qaID, err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM qa_likes WHERE qa_id = ? AND user_id = ?`, qaID, userID)
	if err != nil {
		return false, 0, fmt.Errorf("sqlite: removing like: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}

	liked := false
	if removed == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO qa_likes (qa_id, user_id, created_at) VALUES (?, ?, ?)`,
			qaID, userID, now(),
		); err != nil {
			return false, 0, fmt.Errorf("sqlite: adding like: %w", err)
		}
		liked = true
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qa_likes WHERE qa_id = ?`, qaID,
	).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("sqlite: counting likes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("sqlite: committing like: %w", err)
	}
	return liked, count, nil
}

// AddComment appends a comment. The INSERT ... SELECT ... WHERE EXISTS form
// checks the question and appends in one statement.
func (db *DB) AddComment(ctx context.Context, c *model.Comment) error {
	c.ID = db.newULID()
	c.CreatedAt = now()

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO qa_comments (id, qa_id, user_id, content, created_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM qas WHERE id = ?)`,
		c.ID, c.QAID, c.UserID, c.Content, c.CreatedAt, c.QAID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: adding comment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("question", c.QAID)
	}

	author, err := db.GetUserByID(ctx, c.UserID)
	if err != nil {
		return err
	}
	c.User = author.Profile()
	return nil
}

func (db *DB) listComments(ctx context.Context, qaID string) ([]model.Comment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.id, c.qa_id, c.user_id, u.username, u.avatar, c.content, c.created_at
		 FROM qa_comments c
		 JOIN users u ON u.id = c.user_id
		 WHERE c.qa_id = ?
		 ORDER BY c.id`,
		qaID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing comments for %s: %w", qaID, err)
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(
			&c.ID, &c.QAID, &c.UserID, &c.User.Username, &c.User.Avatar,
			&c.Content, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning comment row: %w", err)
		}
		c.User.ID = c.UserID
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating comments: %w", err)
	}
	return comments, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQA(s scanner) (*model.QA, error) {
	var (
		qa   model.QA
		tags string
	)
	if err := s.Scan(
		&qa.ID, &qa.UserID, &qa.User.Username, &qa.User.Avatar,
		&qa.Question, &qa.Answer, &tags, &qa.Views, &qa.Status, &qa.AIModel,
		&qa.CreatedAt, &qa.UpdatedAt,
		&qa.LikesCount, &qa.CommentsCount, &qa.Liked,
	); err != nil {
		return nil, err
	}
	qa.User.ID = qa.UserID

	if err := json.Unmarshal([]byte(tags), &qa.Tags); err != nil || qa.Tags == nil {
		qa.Tags = []string{}
	}
	return &qa, nil
}

// ftsQuery turns free text into an FTS5 expression: every word becomes a
// quoted prefix term and all terms must match. Punctuation is dropped and
// words are quoted, so user input is never parsed as FTS5 syntax.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " ")
}
