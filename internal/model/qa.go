package model

import "time"

// Status is the lifecycle state of a question.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPublished, StatusArchived:
		return true
	}
	return false
}

// AIModel labels which assistant produced the answer.
type AIModel string

const (
	AIModelChatGPT  AIModel = "ChatGPT"
	AIModelClaude   AIModel = "Claude"
	AIModelGemini   AIModel = "Gemini"
	AIModelDeepSeek AIModel = "DeepSeek"
	AIModelOther    AIModel = "Other"
)

// AIModels lists the accepted labels in display order.
var AIModels = []AIModel{AIModelChatGPT, AIModelClaude, AIModelGemini, AIModelDeepSeek, AIModelOther}

func (m AIModel) Valid() bool {
	for _, v := range AIModels {
		if m == v {
			return true
		}
	}
	return false
}

// QA is a published question together with its answer and engagement data.
//
// Likes are stored as a set on the storage side; the record only carries the
// count plus, for an authenticated viewer, whether they are in the set.
type QA struct {
	ID            string    `json:"id"`
	UserID        string    `json:"-"`
	User          Profile   `json:"user"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	Tags          []string  `json:"tags"`
	Comments      []Comment `json:"comments,omitempty"`
	CommentsCount int       `json:"commentsCount"`
	LikesCount    int       `json:"likesCount"`
	Liked         bool      `json:"liked"`
	Views         int       `json:"views"`
	Status        Status    `json:"status"`
	AIModel       AIModel   `json:"aiModel"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Comment is appended to a question; comments are never edited.
type Comment struct {
	ID        string    `json:"id"`
	QAID      string    `json:"-"`
	UserID    string    `json:"-"`
	User      Profile   `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// NewPagination computes the page count as ceil(total/limit).
func NewPagination(total, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Total: total, Page: page, Limit: limit, Pages: pages}
}
