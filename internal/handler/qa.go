package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/service"
	"go.uber.org/zap"
)

// QAHandler serves the question store under /api/qa/questions.
type QAHandler struct {
	qas    *service.QAService
	logger *zap.Logger
}

func NewQAHandler(qas *service.QAService, logger *zap.Logger) *QAHandler {
	return &QAHandler{qas: qas, logger: logger}
}

type listResponse struct {
	Success    bool             `json:"success"`
	Questions  []model.QA       `json:"questions"`
	Pagination model.Pagination `json:"pagination"`
}

type qaResponse struct {
	Success bool      `json:"success"`
	QA      *model.QA `json:"qa"`
}

type likeResponse struct {
	Success    bool `json:"success"`
	LikesCount int  `json:"likesCount"`
	Liked      bool `json:"liked"`
}

type commentRequest struct {
	Content string `json:"content"`
}

type commentResponse struct {
	Success bool           `json:"success"`
	Comment *model.Comment `json:"comment"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleList serves GET /api/qa/questions?page=&limit=&q=
// Absent or non-numeric page and limit fall back to the defaults.
func (h *QAHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	viewerID, _ := auth.UserIDFromContext(r.Context())

	qas, pagination, err := h.qas.List(r.Context(), service.ListInput{
		Page:     page,
		Limit:    limit,
		Query:    q.Get("q"),
		ViewerID: viewerID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Success: true, Questions: qas, Pagination: pagination})
}

func (h *QAHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := auth.UserIDFromContext(r.Context())

	qa, err := h.qas.Get(r.Context(), chi.URLParam(r, "id"), viewerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, qaResponse{Success: true, QA: qa})
}

func (h *QAHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req service.QAInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	qa, err := h.qas.Create(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, qaResponse{Success: true, QA: qa})
}

func (h *QAHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req service.QAInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	qa, err := h.qas.Update(r.Context(), chi.URLParam(r, "id"), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, qaResponse{Success: true, QA: qa})
}

func (h *QAHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.qas.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "question deleted"})
}

func (h *QAHandler) HandleToggleLike(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	liked, count, err := h.qas.ToggleLike(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, likeResponse{Success: true, LikesCount: count, Liked: liked})
}

func (h *QAHandler) HandleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	c, err := h.qas.AddComment(r.Context(), chi.URLParam(r, "id"), userID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, commentResponse{Success: true, Comment: c})
}
