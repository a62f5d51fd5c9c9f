package handler

import (
	"net/http"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/service"
	"go.uber.org/zap"
)

// AuthHandler serves registration, login and the current-user lookup.
//
//   - HandleRegister  POST /api/auth/register
//   - HandleLogin     POST /api/auth/login
//   - HandleMe        GET  /api/auth/me (RequireAuth)
type AuthHandler struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

type authResponse struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    *model.User `json:"user"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Success: true, Token: res.Token, User: res.User})
}

// HandleLogin accepts the login name under "identifier", "username" or
// "email"; the first non-empty one wins.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	identifier := req.Identifier
	for _, alt := range []string{req.Username, req.Email} {
		if identifier == "" {
			identifier = alt
		}
	}

	res, err := h.auth.Login(r.Context(), service.LoginInput{Identifier: identifier, Password: req.Password})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: res.Token, User: res.User})
}

func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	user, err := h.auth.Me(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}
