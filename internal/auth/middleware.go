package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// contextKey is unexported so only this package can read or write the
// authenticated user ID on a context.
type contextKey string

const userIDKey contextKey = "userID"

// IdentityChecker reports whether a user referenced by a valid token still
// exists. A token outlives nothing: a deleted account must stop working.
type IdentityChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Authenticator bundles what the auth middlewares need.
type Authenticator struct {
	tokens *TokenService
	users  IdentityChecker
	logger *zap.Logger
}

// NewAuthenticator builds the middleware set. users may be nil, in which case
// a valid signature is enough.
func NewAuthenticator(tokens *TokenService, users IdentityChecker, logger *zap.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, users: users, logger: logger}
}

// RequireAuth rejects the request with 401 unless it carries a valid bearer
// token for an existing user. On success the user ID is stored in the context.
// A failing identity lookup is a server fault and answers 500.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		if errors.Is(err, errIdentityLookup) {
			a.lookupFailed(w, r, err)
			return
		}
		if err != nil {
			a.logger.Debug("authentication rejected",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			writeUnauthorized(w, "valid authentication required")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// OptionalAuth resolves the user when a valid token is present but never
// blocks. Public listings use it to mark what the viewer has liked.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.authenticate(r)
		switch {
		case errors.Is(err, errIdentityLookup):
			a.lookupFailed(w, r, err)
			return
		case err == nil:
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	raw, err := BearerToken(r)
	if err != nil {
		return "", err
	}

	userID, err := a.tokens.Validate(raw)
	if err != nil {
		return "", err
	}

	if a.users != nil {
		ok, err := a.users.Exists(r.Context(), userID)
		if err != nil {
			return "", fmt.Errorf("%w: %w", errIdentityLookup, err)
		}
		if !ok {
			return "", errUnknownUser
		}
	}

	return userID, nil
}

func (a *Authenticator) lookupFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Error("identity lookup failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

// UserIDFromContext returns the authenticated user ID, or ("", false) for
// anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithUserID stores an authenticated user ID on ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errMissingHeader authError = "auth: missing Authorization header"
	errBadScheme     authError = "auth: Authorization header is not a bearer token"
	errUnknownUser   authError = "auth: token references an unknown user"
)

var errIdentityLookup = errors.New("auth: identity lookup failed")

// BearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", errMissingHeader
	}

	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadScheme
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", errBadScheme
	}
	return token, nil
}

// writeUnauthorized mirrors the handler package's error shape. It lives here
// because handler imports auth, not the other way round.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="qaplanet"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
