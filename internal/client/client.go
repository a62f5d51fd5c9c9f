// Package client is a small Go client for the QAPlanet HTTP API, plus the
// publishing workflow a front end runs on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/qaplanet/internal/model"
)

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int
	Kind    string
	Message string

	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qaplanet: %d %s: %s", e.Status, e.Kind, e.Message)
}

// IsKind reports whether err is an *APIError of the given kind, such as
// "not_found" or "rate_limited".
func IsKind(err error, kind string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Client talks to one QAPlanet server. Token, when set, is sent as a bearer
// token on every request. The zero HTTP value uses a client without a
// timeout, since generation streams can run for minutes.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{}}
}

// AuthResult is returned by Register and Login. The token is also stored on
// the client.
type AuthResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// ListResult is one page of questions.
type ListResult struct {
	Questions  []model.QA       `json:"questions"`
	Pagination model.Pagination `json:"pagination"`
}

// ListOptions are the query parameters of List. Zero values are omitted.
type ListOptions struct {
	Page  int
	Limit int
	Query string
}

// NewQA is the body of Create.
type NewQA struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Tags     []string `json:"tags,omitempty"`
	AIModel  string   `json:"aiModel"`
	Status   string   `json:"status,omitempty"`
}

// Like is the result of ToggleLike.
type Like struct {
	LikesCount int  `json:"likesCount"`
	Liked      bool `json:"liked"`
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	body := map[string]string{"username": username, "password": password}
	if email != "" {
		body["email"] = email
	}
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Login accepts a handle or an email address as identifier.
func (c *Client) Login(ctx context.Context, identifier, password string) (*AuthResult, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out struct {
		User *model.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	path := "/api/qa/questions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out ListResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Get(ctx context.Context, id string) (*model.QA, error) {
	var out struct {
		QA *model.QA `json:"qa"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/qa/questions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out.QA, nil
}

func (c *Client) Create(ctx context.Context, in NewQA) (*model.QA, error) {
	var out struct {
		QA *model.QA `json:"qa"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/qa/questions", in, &out); err != nil {
		return nil, err
	}
	return out.QA, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/qa/questions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ToggleLike(ctx context.Context, id string) (*Like, error) {
	var out Like
	if err := c.do(ctx, http.MethodPost, "/api/qa/questions/"+url.PathEscape(id)+"/like", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Comment(ctx context.Context, id, content string) (*model.Comment, error) {
	var out struct {
		Comment *model.Comment `json:"comment"`
	}
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/api/qa/questions/"+url.PathEscape(id)+"/comments", body, &out); err != nil {
		return nil, err
	}
	return out.Comment, nil
}

// Generate streams an answer for prompt, calling fn with each chunk of text
// as it arrives, and returns the accumulated answer. Cancelling ctx aborts
// the stream. A non-nil error from fn stops reading and is returned.
// Chunks never end inside a multi-byte character; a partial one is held
// back until the rest of it arrives.
func (c *Client) Generate(ctx context.Context, prompt string, fn func(chunk string) error) (string, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/qa/generate", map[string]string{"question": prompt})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sb strings.Builder
	emit := func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		chunk := string(b)
		sb.WriteString(chunk)
		if fn != nil {
			return fn(chunk)
		}
		return nil
	}

	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeRunes(pending)
			if err := emit(pending[:cut]); err != nil {
				return sb.String(), err
			}
			pending = append(pending[:0], pending[cut:]...)
		}
		if errors.Is(rerr, io.EOF) {
			// a truncated character at the very end is passed on as is
			return sb.String(), emit(pending)
		}
		if rerr != nil {
			return sb.String(), fmt.Errorf("qaplanet: reading answer stream: %w", rerr)
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not
// end in the middle of a UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// do sends a JSON request and decodes a 2xx JSON reply into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("qaplanet: decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the request and converts non-2xx replies into *APIError.
// On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("qaplanet: encoding request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("qaplanet: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("qaplanet: %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeAPIError(resp)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.retryAfter = time.Duration(secs) * time.Second
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Message = body.Message
	} else {
		apiErr.Kind = "unknown"
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// RetryAfter returns the server's Retry-After hint for a rate-limited call.
// It is zero when err is not a rate-limit error.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != "rate_limited" {
		return 0
	}
	return apiErr.retryAfter
}
