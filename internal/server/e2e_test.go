package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/client"
	"github.com/sakif/qaplanet/internal/generate/openai"
	"github.com/sakif/qaplanet/internal/metrics"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/sakif/qaplanet/internal/rate"
	"github.com/sakif/qaplanet/internal/repository/sqlite"
	"github.com/sakif/qaplanet/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var answerFragments = []string{"Recursion ", "is when a function ", "calls itself ", "on a smaller input."}

// fakeProvider serves an OpenAI-style SSE stream of answerFragments.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		rc := http.NewResponseController(w)
		for _, frag := range answerFragments {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]string{"content": frag}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			_ = rc.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	url     string
	metrics *metrics.Collector
}

// startServer runs a fully wired server on a real listener until the test ends.
func startServer(t *testing.T, cfg server.Config) *testServer {
	t.Helper()
	logger := zap.NewNop()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens, err := auth.NewTokenService("e2e-test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	provider := fakeProvider(t)
	m := metrics.New()

	srv, err := server.New(cfg, server.Deps{
		DB:        db,
		Tokens:    tokens,
		Passwords: auth.NewPasswordServiceForTest(4),
		Generator: openai.New(openai.Config{BaseURL: provider.URL, APIKey: "sk-test", Timeout: 5 * time.Second}, logger),
		Limiter:   rate.NewMemory(),
		Metrics:   m,
	}, logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return &testServer{url: "http://" + ln.Addr().String(), metrics: m}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := server.New(server.Config{}, server.Deps{}, zap.NewNop())
	assert.Error(t, err)
}

// alice registers, generates an answer, publishes it, views it and deletes it.
func TestE2E_PublishScenario(t *testing.T) {
	ts := startServer(t, server.Config{Version: "e2e"})
	ctx := context.Background()
	alice := client.New(ts.url)

	_, err := alice.Register(ctx, "alice", "", "secret123")
	require.NoError(t, err)
	alice.Token = ""
	_, err = alice.Login(ctx, "alice", "secret123")
	require.NoError(t, err)

	var chunks []string
	answer, err := alice.Generate(ctx, "What is recursion?", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
	assert.Equal(t, strings.Join(answerFragments, ""), answer)

	qa, err := alice.Create(ctx, client.NewQA{
		Question: "What is recursion and why is it useful?",
		Answer:   answer,
		AIModel:  "ChatGPT",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", qa.User.Username)
	assert.Equal(t, model.StatusPublished, qa.Status)

	got, err := alice.Get(ctx, qa.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Views)

	require.NoError(t, alice.Delete(ctx, qa.ID))

	_, err = alice.Get(ctx, qa.ID)
	assert.True(t, client.IsKind(err, "not_found"), "got %v", err)
}

// bob comments on and likes alice's record.
func TestE2E_CommentScenario(t *testing.T) {
	ts := startServer(t, server.Config{})
	ctx := context.Background()
	alice := client.New(ts.url)
	bob := client.New(ts.url)

	_, err := alice.Register(ctx, "alice", "alice@example.com", "secret123")
	require.NoError(t, err)
	_, err = bob.Register(ctx, "bob", "", "hunter22")
	require.NoError(t, err)

	qa, err := alice.Create(ctx, client.NewQA{
		Question: "What is recursion and why is it useful?",
		Answer:   "It lets a function solve a problem by solving smaller copies of it.",
		Tags:     []string{"CS", "cs", "basics"},
		AIModel:  "Claude",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cs", "basics"}, qa.Tags)

	_, err = alice.Comment(ctx, qa.ID, "first")
	require.NoError(t, err)
	before, err := bob.Get(ctx, qa.ID)
	require.NoError(t, err)

	c, err := bob.Comment(ctx, qa.ID, "Nice explanation!")
	require.NoError(t, err)
	assert.Equal(t, "bob", c.User.Username)

	after, err := bob.Get(ctx, qa.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CommentsCount+1, after.CommentsCount)
	require.NotEmpty(t, after.Comments)
	last := after.Comments[len(after.Comments)-1]
	assert.Equal(t, "Nice explanation!", last.Content)
	assert.Equal(t, "bob", last.User.Username)

	like, err := bob.ToggleLike(ctx, qa.ID)
	require.NoError(t, err)
	assert.Equal(t, &client.Like{LikesCount: 1, Liked: true}, like)

	list, err := bob.List(ctx, client.ListOptions{Query: "recursion"})
	require.NoError(t, err)
	require.Len(t, list.Questions, 1)
	assert.True(t, list.Questions[0].Liked)

	err = bob.Delete(ctx, qa.ID)
	assert.True(t, client.IsKind(err, "forbidden"), "got %v", err)
}

func TestE2E_Workflow(t *testing.T) {
	ts := startServer(t, server.Config{})
	ctx := context.Background()
	c := client.New(ts.url)
	_, err := c.Register(ctx, "carol", "", "secret123")
	require.NoError(t, err)

	wf := client.NewWorkflow(c)
	require.NoError(t, wf.Generate(ctx, "What is recursion and why is it useful?", nil))
	assert.Equal(t, client.GeneratedReady, wf.State())

	qa, err := wf.Submit(ctx, []string{"cs"}, model.AIModelDeepSeek)
	require.NoError(t, err)
	assert.Equal(t, client.Published, wf.State())
	assert.Equal(t, strings.Join(answerFragments, ""), qa.Answer)
}

func TestE2E_UsersAliasAndMe(t *testing.T) {
	ts := startServer(t, server.Config{})

	resp, err := http.Post(ts.url+"/api/users/register", "application/json",
		strings.NewReader(`{"username":"dave","password":"secret123"}`))
	require.NoError(t, err)
	var reg struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.url+"/api/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestE2E_CommentRateLimit(t *testing.T) {
	ts := startServer(t, server.Config{CommentPerMinute: 2})
	ctx := context.Background()
	c := client.New(ts.url)
	_, err := c.Register(ctx, "erin", "", "secret123")
	require.NoError(t, err)
	qa, err := c.Create(ctx, client.NewQA{
		Question: "What is recursion and why is it useful?", Answer: "a", AIModel: "Other",
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Comment(ctx, qa.ID, "hi")
		require.NoError(t, err)
	}
	_, err = c.Comment(ctx, qa.ID, "hi")
	assert.True(t, client.IsKind(err, "rate_limited"), "got %v", err)
	assert.Greater(t, client.RetryAfter(err), time.Duration(0))

	// other routes keep working
	_, err = c.Get(ctx, qa.ID)
	assert.NoError(t, err)
}

func TestE2E_CORSPreflight(t *testing.T) {
	ts := startServer(t, server.Config{CORSOrigins: []string{"https://qaplanet.example"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.url+"/api/qa/questions", nil)
	req.Header.Set("Origin", "https://qaplanet.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://qaplanet.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestE2E_HealthAndMetrics(t *testing.T) {
	ts := startServer(t, server.Config{Version: "1.2.3"})

	resp, err := http.Get(ts.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.url + "/")
	require.NoError(t, err)
	var root map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&root))
	resp.Body.Close()
	assert.Equal(t, "1.2.3", root["version"])

	resp, err = http.Get(ts.url + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "qaplanet_http_requests_total")
	assert.Contains(t, string(body), `route="/healthz"`)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	tokens, err := auth.NewTokenService("e2e-test-secret-0123456789", time.Hour)
	require.NoError(t, err)

	srv, err := server.New(server.Config{ShutdownTimeout: time.Second}, server.Deps{
		DB:        db,
		Tokens:    tokens,
		Generator: openai.New(openai.Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop()),
		Limiter:   rate.NewMemory(),
	}, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
