package client_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/qaplanet/internal/client"
	"github.com/sakif/qaplanet/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	chunks    []string
	genErr    error
	createErr error

	generated []string
	created   []client.NewQA
}

func (f *fakeAPI) Generate(_ context.Context, prompt string, fn func(string) error) (string, error) {
	f.generated = append(f.generated, prompt)
	if f.genErr != nil {
		return "", f.genErr
	}
	var answer string
	for _, c := range f.chunks {
		if fn != nil {
			if err := fn(c); err != nil {
				return answer, err
			}
		}
		answer += c
	}
	return answer, nil
}

func (f *fakeAPI) Create(_ context.Context, in client.NewQA) (*model.QA, error) {
	f.created = append(f.created, in)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.QA{ID: "qa1", Question: in.Question, Answer: in.Answer, AIModel: model.AIModel(in.AIModel)}, nil
}

const prompt = "What is recursion?"

func TestWorkflow_HappyPath(t *testing.T) {
	api := &fakeAPI{chunks: []string{"A function ", "calling itself."}}
	wf := client.NewWorkflow(api)
	ctx := context.Background()

	assert.Equal(t, client.Idle, wf.State())

	var seen []string
	require.NoError(t, wf.Generate(ctx, "  "+prompt+"  ", func(c string) error {
		seen = append(seen, c)
		return nil
	}))
	assert.Equal(t, client.GeneratedReady, wf.State())
	assert.Equal(t, []string{"A function ", "calling itself."}, seen)
	assert.Equal(t, "A function calling itself.", wf.Answer())
	assert.Equal(t, prompt, wf.Prompt())

	qa, err := wf.Submit(ctx, []string{"cs"}, model.AIModelDeepSeek)
	require.NoError(t, err)
	assert.Equal(t, client.Published, wf.State())
	assert.Equal(t, "qa1", qa.ID)
	assert.Same(t, qa, wf.Record())

	require.Len(t, api.created, 1)
	assert.Equal(t, prompt, api.created[0].Question)
	assert.Equal(t, "DeepSeek", api.created[0].AIModel)

	// terminal
	_, err = wf.Submit(ctx, nil, model.AIModelDeepSeek)
	assert.ErrorIs(t, err, client.ErrIllegalTransition)
	assert.ErrorIs(t, wf.Generate(ctx, prompt, nil), client.ErrIllegalTransition)
	assert.ErrorIs(t, wf.Discard(), client.ErrIllegalTransition)
}

func TestWorkflow_PromptGate(t *testing.T) {
	api := &fakeAPI{chunks: []string{"x"}}
	wf := client.NewWorkflow(api)

	err := wf.Generate(context.Background(), "  123456789  ", nil)
	assert.ErrorIs(t, err, client.ErrPromptTooShort)
	assert.Equal(t, client.Idle, wf.State())
	assert.Empty(t, api.generated, "short prompts never reach the server")

	require.NoError(t, wf.Generate(context.Background(), "1234567890", nil))
	assert.Equal(t, client.GeneratedReady, wf.State())
}

func TestWorkflow_SubmitBeforeGenerate(t *testing.T) {
	api := &fakeAPI{}
	wf := client.NewWorkflow(api)

	_, err := wf.Submit(context.Background(), nil, model.AIModelChatGPT)
	assert.ErrorIs(t, err, client.ErrIllegalTransition)
	assert.Empty(t, api.created)
	assert.Equal(t, client.Idle, wf.State())
}

func TestWorkflow_GenerationFailure(t *testing.T) {
	tests := []struct {
		name string
		api  *fakeAPI
		want error
	}{
		{"upstream error", &fakeAPI{genErr: &client.APIError{Status: 502, Kind: "upstream_error"}}, nil},
		{"empty answer", &fakeAPI{chunks: []string{"  "}}, client.ErrEmptyAnswer},
		{"no fragments", &fakeAPI{}, client.ErrEmptyAnswer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := client.NewWorkflow(tt.api)

			err := wf.Generate(context.Background(), prompt, nil)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, client.Failed, wf.State())
			assert.Equal(t, err, wf.Err())

			_, err = wf.Submit(context.Background(), nil, model.AIModelChatGPT)
			assert.ErrorIs(t, err, client.ErrIllegalTransition)

			require.NoError(t, wf.Acknowledge())
			assert.Equal(t, client.Idle, wf.State())
			assert.NoError(t, wf.Err())
		})
	}
}

func TestWorkflow_SubmitFailureAllowsRetry(t *testing.T) {
	api := &fakeAPI{
		chunks:    []string{"answer"},
		createErr: &client.APIError{Status: 400, Kind: "validation_error", Message: "aiModel must be one of ..."},
	}
	wf := client.NewWorkflow(api)
	ctx := context.Background()
	require.NoError(t, wf.Generate(ctx, prompt, nil))

	_, err := wf.Submit(ctx, nil, "Llama")
	assert.True(t, client.IsKind(err, "validation_error"))
	assert.Equal(t, client.GeneratedReady, wf.State())
	assert.Equal(t, "answer", wf.Answer())

	api.createErr = nil
	require.NoError(t, wf.SetAnswer("edited answer"))
	qa, err := wf.Submit(ctx, nil, model.AIModelClaude)
	require.NoError(t, err)
	assert.Equal(t, "edited answer", qa.Answer)
	assert.Len(t, api.generated, 1, "retrying a submission never regenerates")
}

func TestWorkflow_Discard(t *testing.T) {
	wf := client.NewWorkflow(&fakeAPI{chunks: []string{"answer"}})
	ctx := context.Background()

	assert.ErrorIs(t, wf.Discard(), client.ErrIllegalTransition)
	assert.ErrorIs(t, wf.Acknowledge(), client.ErrIllegalTransition)
	assert.ErrorIs(t, wf.SetAnswer("x"), client.ErrIllegalTransition)

	require.NoError(t, wf.Generate(ctx, prompt, nil))
	require.NoError(t, wf.Discard())
	assert.Equal(t, client.Idle, wf.State())
	assert.Empty(t, wf.Answer())

	require.NoError(t, wf.Generate(ctx, prompt, nil))
	assert.Equal(t, client.GeneratedReady, wf.State())
}

func TestWorkflow_CallbackErrorFails(t *testing.T) {
	wf := client.NewWorkflow(&fakeAPI{chunks: []string{"a", "b"}})
	stop := errors.New("stop")

	err := wf.Generate(context.Background(), prompt, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, client.Failed, wf.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "generated_ready", client.GeneratedReady.String())
	assert.Equal(t, "State(42)", client.State(42).String())
}
