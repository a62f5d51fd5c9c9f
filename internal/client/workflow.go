package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sakif/qaplanet/internal/model"
)

// MinPromptLength is the shortest trimmed prompt the workflow will send.
const MinPromptLength = 10

var (
	// ErrIllegalTransition is returned when an operation is not allowed in
	// the workflow's current state.
	ErrIllegalTransition = errors.New("illegal workflow transition")

	ErrPromptTooShort = fmt.Errorf("prompt must be at least %d characters", MinPromptLength)
	ErrEmptyAnswer    = errors.New("generation produced no answer")
)

// State is a step of the publishing workflow.
type State int

const (
	Idle State = iota
	Generating
	GeneratedReady
	Submitting
	Published
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case GeneratedReady:
		return "generated_ready"
	case Submitting:
		return "submitting"
	case Published:
		return "published"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// API is the part of *Client the workflow drives.
type API interface {
	Generate(ctx context.Context, prompt string, fn func(chunk string) error) (string, error)
	Create(ctx context.Context, in NewQA) (*model.QA, error)
}

// Workflow walks one question from prompt to published record:
//
//	Idle -> Generating -> GeneratedReady -> Submitting -> Published
//	Generating -> Failed -> Idle        (Acknowledge)
//	GeneratedReady -> Idle              (Discard)
//	Submitting -> GeneratedReady        (submission failed, retry allowed)
//
// The server keeps no workflow state; the machine only guarantees a client
// never submits before a successful generation. Published is terminal.
//
// A Workflow is safe for concurrent use. Operations that would overlap an
// in-flight call fail with ErrIllegalTransition.
type Workflow struct {
	api API

	mu     sync.Mutex
	state  State
	prompt string
	answer string
	record *model.QA
	err    error
}

func NewWorkflow(api API) *Workflow {
	return &Workflow{api: api}
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Prompt returns the prompt held since the last Generate.
func (w *Workflow) Prompt() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prompt
}

// Answer returns the generated answer, possibly edited with SetAnswer.
func (w *Workflow) Answer() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.answer
}

// Record is the published question, set once the workflow reaches Published.
func (w *Workflow) Record() *model.QA {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record
}

// Err is the error that moved the workflow to Failed, or the last submission
// error.
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Workflow) transition(from, to State) error {
	if w.state != from {
		return fmt.Errorf("%w: cannot go from %s to %s", ErrIllegalTransition, w.state, to)
	}
	w.state = to
	return nil
}

// Generate streams an answer for prompt, forwarding chunks to fn (which may
// be nil). A prompt shorter than MinPromptLength after trimming is rejected
// without leaving Idle. A failed or empty generation moves to Failed.
func (w *Workflow) Generate(ctx context.Context, prompt string, fn func(chunk string) error) error {
	prompt = strings.TrimSpace(prompt)

	w.mu.Lock()
	if w.state != Idle {
		err := w.transition(Idle, Generating)
		w.mu.Unlock()
		return err
	}
	if utf8.RuneCountInString(prompt) < MinPromptLength {
		w.mu.Unlock()
		return ErrPromptTooShort
	}
	w.state = Generating
	w.prompt = prompt
	w.answer = ""
	w.err = nil
	w.mu.Unlock()

	answer, err := w.api.Generate(ctx, prompt, fn)
	if err == nil && strings.TrimSpace(answer) == "" {
		err = ErrEmptyAnswer
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = Failed
		w.err = err
		return err
	}
	w.state = GeneratedReady
	w.answer = answer
	return nil
}

// SetAnswer replaces the held answer before submission.
func (w *Workflow) SetAnswer(answer string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != GeneratedReady {
		return fmt.Errorf("%w: cannot edit the answer while %s", ErrIllegalTransition, w.state)
	}
	w.answer = answer
	return nil
}

// Submit publishes the held prompt and answer. On failure the workflow
// returns to GeneratedReady so the caller can retry without regenerating.
func (w *Workflow) Submit(ctx context.Context, tags []string, aiModel model.AIModel) (*model.QA, error) {
	w.mu.Lock()
	if err := w.transition(GeneratedReady, Submitting); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	in := NewQA{
		Question: w.prompt,
		Answer:   w.answer,
		Tags:     tags,
		AIModel:  string(aiModel),
	}
	w.mu.Unlock()

	qa, err := w.api.Create(ctx, in)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = GeneratedReady
		w.err = err
		return nil, err
	}
	w.state = Published
	w.record = qa
	w.err = nil
	return qa, nil
}

// Discard drops a generated answer and returns to Idle.
func (w *Workflow) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transition(GeneratedReady, Idle); err != nil {
		return err
	}
	w.prompt, w.answer = "", ""
	return nil
}

// Acknowledge clears a failure and returns to Idle.
func (w *Workflow) Acknowledge() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transition(Failed, Idle); err != nil {
		return err
	}
	w.err = nil
	w.prompt, w.answer = "", ""
	return nil
}
