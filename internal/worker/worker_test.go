package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/generation"
)

type stubClient struct {
	mu    sync.Mutex
	calls []generation.Request
	reply func(req generation.Request) (string, error)
}

func (s *stubClient) Generate(ctx context.Context, req generation.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(req)
	}
	return "stub answer with enough words to pass the short-output check", nil
}

func testRole() council.Role {
	return council.Role{
		Name:         "Strategist",
		Tag:          "strategist",
		SystemPrompt: "you plan",
		Weight:       1.2,
		Model:        "llama3",
	}
}

func TestWorkerRoundTrip(t *testing.T) {
	client := &stubClient{}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "what now"}))

	r, ok := w.Await(context.Background(), "req-1")
	require.True(t, ok)
	assert.Equal(t, "Strategist", r.AgentName)
	assert.Equal(t, "strategist", r.Role)
	assert.False(t, r.IsError())
	assert.Equal(t, 0.7, r.Confidence)
	assert.NotEmpty(t, r.Hash)
	assert.Greater(t, r.TokenCount, 0)
}

func TestWorkerContextDelimiter(t *testing.T) {
	client := &stubClient{}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "the question", Context: "prior turns"}))
	_, ok := w.Await(context.Background(), "req-1")
	require.True(t, ok)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.calls, 1)
	prompt := client.calls[0].Prompt
	assert.Contains(t, prompt, "prior turns")
	assert.Contains(t, prompt, contextDelimiter)
	assert.Contains(t, prompt, "the question")
	assert.Less(t, strings.Index(prompt, "prior turns"), strings.Index(prompt, "the question"))
	assert.True(t, client.calls[0].DisableTimeout)
	assert.True(t, client.calls[0].UnlimitedOutput)
}

func TestWorkerGenerationFailureBecomesErrorResult(t *testing.T) {
	client := &stubClient{reply: func(generation.Request) (string, error) {
		return "", errors.New("backend exploded")
	}}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "q"}))
	r, ok := w.Await(context.Background(), "req-1")
	require.True(t, ok)

	assert.True(t, r.IsError())
	assert.Equal(t, 0.0, r.Confidence)
	assert.Equal(t, 0, r.TokenCount)
	assert.Equal(t, council.ErrorHash, r.Hash)
	assert.Contains(t, r.Text, "backend exploded")
}

func TestWorkerSubmitBeforeStart(t *testing.T) {
	w := New(testRole(), &stubClient{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, w.Submit(Task{RequestID: "r"}), ErrNotRunning)
}

func TestWorkerSubmitDuplicateRequestID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := &stubClient{reply: func(generation.Request) (string, error) {
		<-release
		return "held", nil
	}}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "a"}))
	assert.Error(t, w.Submit(Task{RequestID: "req-1", Input: "b"}))
}

func TestWorkerStopIdempotent(t *testing.T) {
	w := New(testRole(), &stubClient{}, zaptest.NewLogger(t))
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
}

func TestWorkerStopDropsPendingResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &stubClient{reply: func(generation.Request) (string, error) {
		close(started)
		<-release
		return "late answer", nil
	}}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "q"}))
	<-started
	close(release)
	w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// The result may or may not have landed before shutdown; either way
	// Await must return promptly instead of hanging.
	_, _ = w.Await(ctx, "req-1")
	assert.False(t, w.Running())
}

func TestWorkerAwaitCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client := &stubClient{reply: func(generation.Request) (string, error) {
		<-release
		return "slow", nil
	}}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "req-1", Input: "q"}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := w.Await(ctx, "req-1")
	assert.False(t, ok)
}

func TestWorkerAwaitUnknownRequest(t *testing.T) {
	w := New(testRole(), &stubClient{}, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	_, ok := w.Await(context.Background(), "never-submitted")
	assert.False(t, ok)
}

// Two in-flight requests must each receive their own result, regardless of
// the order the waiters show up or the order the worker finishes them.
func TestWorkerRoutesConcurrentRequests(t *testing.T) {
	client := &stubClient{reply: func(req generation.Request) (string, error) {
		return fmt.Sprintf("answer to %s. Confidence: 0.8", req.Prompt), nil
	}}
	w := New(testRole(), client, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	require.NoError(t, w.Submit(Task{RequestID: "first", Input: "alpha"}))
	require.NoError(t, w.Submit(Task{RequestID: "second", Input: "beta"}))

	// The worker finishes "first" before anyone is waiting on "second";
	// awaiting "second" first must not swallow the other request's result.
	second, ok := w.Await(context.Background(), "second")
	require.True(t, ok)
	assert.Contains(t, second.Text, "answer to beta")

	first, ok := w.Await(context.Background(), "first")
	require.True(t, ok)
	assert.Contains(t, first.Text, "answer to alpha")
}
