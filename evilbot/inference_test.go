package evilbot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// mockChatCompleter returns a canned reply. When block is set, calls wait
// for it to be closed or for their context to end.
type mockChatCompleter struct {
	reply string
	err   error
	block chan struct{}

	// ignoreCancel keeps a blocked call running after its context ends
	ignoreCancel bool

	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64

	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func (m *mockChatCompleter) CreateChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.calls.Add(1)
	active := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		current := m.maxActive.Load()
		if active <= current || m.maxActive.CompareAndSwap(current, active) {
			break
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.block != nil && m.ignoreCancel {
		<-m.block
	} else if m.block != nil {
		select {
		case <-ctx.Done():
			return openai.ChatCompletionResponse{}, ctx.Err()
		case <-m.block:
		}
	}
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{
		ID: "chatcmpl-1",
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: roleAssistant, Content: m.reply}},
		},
	}, nil
}

func newTestInference(
	t testing.TB,
	client ChatCompleter,
	workers int,
	timeout time.Duration,
) *Inference {
	t.Helper()
	cfg := DefaultConfig().Inference
	cfg.Workers = workers
	cfg.Timeout = timeout
	inf := newInference(cfg, client, testLogger(t))
	inf.Start()
	return inf
}

var testConversation = []ChatMessage{
	{Role: roleSystem, Content: "be evil"},
	{Role: roleUser, Content: "hi"},
}

func TestInference_Success(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{reply: "  Mwahaha!  "}
	inf := newTestInference(t, client, 2, time.Second)

	outcome := inf.Invoke(context.Background(), testConversation)
	inf.Stop()

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "Mwahaha!", outcome.Text)
	assert.NoError(t, outcome.Err)
	assert.NotEmpty(t, outcome.RequestID)
	assert.Equal(t, int64(1), client.calls.Load())

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, DefaultModel, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, roleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)

	assert.Equal(t, int64(1), inf.Stats().Successes)
}

func TestInference_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{reply: "too late", block: make(chan struct{})}
	inf := newTestInference(t, client, 1, 50*time.Millisecond)

	outcome := inf.Invoke(context.Background(), testConversation)
	assert.Equal(t, OutcomeTimeout, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrInferenceTimeout)
	assert.Empty(t, outcome.Text)

	// the worker is freed once the request is cancelled
	assert.Eventually(
		t,
		func() bool { return inf.Stats().Busy == 0 },
		time.Second,
		5*time.Millisecond,
	)

	inf.Stop()
	assert.Equal(t, int64(1), client.calls.Load())
	assert.Equal(t, int64(1), inf.Stats().Timeouts)
}

func TestInference_Failure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{err: errors.New("model not found")}
	inf := newTestInference(t, client, 1, time.Second)

	outcome := inf.Invoke(context.Background(), testConversation)
	inf.Stop()

	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.EqualError(t, outcome.Err, "model not found")
	// no retries
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestInference_EmptyReply(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{reply: "   "}
	inf := newTestInference(t, client, 1, time.Second)

	outcome := inf.Invoke(context.Background(), testConversation)
	inf.Stop()

	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrEmptyCompletion)
}

func TestInference_WorkerBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{reply: "ok", block: make(chan struct{})}
	inf := newTestInference(t, client, 2, 5*time.Second)

	var wg sync.WaitGroup
	outcomes := make(chan InferenceOutcome, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- inf.Invoke(context.Background(), testConversation)
		}()
	}

	assert.Eventually(
		t,
		func() bool { return client.active.Load() == 2 },
		time.Second,
		5*time.Millisecond,
	)
	assert.Eventually(
		t,
		func() bool { return inf.Stats().Queued == 4 },
		time.Second,
		5*time.Millisecond,
	)

	close(client.block)
	wg.Wait()
	close(outcomes)
	inf.Stop()

	for outcome := range outcomes {
		assert.Equal(t, OutcomeSuccess, outcome.Kind)
	}
	assert.Equal(t, int64(6), client.calls.Load())
	assert.LessOrEqual(t, client.maxActive.Load(), int64(2))
}

func TestInference_QueuedRequestTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{
		reply:        "ok",
		block:        make(chan struct{}),
		ignoreCancel: true,
	}
	inf := newTestInference(t, client, 1, 100*time.Millisecond)

	var wg sync.WaitGroup
	outcomes := make(chan InferenceOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- inf.Invoke(context.Background(), testConversation)
		}()
	}
	wg.Wait()
	close(outcomes)
	close(client.block)
	inf.Stop()

	for outcome := range outcomes {
		assert.Equal(t, OutcomeTimeout, outcome.Kind)
	}
	// the queued request never reached the backend
	assert.Equal(t, int64(1), client.calls.Load())
}

func TestInference_Stopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client := &mockChatCompleter{reply: "ok"}
	inf := newTestInference(t, client, 1, time.Second)
	inf.Stop()

	outcome := inf.Invoke(context.Background(), testConversation)
	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrInferenceStopped)
	assert.Equal(t, int64(0), client.calls.Load())
}
