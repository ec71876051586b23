package evilbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrInferenceTimeout = errors.New("inference timed out")
	ErrInferenceStopped = errors.New("inference pool stopped")
	ErrEmptyCompletion  = errors.New("model returned an empty response")
)

// OutcomeKind is the result of a single completion request
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeFailure OutcomeKind = "failure"
)

// InferenceOutcome is delivered exactly once for every call to Invoke
type InferenceOutcome struct {
	Kind      OutcomeKind
	Text      string
	Err       error
	Elapsed   time.Duration
	RequestID string
}

func (o InferenceOutcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(o.Kind)),
		slog.Duration("elapsed", o.Elapsed),
		slog.String("request_id", o.RequestID),
	}
	if o.Err != nil {
		attrs = append(attrs, tint.Err(o.Err))
	}
	if o.Text != "" {
		attrs = append(attrs, slog.Int("length", len(o.Text)))
	}
	return slog.GroupValue(attrs...)
}

// ChatCompleter is implemented by openai.Client
type ChatCompleter interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// newChatClient returns an OpenAI-compatible client for the configured
// backend. Ollama serves this API under /v1.
func newChatClient(cfg *InferenceConfig, httpClient *http.Client) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.Token)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(clientConfig)
}

type inferenceJob struct {
	ctx       context.Context
	request   openai.ChatCompletionRequest
	requestID string
	result    chan InferenceOutcome
}

// Inference runs chat completions on a fixed pool of workers. A request
// waits for a free worker, and its timeout covers both the wait and the
// completion itself. A request that times out is cancelled, freeing its
// worker.
type Inference struct {
	client  ChatCompleter
	config  *InferenceConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	jobs    chan inferenceJob
	stopCh  chan struct{}
	group   errgroup.Group
	started atomic.Bool
	stop    sync.Once

	metricQueued    atomic.Int64
	metricBusy      atomic.Int64
	metricSuccesses atomic.Int64
	metricTimeouts  atomic.Int64
	metricFailures  atomic.Int64
}

func newInference(
	config *InferenceConfig,
	client ChatCompleter,
	logger *slog.Logger,
) *Inference {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &Inference{
		client:  client,
		config:  config,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		jobs:    make(chan inferenceJob),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers. It's a no-op if already started.
func (i *Inference) Start() {
	if !i.started.CompareAndSwap(false, true) {
		return
	}
	workers := i.config.Workers
	if workers < 1 {
		workers = 1
	}
	i.logger.Info("starting inference workers", "workers", workers)
	for n := 0; n < workers; n++ {
		i.group.Go(
			func() error {
				i.work()
				return nil
			},
		)
	}
}

// Stop stops accepting requests and waits for running completions to
// finish. Callers still waiting for a worker get ErrInferenceStopped.
func (i *Inference) Stop() {
	i.stop.Do(
		func() {
			close(i.stopCh)
		},
	)
	_ = i.group.Wait()
	i.logger.Info("inference workers stopped")
}

func (i *Inference) work() {
	for {
		select {
		case <-i.stopCh:
			return
		case job := <-i.jobs:
			i.metricQueued.Add(-1)
			i.run(job)
		}
	}
}

func (i *Inference) run(job inferenceJob) {
	i.metricBusy.Add(1)
	defer i.metricBusy.Add(-1)

	logger := i.logger.With("request_id", job.requestID)

	if err := job.ctx.Err(); err != nil {
		job.result <- InferenceOutcome{Kind: outcomeKindFor(err), Err: err}
		return
	}
	if err := i.limiter.Wait(job.ctx); err != nil {
		// the limiter fails early when the wait would pass the deadline
		kind := OutcomeTimeout
		if errors.Is(job.ctx.Err(), context.Canceled) {
			kind = OutcomeFailure
		}
		job.result <- InferenceOutcome{Kind: kind, Err: err}
		return
	}

	logger.Debug(
		"sending chat completion request",
		"model", job.request.Model,
		"messages", len(job.request.Messages),
	)
	resp, err := i.client.CreateChatCompletion(job.ctx, job.request)
	if err != nil {
		kind := OutcomeFailure
		if job.ctx.Err() != nil {
			kind = outcomeKindFor(job.ctx.Err())
		}
		job.result <- InferenceOutcome{Kind: kind, Err: err}
		return
	}

	var text string
	if len(resp.Choices) > 0 {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" {
		job.result <- InferenceOutcome{Kind: OutcomeFailure, Err: ErrEmptyCompletion}
		return
	}
	logger.Debug("received chat completion", "usage", resp.Usage, "id", resp.ID)
	job.result <- InferenceOutcome{Kind: OutcomeSuccess, Text: text}
}

// outcomeKindFor maps a context error to an outcome
func outcomeKindFor(err error) OutcomeKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeFailure
}

// Invoke requests a completion for messages, and blocks until the outcome
// is known or the configured timeout elapses. The backend is called at
// most once per call, with no retries.
func (i *Inference) Invoke(ctx context.Context, messages []ChatMessage) InferenceOutcome {
	started := time.Now()
	requestID := uuid.NewString()

	ctx, cancel := context.WithTimeoutCause(
		ctx,
		i.config.Timeout,
		fmt.Errorf("%w after %s", ErrInferenceTimeout, i.config.Timeout),
	)
	defer cancel()

	outcome := i.invoke(ctx, requestID, messages)
	outcome.RequestID = requestID
	outcome.Elapsed = time.Since(started)
	if outcome.Kind == OutcomeTimeout && context.Cause(ctx) != nil {
		outcome.Err = context.Cause(ctx)
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		i.metricSuccesses.Add(1)
	case OutcomeTimeout:
		i.metricTimeouts.Add(1)
	default:
		i.metricFailures.Add(1)
	}
	i.logger.InfoContext(ctx, "inference finished", "outcome", outcome)
	return outcome
}

func (i *Inference) invoke(
	ctx context.Context,
	requestID string,
	messages []ChatMessage,
) InferenceOutcome {
	job := inferenceJob{
		ctx:       ctx,
		request:   i.chatRequest(messages),
		requestID: requestID,
		result:    make(chan InferenceOutcome, 1),
	}

	i.metricQueued.Add(1)
	select {
	case i.jobs <- job:
	case <-ctx.Done():
		i.metricQueued.Add(-1)
		return InferenceOutcome{Kind: outcomeKindFor(ctx.Err()), Err: ctx.Err()}
	case <-i.stopCh:
		i.metricQueued.Add(-1)
		return InferenceOutcome{Kind: OutcomeFailure, Err: ErrInferenceStopped}
	}

	select {
	case outcome := <-job.result:
		return outcome
	case <-ctx.Done():
		return InferenceOutcome{Kind: outcomeKindFor(ctx.Err()), Err: ctx.Err()}
	}
}

func (i *Inference) chatRequest(messages []ChatMessage) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    i.config.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(
			req.Messages,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}
	return req
}

// InferenceStats is a point-in-time snapshot of the pool
type InferenceStats struct {
	Workers   int   `json:"workers"`
	Busy      int64 `json:"busy"`
	Queued    int64 `json:"queued"`
	Successes int64 `json:"successes"`
	Timeouts  int64 `json:"timeouts"`
	Failures  int64 `json:"failures"`
}

func (i *Inference) Stats() InferenceStats {
	return InferenceStats{
		Workers:   i.config.Workers,
		Busy:      i.metricBusy.Load(),
		Queued:    i.metricQueued.Load(),
		Successes: i.metricSuccesses.Load(),
		Timeouts:  i.metricTimeouts.Load(),
		Failures:  i.metricFailures.Load(),
	}
}

// InferenceLog records metadata about a completion request. Message
// contents aren't stored.
type InferenceLog struct {
	ID           uint        `gorm:"primarykey" json:"id"`
	CreatedAt    int64       `gorm:"autoCreateTime:milli;index" json:"created_at"`
	RequestID    string      `gorm:"uniqueIndex" json:"request_id"`
	GuildID      string      `gorm:"index" json:"guild_id,omitempty"`
	ChannelID    string      `json:"channel_id"`
	MessageID    string      `json:"message_id"`
	UserID       string      `json:"user_id"`
	Model        string      `json:"model"`
	MessageCount int         `json:"message_count"`
	Outcome      OutcomeKind `gorm:"index" json:"outcome"`
	ElapsedMS    int64       `json:"elapsed_ms"`
	Error        string      `json:"error,omitempty"`
	ChunksSent   int         `json:"chunks_sent"`
}

func newInferenceLog(
	m *discordgo.Message,
	model string,
	messageCount int,
	outcome InferenceOutcome,
) *InferenceLog {
	rec := &InferenceLog{
		RequestID:    outcome.RequestID,
		GuildID:      m.GuildID,
		ChannelID:    m.ChannelID,
		MessageID:    m.ID,
		Model:        model,
		MessageCount: messageCount,
		Outcome:      outcome.Kind,
		ElapsedMS:    outcome.Elapsed.Milliseconds(),
	}
	if m.Author != nil {
		rec.UserID = m.Author.ID
	}
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	return rec
}
