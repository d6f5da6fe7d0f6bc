package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/generation"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

var (
	// ErrNotRunning is returned by Submit when the worker has not been started.
	ErrNotRunning = errors.New("worker not running")

	// ErrQueueFull is returned by Submit when the task queue is saturated.
	ErrQueueFull = errors.New("worker queue full")
)

const (
	taskQueueSize = 16

	// stopJoinWindow bounds how long Stop waits for an in-flight call.
	stopJoinWindow = 5 * time.Second

	// contextDelimiter separates conversation history from the live question.
	contextDelimiter = "=== CURRENT QUERY ==="
)

// Task is one unit of work submitted to a worker.
type Task struct {
	RequestID string
	Input     string
	Context   string
}

// Worker is a long-lived execution unit bound to one role. Tasks are consumed
// from a channel by a single internal goroutine; submission and retrieval are
// decoupled so all workers deliberate concurrently. Results are routed per
// request id so concurrent sessions never consume each other's deliveries.
// Shutdown is observed through context cancellation rather than a sentinel
// task.
type Worker struct {
	role   council.Role
	client generation.Client
	logger *zap.Logger

	tasks chan Task

	mu      sync.Mutex
	pending map[string]chan council.AgentResult

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
}

// New builds a worker for role. Call Start before submitting.
func New(role council.Role, client generation.Client, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		role:    role,
		client:  client,
		logger:  logger.With(zap.String("role", role.Tag)),
		tasks:   make(chan Task, taskQueueSize),
		pending: make(map[string]chan council.AgentResult),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Role returns the role this worker serves.
func (w *Worker) Role() council.Role { return w.role }

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool { return w.running.Load() }

// Start launches the worker loop. Idempotent.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.running.Store(true)
		metrics.WorkersActive.Inc()
		w.logger.Info("agent worker started", zap.String("model", w.role.Model))
		go w.run()
	})
}

// Stop cancels the worker and waits up to the join window for the loop to
// exit. An in-flight generation call past the window is abandoned; its
// pending result is dropped. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(stopJoinWindow):
			w.logger.Warn("worker did not stop within join window, abandoning in-flight call")
		}
		w.running.Store(false)
		metrics.WorkersActive.Dec()
		w.logger.Info("agent worker stopped")
	})
}

// Submit registers the request id and enqueues the task without blocking.
func (w *Worker) Submit(task Task) error {
	if !w.running.Load() {
		return ErrNotRunning
	}
	w.mu.Lock()
	if _, dup := w.pending[task.RequestID]; dup {
		w.mu.Unlock()
		return fmt.Errorf("request %q already in flight", task.RequestID)
	}
	ch := make(chan council.AgentResult, 1)
	w.pending[task.RequestID] = ch
	w.mu.Unlock()

	select {
	case w.tasks <- task:
		return nil
	default:
		w.mu.Lock()
		delete(w.pending, task.RequestID)
		w.mu.Unlock()
		return ErrQueueFull
	}
}

// Await blocks until the result for requestID is available, the caller's
// context ends, or the worker shuts down. A context with no deadline waits
// indefinitely: model thinking time is not budgeted here. Awaiting a request
// that was never submitted returns immediately. An abandoned request's slot
// is released on return; its late result is dropped.
func (w *Worker) Await(ctx context.Context, requestID string) (council.AgentResult, bool) {
	w.mu.Lock()
	ch, ok := w.pending[requestID]
	w.mu.Unlock()
	if !ok {
		return council.AgentResult{}, false
	}
	defer func() {
		w.mu.Lock()
		delete(w.pending, requestID)
		w.mu.Unlock()
	}()

	select {
	case r := <-ch:
		return r, true
	case <-ctx.Done():
		return council.AgentResult{}, false
	case <-w.done:
		// Drain a result delivered before shutdown completed.
		select {
		case r := <-ch:
			return r, true
		default:
			return council.AgentResult{}, false
		}
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.tasks:
			result := w.execute(task)
			w.mu.Lock()
			ch, waiting := w.pending[task.RequestID]
			w.mu.Unlock()
			if waiting {
				// Buffered; never blocks even if the waiter just left.
				ch <- result
			}
		}
	}
}

// execute runs one generation call and post-processes the output. It never
// fails: errors become error-marked results so the collection loop has a
// uniform contract.
func (w *Worker) execute(task Task) council.AgentResult {
	start := time.Now()

	prompt := task.Input
	if task.Context != "" {
		prompt = task.Context + "\n\n" + contextDelimiter + "\n" + task.Input
	}

	text, err := w.client.Generate(w.ctx, generation.Request{
		Model:           w.role.Model,
		SystemPrompt:    w.role.SystemPrompt,
		Prompt:          prompt,
		DisableTimeout:  true,
		UnlimitedOutput: true,
	})
	elapsed := time.Since(start)

	if err != nil {
		w.logger.Warn("generation failed",
			zap.String("request_id", task.RequestID),
			zap.Error(err),
		)
		metrics.RecordAgentMetrics(w.role.Tag, "error", float64(elapsed.Milliseconds()), 0)
		return council.AgentResult{
			AgentName:     w.role.Name,
			Role:          w.role.Tag,
			Text:          fmt.Sprintf("[ERROR: %v]", err),
			Confidence:    0,
			Timestamp:     time.Now(),
			ExecutionTime: elapsed.Seconds(),
			TokenCount:    0,
			Hash:          council.ErrorHash,
			Metadata: map[string]interface{}{
				"model": w.role.Model,
				"error": err.Error(),
			},
		}
	}

	trace, answer, hasTrace := ExtractReasoning(text, w.role.Model)
	confidence, found := ExtractConfidence(answer)
	if !found {
		confidence = DefaultConfidence(answer)
	}
	tokens := TokenCount(text)

	metrics.RecordAgentMetrics(w.role.Tag, "success", float64(elapsed.Milliseconds()), tokens)
	w.logger.Debug("agent response ready",
		zap.String("request_id", task.RequestID),
		zap.Float64("confidence", confidence),
		zap.Int("tokens", tokens),
		zap.Bool("has_reasoning", hasTrace),
	)

	meta := map[string]interface{}{
		"model":         w.role.Model,
		"has_reasoning": hasTrace,
	}
	if hasTrace {
		meta["reasoning_trace"] = trace
	}

	return council.AgentResult{
		AgentName:     w.role.Name,
		Role:          w.role.Tag,
		Text:          answer,
		Confidence:    council.Clamp01(confidence),
		Timestamp:     time.Now(),
		ExecutionTime: elapsed.Seconds(),
		TokenCount:    tokens,
		Hash:          HashText(answer),
		Metadata:      meta,
	}
}
