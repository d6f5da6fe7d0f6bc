// Package orchestrator runs the council state machine: it assembles the
// agent workers, shepherds one deliberation through consensus, and records
// the outcome in the audit ledger and conversational memory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/config"
	"github.com/Yufok1/Djinn-Council-Chat/internal/consensus"
	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/generation"
	"github.com/Yufok1/Djinn-Council-Chat/internal/integrity"
	"github.com/Yufok1/Djinn-Council-Chat/internal/ledger"
	"github.com/Yufok1/Djinn-Council-Chat/internal/memory"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
	"github.com/Yufok1/Djinn-Council-Chat/internal/streaming"
	"github.com/Yufok1/Djinn-Council-Chat/internal/worker"
)

var (
	// ErrRecursionLimit means the same session re-entered the council too
	// deeply and was refused.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrNoResponses means every worker failed to deliver within the deadline.
	ErrNoResponses = errors.New("no agent responses collected")
)

// Request is one question put to the council.
type Request struct {
	Input     string
	Mode      string // empty means the configured default
	Isolation string // empty means the configured default
	SessionID string // empty means a fresh session
}

// Status is a point-in-time snapshot of the council.
type Status struct {
	State          council.State  `json:"state"`
	Roles          []string       `json:"roles"`
	ActiveWorkers  int            `json:"active_workers"`
	RecursionDepth int            `json:"recursion_depth"`
	ActiveSessions int            `json:"active_sessions"`
	LedgerCount    int64          `json:"ledger_count"`
	DefaultMode    string         `json:"default_mode"`
	Isolation      string         `json:"isolation"`
	Memory         memory.Stats   `json:"memory"`
}

// Orchestrator coordinates workers, consensus, memory, and the ledger for
// each invocation. Invocations may run concurrently; the published state is
// the most recent transition of any of them.
type Orchestrator struct {
	guard   *integrity.Guard
	engine  *consensus.Engine
	mem     memory.Store
	ledger  *ledger.Ledger
	events  *streaming.Manager
	client  generation.Client
	logger  *zap.Logger

	mu               sync.RWMutex
	workers          []*worker.Worker
	state            council.State
	defaultMode      council.ConsensusMode
	defaultIsolation council.IsolationLevel
	iterationLimit   int
}

// New wires an orchestrator from configuration. The generation client is
// shared by every worker.
func New(cfg *config.Config, client generation.Client, mem memory.Store, led *ledger.Ledger, events *streaming.Manager, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = streaming.NewManager(0)
	}

	mode, err := council.ParseMode(cfg.Consensus.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}

	guard := integrity.NewGuard(
		cfg.Integrity.MaxRecursionDepth,
		cfg.Integrity.DivergenceThreshold,
		cfg.Integrity.MaxInputLength,
		logger,
	)
	engine := consensus.NewEngine(guard, cfg.Consensus.Weights, cfg.Consensus.ConvergenceThreshold, logger)

	roles := cfg.RoleSet()
	workers := make([]*worker.Worker, 0, len(roles))
	for _, role := range roles {
		workers = append(workers, worker.New(role, client, logger))
	}

	return &Orchestrator{
		guard:            guard,
		engine:           engine,
		mem:              mem,
		ledger:           led,
		events:           events,
		client:           client,
		logger:           logger,
		workers:          workers,
		state:            council.StateIdle,
		defaultMode:      mode,
		defaultIsolation: council.ParseIsolation(cfg.Integrity.DefaultIsolation),
		iterationLimit:   cfg.Consensus.IterationLimit,
	}, nil
}

// Start brings every worker online.
func (o *Orchestrator) Start() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.Start()
	}
	o.logger.Info("council assembled", zap.Int("workers", len(o.workers)))
}

// Shutdown stops the workers. In-flight invocations finish with whatever
// results were already delivered.
func (o *Orchestrator) Shutdown() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, w := range o.workers {
		w.Stop()
	}
	o.logger.Info("council dismissed")
}

// ApplyConfig absorbs a hot-reloaded configuration. Consensus and isolation
// settings take effect immediately; role changes need a restart because
// workers hold live queues.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	mode, err := council.ParseMode(cfg.Consensus.DefaultMode)
	if err != nil {
		o.logger.Warn("reloaded config has invalid default mode, keeping previous",
			zap.String("mode", cfg.Consensus.DefaultMode))
		return
	}

	o.mu.Lock()
	o.defaultMode = mode
	o.defaultIsolation = council.ParseIsolation(cfg.Integrity.DefaultIsolation)
	if cfg.Consensus.IterationLimit > 0 {
		o.iterationLimit = cfg.Consensus.IterationLimit
	}
	roleCount := len(o.workers)
	o.mu.Unlock()

	if len(cfg.Roles) != roleCount {
		o.logger.Warn("role changes in reloaded config require a restart",
			zap.Int("configured", len(cfg.Roles)),
			zap.Int("running", roleCount))
	}
}

// Invoke runs one full deliberation. The returned session always carries the
// complete transition history, even when err is non-nil.
func (o *Orchestrator) Invoke(ctx context.Context, req Request) (session *council.Session, err error) {
	start := time.Now()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "council_" + uuid.NewString()[:12]
	}

	mode := o.currentMode()
	if req.Mode != "" {
		parsed, perr := council.ParseMode(req.Mode)
		if perr != nil {
			return nil, perr
		}
		mode = parsed
	}
	isolation := o.currentIsolation()
	if req.Isolation != "" {
		isolation = council.ParseIsolation(req.Isolation)
	}

	session = &council.Session{
		ID:        sessionID,
		UserInput: req.Input,
		CreatedAt: start,
	}

	metrics.SessionsActive.Inc()
	metrics.InvocationsStarted.WithLabelValues(string(mode)).Inc()
	defer metrics.SessionsActive.Dec()

	if !o.guard.CheckRecursion(sessionID) {
		session.AddSecurityEvent("recursion_limit_exceeded")
		o.fail(session, start, "recursion limit exceeded")
		return session, ErrRecursionLimit
	}
	defer o.guard.ReleaseSession(sessionID)
	session.RecursionDepth = o.guard.Depth()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("invocation panicked",
				zap.String("session_id", sessionID), zap.Any("panic", r))
			session.AddSecurityEvent(fmt.Sprintf("panic: %v", r))
			o.fail(session, start, "internal panic")
			err = fmt.Errorf("invocation panicked: %v", r)
		}
	}()

	// Assembling: screen the input and gather conversational context.
	o.transition(session, council.StateAssembling)

	input := req.Input
	if isolation != council.IsolationNone {
		detected, patterns := o.guard.DetectInjection(input)
		input = o.guard.Sanitize(input)
		if detected {
			for _, p := range patterns {
				session.AddSecurityEvent("injection_detected:" + p)
			}
			session.AddSecurityEvent("input_sanitized")
			// The ledger records what the council actually deliberated on.
			session.UserInput = input
			o.publish(streaming.Event{
				SessionID: sessionID,
				Type:      streaming.TypeSecurity,
				Message:   "injection patterns neutralized: " + strings.Join(patterns, ", "),
			})
		}
	}

	var memContext string
	if o.mem != nil {
		memContext = o.mem.Context()
	}

	// Deliberating: every worker receives the same task.
	o.transition(session, council.StateDeliberating)
	// Each dispatch gets its own request id so a nested invocation of the
	// same session never collides with the outer one's in-flight request.
	results := o.dispatch(ctx, sessionID, worker.Task{
		RequestID: "req_" + uuid.NewString()[:12],
		Input:     input,
		Context:   memContext,
	})
	session.Results = results

	if len(results) == 0 {
		o.fail(session, start, "no agent responses collected")
		metrics.RecordInvocationMetrics(string(mode), "error", time.Since(start).Seconds(), 0)
		return session, ErrNoResponses
	}

	// Consensus.
	o.transition(session, council.StateConsensus)
	outcome := o.engine.Aggregate(ctx, results, mode, o.currentIterationLimit(), o.redeliberator(ctx, input, memContext))
	session.Outcome = &outcome
	o.publish(streaming.Event{
		SessionID: sessionID,
		Type:      streaming.TypeConsensus,
		Message:   string(outcome.Method),
	})

	// Stabilizing: high divergence is recorded and surfaced, never retried
	// silently. The caller sees the disagreement in the outcome itself.
	if outcome.Divergence > o.guard.DivergenceThreshold() {
		o.transition(session, council.StateStabilizing)
		session.AddSecurityEvent(fmt.Sprintf("high_divergence:%.2f", outcome.Divergence))
		metrics.StabilizationEvents.Inc()
		o.publish(streaming.Event{
			SessionID: sessionID,
			Type:      streaming.TypeSecurity,
			Message:   fmt.Sprintf("divergence %.2f exceeds threshold", outcome.Divergence),
		})
		o.logger.Warn("council divergence above threshold",
			zap.String("session_id", sessionID),
			zap.Float64("divergence", outcome.Divergence))
	}

	o.transition(session, council.StateOutput)
	session.TotalTime = time.Since(start).Seconds()

	// Logged: a ledger failure is an audit gap, not a reason to drop a
	// finished deliberation.
	o.transition(session, council.StateLogged)
	if o.ledger != nil {
		if lerr := o.ledger.Append(session); lerr != nil {
			session.AddSecurityEvent("ledger_append_failed")
			o.logger.Error("ledger append failed",
				zap.String("session_id", sessionID), zap.Error(lerr))
		}
	}

	o.recordTurn(session, mode)
	o.transition(session, council.StateIdle)

	metrics.RecordInvocationMetrics(string(mode), "ok", time.Since(start).Seconds(), outcome.Divergence)
	o.logger.Info("deliberation complete",
		zap.String("session_id", sessionID),
		zap.String("mode", string(mode)),
		zap.Int("agents", len(results)),
		zap.Float64("divergence", outcome.Divergence),
		zap.Float64("confidence", outcome.Confidence),
		zap.Float64("seconds", session.TotalTime),
	)
	return session, nil
}

// dispatch fans the task out to every running worker and gathers whatever
// results arrive before ctx expires. Stale deliveries from earlier requests
// are discarded by request id.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, task worker.Task) []council.AgentResult {
	o.mu.RLock()
	workers := make([]*worker.Worker, len(o.workers))
	copy(workers, o.workers)
	o.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []council.AgentResult
	)
	for _, w := range workers {
		if err := w.Submit(task); err != nil {
			o.logger.Warn("worker refused task",
				zap.String("role", w.Role().Name), zap.Error(err))
			continue
		}
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			result, ok := w.Await(ctx, task.RequestID)
			if !ok {
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			o.publish(streaming.Event{
				SessionID: sessionID,
				Type:      streaming.TypeAgent,
				Agent:     result.AgentName,
				Message:   fmt.Sprintf("confidence %.2f", result.Confidence),
			})
		}(w)
	}
	wg.Wait()
	return results
}

// redeliberator builds the callback deliberative_loop uses for later rounds:
// each agent re-answers with the prior round's positions in view.
func (o *Orchestrator) redeliberator(ctx context.Context, input, memContext string) consensus.RedeliberateFunc {
	return func(ctx context.Context, prior []council.AgentResult) ([]council.AgentResult, error) {
		var b strings.Builder
		b.WriteString("The council has deliberated once. Positions so far:\n\n")
		for _, r := range prior {
			fmt.Fprintf(&b, "[%s] (confidence %.2f): %s\n\n", r.AgentName, r.Confidence, r.Text)
		}
		b.WriteString("Reconsider your answer in light of the other positions. ")
		b.WriteString("Original question: ")
		b.WriteString(input)

		roundID := "round_" + uuid.NewString()[:12]
		results := o.dispatch(ctx, roundID, worker.Task{
			RequestID: roundID,
			Input:     b.String(),
			Context:   memContext,
		})
		if len(results) == 0 {
			return nil, ErrNoResponses
		}
		return results, nil
	}
}

func (o *Orchestrator) recordTurn(session *council.Session, mode council.ConsensusMode) {
	if o.mem == nil || session.Outcome == nil {
		return
	}
	turn := memory.Turn{
		UserInput:      session.UserInput,
		ConsensusText:  session.Outcome.FinalText,
		AgentResponses: make(map[string]string, len(session.Results)),
		Confidences:    make(map[string]float64, len(session.Results)),
		Mode:           string(mode),
		SessionID:      session.ID,
	}
	for _, r := range session.Results {
		if r.IsError() {
			continue
		}
		turn.AgentResponses[r.AgentName] = r.Text
		turn.Confidences[r.AgentName] = r.Confidence
	}
	if err := o.mem.RecordTurn(turn); err != nil {
		o.logger.Warn("memory record failed",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

// Status reports the council's current shape.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	state := o.state
	mode := o.defaultMode
	isolation := o.defaultIsolation
	workers := o.workers
	o.mu.RUnlock()

	active := 0
	roles := make([]string, 0, len(workers))
	for _, w := range workers {
		roles = append(roles, w.Role().Name)
		if w.Running() {
			active++
		}
	}

	st := Status{
		State:          state,
		Roles:          roles,
		ActiveWorkers:  active,
		RecursionDepth: o.guard.Depth(),
		ActiveSessions: o.guard.ActiveSessions(),
		DefaultMode:    string(mode),
		Isolation:      string(isolation),
	}
	if o.ledger != nil {
		st.LedgerCount = o.ledger.Count()
	}
	if o.mem != nil {
		st.Memory = o.mem.Stats()
	}
	return st
}

// Events exposes the live event stream for transport layers.
func (o *Orchestrator) Events() *streaming.Manager { return o.events }

// Ledger exposes the audit trail for read-side endpoints.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

func (o *Orchestrator) transition(session *council.Session, state council.State) {
	session.Transition(state)
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	o.publish(streaming.Event{
		SessionID: session.ID,
		Type:      streaming.TypePhase,
		Phase:     string(state),
	})
}

// fail stamps the error path: the session gets a failure-marker outcome,
// passes through error, and the council returns to idle.
func (o *Orchestrator) fail(session *council.Session, start time.Time, msg string) {
	session.Transition(council.StateError)
	session.Outcome = &council.Outcome{
		FinalText:  "[COUNCIL ERROR: " + msg + "]",
		Method:     o.currentMode(),
		Confidence: 0,
		Agents:     []string{},
		Divergence: 1,
	}
	session.TotalTime = time.Since(start).Seconds()
	session.Transition(council.StateIdle)
	o.mu.Lock()
	o.state = council.StateIdle
	o.mu.Unlock()
	o.publish(streaming.Event{
		SessionID: session.ID,
		Type:      streaming.TypeError,
		Message:   msg,
	})
	if o.ledger != nil {
		if lerr := o.ledger.Append(session); lerr != nil {
			o.logger.Error("ledger append failed for error session",
				zap.String("session_id", session.ID), zap.Error(lerr))
		}
	}
}

func (o *Orchestrator) publish(evt streaming.Event) {
	o.events.Publish(evt)
}

func (o *Orchestrator) currentMode() council.ConsensusMode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultMode
}

func (o *Orchestrator) currentIsolation() council.IsolationLevel {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultIsolation
}

func (o *Orchestrator) currentIterationLimit() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.iterationLimit
}
