package integrity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

const (
	// DefaultMaxRecursionDepth bounds nested invocations sharing a session id.
	DefaultMaxRecursionDepth = 3

	// DefaultDivergenceThreshold triggers the stabilizing phase when exceeded.
	DefaultDivergenceThreshold = 0.5

	// DefaultMaxInputLength is the hard cap applied by Sanitize.
	DefaultMaxInputLength = 4000
)

// Guard enforces the council's safety bounds: recursion depth per session,
// divergence scoring across agent responses, and prompt-injection screening.
// Safe for concurrent use from multiple invocations.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
	depth  int

	maxDepth            int
	divergenceThreshold float64
	maxInputLength      int
	logger              *zap.Logger
}

// NewGuard builds a Guard. Zero or negative limits fall back to defaults.
func NewGuard(maxDepth int, divergenceThreshold float64, maxInputLength int, logger *zap.Logger) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRecursionDepth
	}
	if divergenceThreshold <= 0 || divergenceThreshold > 1 {
		divergenceThreshold = DefaultDivergenceThreshold
	}
	if maxInputLength <= 0 {
		maxInputLength = DefaultMaxInputLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		active:              make(map[string]struct{}),
		maxDepth:            maxDepth,
		divergenceThreshold: divergenceThreshold,
		maxInputLength:      maxInputLength,
		logger:              logger,
	}
}

// CheckRecursion registers sessionID as active and reports whether the
// invocation may proceed. The first call for a new id resets the depth
// counter to 1; re-entrant calls for an already-active id increment it and
// fail once it exceeds the configured maximum.
func (g *Guard) CheckRecursion(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[sessionID]; ok {
		g.depth++
		if g.depth > g.maxDepth {
			metrics.RecursionRejections.Inc()
			g.logger.Warn("recursion limit exceeded",
				zap.String("session_id", sessionID),
				zap.Int("depth", g.depth),
				zap.Int("max_depth", g.maxDepth),
			)
			return false
		}
		return true
	}

	g.active[sessionID] = struct{}{}
	g.depth = 1
	return true
}

// ReleaseSession removes sessionID from the active set and decrements the
// depth counter, floored at zero. Releasing an id that is not active is a
// safe no-op.
func (g *Guard) ReleaseSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[sessionID]; !ok {
		return
	}
	delete(g.active, sessionID)
	if g.depth > 0 {
		g.depth--
	}
}

// Depth returns the current recursion depth counter.
func (g *Guard) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}

// ActiveSessions returns the number of session ids currently registered.
func (g *Guard) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// DivergenceThreshold returns the configured stabilization trigger.
func (g *Guard) DivergenceThreshold() float64 {
	return g.divergenceThreshold
}

// MaxInputLength returns the configured sanitization cap.
func (g *Guard) MaxInputLength() int {
	return g.maxInputLength
}

// ComputeDivergence returns 1 minus the average pairwise similarity across
// all unordered pairs of texts, clamped to [0, 1]. Fewer than two texts
// score exactly 0.
func (g *Guard) ComputeDivergence(texts []string) float64 {
	if len(texts) < 2 {
		return 0.0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sum += Similarity(texts[i], texts[j])
			pairs++
		}
	}
	return council.Clamp01(1.0 - sum/float64(pairs))
}

// DivergenceOf is ComputeDivergence over the response texts of a result set.
func (g *Guard) DivergenceOf(results []council.AgentResult) float64 {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	return g.ComputeDivergence(texts)
}
