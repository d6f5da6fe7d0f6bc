package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/integrity"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

const (
	// groupingThreshold is the pairwise similarity above which majority-vote
	// results are considered the same position.
	groupingThreshold = 0.7

	// highConfidence short-circuits confidence scoring to a single answer.
	highConfidence = 0.8

	// maxComposite caps how many results a composite answer combines.
	maxComposite = 3

	// DefaultIterationLimit bounds deliberative-loop rounds.
	DefaultIterationLimit = 3
)

// DefaultRoleWeights is the built-in priority table for weighted-roles
// consensus. Unknown tags weigh 1.0.
var DefaultRoleWeights = map[string]float64{
	"arbiter":    1.3,
	"strategist": 1.2,
	"analyst":    1.1,
	"architect":  1.1,
	"guardian":   1.0,
	"historian":  0.9,
}

// RedeliberateFunc re-queries all live agents with visibility of the prior
// round's positions and returns the new round's results.
type RedeliberateFunc func(ctx context.Context, prior []council.AgentResult) ([]council.AgentResult, error)

// Engine reduces a set of agent results to a single outcome.
type Engine struct {
	guard       *integrity.Guard
	weights     map[string]float64
	convergence float64
	logger      *zap.Logger
}

// NewEngine builds an engine. weights overlays DefaultRoleWeights;
// convergence is the divergence level below which deliberation stops.
func NewEngine(guard *integrity.Guard, weights map[string]float64, convergence float64, logger *zap.Logger) *Engine {
	merged := make(map[string]float64, len(DefaultRoleWeights)+len(weights))
	for k, v := range DefaultRoleWeights {
		merged[k] = v
	}
	for k, v := range weights {
		if v > 0 {
			merged[strings.ToLower(k)] = v
		}
	}
	if convergence <= 0 || convergence > 1 {
		convergence = guard.DivergenceThreshold()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{guard: guard, weights: merged, convergence: convergence, logger: logger}
}

// Weight returns the priority weight for a role tag.
func (e *Engine) Weight(roleTag string) float64 {
	if w, ok := e.weights[strings.ToLower(roleTag)]; ok {
		return w
	}
	return 1.0
}

// Aggregate applies the selected consensus mode. Divergence is computed over
// the full result set, error results included, before filtering. redeliberate
// may be nil, in which case deliberative-loop degrades to a single
// majority-vote pass.
func (e *Engine) Aggregate(ctx context.Context, results []council.AgentResult, mode council.ConsensusMode, iterationLimit int, redeliberate RedeliberateFunc) council.Outcome {
	metrics.ConsensusByMode.WithLabelValues(string(mode)).Inc()

	if len(results) == 0 {
		return council.Outcome{
			FinalText:  "[ERROR: No agent responses to aggregate]",
			Method:     mode,
			Confidence: 0,
			Agents:     []string{},
			Divergence: 1,
			Iterations: 0,
		}
	}

	divergence := e.guard.DivergenceOf(results)

	valid := filterValid(results)
	if len(valid) == 0 {
		all := agentNames(results)
		e.logger.Warn("all agents failed", zap.Int("agents", len(results)))
		return council.Outcome{
			FinalText:  "[CONSENSUS FAILED: All agents returned errors]",
			Method:     mode,
			Confidence: 0,
			Agents:     all,
			Divergence: divergence,
			Iterations: 0,
		}
	}

	if iterationLimit <= 0 {
		iterationLimit = DefaultIterationLimit
	}

	var out council.Outcome
	switch mode {
	case council.ModeMajorityVote:
		out = e.majorityVote(valid)
	case council.ModeConfidenceScoring:
		out = e.confidenceScoring(valid)
	case council.ModeWeightedRoles:
		out = e.weightedRoles(valid)
	case council.ModeDeliberativeLoop:
		out = e.deliberativeLoop(ctx, valid, iterationLimit, redeliberate)
	case council.ModeHybrid:
		out = e.hybrid(valid)
	default:
		out = e.majorityVote(valid)
	}

	out.Method = mode
	out.Divergence = divergence
	out.Confidence = council.Clamp01(out.Confidence)
	return out
}

// Convergence returns the divergence level treated as agreement.
func (e *Engine) Convergence() float64 { return e.convergence }

func filterValid(results []council.AgentResult) []council.AgentResult {
	valid := make([]council.AgentResult, 0, len(results))
	for _, r := range results {
		if !r.IsError() {
			valid = append(valid, r)
		}
	}
	return valid
}

func agentNames(results []council.AgentResult) []string {
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.AgentName
	}
	return names
}

func meanConfidence(results []council.AgentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	return sum / float64(len(results))
}

// majorityVote groups results by pairwise similarity against each group's
// first member, then takes the largest group. Ties break to the
// first-formed group, which follows collection order.
func (e *Engine) majorityVote(valid []council.AgentResult) council.Outcome {
	var groups [][]council.AgentResult
	for _, r := range valid {
		placed := false
		for i := range groups {
			if integrity.Similarity(groups[i][0].Text, r.Text) >= groupingThreshold {
				groups[i] = append(groups[i], r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []council.AgentResult{r})
		}
	}

	best := groups[0]
	for _, g := range groups[1:] {
		if len(g) > len(best) {
			best = g
		}
	}

	return council.Outcome{
		FinalText: fmt.Sprintf("[MAJORITY DECISION - %d/%d agents]\n%s",
			len(best), len(valid), best[0].Text),
		Confidence: meanConfidence(best),
		Agents:     agentNames(best),
		Iterations: 1,
		Metadata: map[string]interface{}{
			"group_size":   len(best),
			"total_groups": len(groups),
		},
	}
}

// confidenceScoring takes the single top answer when it is confident enough,
// otherwise combines the top answers into one labeled composite.
func (e *Engine) confidenceScoring(valid []council.AgentResult) council.Outcome {
	sorted := make([]council.AgentResult, len(valid))
	copy(sorted, valid)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	top := sorted[0]
	if top.Confidence >= highConfidence || len(sorted) == 1 {
		return council.Outcome{
			FinalText:  fmt.Sprintf("[HIGH CONFIDENCE - %s]\n%s", top.AgentName, top.Text),
			Confidence: top.Confidence,
			Agents:     []string{top.AgentName},
			Iterations: 1,
			Metadata:   map[string]interface{}{"selection": "single_top"},
		}
	}

	n := maxComposite
	if len(sorted) < n {
		n = len(sorted)
	}
	selected := sorted[:n]

	var b strings.Builder
	for i, r := range selected {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s %s]\n%s", r.AgentName, confidenceStars(r.Confidence), r.Text)
	}

	return council.Outcome{
		FinalText:  b.String(),
		Confidence: meanConfidence(selected),
		Agents:     agentNames(selected),
		Iterations: 1,
		Metadata:   map[string]interface{}{"selection": "composite", "combined": n},
	}
}

// confidenceStars renders confidence as discrete fifths, e.g. ★★★☆☆.
func confidenceStars(confidence float64) string {
	filled := int(council.Clamp01(confidence)*5 + 0.5)
	return strings.Repeat("★", filled) + strings.Repeat("☆", 5-filled)
}

// weightedRoles ranks results by confidence times role priority weight and
// combines the top subset.
func (e *Engine) weightedRoles(valid []council.AgentResult) council.Outcome {
	type scored struct {
		result council.AgentResult
		weight float64
		score  float64
	}
	scoredResults := make([]scored, len(valid))
	for i, r := range valid {
		w := e.Weight(r.Role)
		scoredResults[i] = scored{result: r, weight: w, score: r.Confidence * w}
	}
	sort.SliceStable(scoredResults, func(i, j int) bool {
		return scoredResults[i].score > scoredResults[j].score
	})

	n := maxComposite
	if len(scoredResults) < n {
		n = len(scoredResults)
	}
	selected := scoredResults[:n]

	var b strings.Builder
	var totalWeight float64
	results := make([]council.AgentResult, n)
	for i, s := range selected {
		results[i] = s.result
		totalWeight += s.weight
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s | weight %.1f | score %.2f]\n%s",
			s.result.AgentName, s.weight, s.score, s.result.Text)
	}

	return council.Outcome{
		FinalText:  b.String(),
		Confidence: meanConfidence(results),
		Agents:     agentNames(results),
		Iterations: 1,
		Metadata: map[string]interface{}{
			"total_weight": totalWeight,
			"top_score":    selected[0].score,
		},
	}
}

// deliberativeLoop re-queries agents with the prior round's positions until
// they converge or the round limit is hit, then resolves the final round by
// majority vote. Without a redeliberation callback a single pass is used.
func (e *Engine) deliberativeLoop(ctx context.Context, valid []council.AgentResult, iterationLimit int, redeliberate RedeliberateFunc) council.Outcome {
	current := valid
	rounds := 1
	roundDivergence := e.guard.DivergenceOf(current)

	for redeliberate != nil && rounds < iterationLimit && roundDivergence >= e.convergence {
		next, err := redeliberate(ctx, current)
		if err != nil {
			e.logger.Warn("redeliberation round failed, settling with current positions",
				zap.Int("round", rounds), zap.Error(err))
			break
		}
		nextValid := filterValid(next)
		if len(nextValid) == 0 {
			break
		}
		current = nextValid
		rounds++
		roundDivergence = e.guard.DivergenceOf(current)
	}

	metrics.DeliberationRounds.Observe(float64(rounds))

	out := e.majorityVote(current)
	out.Iterations = rounds
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["converged"] = roundDivergence < e.convergence
	out.Metadata["final_divergence"] = roundDivergence
	return out
}

// hybrid defers the decision to a human: every valid answer is presented as
// a labeled option with a confidence tier.
func (e *Engine) hybrid(valid []council.AgentResult) council.Outcome {
	var b strings.Builder
	b.WriteString("[COUNCIL OPTIONS - human decision required]\n")
	for i, r := range valid {
		fmt.Fprintf(&b, "\n=== Option %d: %s [%s confidence %.2f] ===\n%s\n",
			i+1, r.AgentName, confidenceTier(r.Confidence), r.Confidence, r.Text)
	}

	return council.Outcome{
		FinalText:  b.String(),
		Confidence: meanConfidence(valid),
		Agents:     agentNames(valid),
		Iterations: 1,
		Metadata: map[string]interface{}{
			"option_count":   len(valid),
			"requires_human": true,
		},
	}
}

func confidenceTier(confidence float64) string {
	switch {
	case confidence >= highConfidence:
		return "HIGH"
	case confidence >= 0.5:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
