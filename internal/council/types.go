package council

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is a phase of the council deliberation state machine.
type State string

const (
	StateIdle         State = "idle"
	StateAssembling   State = "assembling"
	StateDeliberating State = "deliberating"
	StateConsensus    State = "consensus"
	StateStabilizing  State = "stabilizing"
	StateOutput       State = "output"
	StateLogged       State = "logged"
	StateError        State = "error"
)

// ConsensusMode selects the algorithm that reduces agent responses to one outcome.
type ConsensusMode string

const (
	ModeMajorityVote      ConsensusMode = "majority_vote"
	ModeConfidenceScoring ConsensusMode = "confidence_scoring"
	ModeWeightedRoles     ConsensusMode = "weighted_roles"
	ModeDeliberativeLoop  ConsensusMode = "deliberative_loop"
	ModeHybrid            ConsensusMode = "hybrid"
)

// ParseMode resolves a mode string, returning an error for unknown values.
func ParseMode(s string) (ConsensusMode, error) {
	switch ConsensusMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeMajorityVote:
		return ModeMajorityVote, nil
	case ModeConfidenceScoring:
		return ModeConfidenceScoring, nil
	case ModeWeightedRoles:
		return ModeWeightedRoles, nil
	case ModeDeliberativeLoop:
		return ModeDeliberativeLoop, nil
	case ModeHybrid:
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("unknown consensus mode %q", s)
	}
}

// IsolationLevel controls how aggressively user input is screened before dispatch.
type IsolationLevel string

const (
	IsolationNone     IsolationLevel = "none"
	IsolationBasic    IsolationLevel = "basic"
	IsolationSandbox  IsolationLevel = "sandboxed"
	IsolationIsolated IsolationLevel = "isolated"
)

// ParseIsolation resolves an isolation string, defaulting unknown values to basic.
func ParseIsolation(s string) IsolationLevel {
	switch IsolationLevel(strings.ToLower(strings.TrimSpace(s))) {
	case IsolationNone:
		return IsolationNone
	case IsolationBasic:
		return IsolationBasic
	case IsolationSandbox:
		return IsolationSandbox
	case IsolationIsolated:
		return IsolationIsolated
	default:
		return IsolationBasic
	}
}

// Role is one configured council persona bound to a model. Immutable after load.
type Role struct {
	Name                string         `json:"name"`
	Tag                 string         `json:"role"`
	SystemPrompt        string         `json:"system_prompt"`
	Weight              float64        `json:"weight"`
	Model               string         `json:"model"`
	ConfidenceThreshold float64        `json:"confidence_threshold"`
	MaxOutputHint       int            `json:"max_output_hint,omitempty"`
	Capabilities        []string       `json:"capabilities,omitempty"`
	Isolation           IsolationLevel `json:"isolation"`
}

// AgentResult is one agent's answer for one dispatch. Never mutated after creation.
type AgentResult struct {
	AgentName     string                 `json:"agent_name"`
	Role          string                 `json:"role"`
	Text          string                 `json:"response_text"`
	Confidence    float64                `json:"confidence"`
	Timestamp     time.Time              `json:"timestamp"`
	ExecutionTime float64                `json:"execution_time"`
	TokenCount    int                    `json:"token_count"`
	Hash          string                 `json:"response_hash"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ErrorHash marks results whose generation call failed.
const ErrorHash = "error"

// IsError reports whether this result is an error marker rather than an answer.
func (r AgentResult) IsError() bool {
	return r.Hash == ErrorHash || strings.HasPrefix(r.Text, "[ERROR")
}

// Outcome is the single decision produced by consensus for one session.
type Outcome struct {
	FinalText   string                 `json:"final_response"`
	Method      ConsensusMode          `json:"consensus_method"`
	Confidence  float64                `json:"confidence_score"`
	Agents      []string               `json:"participating_agents"`
	Divergence  float64                `json:"divergence_score"`
	Iterations  int                    `json:"iteration_count"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Transition is one (state, timestamp) step in a session's path through the
// state machine. It serializes as a two-element array to keep ledger lines
// compact: ["deliberating", "2026-01-02T15:04:05Z"].
type Transition struct {
	State State
	At    time.Time
}

func (t Transition) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(t.State), t.At.UTC().Format(time.RFC3339Nano)})
}

func (t *Transition) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	at, err := time.Parse(time.RFC3339Nano, pair[1])
	if err != nil {
		return err
	}
	t.State = State(pair[0])
	t.At = at
	return nil
}

// Session is one complete invocation record, from input receipt to logged outcome.
type Session struct {
	ID             string       `json:"session_id"`
	UserInput      string       `json:"user_input"`
	Transitions    []Transition `json:"state_transitions"`
	Results        []AgentResult `json:"agent_results"`
	Outcome        *Outcome     `json:"consensus_result"`
	TotalTime      float64      `json:"total_execution_time"`
	RecursionDepth int          `json:"recursion_depth"`
	SecurityEvents []string     `json:"security_events"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Transition appends a state transition stamped with the current time.
func (s *Session) Transition(state State) {
	s.Transitions = append(s.Transitions, Transition{State: state, At: time.Now()})
}

// CurrentState returns the most recent state, or idle for a fresh session.
func (s *Session) CurrentState() State {
	if len(s.Transitions) == 0 {
		return StateIdle
	}
	return s.Transitions[len(s.Transitions)-1].State
}

// AddSecurityEvent records a security observation on the session.
func (s *Session) AddSecurityEvent(event string) {
	s.SecurityEvents = append(s.SecurityEvents, event)
}

// Clamp01 bounds a score to [0, 1]; NaN collapses to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
