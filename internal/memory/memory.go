// Package memory gives the council continuity across sessions: it records
// every deliberation turn, learns a lightweight user profile and running
// conversation summary from them, and renders the pre-formatted context block
// the agents receive alongside each new query.
package memory

import (
	"time"
)

// Turn is one completed deliberation recorded to memory.
type Turn struct {
	ID             string             `json:"turn_id"`
	Timestamp      time.Time          `json:"timestamp"`
	UserInput      string             `json:"user_query"`
	ConsensusText  string             `json:"council_response"`
	AgentResponses map[string]string  `json:"individual_responses"`
	Confidences    map[string]float64 `json:"confidence_scores"`
	Mode           string             `json:"consensus_mode"`
	SessionID      string             `json:"session_id"`
}

// Profile captures what the system has learned about the user.
type Profile struct {
	PreferredMode     string         `json:"preferred_consensus_mode"`
	CommonTopics      []string       `json:"common_topics"`
	TotalInteractions int            `json:"total_interactions"`
	ModeCounts        map[string]int `json:"mode_counts"`
	CreatedAt         time.Time      `json:"created_at"`
	LastUpdated       time.Time      `json:"last_updated"`
}

// Summary is the running digest of the whole conversation.
type Summary struct {
	MainTopics          []string  `json:"main_topics"`
	KeyDecisions        []string  `json:"key_decisions"`
	UnresolvedQuestions []string  `json:"unresolved_questions"`
	ImportantContext    []string  `json:"important_context"`
	TurnCount           int       `json:"turn_count"`
	LastUpdated         time.Time `json:"last_updated"`
}

// Stats is the memory surface exposed by the status API.
type Stats struct {
	Backend       string   `json:"backend"`
	TurnCount     int      `json:"turn_count"`
	Interactions  int      `json:"interactions"`
	PreferredMode string   `json:"preferred_mode,omitempty"`
	MainTopics    []string `json:"main_topics,omitempty"`
}

// Store is the memory collaborator consumed by the orchestrator.
type Store interface {
	// Context returns the pre-formatted block summarizing profile, themes,
	// and recent turns. Opaque to the caller; empty when memory is cold.
	Context() string

	// RecordTurn persists one completed deliberation.
	RecordTurn(turn Turn) error

	// Stats reports memory counters for the status surface.
	Stats() Stats

	// Clear wipes conversation history; the learned profile survives when
	// keepProfile is set.
	Clear(keepProfile bool) error

	Close() error
}
