package memory

import (
	"fmt"
	"strings"
	"time"
)

const (
	maxProfileTopics    = 20
	trimProfileTopicsTo = 15
	maxSummaryTopics    = 10
	maxKeyDecisions     = 10
	trimKeyDecisionsTo  = 5
	maxUnresolved       = 10
	trimUnresolvedTo    = 5
	preferredModeFloor  = 5
	maxDiverseResponses = 3
	decisionSnippetLen  = 200
)

// profileTopicKeywords are the query words tracked as user interests.
var profileTopicKeywords = map[string]struct{}{
	"code": {}, "programming": {}, "api": {}, "database": {}, "security": {},
	"design": {}, "architecture": {}, "strategy": {}, "business": {},
	"analysis": {}, "data": {}, "ai": {}, "machine": {}, "learning": {},
	"web": {}, "mobile": {}, "cloud": {}, "devops": {}, "testing": {},
	"deployment": {},
}

// technicalTerms drive summary topic extraction.
var technicalTerms = []string{
	"api", "database", "security", "authentication", "authorization",
	"encryption", "microservices", "architecture", "design", "patterns",
	"algorithms", "data", "machine learning", "ai", "neural networks",
	"cloud", "docker", "kubernetes", "testing", "deployment", "ci/cd",
	"devops", "monitoring", "performance", "scalability", "load balancing",
	"caching", "optimization",
}

var decisionMarkers = []string{"recommend", "suggest", "should", "decision"}

// ExtractTopics pulls up to five known technical terms out of text.
func ExtractTopics(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			found = append(found, term)
			if len(found) == 5 {
				break
			}
		}
	}
	return found
}

// applyTurn folds one turn into the profile and summary in place.
func applyTurn(p *Profile, s *Summary, turn Turn) {
	now := time.Now()

	// Profile: mode preference and interest topics.
	p.TotalInteractions++
	p.LastUpdated = now
	if p.ModeCounts == nil {
		p.ModeCounts = make(map[string]int)
	}
	p.ModeCounts[turn.Mode]++
	if p.TotalInteractions >= preferredModeFloor {
		p.PreferredMode = dominantMode(p.ModeCounts)
	}
	for _, word := range strings.Fields(strings.ToLower(turn.UserInput)) {
		word = strings.Trim(word, ".,;:!?\"'")
		if _, ok := profileTopicKeywords[word]; ok {
			p.CommonTopics = appendUnique(p.CommonTopics, word)
		}
	}
	if len(p.CommonTopics) > maxProfileTopics {
		p.CommonTopics = p.CommonTopics[len(p.CommonTopics)-trimProfileTopicsTo:]
	}

	// Summary: themes, decisions, open questions.
	s.TurnCount++
	s.LastUpdated = now
	for _, topic := range append(ExtractTopics(turn.UserInput), ExtractTopics(turn.ConsensusText)...) {
		s.MainTopics = appendUnique(s.MainTopics, topic)
	}
	if len(s.MainTopics) > maxSummaryTopics {
		s.MainTopics = s.MainTopics[len(s.MainTopics)-maxSummaryTopics:]
	}

	if containsAny(strings.ToLower(turn.ConsensusText), decisionMarkers) {
		decision := turn.ConsensusText
		if len(decision) > decisionSnippetLen {
			decision = decision[:decisionSnippetLen] + "..."
		}
		s.KeyDecisions = append(s.KeyDecisions, decision)
		if len(s.KeyDecisions) > maxKeyDecisions {
			s.KeyDecisions = s.KeyDecisions[len(s.KeyDecisions)-trimKeyDecisionsTo:]
		}
	}

	if strings.HasSuffix(strings.TrimSpace(turn.UserInput), "?") {
		s.UnresolvedQuestions = appendUnique(s.UnresolvedQuestions, turn.UserInput)
		if len(s.UnresolvedQuestions) > maxUnresolved {
			s.UnresolvedQuestions = s.UnresolvedQuestions[len(s.UnresolvedQuestions)-trimUnresolvedTo:]
		}
	}
}

// foldOldTurns moves significant old turns into the summary's important
// context when history is trimmed.
func foldOldTurns(s *Summary, old []Turn) {
	start := 0
	if len(old) > 10 {
		start = len(old) - 10
	}
	for _, turn := range old[start:] {
		if len(turn.ConsensusText) <= decisionSnippetLen {
			continue
		}
		item := fmt.Sprintf("%s: %s -> %s...",
			turn.Timestamp.Format("2006-01-02"), turn.UserInput, turn.ConsensusText[:150])
		s.ImportantContext = appendUnique(s.ImportantContext, item)
	}
}

// buildContext renders the block every agent receives before the live query.
func buildContext(p Profile, s Summary, recent []Turn) string {
	if p.TotalInteractions == 0 && len(recent) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== USER CONTEXT ===\n")
	fmt.Fprintf(&b, "Interactions: %d\n", p.TotalInteractions)
	if p.PreferredMode != "" {
		fmt.Fprintf(&b, "Preferred consensus mode: %s\n", p.PreferredMode)
	}
	if len(p.CommonTopics) > 0 {
		n := len(p.CommonTopics)
		if n > 5 {
			n = 5
		}
		fmt.Fprintf(&b, "Common topics: %s\n", strings.Join(p.CommonTopics[:n], ", "))
	}

	if len(s.MainTopics) > 0 || len(s.KeyDecisions) > 0 || len(s.UnresolvedQuestions) > 0 {
		b.WriteString("\n=== CONVERSATION THEMES ===\n")
		if len(s.MainTopics) > 0 {
			fmt.Fprintf(&b, "Main topics discussed: %s\n", strings.Join(s.MainTopics, ", "))
		}
		if len(s.KeyDecisions) > 0 {
			fmt.Fprintf(&b, "Previous key decisions: %s\n", strings.Join(tail(s.KeyDecisions, 3), "; "))
		}
		if len(s.UnresolvedQuestions) > 0 {
			fmt.Fprintf(&b, "Unresolved questions: %s\n", strings.Join(tail(s.UnresolvedQuestions, 3), "; "))
		}
	}

	if len(recent) > 0 {
		fmt.Fprintf(&b, "\n=== RECENT CONVERSATION (%d turns) ===\n", len(recent))
		for _, turn := range recent {
			fmt.Fprintf(&b, "[%s] User: %s\n", timeAgo(turn.Timestamp), turn.UserInput)
			fmt.Fprintf(&b, "Council (%s): %s\n", turn.Mode, snippet(turn.ConsensusText, 300))
			for agent, resp := range diverseResponses(turn.AgentResponses) {
				fmt.Fprintf(&b, "  %s: %s\n", agent, snippet(resp, 150))
			}
		}
	}

	if !p.CreatedAt.IsZero() {
		b.WriteString("\n=== CURRENT SESSION CONTEXT ===\n")
		fmt.Fprintf(&b, "User since: %s\n", p.CreatedAt.Format("2006-01-02"))
	}
	return b.String()
}

// diverseResponses keeps at most three per-agent responses whose openings
// differ, so the context does not repeat near-identical positions.
func diverseResponses(responses map[string]string) map[string]string {
	if len(responses) <= 2 {
		return responses
	}
	diverse := make(map[string]string, maxDiverseResponses)
	var seenStarts []string
	for agent, resp := range responses {
		start := strings.ToLower(snippet(resp, 100))
		repeat := false
		for _, seen := range seenStarts {
			if strings.HasPrefix(start, snippet(seen, 50)) {
				repeat = true
				break
			}
		}
		if repeat {
			continue
		}
		diverse[agent] = resp
		seenStarts = append(seenStarts, start)
		if len(diverse) == maxDiverseResponses {
			break
		}
	}
	return diverse
}

func timeAgo(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff >= 24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	case diff >= time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	case diff >= time.Minute:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	default:
		return "just now"
	}
}

func dominantMode(counts map[string]int) string {
	best := ""
	bestN := 0
	for mode, n := range counts {
		if n > bestN || (n == bestN && mode < best) {
			best, bestN = mode, n
		}
	}
	return best
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func tail(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
