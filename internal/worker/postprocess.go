package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Reasoning-trace extraction runs an ordered list of strategies: explicit
// delimited blocks first, then a line classifier for models that interleave
// reasoning with the answer. Each strategy is a pure function over text.

var delimitedTraceRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>(.*?)</think>`),
	regexp.MustCompile(`(?is)<thinking>(.*?)</thinking>`),
	regexp.MustCompile(`(?is)\[thinking\](.*?)\[/thinking\]`),
}

var (
	transitionPhrases = []string{
		"therefore", "in conclusion", "so the answer", "final answer",
		"to summarize", "in summary", "thus",
	}
	reasoningIndicators = []string{
		"let me", "first,", "i need to", "i should", "consider",
		"thinking about", "step ", "wait,", "hmm",
	}
)

// minReasoningLines is the threshold below which the line classifier gives up
// and treats the whole text as the answer.
const minReasoningLines = 2

// ExtractReasoning splits text into a reasoning trace and an answer for
// models known to emit traces. For other models the text passes through
// unchanged with no trace.
func ExtractReasoning(text, model string) (trace, answer string, found bool) {
	if !emitsReasoning(model) {
		return "", text, false
	}

	for _, re := range delimitedTraceRes {
		if m := re.FindStringSubmatch(text); m != nil {
			trace = strings.TrimSpace(m[1])
			answer = strings.TrimSpace(re.ReplaceAllString(text, ""))
			if answer == "" {
				answer = trace
			}
			return trace, answer, trace != ""
		}
	}

	return classifyLines(text)
}

func emitsReasoning(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "deepseek") || strings.Contains(m, "r1") || strings.Contains(m, "qwq")
}

// classifyLines buckets lines into reasoning vs answer. Lines before a
// transition phrase that carry a reasoning indicator count as reasoning;
// everything from the first transition phrase onward is answer.
func classifyLines(text string) (trace, answer string, found bool) {
	lines := strings.Split(text, "\n")
	var reasoning, answerLines []string
	inAnswer := false

	for _, line := range lines {
		lower := strings.ToLower(line)
		if !inAnswer && hasAnyPhrase(lower, transitionPhrases) {
			inAnswer = true
		}
		if inAnswer {
			answerLines = append(answerLines, line)
			continue
		}
		if hasAnyPhrase(lower, reasoningIndicators) {
			reasoning = append(reasoning, line)
		} else {
			answerLines = append(answerLines, line)
		}
	}

	if len(reasoning) <= minReasoningLines || len(answerLines) == 0 {
		return "", text, false
	}
	return strings.TrimSpace(strings.Join(reasoning, "\n")),
		strings.TrimSpace(strings.Join(answerLines, "\n")),
		true
}

func hasAnyPhrase(line string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

var confidenceRe = regexp.MustCompile(`(?i)(?:confidence|certainty|sure(?:ness)?)\s*[:=]?\s*([0-9]*\.?[0-9]+)`)

// ExtractConfidence looks for a self-reported confidence value. Values given
// on a 0-10 or percentage scale are normalized into [0, 1].
func ExtractConfidence(text string) (float64, bool) {
	m := confidenceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	switch {
	case v > 10 && v <= 100:
		v /= 100
	case v > 1 && v <= 10:
		v /= 10
	case v > 100:
		v = 1
	}
	if v < 0 {
		v = 0
	}
	return v, true
}

// DefaultConfidence derives a confidence when the agent did not report one:
// low for very short outputs, moderate otherwise.
func DefaultConfidence(text string) float64 {
	if len(text) < 50 {
		return 0.6
	}
	return 0.7
}

// HashText returns a short content-integrity digest of the answer text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// TokenCount approximates the token count as whitespace-separated words.
func TokenCount(text string) int {
	return len(strings.Fields(text))
}
