package integrity

import (
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

// TruncationMarker is appended when Sanitize cuts an over-length input.
const TruncationMarker = "... [TRUNCATED]"

// injectionPattern pairs a detection regex with a stable name for reporting.
type injectionPattern struct {
	name string
	re   *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"ignore_previous", regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`)},
	{"system_override", regexp.MustCompile(`(?i)system\s*:\s*you\s+are`)},
	{"role_marker", regexp.MustCompile(`<\|[^|]*\|>`)},
	{"system_fence", regexp.MustCompile("(?i)```\\s*system")},
	{"act_as_if", regexp.MustCompile(`(?i)act\s+as\s+if`)},
	{"pretend_to_be", regexp.MustCompile(`(?i)pretend\s+to\s+be`)},
	{"forget_everything", regexp.MustCompile(`(?i)forget\s+everything`)},
	{"new_instructions", regexp.MustCompile(`(?i)new\s+instructions\s*:`)},
}

var (
	roleMarkerRe  = regexp.MustCompile(`<\|[^|]*\|>`)
	systemFenceRe = regexp.MustCompile("(?is)```\\s*system.*?(```|$)")
)

// DetectInjection tests text against the known prompt-injection phrasings and
// returns whether any matched plus the names of every matching pattern.
func (g *Guard) DetectInjection(text string) (bool, []string) {
	var matched []string
	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			matched = append(matched, p.name)
			metrics.InjectionDetections.WithLabelValues(p.name).Inc()
		}
	}
	if len(matched) > 0 {
		g.logger.Warn("prompt injection patterns detected",
			zap.Strings("patterns", matched),
			zap.Int("input_length", len(text)),
		)
	}
	return len(matched) > 0, matched
}

// Sanitize strips role-override markers and fenced system blocks, then
// hard-truncates to the configured maximum length. The result never exceeds
// the cap and re-sanitizing its own output is a no-op.
func (g *Guard) Sanitize(text string) string {
	out := roleMarkerRe.ReplaceAllString(text, "")
	out = systemFenceRe.ReplaceAllString(out, "")
	if len(out) > g.maxInputLength {
		cut := g.maxInputLength - len(TruncationMarker)
		if cut < 0 {
			cut = 0
		}
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + TruncationMarker
	}
	return out
}
