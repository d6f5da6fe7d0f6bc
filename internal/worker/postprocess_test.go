package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractReasoningDelimitedBlock(t *testing.T) {
	text := "<think>weighing the options here</think>\nThe answer is 42."
	trace, answer, found := ExtractReasoning(text, "deepseek-r1")
	assert.True(t, found)
	assert.Equal(t, "weighing the options here", trace)
	assert.Equal(t, "The answer is 42.", answer)
}

func TestExtractReasoningNonReasoningModelPassthrough(t *testing.T) {
	text := "<think>should be ignored</think>\nplain answer"
	trace, answer, found := ExtractReasoning(text, "llama3")
	assert.False(t, found)
	assert.Empty(t, trace)
	assert.Equal(t, text, answer)
}

func TestExtractReasoningLineClassifier(t *testing.T) {
	text := "Let me think about this problem.\n" +
		"First, I need to check the constraints.\n" +
		"I should consider the edge cases too.\n" +
		"Therefore the answer is yes.\n" +
		"It holds in all cases."
	trace, answer, found := ExtractReasoning(text, "deepseek-coder")
	assert.True(t, found)
	assert.Contains(t, trace, "Let me think")
	assert.Contains(t, answer, "Therefore the answer is yes.")
	assert.NotContains(t, answer, "Let me think")
}

func TestExtractReasoningTooFewReasoningLines(t *testing.T) {
	text := "Let me check.\nThe answer is no."
	trace, answer, found := ExtractReasoning(text, "deepseek-r1")
	assert.False(t, found)
	assert.Empty(t, trace)
	assert.Equal(t, text, answer)
}

func TestExtractConfidence(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  float64
		found bool
	}{
		{"decimal", "I am fairly certain. Confidence: 0.8", 0.8, true},
		{"integer scale", "confidence: 8", 0.8, true},
		{"percentage", "Certainty: 85", 0.85, true},
		{"equals sign", "confidence = 0.35", 0.35, true},
		{"absurd value clamps", "confidence: 900", 1.0, true},
		{"missing", "no self report here", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractConfidence(tt.text)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestDefaultConfidence(t *testing.T) {
	assert.Equal(t, 0.6, DefaultConfidence("short"))
	assert.Equal(t, 0.7, DefaultConfidence("a considerably longer response that clears the fifty character bar"))
}

func TestHashText(t *testing.T) {
	h := HashText("some answer")
	assert.Len(t, h, 16)
	assert.Equal(t, h, HashText("some answer"))
	assert.NotEqual(t, h, HashText("another answer"))
}

func TestTokenCount(t *testing.T) {
	assert.Equal(t, 0, TokenCount(""))
	assert.Equal(t, 4, TokenCount("one two  three\nfour"))
}
