package analysis

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeAnalysisAppliesDefaults(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		expectSummary string
		expectScore   int
	}{
		{
			name:          "complete",
			raw:           `{"summary":"ok","themes":["pace"],"sentiment_score":80,"action_items":["slow down"]}`,
			expectSummary: "ok",
			expectScore:   80,
		},
		{
			name:          "missing-fields-default",
			raw:           `{"summary":"only summary"}`,
			expectSummary: "only summary",
			expectScore:   0,
		},
		{
			name:          "score-clamped-high",
			raw:           `{"summary":"s","sentiment_score":140}`,
			expectSummary: "s",
			expectScore:   100,
		},
		{
			name:          "score-clamped-low",
			raw:           `{"summary":"s","sentiment_score":-5}`,
			expectSummary: "s",
			expectScore:   0,
		},
		{
			name:          "code-fenced",
			raw:           "```json\n{\"summary\":\"fenced\",\"sentiment_score\":55}\n```",
			expectSummary: "fenced",
			expectScore:   55,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := decodeAnalysis(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payload.Summary != tt.expectSummary {
				t.Fatalf("expected summary %q, got %q", tt.expectSummary, payload.Summary)
			}
			if payload.SentimentScore != tt.expectScore {
				t.Fatalf("expected score %d, got %d", tt.expectScore, payload.SentimentScore)
			}
			if payload.Themes == nil || payload.ActionItems == nil {
				t.Fatal("absent slices must decode to empty, not nil")
			}
		})
	}
}

func TestDecodeAnalysisRejectsNonJSON(t *testing.T) {
	if _, err := decodeAnalysis("I could not summarize that."); err == nil {
		t.Fatal("expected decode error for prose reply")
	}
}

func TestFingerprintIsCountBased(t *testing.T) {
	a := Fingerprint([]string{"x", "y"})
	b := Fingerprint([]string{"edited", "inputs"})
	if a != b {
		t.Fatalf("same count must fingerprint equal: %q vs %q", a, b)
	}
	c := Fingerprint([]string{"x", "y", "z"})
	if a == c {
		t.Fatal("different counts must fingerprint differently")
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"sentiment", "themes", "chat", " Sentiment "} {
		if _, err := ParseKind(valid); err != nil {
			t.Fatalf("expected %q to parse, got %v", valid, err)
		}
	}
	if _, err := ParseKind("gossip"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestNewOpenAISummarizerRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAISummarizer(OpenAISummarizerConfig{}); err == nil {
		t.Fatal("expected constructor error without api key")
	}
}

func TestBuildPromptNumbersEntries(t *testing.T) {
	prompt := buildPrompt([]string{"first", "second"})
	if !strings.Contains(prompt, "1. first") || !strings.Contains(prompt, "2. second") {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
}
