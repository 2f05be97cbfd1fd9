package analysis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKind indicates an unknown analysis kind.
	ErrInvalidKind = errors.New("analysis: invalid kind")
	// ErrSummarizerUnavailable reports that the external summarizer failed or
	// is not configured. The cache layer absorbs it into a stale or
	// placeholder payload rather than surfacing an error payload.
	ErrSummarizerUnavailable = errors.New("analysis: summarizer unavailable")
)

// Kind enumerates the memoized analyses.
type Kind string

const (
	// KindSentiment is the dashboard sentiment summary over a survey's responses.
	KindSentiment Kind = "sentiment"
	// KindThemes is the per-survey theme analysis.
	KindThemes Kind = "themes"
	// KindChat is the per-student chat transcript summary.
	KindChat Kind = "chat"
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindSentiment:
		return KindSentiment, nil
	case KindThemes:
		return KindThemes, nil
	case KindChat:
		return KindChat, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// String returns the underlying kind name.
func (k Kind) String() string {
	return string(k)
}

// Analysis is the strict shape of a summarizer result. Fields absent from a
// model response decode to the zero value and are repaired by applyDefaults;
// the raw response object is never trusted or stored as-is.
type Analysis struct {
	Summary        string   `json:"summary"`
	Themes         []string `json:"themes"`
	SentimentScore int      `json:"sentiment_score"`
	ActionItems    []string `json:"action_items"`
}

const fallbackSummary = "Analysis is not available yet. Check back once responses arrive or the summarizer is configured."

// Fallback returns the static placeholder payload shown when no cached
// analysis exists and the summarizer cannot run.
func Fallback() Analysis {
	return Analysis{
		Summary:        fallbackSummary,
		Themes:         []string{},
		SentimentScore: 50,
		ActionItems:    []string{},
	}
}

func applyDefaults(payload Analysis) Analysis {
	if strings.TrimSpace(payload.Summary) == "" {
		payload.Summary = fallbackSummary
	}
	if payload.Themes == nil {
		payload.Themes = []string{}
	}
	if payload.ActionItems == nil {
		payload.ActionItems = []string{}
	}
	if payload.SentimentScore < 0 {
		payload.SentimentScore = 0
	}
	if payload.SentimentScore > 100 {
		payload.SentimentScore = 100
	}
	return payload
}

// CacheEntry stores one memoized analysis per (subject, kind). The fingerprint
// is a cheap proxy for the inputs that produced the payload; a mismatch marks
// the entry stale without deleting it, so stale data can still render while
// recomputation runs.
type CacheEntry struct {
	SubjectID         string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	Kind              string `gorm:"column:kind;primaryKey;size:32;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	Fingerprint       string `gorm:"column:fingerprint;size:64;not null"`
	ComputedAtSeconds int64  `gorm:"column:computed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CacheEntry) TableName() string {
	return "analysis_cache"
}

// Fingerprint derives the staleness fingerprint for a set of inputs. The item
// count is a deliberate approximation: it misses edits that leave the count
// unchanged, trading precision for a cheap deterministic check.
func Fingerprint(inputs []string) string {
	return fmt.Sprintf("v1:n=%d", len(inputs))
}
