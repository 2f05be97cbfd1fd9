package feedback

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

const maxContentLength = 16000

var (
	// ErrInvalidSubjectID indicates that a subject identifier is empty or exceeds storage bounds.
	ErrInvalidSubjectID = errors.New("feedback: invalid subject id")
	// ErrInvalidVisitorID indicates that a visitor identifier is empty or exceeds storage bounds.
	ErrInvalidVisitorID = errors.New("feedback: invalid visitor id")
	// ErrInvalidContent indicates that submitted content is empty or exceeds storage bounds.
	ErrInvalidContent = errors.New("feedback: invalid content")
)

// SubjectID represents a validated subject identifier: the survey, wall post,
// or student a piece of feedback is about.
type SubjectID string

// NewSubjectID validates raw input and returns a SubjectID.
func NewSubjectID(rawInput string) (SubjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubjectID, maxIdentifierLength)
	}
	return SubjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SubjectID) String() string {
	return string(id)
}

// VisitorID represents a validated pseudonymous visitor identifier. It never
// appears in content records; it is only a key component in the vote ledger
// and like sets.
type VisitorID string

// NewVisitorID validates raw input and returns a VisitorID.
func NewVisitorID(rawInput string) (VisitorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVisitorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVisitorID, maxIdentifierLength)
	}
	return VisitorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VisitorID) String() string {
	return string(id)
}

// VoteRecord proves that a visitor acted on a subject. The composite primary
// key is the sole enforcement point for at-most-once participation: inserts
// collide on (subject_id, visitor_id) rather than relying on a prior read.
// Records are never updated and never deleted.
type VoteRecord struct {
	SubjectID        string `gorm:"column:subject_id;primaryKey;size:190;not null"`
	VisitorID        string `gorm:"column:visitor_id;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteRecord) TableName() string {
	return "vote_records"
}

// Response stores submitted content keyed by subject. It carries no visitor
// field of any kind; the optional display email is volunteered by the
// submitter for self-lookup and sits outside the anonymity guarantee.
type Response struct {
	ResponseID       string `gorm:"column:response_id;primaryKey;size:190;not null"`
	SubjectID        string `gorm:"column:subject_id;size:190;not null;index:idx_responses_subject_created,priority:1"`
	Content          string `gorm:"column:content;type:text;not null"`
	TagsJSON         string `gorm:"column:tags_json;type:text;not null;default:''"`
	Score            int    `gorm:"column:score;not null;default:0"`
	DisplayEmail     string `gorm:"column:display_email;size:320;not null;default:'';index"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_responses_subject_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Response) TableName() string {
	return "responses"
}

// LikeState holds the like set and derived count for one wall post. The count
// column is always recomputed from the decoded set, never incremented, so
// concurrent and retried toggles stay idempotent.
type LikeState struct {
	PostID      string `gorm:"column:post_id;primaryKey;size:190;not null"`
	LikedByJSON string `gorm:"column:liked_by_json;type:text;not null;default:'[]'"`
	Count       int64  `gorm:"column:like_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (LikeState) TableName() string {
	return "like_states"
}
