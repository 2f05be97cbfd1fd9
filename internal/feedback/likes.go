package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLikesNew  = "likes.new"
	opToggle    = "likes.toggle"
	opLikeState = "likes.state"

	queryPostID = "post_id = ?"
)

// LikeCounterConfig describes the dependencies of the like counter.
type LikeCounterConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// LikeCounter flips per-visitor membership in a post's like set. The stored
// count is derived from the set on every write, which keeps retried and
// double-clicked toggles idempotent where a plain increment would overcount.
type LikeCounter struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewLikeCounter constructs a LikeCounter.
func NewLikeCounter(cfg LikeCounterConfig) (*LikeCounter, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLikesNew, "missing_database", errMissingDatabase)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &LikeCounter{db: cfg.Database, logger: logger}, nil
}

// ToggleOutcome reports the visitor-facing result of a toggle.
type ToggleOutcome struct {
	Liked bool
	Count int64
}

// Toggle flips the visitor's membership in the post's like set inside a
// transaction holding a row lock, so two visitors toggling concurrently each
// see a consistent set to recount.
func (c *LikeCounter) Toggle(ctx context.Context, postID SubjectID, visitorID VisitorID) (ToggleOutcome, error) {
	var outcome ToggleOutcome
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state LikeState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryPostID, postID.String()).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = LikeState{PostID: postID.String(), LikedByJSON: "[]"}
		} else if err != nil {
			c.logError(opToggle, "state_select_failed", err,
				zap.String("post_id", postID.String()))
			return newServiceError(opToggle, "state_select_failed", errors.Join(ErrStoreUnavailable, err))
		}

		likedBy, err := decodeLikeSet(state.LikedByJSON)
		if err != nil {
			c.logError(opToggle, "state_decode_failed", err,
				zap.String("post_id", postID.String()))
			return newServiceError(opToggle, "state_decode_failed", err)
		}

		if _, present := likedBy[visitorID.String()]; present {
			delete(likedBy, visitorID.String())
			outcome.Liked = false
		} else {
			likedBy[visitorID.String()] = struct{}{}
			outcome.Liked = true
		}

		encoded, err := encodeLikeSet(likedBy)
		if err != nil {
			c.logError(opToggle, "state_encode_failed", err,
				zap.String("post_id", postID.String()))
			return newServiceError(opToggle, "state_encode_failed", err)
		}

		state.LikedByJSON = encoded
		state.Count = int64(len(likedBy))
		outcome.Count = state.Count

		if err := tx.Save(&state).Error; err != nil {
			c.logError(opToggle, "state_save_failed", err,
				zap.String("post_id", postID.String()))
			return newServiceError(opToggle, "state_save_failed", errors.Join(ErrStoreUnavailable, err))
		}
		return nil
	})
	if txErr != nil {
		return ToggleOutcome{}, txErr
	}
	return outcome, nil
}

// State returns the current count and the visitor's membership for a post. A
// post nobody has liked yet reads as zero rather than not-found.
func (c *LikeCounter) State(ctx context.Context, postID SubjectID, visitorID VisitorID) (ToggleOutcome, error) {
	var state LikeState
	err := c.db.WithContext(ctx).
		Where(queryPostID, postID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ToggleOutcome{}, nil
	}
	if err != nil {
		c.logError(opLikeState, "query_failed", err,
			zap.String("post_id", postID.String()))
		return ToggleOutcome{}, newServiceError(opLikeState, "query_failed", errors.Join(ErrStoreUnavailable, err))
	}

	likedBy, err := decodeLikeSet(state.LikedByJSON)
	if err != nil {
		c.logError(opLikeState, "state_decode_failed", err,
			zap.String("post_id", postID.String()))
		return ToggleOutcome{}, newServiceError(opLikeState, "state_decode_failed", err)
	}
	_, present := likedBy[visitorID.String()]
	return ToggleOutcome{Liked: present, Count: state.Count}, nil
}

func decodeLikeSet(encoded string) (map[string]struct{}, error) {
	if encoded == "" {
		return map[string]struct{}{}, nil
	}
	var members []string
	if err := json.Unmarshal([]byte(encoded), &members); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, member := range members {
		set[member] = struct{}{}
	}
	return set, nil
}

func encodeLikeSet(set map[string]struct{}) (string, error) {
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	encoded, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (c *LikeCounter) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *LikeCounter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("like counter error", attrs...)
}
