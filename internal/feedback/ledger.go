package feedback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opLedgerNew  = "ledger.new"
	opHasVoted   = "ledger.has_voted"
	opMarkVoted  = "ledger.mark_voted"
	queryVoteKey = "subject_id = ? AND visitor_id = ?"
)

// LedgerConfig describes the dependencies of the vote ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger records that a visitor acted on a subject without recording what was
// submitted. It is the dedup half of the double-blind design: vote records and
// content records are written as separate, uncorrelated operations.
type Ledger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Ledger{db: cfg.Database, clock: clock, logger: logger}, nil
}

// HasVoted reports whether a vote record exists for the pair. It is a UI-level
// fast path only; MarkVoted remains correct without it.
func (l *Ledger) HasVoted(ctx context.Context, subjectID SubjectID, visitorID VisitorID) (bool, error) {
	var record VoteRecord
	err := l.db.WithContext(ctx).
		Where(queryVoteKey, subjectID.String(), visitorID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		l.logError(opHasVoted, "query_failed", err,
			zap.String("subject_id", subjectID.String()))
		return false, newServiceError(opHasVoted, "query_failed", errors.Join(ErrStoreUnavailable, err))
	}
	return true, nil
}

// MarkVoted attempts a create-if-absent write at the composite key. A colliding
// insert affects zero rows and surfaces as ErrAlreadyVoted. The insert itself
// is the enforcement point; it stays correct when two clients race past their
// HasVoted checks.
func (l *Ledger) MarkVoted(ctx context.Context, subjectID SubjectID, visitorID VisitorID) error {
	record := VoteRecord{
		SubjectID:        subjectID.String(),
		VisitorID:        visitorID.String(),
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}

	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		l.logError(opMarkVoted, "insert_failed", result.Error,
			zap.String("subject_id", subjectID.String()))
		return newServiceError(opMarkVoted, "insert_failed", errors.Join(ErrStoreUnavailable, result.Error))
	}
	if result.RowsAffected == 0 {
		// Expected outcome on repeat submissions; not logged as an error.
		return ErrAlreadyVoted
	}
	return nil
}

func (l *Ledger) loggerOrDefault() *zap.Logger {
	if l == nil || l.logger == nil {
		return noOpLogger
	}
	return l.logger
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.loggerOrDefault().Error("vote ledger error", attrs...)
}
