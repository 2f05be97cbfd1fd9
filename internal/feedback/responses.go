package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingIDProvider = errors.New("id provider is required")

const (
	opContentStoreNew = "content.new"
	opSubmit          = "content.submit"
	opList            = "content.list"
	opListByEmail     = "content.list_by_email"
	opCountBySubject  = "content.count_by_subject"

	querySubjectID    = "subject_id = ?"
	queryDisplayEmail = "display_email = ?"
	orderCreatedDesc  = "created_at_s DESC"
)

// ContentStoreConfig describes the dependencies of the anonymous content store.
type ContentStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ContentStore persists submitted feedback keyed by subject. No operation on
// it ever reads or writes a visitor identifier; anonymity here is structural,
// not filtered.
type ContentStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewContentStore constructs a ContentStore.
func NewContentStore(cfg ContentStoreConfig) (*ContentStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opContentStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opContentStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &ContentStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SubmitRequest describes one piece of anonymous content.
type SubmitRequest struct {
	SubjectID SubjectID
	Content   string
	Tags      []string
	Score     int
	// DisplayEmail is volunteered by the submitter purely for the "my
	// responses" self-lookup. It is not part of the anonymity guarantee and
	// must never be joined against the vote ledger.
	DisplayEmail string
}

// Submit appends a new content record and returns its generated identifier.
// Callers must not blindly retry an ambiguous failure: the write carries no
// idempotency key, so a retry after a timed-out-but-committed write would
// duplicate content.
func (s *ContentStore) Submit(ctx context.Context, request SubmitRequest) (string, error) {
	content := strings.TrimSpace(request.Content)
	if content == "" || len(content) > maxContentLength {
		return "", newServiceError(opSubmit, "invalid_content", ErrInvalidContent)
	}

	responseID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err,
			zap.String("subject_id", request.SubjectID.String()))
		return "", newServiceError(opSubmit, "id_generation_failed", err)
	}

	tagsJSON := ""
	if len(request.Tags) > 0 {
		encoded, err := json.Marshal(request.Tags)
		if err != nil {
			return "", newServiceError(opSubmit, "tags_encode_failed", err)
		}
		tagsJSON = string(encoded)
	}

	record := Response{
		ResponseID:       responseID,
		SubjectID:        request.SubjectID.String(),
		Content:          content,
		TagsJSON:         tagsJSON,
		Score:            request.Score,
		DisplayEmail:     strings.TrimSpace(request.DisplayEmail),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opSubmit, "insert_failed", err,
			zap.String("subject_id", request.SubjectID.String()))
		return "", newServiceError(opSubmit, "insert_failed", errors.Join(ErrStoreUnavailable, err))
	}
	return responseID, nil
}

// List returns all responses for a subject, newest first. There is no
// by-visitor variant because no visitor column exists to filter on.
func (s *ContentStore) List(ctx context.Context, subjectID SubjectID) ([]Response, error) {
	var responses []Response
	if err := s.db.WithContext(ctx).
		Where(querySubjectID, subjectID.String()).
		Order(orderCreatedDesc).
		Find(&responses).Error; err != nil {
		s.logError(opList, "query_failed", err,
			zap.String("subject_id", subjectID.String()))
		return nil, newServiceError(opList, "query_failed", errors.Join(ErrStoreUnavailable, err))
	}
	return responses, nil
}

// ListByEmail returns responses whose submitter volunteered the given display
// email. Only the submitter knows their own email, so only they can correlate.
func (s *ContentStore) ListByEmail(ctx context.Context, email string) ([]Response, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil, nil
	}

	var responses []Response
	if err := s.db.WithContext(ctx).
		Where(queryDisplayEmail, trimmed).
		Order(orderCreatedDesc).
		Find(&responses).Error; err != nil {
		s.logError(opListByEmail, "query_failed", err)
		return nil, newServiceError(opListByEmail, "query_failed", errors.Join(ErrStoreUnavailable, err))
	}
	return responses, nil
}

// CountBySubject returns the number of responses stored for a subject. The
// analysis cache uses it as the staleness fingerprint input.
func (s *ContentStore) CountBySubject(ctx context.Context, subjectID SubjectID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Response{}).
		Where(querySubjectID, subjectID.String()).
		Count(&count).Error; err != nil {
		s.logError(opCountBySubject, "query_failed", err,
			zap.String("subject_id", subjectID.String()))
		return 0, newServiceError(opCountBySubject, "query_failed", errors.Join(ErrStoreUnavailable, err))
	}
	return count, nil
}

// Tags decodes the stored tag list.
func (r Response) Tags() []string {
	if r.TagsJSON == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(r.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

func (s *ContentStore) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *ContentStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("content store error", attrs...)
}
