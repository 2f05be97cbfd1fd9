package analysis

import (
	"context"
	"encoding/json"
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
	opCacheNew     = "cache.new"
	opCacheRead    = "cache.read"
	opCacheWrite   = "cache.write"
	opGetOrCompute = "cache.get_or_compute"
	opInvalidate   = "cache.invalidate"

	queryCacheKey = "subject_id = ? AND kind = ?"
)

// CacheConfig describes the dependencies of the analysis cache.
type CacheConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Cache memoizes summarizer results per (subject, kind) with a staleness
// fingerprint. Entries are derived data: discarding one loses nothing
// authoritative, so two readers racing on a stale entry may both recompute and
// the last writer wins.
type Cache struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewCache constructs a Cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCacheNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Cache{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Read returns the cached entry for (subject, kind), or nil when absent.
func (c *Cache) Read(ctx context.Context, subjectID string, kind Kind) (*CacheEntry, error) {
	var entry CacheEntry
	err := c.db.WithContext(ctx).
		Where(queryCacheKey, subjectID, kind.String()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		c.logError(opCacheRead, "query_failed", err, zap.String("subject_id", subjectID))
		return nil, newServiceError(opCacheRead, "query_failed", err)
	}
	return &entry, nil
}

// Write upserts the cached payload and fingerprint for (subject, kind).
func (c *Cache) Write(ctx context.Context, subjectID string, kind Kind, payload Analysis, fingerprint string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return newServiceError(opCacheWrite, "payload_encode_failed", err)
	}

	entry := CacheEntry{
		SubjectID:         subjectID,
		Kind:              kind.String(),
		PayloadJSON:       string(encoded),
		Fingerprint:       fingerprint,
		ComputedAtSeconds: c.clock().UTC().Unix(),
	}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error; err != nil {
		c.logError(opCacheWrite, "upsert_failed", err, zap.String("subject_id", subjectID))
		return newServiceError(opCacheWrite, "upsert_failed", err)
	}
	return nil
}

// Invalidate clears the stored fingerprint so the next GetOrCompute recomputes
// regardless of input match. The payload stays readable for stale display.
func (c *Cache) Invalidate(ctx context.Context, subjectID string, kind Kind) error {
	if err := c.db.WithContext(ctx).
		Model(&CacheEntry{}).
		Where(queryCacheKey, subjectID, kind.String()).
		Update("fingerprint", "").Error; err != nil {
		c.logError(opInvalidate, "update_failed", err, zap.String("subject_id", subjectID))
		return newServiceError(opInvalidate, "update_failed", err)
	}
	return nil
}

// Result is the reader-facing outcome of GetOrCompute.
type Result struct {
	Payload    Analysis
	ComputedAt time.Time
	// Stale marks a payload whose fingerprint no longer matches the current
	// inputs and whose recomputation failed. UI shows it with an
	// "update available" affordance.
	Stale bool
	// Fallback marks the static placeholder returned when neither a cached
	// payload nor the summarizer is available.
	Fallback bool
}

// ComputeFunc produces a fresh analysis from the current inputs.
type ComputeFunc func(ctx context.Context, inputs []string) (Analysis, error)

// GetOrCompute returns the cached payload when its fingerprint matches the
// current inputs, and otherwise recomputes through compute and writes the
// result back. A failed recomputation never replaces stored data: the stale
// cached payload or the static fallback is returned instead, flagged so the
// UI can surface a staleness badge.
func (c *Cache) GetOrCompute(ctx context.Context, subjectID string, kind Kind, inputs []string, compute ComputeFunc) (Result, error) {
	currentFingerprint := Fingerprint(inputs)

	entry, err := c.Read(ctx, subjectID, kind)
	if err != nil {
		return Result{}, err
	}

	if entry != nil && entry.Fingerprint == currentFingerprint {
		payload, decodeErr := decodeEntry(entry)
		if decodeErr == nil {
			return Result{Payload: payload, ComputedAt: time.Unix(entry.ComputedAtSeconds, 0).UTC()}, nil
		}
		// Undecodable cache rows are treated as absent and recomputed.
		c.logError(opGetOrCompute, "payload_decode_failed", decodeErr, zap.String("subject_id", subjectID))
		entry = nil
	}

	if compute == nil {
		return c.degraded(subjectID, entry), nil
	}

	payload, computeErr := compute(ctx, inputs)
	if computeErr != nil {
		c.logger.Warn("analysis recompute failed, serving degraded payload",
			zap.String("subject_id", subjectID),
			zap.String("kind", kind.String()),
			zap.Error(computeErr))
		return c.degraded(subjectID, entry), nil
	}

	payload = applyDefaults(payload)
	if err := c.Write(ctx, subjectID, kind, payload, currentFingerprint); err != nil {
		// The computed payload is still good; losing the memoization only
		// costs a future recompute.
		return Result{Payload: payload, ComputedAt: c.clock().UTC()}, nil
	}
	return Result{Payload: payload, ComputedAt: c.clock().UTC()}, nil
}

func (c *Cache) degraded(subjectID string, entry *CacheEntry) Result {
	if entry != nil {
		if payload, err := decodeEntry(entry); err == nil {
			return Result{
				Payload:    payload,
				ComputedAt: time.Unix(entry.ComputedAtSeconds, 0).UTC(),
				Stale:      true,
			}
		}
	}
	return Result{Payload: Fallback(), Fallback: true, Stale: true}
}

func decodeEntry(entry *CacheEntry) (Analysis, error) {
	var payload Analysis
	if err := json.Unmarshal([]byte(entry.PayloadJSON), &payload); err != nil {
		return Analysis{}, err
	}
	return applyDefaults(payload), nil
}

func (c *Cache) loggerOrDefault() *zap.Logger {
	if c == nil || c.logger == nil {
		return noOpLogger
	}
	return c.logger
}

func (c *Cache) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.loggerOrDefault().Error("analysis cache error", attrs...)
}
