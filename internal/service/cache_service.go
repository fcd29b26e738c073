package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-enrollment-api/internal/models"
	appErrors "github.com/noah-isme/campus-enrollment-api/pkg/errors"
)

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SectionCache fronts section reads with a short-lived Redis snapshot. Cached
// seat counts are advisory: they feed the precondition check and the section
// endpoint, never the seat decrement.
type SectionCache struct {
	sections sectionReader
	repo     CacheRepository
	metrics  *MetricsService
	ttl      time.Duration
	logger   *zap.Logger
	enabled  bool
}

// NewSectionCache constructs a SectionCache. With enabled false every read goes
// straight to the capacity store.
func NewSectionCache(sections sectionReader, repo CacheRepository, metrics *MetricsService, ttl time.Duration, logger *zap.Logger, enabled bool) *SectionCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SectionCache{sections: sections, repo: repo, metrics: metrics, ttl: ttl, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *SectionCache) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// FindByID returns the section, from cache when possible. Cache errors fall
// through to the store.
func (s *SectionCache) FindByID(ctx context.Context, id string) (*models.Section, error) {
	section, _, err := s.Lookup(ctx, id)
	return section, err
}

// Lookup is FindByID that also reports whether the cache answered.
func (s *SectionCache) Lookup(ctx context.Context, id string) (*models.Section, bool, error) {
	if !s.Enabled() {
		section, err := s.sections.FindByID(ctx, id)
		return section, false, err
	}

	key := sectionCacheKey(id)
	var cached models.Section
	start := time.Now()
	err := s.repo.Get(ctx, key, &cached)
	s.metrics.RecordCacheOperation(err == nil, time.Since(start))
	if err == nil {
		return &cached, true, nil
	}
	if !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Warn("section cache get failed", zap.String("key", key), zap.Error(err))
	}

	section, err := s.sections.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	start = time.Now()
	if err := s.repo.Set(ctx, key, section, s.ttl); err != nil {
		s.logger.Warn("section cache set failed", zap.String("key", key), zap.Error(err))
	}
	s.metrics.ObserveCacheWrite(time.Since(start))
	return section, false, nil
}

// Invalidate drops the cached snapshot after the seat count changed.
func (s *SectionCache) Invalidate(ctx context.Context, sectionID string) {
	if !s.Enabled() {
		return
	}
	if err := s.repo.Delete(ctx, sectionCacheKey(sectionID)); err != nil {
		s.logger.Warn("section cache invalidate failed", zap.String("section_id", sectionID), zap.Error(err))
	}
}

func sectionCacheKey(id string) string {
	return "section:" + id
}
