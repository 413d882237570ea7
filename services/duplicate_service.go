package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/camden-git/geophotos/dedupe"
	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/repository"
)

// ImageComparer compares two image files by perceptual fingerprint.
type ImageComparer interface {
	CompareImages(pathA, pathB string) (media.Comparison, error)
}

type DuplicateService struct {
	store    repository.PhotoStore
	comparer ImageComparer
	metrics  *metrics.Pipeline
	log      *zap.Logger
}

func NewDuplicateService(store repository.PhotoStore, comparer ImageComparer, m *metrics.Pipeline, log *zap.Logger) *DuplicateService {
	if log == nil {
		log = zap.NewNop()
	}
	return &DuplicateService{store: store, comparer: comparer, metrics: m, log: log.Named("duplicates")}
}

// FindDuplicates groups stored photos whose perceptual fingerprints are
// linked by chains of distance <= threshold.
func (s *DuplicateService) FindDuplicates(ctx context.Context, threshold int) ([]dedupe.Group, error) {
	if threshold < 0 || threshold > 64 {
		return nil, fmt.Errorf("%w: threshold %d out of range [0, 64]", ErrInvalidArgument, threshold)
	}
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	photos, err := s.store.Filter(ctx, repository.PhotoFilter{HasFingerprint: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load fingerprints: %w", err)
	}

	items := make([]dedupe.Item, 0, len(photos))
	for _, p := range photos {
		h, err := media.ParseHash(*p.PerceptualHash)
		if err != nil {
			s.log.Warn("skipping unreadable fingerprint", zap.String("key", p.SourceFile), zap.Error(err))
			continue
		}
		items = append(items, dedupe.Item{Key: p.SourceFile, Hash: h})
	}

	groups := dedupe.FindGroups(items, threshold)
	if groups == nil {
		groups = []dedupe.Group{}
	}
	s.metrics.DuplicateGroups(len(groups))
	s.log.Info("duplicate scan finished", zap.Int("photos", len(items)), zap.Int("groups", len(groups)), zap.Int("threshold", threshold))
	return groups, nil
}

// CompareImages compares two files directly, without touching the store.
func (s *DuplicateService) CompareImages(pathA, pathB string) (media.Comparison, error) {
	return s.comparer.CompareImages(pathA, pathB)
}
