package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	pathpkg "path"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/facette/natsort"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/models"
	"github.com/camden-git/geophotos/repository"
	"github.com/camden-git/geophotos/spatial"
	"github.com/camden-git/geophotos/workers"
)

// Outcome of processing one file.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// MetadataSource extracts embedded metadata from a file.
type MetadataSource interface {
	Extract(path string) (*media.Metadata, error)
}

// FingerprintSource decodes a file and computes its fingerprints.
type FingerprintSource interface {
	FingerprintFile(path string) (media.Fingerprints, error)
}

type ProcessingOptions struct {
	Root          string // identity keys are relative to this directory
	ProgressEvery int
	NumWorkers    int
	QueueSize     int
	Progress      ProgressSink
	Metrics       *metrics.Pipeline
	Logger        *zap.Logger
	Now           func() time.Time
}

// ProcessStats summarises one ProcessDirectory run.
type ProcessStats struct {
	RunID        string        `json:"run_id"`
	Found        int           `json:"found"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Skipped      int           `json:"skipped"`
	Errors       int           `json:"errors"`
	ErrorDetails []ErrorDetail `json:"error_details"`
	Duration     time.Duration `json:"duration"`
}

// ProcessingService turns files into photo records, doing only the work a
// record still needs.
type ProcessingService struct {
	store         repository.PhotoStore
	extractor     MetadataSource
	fingerprinter FingerprintSource
	index         *spatial.Index

	root          string
	progressEvery int
	numWorkers    int
	queueSize     int
	progress      ProgressSink
	metrics       *metrics.Pipeline
	log           *zap.Logger
	now           func() time.Time

	locks *keyedMutex
}

func NewProcessingService(store repository.PhotoStore, extractor MetadataSource, fingerprinter FingerprintSource, index *spatial.Index, opts ProcessingOptions) *ProcessingService {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 10
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	root := opts.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &ProcessingService{
		store:         store,
		extractor:     extractor,
		fingerprinter: fingerprinter,
		index:         index,
		root:          root,
		progressEvery: opts.ProgressEvery,
		numWorkers:    opts.NumWorkers,
		queueSize:     opts.QueueSize,
		progress:      &lockedSink{sink: sinkOrNop(opts.Progress)},
		metrics:       opts.Metrics,
		log:           opts.Logger.Named("processing"),
		now:           opts.Now,
		locks:         newKeyedMutex(),
	}
}

// ProcessFile processes one file below the service root.
func (s *ProcessingService) ProcessFile(ctx context.Context, path string, force bool) (Outcome, error) {
	if err := s.store.Ping(ctx); err != nil {
		return OutcomeError, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.processFile(ctx, s.root, path, force)
}

// IdentityKey derives the slash-separated key of path relative to root.
func IdentityKey(root, path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to root %s: %w", path, root, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the processing root %s", path, root)
	}
	return rel, nil
}

func (s *ProcessingService) processFile(ctx context.Context, root, path string, force bool) (outcome Outcome, err error) {
	start := time.Now()
	s.metrics.StartFile()
	defer func() { s.metrics.FinishFile(string(outcome), time.Since(start)) }()

	key, err := IdentityKey(root, path)
	if err != nil {
		return OutcomeError, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	existing, err := s.store.GetByKey(ctx, key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return OutcomeError, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if errors.Is(err, repository.ErrNotFound) {
		existing = nil
	}

	if !force && models.IsComplete(existing) {
		return OutcomeSkipped, nil
	}

	photo := &models.Photo{SourceFile: key}
	if existing != nil {
		photo = copyPhoto(existing)
	}

	stepErr := s.enrich(photo, path, existing)

	if existing != nil && photosEqual(photo, existing) {
		if stepErr != nil {
			return OutcomeError, stepErr
		}
		return OutcomeSkipped, nil
	}

	photo.ProcessedAt = s.now().UTC()
	if err := s.store.Upsert(ctx, photo); err != nil {
		return OutcomeError, fmt.Errorf("failed to save %s: %w", key, err)
	}
	if stepErr != nil {
		return OutcomeError, stepErr
	}
	if existing == nil {
		return OutcomeCreated, nil
	}
	return OutcomeUpdated, nil
}

// enrich runs the extraction steps in order and merges what they produce
// into photo. A DecodeError stops the remaining steps; fields already merged
// are kept.
func (s *ProcessingService) enrich(photo *models.Photo, path string, existing *models.Photo) error {
	// basic info
	photo.FileName = filepath.Base(path)
	photo.Directory = pathpkg.Dir(photo.SourceFile)
	if photo.Directory == "." {
		photo.Directory = ""
	}

	// metadata and geolocation
	meta, err := s.extractor.Extract(path)
	if err != nil {
		return err
	}
	if len(meta.Tags) > 0 {
		photo.Metadata = make(datatypes.JSONMap, len(meta.Tags))
		for k, v := range meta.Tags {
			photo.Metadata[validText(k)] = validText(v)
		}
	}
	if meta.CaptureTimeText != nil {
		text := validText(*meta.CaptureTimeText)
		photo.CaptureTimeText = &text
	}
	if loc := meta.Location; loc != nil {
		if _, err := spatial.IndexAt(loc.Latitude, loc.Longitude, spatial.MinResolution); err != nil {
			s.log.Warn("ignoring unusable geolocation", zap.String("key", photo.SourceFile), zap.Error(err))
		} else {
			lat, lon := loc.Latitude, loc.Longitude
			photo.Latitude, photo.Longitude = &lat, &lon
			if loc.Altitude != nil {
				alt := *loc.Altitude
				photo.Altitude = &alt
			}
		}
	}

	// a moved photo must be geocoded again
	if existing != nil && existing.IsGeocoded() && locationChanged(existing, photo) {
		photo.ClearGeocoding()
	}

	// spatial cells
	if photo.HasLocation() {
		cells, err := s.index.ComputeAll(*photo.Latitude, *photo.Longitude)
		if err != nil {
			return fmt.Errorf("spatial index for %s: %w", photo.SourceFile, err)
		}
		photo.SetCells(cells)
	}

	// fingerprints
	fp, err := s.fingerprinter.FingerprintFile(path)
	if err != nil {
		return err
	}
	p, a, d := media.FormatHash(fp.Perceptual), media.FormatHash(fp.Average), media.FormatHash(fp.Difference)
	photo.PerceptualHash, photo.AverageHash, photo.DifferenceHash = &p, &a, &d
	return nil
}

// ProcessDirectory walks dir recursively and processes every supported
// image. Identity keys are relative to the service root when dir lies below
// it, and relative to dir otherwise.
func (s *ProcessingService) ProcessDirectory(ctx context.Context, dir string, force bool) (*ProcessStats, error) {
	started := time.Now()
	stats := &ProcessStats{RunID: uuid.NewString(), ErrorDetails: []ErrorDetail{}}
	log := s.log.With(zap.String("run_id", stats.RunID))

	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	walkRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %s: %w", dir, err)
	}
	root := s.keyRoot(walkRoot)
	files, err := discoverFiles(walkRoot)
	if err != nil {
		return nil, err
	}
	stats.Found = len(files)
	s.progress.Notify(fmt.Sprintf("Found %d photo files in %s", stats.Found, walkRoot))
	log.Info("processing directory",
		zap.String("dir", walkRoot),
		zap.String("key_root", root),
		zap.Int("found", stats.Found),
		zap.Bool("force", force))

	var created, updated, skipped, failed, done atomic.Int64
	errs := &errorLog{}

	handle := func(jobCtx context.Context, job workers.Job) {
		outcome, err := s.processFile(jobCtx, root, job.Path, force)
		switch outcome {
		case OutcomeCreated:
			created.Add(1)
		case OutcomeUpdated:
			updated.Add(1)
		case OutcomeSkipped:
			skipped.Add(1)
		default:
			failed.Add(1)
		}
		if err != nil {
			kind := KindStore
			switch {
			case media.IsDecodeError(err):
				kind = KindDecode
			case job.Key == "":
				kind = KindPath
			}
			key := job.Key
			if key == "" {
				key = filepath.ToSlash(job.Path)
			}
			errs.add(key, kind, err)
			log.Warn("file failed", zap.String("key", key), zap.String("kind", kind), zap.Error(err))
		}
		if n := done.Add(1); n%int64(s.progressEvery) == 0 {
			s.progress.Notify(fmt.Sprintf("Progress: %d/%d files", n, stats.Found))
		}
	}

	pool := workers.NewPool(ctx, s.queueSize, s.numWorkers, handle, s.log)
	var runErr error
	for _, path := range files {
		key, _ := IdentityKey(root, path)
		if _, err := pool.Submit(ctx, workers.Job{Path: path, Key: key}); err != nil {
			runErr = err
			break
		}
	}
	pool.Close()

	stats.Created = int(created.Load())
	stats.Updated = int(updated.Load())
	stats.Skipped = int(skipped.Load())
	stats.Errors = int(failed.Load())
	stats.ErrorDetails = errs.list()
	stats.Duration = time.Since(started)
	s.metrics.ObserveRun("process", stats.Duration)

	s.progress.Notify(fmt.Sprintf("Done: %d created, %d updated, %d skipped, %d errors",
		stats.Created, stats.Updated, stats.Skipped, stats.Errors))
	log.Info("processing finished",
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Duration("duration", stats.Duration))

	if runErr != nil {
		return stats, fmt.Errorf("processing interrupted: %w", runErr)
	}
	return stats, nil
}

// keyRoot picks the directory identity keys are relative to, so a file keeps
// one key whether it is reached through the root or a subdirectory.
func (s *ProcessingService) keyRoot(dir string) string {
	if s.root == "" {
		return dir
	}
	rel, err := filepath.Rel(s.root, dir)
	if err != nil {
		return dir
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return dir
	}
	return s.root
}

// discoverFiles lists supported images under root in natural order.
func discoverFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && media.IsRasterImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	natsort.Sort(files)
	return files, nil
}

// validText matches what the JSON and TEXT columns hand back on read.
func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func locationChanged(before, after *models.Photo) bool {
	if !after.HasLocation() {
		return false
	}
	if !before.HasLocation() {
		return true
	}
	return *before.Latitude != *after.Latitude || *before.Longitude != *after.Longitude
}

func copyPhoto(p *models.Photo) *models.Photo {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(datatypes.JSONMap, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Cells = append([]models.PhotoCell(nil), p.Cells...)
	return &c
}

// photosEqual compares every persisted field except ProcessedAt.
func photosEqual(a, b *models.Photo) bool {
	if a.SourceFile != b.SourceFile || a.FileName != b.FileName || a.Directory != b.Directory {
		return false
	}
	if !(len(a.Metadata) == 0 && len(b.Metadata) == 0) && !reflect.DeepEqual(map[string]any(a.Metadata), map[string]any(b.Metadata)) {
		return false
	}
	if !floatPtrEqual(a.Latitude, b.Latitude) || !floatPtrEqual(a.Longitude, b.Longitude) || !floatPtrEqual(a.Altitude, b.Altitude) {
		return false
	}
	if !(len(a.Cells) == 0 && len(b.Cells) == 0) && !reflect.DeepEqual(a.CellMap(), b.CellMap()) {
		return false
	}
	for _, pair := range [][2]*string{
		{a.PerceptualHash, b.PerceptualHash},
		{a.AverageHash, b.AverageHash},
		{a.DifferenceHash, b.DifferenceHash},
		{a.Location, b.Location},
		{a.CountryCode, b.CountryCode},
		{a.CaptureTimeText, b.CaptureTimeText},
		{a.CaptureTimezone, b.CaptureTimezone},
	} {
		if !stringPtrEqual(pair[0], pair[1]) {
			return false
		}
	}
	return timePtrEqual(a.GeocodedAt, b.GeocodedAt) && timePtrEqual(a.CapturedAt, b.CapturedAt)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
