package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camden-git/geophotos/geocoding"
	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/models"
	"github.com/camden-git/geophotos/repository"
	"github.com/camden-git/geophotos/spatial"
)

func ptr[T any](v T) *T { return &v }

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeExtractor returns canned metadata by file base name.
type fakeExtractor struct {
	mu     sync.Mutex
	meta   map[string]*media.Metadata
	broken map[string]bool
	calls  atomic.Int64
	hook   func(path string)
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{meta: map[string]*media.Metadata{}, broken: map[string]bool{}}
}

func (f *fakeExtractor) set(name string, m *media.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[name] = m
}

func (f *fakeExtractor) Extract(path string) (*media.Metadata, error) {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook(path)
	}
	name := filepath.Base(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[name] {
		return nil, &media.DecodeError{Path: path, Op: "exif", Err: errors.New("corrupt header")}
	}
	m, ok := f.meta[name]
	if !ok {
		return &media.Metadata{Tags: map[string]string{"Make": "TestCam"}}, nil
	}
	out := *m
	return &out, nil
}

// fakeFingerprinter derives a stable hash from the file name.
type fakeFingerprinter struct {
	mu     sync.Mutex
	hashes map[string]uint64
	broken map[string]bool
	calls  atomic.Int64
}

func newFakeFingerprinter() *fakeFingerprinter {
	return &fakeFingerprinter{hashes: map[string]uint64{}, broken: map[string]bool{}}
}

func (f *fakeFingerprinter) FingerprintFile(path string) (media.Fingerprints, error) {
	f.calls.Add(1)
	name := filepath.Base(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[name] {
		return media.Fingerprints{}, &media.DecodeError{Path: path, Op: "decode", Err: errors.New("truncated")}
	}
	h, ok := f.hashes[name]
	if !ok {
		h = uint64(len(name))<<32 | 0xabcd
	}
	return media.Fingerprints{Perceptual: h, Average: h + 1, Difference: h + 2}, nil
}

// writeFiles creates empty files below root.
func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(root, filepath.FromSlash(n))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

// fakeGeoClient answers lookups from the coordinate alone.
type fakeGeoClient struct {
	reverseCalls  atomic.Int64
	timezoneCalls atomic.Int64

	placeErr func(lat, lon float64) error
	zoneErr  error
	onLookup func()
}

func (f *fakeGeoClient) ReverseGeocode(_ context.Context, lat, lon float64) (geocoding.Place, error) {
	f.reverseCalls.Add(1)
	if f.onLookup != nil {
		f.onLookup()
	}
	if f.placeErr != nil {
		if err := f.placeErr(lat, lon); err != nil {
			return geocoding.Place{}, err
		}
	}
	switch {
	case lon < -100:
		return geocoding.Place{FormattedAddress: "San Francisco, CA, USA", CountryCode: "US"}, nil
	case lon > 100:
		return geocoding.Place{FormattedAddress: "Shibuya City, Tokyo, Japan", CountryCode: "JP"}, nil
	default:
		return geocoding.Place{FormattedAddress: "Berlin, Germany", CountryCode: "DE"}, nil
	}
}

func (f *fakeGeoClient) Timezone(_ context.Context, _, lon float64) (string, error) {
	f.timezoneCalls.Add(1)
	if f.zoneErr != nil {
		return "", f.zoneErr
	}
	switch {
	case lon < -100:
		return "America/Los_Angeles", nil
	case lon > 100:
		return "Asia/Tokyo", nil
	default:
		return "Europe/Berlin", nil
	}
}

// seedLocated stores a fingerprinted, located, not yet geocoded photo.
func seedLocated(t *testing.T, store repository.PhotoStore, key string, lat, lon float64, captured string) {
	t.Helper()
	ix, err := spatial.NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	cells, err := ix.ComputeAll(lat, lon)
	if err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	p := &models.Photo{
		SourceFile:     key,
		FileName:       filepath.Base(key),
		Latitude:       ptr(lat),
		Longitude:      ptr(lon),
		PerceptualHash: ptr(media.FormatHash(1)),
		ProcessedAt:    fixedNow,
	}
	if dir := filepath.ToSlash(filepath.Dir(key)); dir != "." {
		p.Directory = dir
	}
	if captured != "" {
		p.CaptureTimeText = ptr(captured)
	}
	p.SetCells(cells)
	if err := store.Upsert(context.Background(), p); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func mustGet(t *testing.T, store repository.PhotoStore, key string) *models.Photo {
	t.Helper()
	p, err := store.GetByKey(context.Background(), key)
	if err != nil {
		t.Fatalf("GetByKey(%s): %v", key, err)
	}
	return p
}

func detailsOfKind(details []ErrorDetail, kind string) []ErrorDetail {
	var out []ErrorDetail
	for _, d := range details {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// recorder collects progress messages.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
}

func (r *recorder) withPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	return out
}
