package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/camden-git/geophotos/database"
	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/repository"
	"github.com/camden-git/geophotos/spatial"
)

type processingFixture struct {
	root  string
	store *repository.MemoryPhotoRepository
	meta  *fakeExtractor
	fp    *fakeFingerprinter
	svc   *ProcessingService
	prog  *recorder
}

func newProcessingFixture(t *testing.T, opts ProcessingOptions) *processingFixture {
	t.Helper()
	f := &processingFixture{
		root:  t.TempDir(),
		store: repository.NewMemoryPhotoRepository(),
		meta:  newFakeExtractor(),
		fp:    newFakeFingerprinter(),
		prog:  &recorder{},
	}
	ix, err := spatial.NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	opts.Root = f.root
	opts.Progress = f.prog
	opts.Now = func() time.Time { return fixedNow }
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewPipeline()
	}
	f.svc = NewProcessingService(f.store, f.meta, f.fp, ix, opts)
	return f
}

func sfMetadata() *media.Metadata {
	return &media.Metadata{
		Tags:            map[string]string{"Make": "Canon", "DateTimeOriginal": "2023:10:15 14:30:25"},
		Location:        &media.GeoPoint{Latitude: 37.7749, Longitude: -122.4194, Altitude: ptr(16.0)},
		CaptureTimeText: ptr("2023:10:15 14:30:25"),
	}
}

func TestProcessDirectoryCreatesRecords(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{NumWorkers: 2})
	writeFiles(t, f.root, "a.jpg", "trip/b.JPG", ".thumbs/c.jpg", "notes.txt")
	f.meta.set("b.JPG", sfMetadata())

	stats, err := f.svc.ProcessDirectory(context.Background(), f.root, false)
	if err != nil {
		t.Fatalf("ProcessDirectory: %v", err)
	}
	if stats.Found != 2 || stats.Created != 2 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.RunID == "" {
		t.Error("missing run id")
	}

	a := mustGet(t, f.store, "a.jpg")
	if a.Directory != "" || a.FileName != "a.jpg" {
		t.Errorf("a.jpg basic info = %q %q", a.Directory, a.FileName)
	}
	if a.HasLocation() || len(a.Cells) != 0 {
		t.Errorf("a.jpg should have no location: %+v", a)
	}
	if a.PerceptualHash == nil || len(*a.PerceptualHash) != 16 {
		t.Errorf("a.jpg fingerprint = %v", a.PerceptualHash)
	}

	b := mustGet(t, f.store, "trip/b.JPG")
	if b.Directory != "trip" {
		t.Errorf("Directory = %q", b.Directory)
	}
	if !b.HasLocation() || *b.Latitude != 37.7749 || *b.Altitude != 16.0 {
		t.Errorf("location not stored: %+v", b)
	}
	if got := len(b.CellMap()); got != len(spatial.DefaultResolutions) {
		t.Errorf("cells = %d, want %d", got, len(spatial.DefaultResolutions))
	}
	if b.Metadata["Make"] != "Canon" {
		t.Errorf("metadata = %v", b.Metadata)
	}
	if b.CaptureTimeText == nil || *b.CaptureTimeText != "2023:10:15 14:30:25" {
		t.Errorf("capture text = %v", b.CaptureTimeText)
	}
	if b.IsGeocoded() {
		t.Error("processing must not geocode")
	}
	if !b.ProcessedAt.Equal(fixedNow) {
		t.Errorf("ProcessedAt = %v", b.ProcessedAt)
	}
}

func TestProcessDirectoryIsIdempotent(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{NumWorkers: 3})
	writeFiles(t, f.root, "1.jpg", "2.jpg", "sub/3.png")
	f.meta.set("2.jpg", sfMetadata())

	ctx := context.Background()
	if _, err := f.svc.ProcessDirectory(ctx, f.root, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := mustGet(t, f.store, "2.jpg")

	stats, err := f.svc.ProcessDirectory(ctx, f.root, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Created != 0 || stats.Updated != 0 || stats.Skipped != 3 {
		t.Fatalf("second run stats = %+v", stats)
	}
	after := mustGet(t, f.store, "2.jpg")
	if !photosEqual(before, after) || !before.ProcessedAt.Equal(after.ProcessedAt) {
		t.Errorf("record changed on rerun:\nbefore %+v\nafter  %+v", before, after)
	}

	// complete records without location are not even re-read
	calls := f.meta.calls.Load()
	if _, err := f.svc.ProcessDirectory(ctx, f.root, false); err != nil {
		t.Fatal(err)
	}
	if got := f.meta.calls.Load() - calls; got != 1 {
		t.Errorf("extractor calls on third run = %d, want 1 (only the located photo)", got)
	}
}

func TestForceReprocessingUnchangedFileIsSkipped(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "x.jpg")

	ctx := context.Background()
	if _, err := f.svc.ProcessDirectory(ctx, f.root, false); err != nil {
		t.Fatal(err)
	}
	stats, err := f.svc.ProcessDirectory(ctx, f.root, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Updated != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if f.fp.calls.Load() != 2 {
		t.Errorf("force should recompute fingerprints, calls = %d", f.fp.calls.Load())
	}
}

func TestForceReprocessingPicksUpChanges(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "x.jpg")
	ctx := context.Background()
	if _, err := f.svc.ProcessDirectory(ctx, f.root, false); err != nil {
		t.Fatal(err)
	}

	f.fp.mu.Lock()
	f.fp.hashes["x.jpg"] = 0xffff
	f.fp.mu.Unlock()

	outcome, err := f.svc.ProcessFile(ctx, filepath.Join(f.root, "x.jpg"), true)
	if err != nil || outcome != OutcomeUpdated {
		t.Fatalf("ProcessFile = %v, %v", outcome, err)
	}
	if got := *mustGet(t, f.store, "x.jpg").PerceptualHash; got != "000000000000ffff" {
		t.Errorf("hash = %s", got)
	}
}

func TestMovedPhotoLosesGeocoding(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "moved.jpg")
	ctx := context.Background()

	seedLocated(t, f.store, "moved.jpg", 37.7749, -122.4194, "2023:10:15 14:30:25")
	p := mustGet(t, f.store, "moved.jpg")
	p.Location = ptr("San Francisco, CA, USA")
	p.CountryCode = ptr("US")
	p.GeocodedAt = ptr(fixedNow)
	p.CaptureTimezone = ptr("America/Los_Angeles")
	if err := f.store.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}

	f.meta.set("moved.jpg", &media.Metadata{Location: &media.GeoPoint{Latitude: 35.6595, Longitude: 139.7005}})

	outcome, err := f.svc.ProcessFile(ctx, filepath.Join(f.root, "moved.jpg"), true)
	if err != nil || outcome != OutcomeUpdated {
		t.Fatalf("ProcessFile = %v, %v", outcome, err)
	}
	got := mustGet(t, f.store, "moved.jpg")
	if got.IsGeocoded() || got.Location != nil || got.CountryCode != nil || got.CaptureTimezone != nil {
		t.Errorf("geocoding not cleared: %+v", got)
	}
	want, _ := spatial.IndexAt(35.6595, 139.7005, 12)
	if code, _ := got.CellAt(12); code != want {
		t.Errorf("cell 12 = %s, want %s", code, want)
	}
}

func TestDecodeErrorKeepsPartialRecord(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "good.jpg", "bad.jpg", "worse.jpg")
	f.meta.set("bad.jpg", sfMetadata())
	f.fp.broken["bad.jpg"] = true
	f.meta.broken["worse.jpg"] = true

	stats, err := f.svc.ProcessDirectory(context.Background(), f.root, false)
	if err != nil {
		t.Fatalf("ProcessDirectory: %v", err)
	}
	if stats.Created != 1 || stats.Errors != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	decode := detailsOfKind(stats.ErrorDetails, KindDecode)
	if len(decode) != 2 {
		t.Fatalf("decode details = %+v", stats.ErrorDetails)
	}

	bad := mustGet(t, f.store, "bad.jpg")
	if !bad.HasLocation() || len(bad.Cells) == 0 {
		t.Errorf("metadata from before the failure should be kept: %+v", bad)
	}
	if bad.HasFingerprint() {
		t.Error("bad.jpg should have no fingerprint")
	}

	worse := mustGet(t, f.store, "worse.jpg")
	if worse.FileName != "worse.jpg" || worse.HasLocation() || worse.HasFingerprint() {
		t.Errorf("worse.jpg = %+v", worse)
	}
	if f.fp.calls.Load() != 2 {
		t.Errorf("fingerprinter should not run after an extraction failure, calls = %d", f.fp.calls.Load())
	}
}

func TestProcessDirectoryStoreUnavailable(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "a.jpg")
	f.store.PingErr = errors.New("connection refused")

	_, err := f.svc.ProcessDirectory(context.Background(), f.root, false)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if f.meta.calls.Load() != 0 {
		t.Error("no file should be touched when the store is down")
	}
	if _, err := f.svc.ProcessFile(context.Background(), filepath.Join(f.root, "a.jpg"), false); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("ProcessFile err = %v", err)
	}
}

func TestProcessDirectoryUpsertFailure(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "a.jpg", "b.jpg")
	f.store.UpsertErr = errors.New("disk full")

	stats, err := f.svc.ProcessDirectory(context.Background(), f.root, false)
	if err != nil {
		t.Fatalf("ProcessDirectory: %v", err)
	}
	if stats.Errors != 2 || len(detailsOfKind(stats.ErrorDetails, KindStore)) != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProgressCadence(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{ProgressEvery: 10, NumWorkers: 4})
	names := make([]string, 25)
	for i := range names {
		names[i] = fmt.Sprintf("img%d.jpg", i)
	}
	writeFiles(t, f.root, names...)

	if _, err := f.svc.ProcessDirectory(context.Background(), f.root, false); err != nil {
		t.Fatal(err)
	}
	progress := f.prog.withPrefix("Progress:")
	if len(progress) != 2 {
		t.Fatalf("progress messages = %q", progress)
	}
	if progress[0] != "Progress: 10/25 files" || progress[1] != "Progress: 20/25 files" {
		t.Errorf("progress = %q", progress)
	}
	if found := f.prog.withPrefix("Found 25"); len(found) != 1 {
		t.Errorf("missing discovery message: %q", f.prog.msgs)
	}
}

func TestProcessDirectoryCancellation(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{NumWorkers: 1, QueueSize: 1})
	writeFiles(t, f.root, "1.jpg", "2.jpg", "3.jpg", "4.jpg", "5.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.meta.hook = func(string) { cancel() }

	stats, err := f.svc.ProcessDirectory(ctx, f.root, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stats == nil || stats.Created != 1 {
		t.Fatalf("the started file should finish, stats = %+v", stats)
	}
	if f.store.Len() != 1 {
		t.Errorf("stored = %d, want 1", f.store.Len())
	}
}

func TestIdentityKey(t *testing.T) {
	root := t.TempDir()
	key, err := IdentityKey(root, filepath.Join(root, "a", "b.jpg"))
	if err != nil || key != "a/b.jpg" {
		t.Errorf("IdentityKey = %q, %v", key, err)
	}
	if _, err := IdentityKey(root, filepath.Dir(root)); err == nil {
		t.Error("expected error for a path outside the root")
	}
	if _, err := IdentityKey(root, root); err == nil {
		t.Error("expected error for the root itself")
	}
}

func TestProcessFileOutsideRoot(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	other := t.TempDir()
	writeFiles(t, other, "a.jpg")

	outcome, err := f.svc.ProcessFile(context.Background(), filepath.Join(other, "a.jpg"), false)
	if outcome != OutcomeError || err == nil || !strings.Contains(err.Error(), "outside") {
		t.Errorf("ProcessFile = %v, %v", outcome, err)
	}
}

func sqliteStore(t *testing.T) *repository.PhotoRepository {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "photos.db"), nil)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.NewPhotoRepository(db)
}

func TestProcessDirectoryLatin1TagsAreStable(t *testing.T) {
	stores := map[string]func(t *testing.T) repository.PhotoStore{
		"memory": func(*testing.T) repository.PhotoStore { return repository.NewMemoryPhotoRepository() },
		"sqlite": func(t *testing.T) repository.PhotoStore { return sqliteStore(t) },
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			store := newStore(t)
			meta := newFakeExtractor()
			// located but never geocoded, so every run re-extracts it
			latin1 := sfMetadata()
			latin1.Tags["Copyright"] = "\xa9 2020"
			latin1.Tags["Artist"] = "J\xf6rg"
			latin1.CaptureTimeText = ptr("2023:10:15 14:30:25\xff")
			meta.set("a.jpg", latin1)
			writeFiles(t, root, "a.jpg")

			ix, err := spatial.NewIndex(nil)
			if err != nil {
				t.Fatal(err)
			}
			svc := NewProcessingService(store, meta, newFakeFingerprinter(), ix, ProcessingOptions{
				Root: root,
				Now:  func() time.Time { return fixedNow },
			})

			ctx := context.Background()
			stats, err := svc.ProcessDirectory(ctx, root, false)
			if err != nil || stats.Created != 1 {
				t.Fatalf("first run = %+v, %v", stats, err)
			}
			for _, force := range []bool{false, true} {
				stats, err = svc.ProcessDirectory(ctx, root, force)
				if err != nil {
					t.Fatal(err)
				}
				if stats.Updated != 0 || stats.Skipped != 1 {
					t.Errorf("rerun force=%v stats = %+v", force, stats)
				}
			}

			got := mustGet(t, store, "a.jpg")
			if got.Metadata["Copyright"] != "\uFFFD 2020" {
				t.Errorf("Copyright = %q", got.Metadata["Copyright"])
			}
			if got.CaptureTimeText == nil || *got.CaptureTimeText != "2023:10:15 14:30:25\uFFFD" {
				t.Errorf("capture text = %v", got.CaptureTimeText)
			}
		})
	}
}

func TestProcessSubdirectoryKeepsRootKeys(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "a.jpg", "trip/b.jpg", "trip/day1/c.jpg")

	ctx := context.Background()
	stats, err := f.svc.ProcessDirectory(ctx, filepath.Join(f.root, "trip"), false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Found != 2 || stats.Created != 2 {
		t.Fatalf("subdirectory run = %+v", stats)
	}
	if p := mustGet(t, f.store, "trip/day1/c.jpg"); p.Directory != "trip/day1" {
		t.Errorf("Directory = %q", p.Directory)
	}

	stats, err = f.svc.ProcessDirectory(ctx, f.root, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Created != 1 || stats.Skipped != 2 {
		t.Errorf("root run = %+v", stats)
	}
	if n := f.store.Len(); n != 3 {
		t.Errorf("records = %d, want 3", n)
	}

	// directories outside the root are keyed relative to themselves
	outside := t.TempDir()
	writeFiles(t, outside, "z.jpg")
	if _, err := f.svc.ProcessDirectory(ctx, outside, false); err != nil {
		t.Fatal(err)
	}
	mustGet(t, f.store, "z.jpg")
}

func TestProcessStatsReportEmptyErrorList(t *testing.T) {
	f := newProcessingFixture(t, ProcessingOptions{})
	writeFiles(t, f.root, "a.jpg")

	stats, err := f.svc.ProcessDirectory(context.Background(), f.root, false)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"error_details":[]`) {
		t.Errorf("stats JSON = %s", raw)
	}
}
