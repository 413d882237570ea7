package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camden-git/geophotos/geocoding"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/repository"
)

const testResolution = 12

func newGeocodingFixture(t *testing.T) (*repository.MemoryPhotoRepository, *fakeGeoClient, *GeocodingService, *recorder) {
	t.Helper()
	store := repository.NewMemoryPhotoRepository()
	client := &fakeGeoClient{}
	prog := &recorder{}
	svc := NewGeocodingService(store, client, GeocodingOptions{
		Progress: prog,
		Metrics:  metrics.NewPipeline(),
		Now:      func() time.Time { return fixedNow },
	})
	return store, client, svc, prog
}

// seedThreeCities stores six photos in three distinct cells.
func seedThreeCities(t *testing.T, store repository.PhotoStore) {
	t.Helper()
	seedLocated(t, store, "sf/1.jpg", 37.7749, -122.4194, "2023:10:15 14:30:25")
	seedLocated(t, store, "sf/2.jpg", 37.7749, -122.4194, "2023:10:15 15:00:00")
	seedLocated(t, store, "sf/3.jpg", 37.7749, -122.4194, "")
	seedLocated(t, store, "tokyo/1.jpg", 35.6595, 139.7005, "2023:10:15 14:30:25")
	seedLocated(t, store, "tokyo/2.jpg", 35.6595, 139.7005, "")
	seedLocated(t, store, "berlin/1.jpg", 52.52, 13.405, "")
}

func TestGeocodeCallsTwicePerCell(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)

	stats, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if stats.Total != 6 || stats.Cells != 3 || stats.Processed != 6 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.APICalls != 6 || client.reverseCalls.Load() != 3 || client.timezoneCalls.Load() != 3 {
		t.Errorf("api calls = %d (reverse %d, timezone %d), want 6",
			stats.APICalls, client.reverseCalls.Load(), client.timezoneCalls.Load())
	}

	sf := mustGet(t, store, "sf/1.jpg")
	if sf.Location == nil || *sf.Location != "San Francisco, CA, USA" {
		t.Errorf("location = %v", sf.Location)
	}
	if sf.CountryCode == nil || *sf.CountryCode != "US" {
		t.Errorf("country = %v", sf.CountryCode)
	}
	if sf.GeocodedAt == nil || !sf.GeocodedAt.Equal(fixedNow) {
		t.Errorf("geocoded at = %v", sf.GeocodedAt)
	}
	for _, key := range []string{"sf/2.jpg", "sf/3.jpg", "tokyo/2.jpg", "berlin/1.jpg"} {
		if !mustGet(t, store, key).IsGeocoded() {
			t.Errorf("%s not geocoded", key)
		}
	}

	again, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatal(err)
	}
	if again.Total != 0 || again.APICalls != 0 {
		t.Errorf("second run should find nothing to do: %+v", again)
	}
}

func TestGeocodeLocalizesCaptureTime(t *testing.T) {
	store, _, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)

	if _, err := svc.Geocode(context.Background(), testResolution, false); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key  string
		zone string
		utc  time.Time
	}{
		{"sf/1.jpg", "America/Los_Angeles", time.Date(2023, 10, 15, 21, 30, 25, 0, time.UTC)},
		{"tokyo/1.jpg", "Asia/Tokyo", time.Date(2023, 10, 15, 5, 30, 25, 0, time.UTC)},
	}
	for _, tc := range cases {
		p := mustGet(t, store, tc.key)
		if p.CaptureTimezone == nil || *p.CaptureTimezone != tc.zone {
			t.Errorf("%s zone = %v, want %s", tc.key, p.CaptureTimezone, tc.zone)
		}
		if p.CapturedAt == nil || !p.CapturedAt.Equal(tc.utc) {
			t.Errorf("%s captured at = %v, want %v", tc.key, p.CapturedAt, tc.utc)
		}
	}

	if p := mustGet(t, store, "sf/3.jpg"); p.CapturedAt != nil || p.CaptureTimezone != nil {
		t.Errorf("photo without capture text got a localized time: %+v", p)
	}
}

func TestGeocodeCellFailureIsAtomic(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)
	seedLocated(t, store, "berlin/2.jpg", 52.52, 13.405, "")
	client.placeErr = func(lat, _ float64) error {
		if lat > 50 {
			return &geocoding.LookupError{Op: "reverse_geocode", Lat: lat, Status: "ZERO_RESULTS"}
		}
		return nil
	}

	stats, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if stats.Processed != 5 || stats.Errors != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	lookups := detailsOfKind(stats.ErrorDetails, KindGeocodeLookup)
	if len(lookups) != 2 {
		t.Fatalf("details = %+v", stats.ErrorDetails)
	}
	for _, key := range []string{"berlin/1.jpg", "berlin/2.jpg"} {
		p := mustGet(t, store, key)
		if p.IsGeocoded() || p.Location != nil {
			t.Errorf("%s should be untouched after its cell failed: %+v", key, p)
		}
	}
	if stats.APICalls != 6 {
		t.Errorf("api calls = %d", stats.APICalls)
	}

	// the failed cell is picked up by the next run
	client.placeErr = nil
	retry, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatal(err)
	}
	if retry.Total != 2 || retry.Cells != 1 || retry.Processed != 2 {
		t.Errorf("retry stats = %+v", retry)
	}
}

func TestGeocodeToleratesTimezoneFailure(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)
	client.zoneErr = errors.New("timezone service down")

	stats, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatalf("Geocode: %v", err)
	}
	if stats.Processed != 6 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := len(detailsOfKind(stats.ErrorDetails, KindTimezone)); got != 3 {
		t.Errorf("timezone details = %d, want one per cell", got)
	}
	p := mustGet(t, store, "sf/1.jpg")
	if !p.IsGeocoded() || p.Location == nil {
		t.Errorf("place should still be stored: %+v", p)
	}
	if p.CapturedAt != nil || p.CaptureTimezone != nil {
		t.Errorf("no zone means no localized time: %+v", p)
	}
}

func TestGeocodeRecordsUnparseableCaptureTime(t *testing.T) {
	store, _, svc, _ := newGeocodingFixture(t)
	seedLocated(t, store, "odd.jpg", 37.7749, -122.4194, "2023-10-15T14:30:25")
	seedLocated(t, store, "ok.jpg", 37.7749, -122.4194, "2023:10:15 14:30:25")

	stats, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatal(err)
	}
	parse := detailsOfKind(stats.ErrorDetails, KindTimestampParse)
	if len(parse) != 1 || parse[0].Key != "odd.jpg" {
		t.Fatalf("details = %+v", stats.ErrorDetails)
	}
	if stats.Processed != 2 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	odd := mustGet(t, store, "odd.jpg")
	if !odd.IsGeocoded() || odd.CapturedAt != nil {
		t.Errorf("odd.jpg = %+v", odd)
	}
	if mustGet(t, store, "ok.jpg").CapturedAt == nil {
		t.Error("ok.jpg should be localized")
	}
}

func TestGeocodeRecalculate(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)
	ctx := context.Background()

	if _, err := svc.Geocode(ctx, testResolution, false); err != nil {
		t.Fatal(err)
	}
	stats, err := svc.Geocode(ctx, testResolution, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 6 || stats.APICalls != 6 {
		t.Errorf("stats = %+v", stats)
	}
	if client.reverseCalls.Load() != 6 {
		t.Errorf("reverse calls = %d", client.reverseCalls.Load())
	}
}

func TestGeocodeAtNonStandardResolution(t *testing.T) {
	store, _, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)

	stats, err := svc.Geocode(context.Background(), 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Cells != 3 || stats.Processed != 6 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGeocodeRejectsBadResolution(t *testing.T) {
	_, client, svc, _ := newGeocodingFixture(t)
	for _, r := range []int{-1, 31} {
		if _, err := svc.Geocode(context.Background(), r, false); err == nil {
			t.Errorf("resolution %d accepted", r)
		}
	}
	if client.reverseCalls.Load() != 0 {
		t.Error("no lookups expected")
	}
}

func TestGeocodeStoreUnavailable(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	store.PingErr = errors.New("gone")

	if _, err := svc.Geocode(context.Background(), testResolution, false); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if client.reverseCalls.Load() != 0 {
		t.Error("no lookups expected")
	}
}

func TestGeocodeStoreFailureFailsCell(t *testing.T) {
	store, _, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)
	store.UpsertErr = errors.New("readonly database")

	stats, err := svc.Geocode(context.Background(), testResolution, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 0 || stats.Errors != 6 || len(detailsOfKind(stats.ErrorDetails, KindStore)) != 6 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGeocodeCancellationStopsBetweenCells(t *testing.T) {
	store, client, svc, _ := newGeocodingFixture(t)
	seedThreeCities(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.onLookup = cancel

	stats, err := svc.Geocode(ctx, testResolution, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if client.reverseCalls.Load() != 1 {
		t.Errorf("reverse calls = %d, want 1", client.reverseCalls.Load())
	}
	if stats.Processed == 0 || stats.Processed == stats.Total {
		t.Errorf("only the first cell should complete: %+v", stats)
	}
}

func TestGeocodeProgressMessages(t *testing.T) {
	store, _, svc, prog := newGeocodingFixture(t)
	if _, err := svc.Geocode(context.Background(), testResolution, false); err != nil {
		t.Fatal(err)
	}
	if len(prog.withPrefix("No photos to geocode")) != 1 {
		t.Errorf("messages = %q", prog.msgs)
	}

	seedThreeCities(t, store)
	if _, err := svc.Geocode(context.Background(), testResolution, false); err != nil {
		t.Fatal(err)
	}
	if len(prog.withPrefix("Geocoding 6 photos in 3 cells")) != 1 || len(prog.withPrefix("Done:")) != 1 {
		t.Errorf("messages = %q", prog.msgs)
	}
}
