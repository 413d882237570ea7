package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
	_ "time/tzdata" // zone ids must resolve on hosts without a zoneinfo database
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camden-git/geophotos/geocoding"
	"github.com/camden-git/geophotos/metrics"
	"github.com/camden-git/geophotos/models"
	"github.com/camden-git/geophotos/repository"
	"github.com/camden-git/geophotos/spatial"
)

const (
	maxLocationLength    = 255
	maxCountryCodeLength = 2
	captureTimeLayout    = "2006:01:02 15:04:05"
)

var captureTimePattern = regexp.MustCompile(`^\d{4}:\d{2}:\d{2} \d{2}:\d{2}:\d{2}$`)

// GeocodeStats summarises one Geocode run.
type GeocodeStats struct {
	RunID        string        `json:"run_id"`
	Resolution   int           `json:"resolution"`
	Total        int           `json:"total"`
	Cells        int           `json:"cells"`
	Processed    int           `json:"processed"`
	Skipped      int           `json:"skipped"`
	APICalls     int           `json:"api_calls"`
	Errors       int           `json:"errors"`
	ErrorDetails []ErrorDetail `json:"error_details"`
	Duration     time.Duration `json:"duration"`
}

type GeocodingOptions struct {
	Progress ProgressSink
	Metrics  *metrics.Pipeline
	Logger   *zap.Logger
	Now      func() time.Time
}

// GeocodingService geocodes photos one spatial cell at a time, so the number
// of external calls depends on distinct locations rather than photo count.
type GeocodingService struct {
	store    repository.PhotoStore
	client   geocoding.Client
	progress ProgressSink
	metrics  *metrics.Pipeline
	log      *zap.Logger
	now      func() time.Time
}

func NewGeocodingService(store repository.PhotoStore, client geocoding.Client, opts GeocodingOptions) *GeocodingService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &GeocodingService{
		store:    store,
		client:   client,
		progress: sinkOrNop(opts.Progress),
		metrics:  opts.Metrics,
		log:      opts.Logger.Named("geocoding"),
		now:      opts.Now,
	}
}

// cellGroup is the set of candidate photos sharing one cell.
type cellGroup struct {
	code    string
	members []*models.Photo
}

// Geocode looks up every cell holding a located photo that still needs
// geocoding (or every located photo when recalculate is set) at resolution.
func (s *GeocodingService) Geocode(ctx context.Context, resolution int, recalculate bool) (*GeocodeStats, error) {
	started := time.Now()
	stats := &GeocodeStats{RunID: uuid.NewString(), Resolution: resolution, ErrorDetails: []ErrorDetail{}}
	log := s.log.With(zap.String("run_id", stats.RunID), zap.Int("resolution", resolution))

	if resolution < spatial.MinResolution || resolution > spatial.MaxResolution {
		return nil, fmt.Errorf("%w: resolution %d out of range [%d, %d]", ErrInvalidArgument, resolution, spatial.MinResolution, spatial.MaxResolution)
	}
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	candidates, err := s.store.Filter(ctx, repository.PhotoFilter{HasLocation: true, NotGeocoded: !recalculate})
	if err != nil {
		return nil, fmt.Errorf("failed to load geocoding candidates: %w", err)
	}
	stats.Total = len(candidates)
	if stats.Total == 0 {
		s.progress.Notify("No photos to geocode")
		return stats, nil
	}

	groups := s.group(candidates, resolution, stats)
	stats.Cells = len(groups)
	s.progress.Notify(fmt.Sprintf("Geocoding %d photos in %d cells at resolution %d", stats.Total, stats.Cells, resolution))
	log.Info("geocoding", zap.Int("photos", stats.Total), zap.Int("cells", stats.Cells), zap.Bool("recalculate", recalculate))

	var runErr error
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		s.geocodeCell(ctx, g, stats, log)

		if (i+1)%10 == 0 {
			s.progress.Notify(fmt.Sprintf("Processed %d/%d photos (%d API calls)", stats.Processed, stats.Total, stats.APICalls))
		}
	}

	stats.Duration = time.Since(started)
	s.metrics.ObserveRun("geocode", stats.Duration)
	s.progress.Notify(fmt.Sprintf("Done: %d processed, %d skipped, %d errors, %d API calls",
		stats.Processed, stats.Skipped, stats.Errors, stats.APICalls))
	log.Info("geocoding finished",
		zap.Int("processed", stats.Processed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
		zap.Int("api_calls", stats.APICalls),
		zap.Duration("duration", stats.Duration))

	if runErr != nil {
		return stats, fmt.Errorf("geocoding interrupted: %w", runErr)
	}
	return stats, nil
}

// group partitions candidates by cell code, computing codes that were not
// stored at this resolution. Groups come back sorted by code.
func (s *GeocodingService) group(candidates []*models.Photo, resolution int, stats *GeocodeStats) []cellGroup {
	byCode := make(map[string][]*models.Photo)
	for _, p := range candidates {
		code, ok := p.CellAt(resolution)
		if !ok {
			var err error
			code, err = spatial.IndexAt(*p.Latitude, *p.Longitude, resolution)
			if err != nil {
				stats.Skipped++
				stats.ErrorDetails = append(stats.ErrorDetails, ErrorDetail{Key: p.SourceFile, Kind: KindSpatial, Reason: err.Error()})
				continue
			}
		}
		byCode[code] = append(byCode[code], p)
	}

	groups := make([]cellGroup, 0, len(byCode))
	for code, members := range byCode {
		groups = append(groups, cellGroup{code: code, members: members})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].code < groups[j].code })
	return groups
}

func (s *GeocodingService) geocodeCell(ctx context.Context, g cellGroup, stats *GeocodeStats, log *zap.Logger) {
	fail := func(kind string, err error) {
		stats.Errors += len(g.members)
		for _, p := range g.members {
			stats.ErrorDetails = append(stats.ErrorDetails, ErrorDetail{Key: p.SourceFile, Kind: kind, Reason: err.Error()})
		}
		s.metrics.Cell("error")
		log.Warn("cell failed", zap.String("cell", g.code), zap.Int("members", len(g.members)), zap.String("kind", kind), zap.Error(err))
	}

	lat, lon, err := spatial.CellCenter(g.code)
	if err != nil {
		fail(KindSpatial, err)
		return
	}

	place, placeErr := s.client.ReverseGeocode(ctx, lat, lon)
	stats.APICalls++
	s.metrics.APICall("reverse_geocode")

	zone, zoneErr := s.client.Timezone(ctx, lat, lon)
	stats.APICalls++
	s.metrics.APICall("timezone")

	if placeErr != nil {
		fail(KindGeocodeLookup, placeErr)
		return
	}

	var loc *time.Location
	if zoneErr == nil {
		if loc, zoneErr = time.LoadLocation(zone); zoneErr != nil {
			loc = nil
		}
	}
	if zoneErr != nil {
		stats.ErrorDetails = append(stats.ErrorDetails, ErrorDetail{Key: g.code, Kind: KindTimezone, Reason: zoneErr.Error()})
		log.Warn("timezone unavailable for cell", zap.String("cell", g.code), zap.Error(zoneErr))
	}

	now := s.now().UTC()
	var parseDetails []ErrorDetail
	for _, p := range g.members {
		applyPlace(p, place, now)
		p.CapturedAt, p.CaptureTimezone = nil, nil
		if loc == nil || p.CaptureTimeText == nil {
			continue
		}
		captured, err := localizeCaptureTime(*p.CaptureTimeText, loc)
		if err != nil {
			parseDetails = append(parseDetails, ErrorDetail{Key: p.SourceFile, Kind: KindTimestampParse, Reason: err.Error()})
			continue
		}
		tz := zone
		p.CapturedAt, p.CaptureTimezone = &captured, &tz
	}

	if err := s.store.UpsertMany(ctx, g.members); err != nil {
		fail(KindStore, err)
		return
	}

	stats.Processed += len(g.members)
	stats.ErrorDetails = append(stats.ErrorDetails, parseDetails...)
	s.metrics.Cell("ok")
	log.Debug("cell geocoded", zap.String("cell", g.code), zap.Int("members", len(g.members)), zap.String("location", place.FormattedAddress))
}

func applyPlace(p *models.Photo, place geocoding.Place, now time.Time) {
	addr := truncate(place.FormattedAddress, maxLocationLength)
	p.Location = &addr
	p.CountryCode = nil
	if cc := truncate(place.CountryCode, maxCountryCodeLength); cc != "" {
		p.CountryCode = &cc
	}
	at := now
	p.GeocodedAt = &at
}

var errCaptureTimeFormat = errors.New("capture time does not match YYYY:MM:DD HH:MM:SS")

// localizeCaptureTime interprets EXIF capture text as wall time in loc.
func localizeCaptureTime(text string, loc *time.Location) (time.Time, error) {
	if !captureTimePattern.MatchString(text) {
		return time.Time{}, fmt.Errorf("%w: %q", errCaptureTimeFormat, text)
	}
	t, err := time.ParseInLocation(captureTimeLayout, text, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid capture time %q: %w", text, err)
	}
	return t, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
