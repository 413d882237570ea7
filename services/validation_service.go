package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/camden-git/geophotos/legacy"
	"github.com/camden-git/geophotos/repository"
)

// CoordinateTolerance is the largest latitude or longitude difference, in
// degrees, that still counts as a match.
const CoordinateTolerance = 0.0001

const (
	MismatchMissing   = "missing"
	MismatchGPS       = "gps"
	MismatchTimestamp = "timestamp"
)

// Mismatch is one discrepancy between a legacy row and the stored record.
type Mismatch struct {
	Line       int    `json:"line"`
	SourceFile string `json:"source_file"`
	FileName   string `json:"file_name"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
}

type ValidationReport struct {
	TotalRows         int        `json:"total_rows"`
	Matched           int        `json:"matched"`
	Missing           int        `json:"missing"`
	GPSMismatch       int        `json:"gps_mismatch"`
	TimestampMismatch int        `json:"timestamp_mismatch"`
	Mismatches        []Mismatch `json:"mismatches"`
}

// Issues is the number of reported problems.
func (r *ValidationReport) Issues() int {
	return r.Missing + r.GPSMismatch + r.TimestampMismatch
}

// ValidationService cross-checks stored records against a legacy export.
type ValidationService struct {
	store repository.PhotoStore
	log   *zap.Logger
}

func NewValidationService(store repository.PhotoStore, log *zap.Logger) *ValidationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ValidationService{store: store, log: log.Named("validation")}
}

// Validate never fails on discrepancies; they only appear in the report.
// Errors are returned only when the store itself can't be read.
func (s *ValidationService) Validate(ctx context.Context, rows []legacy.Row) (*ValidationReport, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	report := &ValidationReport{Mismatches: []Mismatch{}}
	for _, row := range rows {
		report.TotalRows++
		if row.SourceFile == "" {
			continue
		}

		mismatch := func(kind, detail string) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Line: row.Line, SourceFile: row.SourceFile, FileName: row.FileName, Kind: kind, Detail: detail,
			})
		}

		photo, err := s.store.GetByKey(ctx, row.SourceFile)
		if errors.Is(err, repository.ErrNotFound) {
			report.Missing++
			mismatch(MismatchMissing, "no stored record")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", row.SourceFile, err)
		}

		ok := true
		if row.Latitude != nil && row.Longitude != nil {
			switch {
			case !photo.HasLocation():
				ok = false
				report.GPSMismatch++
				mismatch(MismatchGPS, "reference has GPS, record has none")
			case !withinTolerance(*photo.Latitude, *row.Latitude) || !withinTolerance(*photo.Longitude, *row.Longitude):
				ok = false
				report.GPSMismatch++
				mismatch(MismatchGPS, fmt.Sprintf("reference %.6f, %.6f vs record %.6f, %.6f",
					*row.Latitude, *row.Longitude, *photo.Latitude, *photo.Longitude))
			}
		}

		if want := strings.TrimSpace(row.DateTimeOriginal); want != "" {
			got := ""
			if photo.CaptureTimeText != nil {
				got = strings.TrimSpace(*photo.CaptureTimeText)
			}
			if got != want {
				ok = false
				report.TimestampMismatch++
				mismatch(MismatchTimestamp, fmt.Sprintf("reference %q vs record %q", want, got))
			}
		}

		if ok {
			report.Matched++
		}
	}

	s.log.Info("validation finished",
		zap.Int("rows", report.TotalRows),
		zap.Int("matched", report.Matched),
		zap.Int("issues", report.Issues()))
	return report, nil
}

// withinTolerance compares after rounding to 1e-9 so that 37.0000 vs
// 37.0001 is not pushed over the tolerance by float representation.
func withinTolerance(a, b float64) bool {
	diff := math.Round(math.Abs(a-b)*1e9) / 1e9
	return diff <= CoordinateTolerance
}
