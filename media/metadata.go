package media

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"go.uber.org/zap"
)

// MetadataExtractor reads embedded EXIF tags and GPS data from image files.
type MetadataExtractor struct {
	logger *zap.Logger
}

func NewMetadataExtractor(logger *zap.Logger) *MetadataExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataExtractor{logger: logger.Named("metadata")}
}

type exifWalkerFunc func(name exif.FieldName, tag *tiff.Tag) error

func (w exifWalkerFunc) Walk(name exif.FieldName, tag *tiff.Tag) error {
	return w(name, tag)
}

// Extract reads the metadata of filePath. Only an unreadable file is an
// error; missing or broken EXIF yields empty metadata without location.
func (m *MetadataExtractor) Extract(filePath string) (*Metadata, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, &DecodeError{Path: filePath, Op: "open", Err: err}
	}
	defer file.Close()

	return m.extractFrom(file, filePath)
}

func (m *MetadataExtractor) extractFrom(r io.Reader, filePath string) (*Metadata, error) {
	meta := &Metadata{Tags: map[string]string{}}

	x, err := exif.Decode(r)
	if err != nil {
		if isReadError(err) {
			return nil, &DecodeError{Path: filePath, Op: "read", Err: err}
		}
		if x == nil || exif.IsCriticalError(err) {
			// not necessarily a problem, file might just lack EXIF data
			m.logger.Debug("no usable EXIF data", zap.String("path", filePath), zap.Error(err))
			return meta, nil
		}
	}

	walkErr := x.Walk(exifWalkerFunc(func(name exif.FieldName, tag *tiff.Tag) error {
		if v := tagString(tag); v != "" {
			meta.Tags[string(name)] = v
		}
		return nil
	}))
	if walkErr != nil {
		m.logger.Warn("walking EXIF tags", zap.String("path", filePath), zap.Error(walkErr))
	}

	meta.CaptureTimeText = captureTimeText(x)
	meta.Location = gpsLocation(x)
	if meta.Location == nil {
		m.logger.Debug("no geolocation", zap.String("path", filePath))
	}
	return meta, nil
}

func isReadError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

// tagString renders a tag value in a form that survives a JSON round trip.
func tagString(tag *tiff.Tag) string {
	return cleanText(rawTagString(tag))
}

// cleanText trims EXIF padding and replaces invalid UTF-8, which cameras
// write for Latin-1 copyright signs, so values read back unchanged.
func cleanText(s string) string {
	return strings.ToValidUTF8(strings.TrimRight(s, "\x00 "), "\uFFFD")
}

func rawTagString(tag *tiff.Tag) string {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return ""
		}
		return s
	case tiff.RatVal:
		parts := make([]string, 0, tag.Count)
		for i := 0; i < int(tag.Count); i++ {
			num, den, err := tag.Rat2(i)
			if err != nil {
				return ""
			}
			parts = append(parts, fmt.Sprintf("%d/%d", num, den))
		}
		return strings.Join(parts, ",")
	case tiff.UndefVal, tiff.OtherVal:
		// maker notes and thumbnails are binary
		return ""
	default:
		return strings.Trim(tag.String(), `"`)
	}
}

func captureTimeText(x *exif.Exif) *string {
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTime} {
		tag, err := x.Get(name)
		if err != nil || tag == nil {
			continue
		}
		s, err := tag.StringVal()
		if err != nil {
			continue
		}
		s = cleanText(s)
		if s != "" {
			return &s
		}
	}
	return nil
}

func gpsLocation(x *exif.Exif) *GeoPoint {
	lat, ok := gpsCoordinate(x, exif.GPSLatitude, exif.GPSLatitudeRef)
	if !ok {
		return nil
	}
	lon, ok := gpsCoordinate(x, exif.GPSLongitude, exif.GPSLongitudeRef)
	if !ok {
		return nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil
	}
	return &GeoPoint{Latitude: lat, Longitude: lon, Altitude: gpsAltitude(x)}
}

// gpsCoordinate reads a DMS triple (or a single decimal value) plus its
// hemisphere reference.
func gpsCoordinate(x *exif.Exif, valueName, refName exif.FieldName) (float64, bool) {
	tag, err := x.Get(valueName)
	if err != nil || tag == nil || tag.Count == 0 {
		return 0, false
	}

	values := make([]float64, 0, 3)
	for i := 0; i < int(tag.Count) && i < 3; i++ {
		v, ok := tagFloat(tag, i)
		if !ok {
			return 0, false
		}
		values = append(values, v)
	}

	if len(values) == 1 {
		return values[0], true
	}
	if len(values) != 3 {
		return 0, false
	}

	ref := ""
	if refTag, err := x.Get(refName); err == nil && refTag != nil {
		if s, err := refTag.StringVal(); err == nil {
			ref = s
		}
	}
	return DMSToDecimal(values[0], values[1], values[2], ref), true
}

func gpsAltitude(x *exif.Exif) *float64 {
	tag, err := x.Get(exif.GPSAltitude)
	if err != nil || tag == nil {
		return nil
	}
	alt, ok := tagFloat(tag, 0)
	if !ok {
		return nil
	}
	if refTag, err := x.Get(exif.GPSAltitudeRef); err == nil && refTag != nil {
		if ref, err := refTag.Int(0); err == nil && ref == 1 {
			alt = -alt
		}
	}
	return &alt
}

func tagFloat(tag *tiff.Tag, i int) (float64, bool) {
	switch tag.Format() {
	case tiff.RatVal:
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return 0, false
		}
		return float64(num) / float64(den), true
	case tiff.FloatVal:
		v, err := tag.Float(i)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case tiff.IntVal:
		v, err := tag.Int(i)
		if err != nil {
			return 0, false
		}
		return float64(v), true
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(s, "\x00")), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// DMSToDecimal converts degrees/minutes/seconds with a hemisphere reference
// into signed decimal degrees. S and W are negative.
func DMSToDecimal(degrees, minutes, seconds float64, ref string) float64 {
	decimal := degrees + minutes/60 + seconds/3600
	switch strings.ToUpper(strings.TrimSpace(strings.TrimRight(ref, "\x00"))) {
	case "S", "W":
		return -decimal
	}
	return decimal
}
