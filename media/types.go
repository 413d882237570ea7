// media/types.go
package media

import (
	"errors"
	"fmt"
)

// HashKind selects a fingerprint algorithm.
type HashKind string

const (
	HashPerceptual HashKind = "perceptual" // recommended for duplicate detection
	HashAverage    HashKind = "average"
	HashDifference HashKind = "difference"
)

// AllHashKinds in the order they are computed.
var AllHashKinds = []HashKind{HashPerceptual, HashAverage, HashDifference}

// GeoPoint is a signed decimal-degree coordinate.
type GeoPoint struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"` // metres, negative below sea level
}

// Metadata is what extraction yields for one file. Location is nil when the
// file carries no (usable) GPS data, which is not an error.
type Metadata struct {
	Tags            map[string]string `json:"tags,omitempty"`
	Location        *GeoPoint         `json:"location,omitempty"`
	CaptureTimeText *string           `json:"capture_time_text,omitempty"`
}

// Fingerprints holds the 64-bit hashes of one decoded image.
type Fingerprints struct {
	Perceptual uint64
	Average    uint64
	Difference uint64
}

// DecodeError marks a file that can't be read or decoded. Processing of that
// file stops, the batch continues.
type DecodeError struct {
	Path string
	Op   string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("media: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

var errEmptyImage = errors.New("image has no pixels")
