package media

import (
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
)

const (
	DefaultDuplicateThreshold = 5
	DefaultSimilarThreshold   = 10
)

// Comparison is the outcome of comparing two images by perceptual hash.
type Comparison struct {
	PathA       string `json:"path_a"`
	PathB       string `json:"path_b"`
	Distance    int    `json:"distance"`
	IsDuplicate bool   `json:"is_duplicate"`
	IsSimilar   bool   `json:"is_similar"`
}

// Fingerprinter computes image hashes and compares images.
type Fingerprinter struct {
	DuplicateThreshold int
	SimilarThreshold   int
}

func NewFingerprinter(duplicateThreshold, similarThreshold int) *Fingerprinter {
	if duplicateThreshold < 0 {
		duplicateThreshold = DefaultDuplicateThreshold
	}
	if similarThreshold < 0 {
		similarThreshold = DefaultSimilarThreshold
	}
	return &Fingerprinter{DuplicateThreshold: duplicateThreshold, SimilarThreshold: similarThreshold}
}

// Hash computes a single 64-bit fingerprint of img.
func Hash(img image.Image, kind HashKind) (uint64, error) {
	var (
		h   *goimagehash.ImageHash
		err error
	)
	switch kind {
	case HashPerceptual:
		h, err = goimagehash.PerceptionHash(img)
	case HashAverage:
		h, err = goimagehash.AverageHash(img)
	case HashDifference:
		h, err = goimagehash.DifferenceHash(img)
	default:
		return 0, fmt.Errorf("media: unknown hash kind %q", kind)
	}
	if err != nil {
		return 0, fmt.Errorf("media: %s hash: %w", kind, err)
	}
	return h.GetHash(), nil
}

// HashAll computes every fingerprint kind of img.
func HashAll(img image.Image) (Fingerprints, error) {
	var fp Fingerprints
	var err error
	if fp.Perceptual, err = Hash(img, HashPerceptual); err != nil {
		return Fingerprints{}, err
	}
	if fp.Average, err = Hash(img, HashAverage); err != nil {
		return Fingerprints{}, err
	}
	if fp.Difference, err = Hash(img, HashDifference); err != nil {
		return Fingerprints{}, err
	}
	return fp, nil
}

// FingerprintFile decodes path and computes all fingerprints. Decode failures
// are returned as *DecodeError.
func (f *Fingerprinter) FingerprintFile(path string) (Fingerprints, error) {
	img, err := DecodeImage(path)
	if err != nil {
		return Fingerprints{}, err
	}
	fp, err := HashAll(img)
	if err != nil {
		return Fingerprints{}, &DecodeError{Path: path, Op: "hash", Err: err}
	}
	return fp, nil
}

// Distance is the Hamming distance between two fingerprints, in [0, 64].
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Classify applies the duplicate and similar thresholds, both inclusive.
func (f *Fingerprinter) Classify(distance int) (isDuplicate, isSimilar bool) {
	return distance <= f.DuplicateThreshold, distance <= f.SimilarThreshold
}

// CompareImages decodes both files and compares their perceptual hashes.
func (f *Fingerprinter) CompareImages(pathA, pathB string) (Comparison, error) {
	hashes := make([]uint64, 0, 2)
	for _, p := range []string{pathA, pathB} {
		img, err := DecodeImage(p)
		if err != nil {
			return Comparison{}, err
		}
		h, err := Hash(img, HashPerceptual)
		if err != nil {
			return Comparison{}, &DecodeError{Path: p, Op: "hash", Err: err}
		}
		hashes = append(hashes, h)
	}

	d := Distance(hashes[0], hashes[1])
	dup, sim := f.Classify(d)
	return Comparison{PathA: pathA, PathB: pathB, Distance: d, IsDuplicate: dup, IsSimilar: sim}, nil
}

// FormatHash renders a fingerprint as 16 lowercase hex chars.
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParseHash is the inverse of FormatHash.
func ParseHash(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("media: fingerprint %q must be 16 hex chars", s)
	}
	h, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("media: invalid fingerprint %q: %w", s, err)
	}
	return h, nil
}
