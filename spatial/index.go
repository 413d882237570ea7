package spatial

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

const (
	MinResolution = 0
	MaxResolution = s2.MaxLevel
)

// DefaultResolutions spans country (3) down to street level (15).
var DefaultResolutions = []int{3, 6, 9, 12, 15}

// Index hashes coordinates into hierarchical S2 cell tokens at a fixed set
// of standard resolutions. A cell at level r+1 always has exactly one parent
// at level r.
type Index struct {
	resolutions []int
}

func NewIndex(resolutions []int) (*Index, error) {
	if len(resolutions) == 0 {
		resolutions = DefaultResolutions
	}
	seen := make(map[int]bool, len(resolutions))
	out := make([]int, 0, len(resolutions))
	for _, r := range resolutions {
		if err := validateResolution(r); err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return &Index{resolutions: out}, nil
}

// Resolutions returns a copy of the configured standard resolutions.
func (ix *Index) Resolutions() []int {
	out := make([]int, len(ix.resolutions))
	copy(out, ix.resolutions)
	return out
}

// ComputeAll returns the cell code for every standard resolution.
func (ix *Index) ComputeAll(lat, lon float64) (map[int]string, error) {
	leaf, err := leafCell(lat, lon)
	if err != nil {
		return nil, err
	}
	cells := make(map[int]string, len(ix.resolutions))
	for _, r := range ix.resolutions {
		cells[r] = leaf.Parent(r).ToToken()
	}
	return cells, nil
}

// IndexAt returns the cell code containing (lat, lon) at resolution.
func IndexAt(lat, lon float64, resolution int) (string, error) {
	if err := validateResolution(resolution); err != nil {
		return "", err
	}
	leaf, err := leafCell(lat, lon)
	if err != nil {
		return "", err
	}
	return leaf.Parent(resolution).ToToken(), nil
}

// CellCenter returns the geometric center of a cell.
func CellCenter(code string) (lat, lon float64, err error) {
	id := s2.CellIDFromToken(code)
	if !id.IsValid() {
		return 0, 0, fmt.Errorf("spatial: invalid cell code %q", code)
	}
	ll := id.LatLng()
	return ll.Lat.Degrees(), ll.Lng.Degrees(), nil
}

// Resolution returns the resolution a cell code was produced at.
func Resolution(code string) (int, error) {
	id := s2.CellIDFromToken(code)
	if !id.IsValid() {
		return 0, fmt.Errorf("spatial: invalid cell code %q", code)
	}
	return id.Level(), nil
}

// Contains reports whether child lies inside parent.
func Contains(parent, child string) bool {
	p := s2.CellIDFromToken(parent)
	c := s2.CellIDFromToken(child)
	if !p.IsValid() || !c.IsValid() {
		return false
	}
	return p.Contains(c)
}

func validateResolution(r int) error {
	if r < MinResolution || r > MaxResolution {
		return fmt.Errorf("spatial: resolution %d out of range [%d, %d]", r, MinResolution, MaxResolution)
	}
	return nil
}

func leafCell(lat, lon float64) (s2.CellID, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, fmt.Errorf("spatial: coordinate out of range (%f, %f)", lat, lon)
	}
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)), nil
}
