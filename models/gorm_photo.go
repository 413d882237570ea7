package models

import (
	"sort"
	"time"

	"gorm.io/datatypes"
)

// Photo is the enriched record for one discovered file. It corresponds to the
// 'photos' table and is keyed by SourceFile, the slash-separated path relative
// to the processing root.
type Photo struct {
	SourceFile string `gorm:"primaryKey" json:"source_file"`
	FileName   string `gorm:"not null;index" json:"file_name"`
	Directory  string `gorm:"not null" json:"directory"`

	// raw extracted tags, values are always strings
	Metadata datatypes.JSONMap `gorm:"" json:"metadata,omitempty"`

	Latitude  *float64 `gorm:"index:idx_photos_location" json:"latitude,omitempty"`
	Longitude *float64 `gorm:"index:idx_photos_location" json:"longitude,omitempty"`
	Altitude  *float64 `gorm:"" json:"altitude,omitempty"` // metres

	Cells []PhotoCell `gorm:"foreignKey:PhotoKey;references:SourceFile;constraint:OnDelete:CASCADE" json:"cells,omitempty"`

	// 64-bit fingerprints as 16 lowercase hex chars
	PerceptualHash *string `gorm:"index" json:"perceptual_hash,omitempty"`
	AverageHash    *string `gorm:"" json:"average_hash,omitempty"`
	DifferenceHash *string `gorm:"" json:"difference_hash,omitempty"`

	Location    *string    `gorm:"index" json:"location,omitempty"`
	CountryCode *string    `gorm:"index" json:"country_code,omitempty"`
	GeocodedAt  *time.Time `gorm:"index" json:"geocoded_at,omitempty"`

	CaptureTimeText *string    `gorm:"" json:"capture_time_text,omitempty"` // as extracted, e.g. "2023:10:15 14:30:25"
	CapturedAt      *time.Time `gorm:"index" json:"captured_at,omitempty"`
	CaptureTimezone *string    `gorm:"" json:"capture_timezone,omitempty"` // IANA zone id

	ProcessedAt time.Time `gorm:"not null" json:"processed_at"`
}

// TableName explicitly sets the table name for GORM.
func (Photo) TableName() string {
	return "photos"
}

// PhotoCell holds the spatial cell code of a photo at one resolution.
type PhotoCell struct {
	PhotoKey   string `gorm:"primaryKey" json:"-"`
	Resolution int    `gorm:"primaryKey;autoIncrement:false" json:"resolution"`
	CellCode   string `gorm:"not null;index" json:"cell_code"`
}

func (PhotoCell) TableName() string {
	return "photo_cells"
}

func (p *Photo) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

func (p *Photo) HasFingerprint() bool {
	return p.PerceptualHash != nil
}

func (p *Photo) IsGeocoded() bool {
	return p.GeocodedAt != nil
}

// CellMap returns the spatial cells keyed by resolution.
func (p *Photo) CellMap() map[int]string {
	if len(p.Cells) == 0 {
		return nil
	}
	out := make(map[int]string, len(p.Cells))
	for _, c := range p.Cells {
		out[c.Resolution] = c.CellCode
	}
	return out
}

// CellAt returns the stored cell code for resolution, if any.
func (p *Photo) CellAt(resolution int) (string, bool) {
	for _, c := range p.Cells {
		if c.Resolution == resolution {
			return c.CellCode, true
		}
	}
	return "", false
}

// SetCells replaces the spatial cells, ordered coarse to fine.
func (p *Photo) SetCells(cells map[int]string) {
	if len(cells) == 0 {
		p.Cells = nil
		return
	}
	resolutions := make([]int, 0, len(cells))
	for r := range cells {
		resolutions = append(resolutions, r)
	}
	sort.Ints(resolutions)

	p.Cells = make([]PhotoCell, 0, len(resolutions))
	for _, r := range resolutions {
		p.Cells = append(p.Cells, PhotoCell{PhotoKey: p.SourceFile, Resolution: r, CellCode: cells[r]})
	}
}

// ClearGeocoding resets every field produced by a geocoding pass.
func (p *Photo) ClearGeocoding() {
	p.Location = nil
	p.CountryCode = nil
	p.GeocodedAt = nil
	p.CapturedAt = nil
	p.CaptureTimezone = nil
}

// IsComplete reports whether a photo needs no further processing. A located
// photo needs spatial cells, a fingerprint and a geocoding stamp; a photo
// without location only needs a fingerprint.
func IsComplete(p *Photo) bool {
	if p == nil || !p.HasFingerprint() {
		return false
	}
	if !p.HasLocation() {
		return true
	}
	return len(p.Cells) > 0 && p.IsGeocoded()
}
