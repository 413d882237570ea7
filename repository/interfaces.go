package repository

import (
	"context"
	"errors"

	"github.com/camden-git/geophotos/models"
)

// ErrNotFound is returned by GetByKey when no photo has the key.
var ErrNotFound = errors.New("repository: photo not found")

// PhotoFilter narrows Filter results. Zero value matches every photo.
type PhotoFilter struct {
	HasLocation    bool // latitude and longitude set
	NotGeocoded    bool // geocoded_at unset
	HasFingerprint bool // perceptual hash set
	KeyPrefix      string
}

// Matches applies the filter to a single photo.
func (f PhotoFilter) Matches(p *models.Photo) bool {
	if f.HasLocation && !p.HasLocation() {
		return false
	}
	if f.NotGeocoded && p.IsGeocoded() {
		return false
	}
	if f.HasFingerprint && !p.HasFingerprint() {
		return false
	}
	if f.KeyPrefix != "" && (len(p.SourceFile) < len(f.KeyPrefix) || p.SourceFile[:len(f.KeyPrefix)] != f.KeyPrefix) {
		return false
	}
	return true
}

// CellCount is the number of photos in one spatial cell.
type CellCount struct {
	CellCode string `json:"cell_code"`
	Photos   int    `json:"photos"`
}

// PhotoStore is the keyed record store the pipeline reads and writes through.
type PhotoStore interface {
	Ping(ctx context.Context) error
	GetByKey(ctx context.Context, key string) (*models.Photo, error)
	Upsert(ctx context.Context, photo *models.Photo) error
	// UpsertMany writes all photos or none of them.
	UpsertMany(ctx context.Context, photos []*models.Photo) error
	Filter(ctx context.Context, filter PhotoFilter) ([]*models.Photo, error)
}

// CellStats answers cost-estimation questions over stored cells of located,
// not yet geocoded photos.
type CellStats interface {
	CountDistinctCells(ctx context.Context) (map[int]int, error)
	TopCells(ctx context.Context, resolution, limit int) ([]CellCount, error)
}
