package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/geophotos/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// PhotoRepository handles database operations for Photo entities
type PhotoRepository struct {
	DB *gorm.DB
}

// NewPhotoRepository creates a new instance of PhotoRepository
func NewPhotoRepository(db *gorm.DB) *PhotoRepository {
	return &PhotoRepository{DB: db}
}

func (r *PhotoRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// GetByKey retrieves a photo and its cells by identity key
func (r *PhotoRepository) GetByKey(ctx context.Context, key string) (*models.Photo, error) {
	var photo models.Photo
	err := r.DB.WithContext(ctx).
		Preload("Cells", func(db *gorm.DB) *gorm.DB { return db.Order("resolution") }).
		Where("source_file = ?", filepath.ToSlash(key)).
		First(&photo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get photo %s: %w", key, err)
	}
	return &photo, nil
}

// Upsert inserts or fully replaces a photo and its cells
func (r *PhotoRepository) Upsert(ctx context.Context, photo *models.Photo) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertPhoto(tx, photo)
	})
}

// UpsertMany writes every photo in a single transaction
func (r *PhotoRepository) UpsertMany(ctx context.Context, photos []*models.Photo) error {
	if len(photos) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range photos {
			if err := upsertPhoto(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPhoto(tx *gorm.DB, photo *models.Photo) error {
	key := filepath.ToSlash(photo.SourceFile)
	photo.SourceFile = key

	err := tx.Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_file"}},
			UpdateAll: true,
		}).
		Create(photo).Error
	if err != nil {
		return fmt.Errorf("failed to upsert photo %s: %w", key, err)
	}

	if err := tx.Where("photo_key = ?", key).Delete(&models.PhotoCell{}).Error; err != nil {
		return fmt.Errorf("failed to clear cells for %s: %w", key, err)
	}
	if len(photo.Cells) == 0 {
		return nil
	}
	for i := range photo.Cells {
		photo.Cells[i].PhotoKey = key
	}
	if err := tx.Create(&photo.Cells).Error; err != nil {
		return fmt.Errorf("failed to write cells for %s: %w", key, err)
	}
	return nil
}

// Filter returns every photo matching filter, ordered by key
func (r *PhotoRepository) Filter(ctx context.Context, filter PhotoFilter) ([]*models.Photo, error) {
	q := r.DB.WithContext(ctx).
		Preload("Cells", func(db *gorm.DB) *gorm.DB { return db.Order("resolution") }).
		Order("source_file")

	if filter.HasLocation {
		q = q.Where("latitude IS NOT NULL AND longitude IS NOT NULL")
	}
	if filter.NotGeocoded {
		q = q.Where("geocoded_at IS NULL")
	}
	if filter.HasFingerprint {
		q = q.Where("perceptual_hash IS NOT NULL")
	}
	if filter.KeyPrefix != "" {
		q = q.Where("source_file LIKE ?", filter.KeyPrefix+"%")
	}

	var photos []*models.Photo
	if err := q.Find(&photos).Error; err != nil {
		return nil, fmt.Errorf("failed to filter photos: %w", err)
	}
	return photos, nil
}

// pendingCells selects cells of located photos that still need geocoding
func pendingCells() sq.SelectBuilder {
	return psql.Select().
		From("photo_cells c").
		Join("photos p ON p.source_file = c.photo_key").
		Where(sq.And{
			sq.NotEq{"p.latitude": nil},
			sq.NotEq{"p.longitude": nil},
			sq.Eq{"p.geocoded_at": nil},
		})
}

// CountDistinctCells returns, per resolution, how many distinct cells the
// photos awaiting geocoding fall into
func (r *PhotoRepository) CountDistinctCells(ctx context.Context) (map[int]int, error) {
	sqlStr, args, err := pendingCells().
		Columns("c.resolution", "COUNT(DISTINCT c.cell_code)").
		GroupBy("c.resolution").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for CountDistinctCells: %w", err)
	}

	rows, err := r.DB.WithContext(ctx).Raw(sqlStr, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to count distinct cells: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int)
	for rows.Next() {
		var resolution, count int
		if err := rows.Scan(&resolution, &count); err != nil {
			return nil, fmt.Errorf("failed to scan cell count: %w", err)
		}
		out[resolution] = count
	}
	return out, rows.Err()
}

// TopCells lists the most populated cells at resolution
func (r *PhotoRepository) TopCells(ctx context.Context, resolution, limit int) ([]CellCount, error) {
	if limit <= 0 {
		limit = 10
	}
	sqlStr, args, err := pendingCells().
		Columns("c.cell_code", "COUNT(*) AS photos").
		Where(sq.Eq{"c.resolution": resolution}).
		GroupBy("c.cell_code").
		OrderBy("photos DESC", "c.cell_code").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for TopCells: %w", err)
	}

	rows, err := r.DB.WithContext(ctx).Raw(sqlStr, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to query top cells: %w", err)
	}
	defer rows.Close()

	var out []CellCount
	for rows.Next() {
		var cc CellCount
		if err := rows.Scan(&cc.CellCode, &cc.Photos); err != nil {
			return nil, fmt.Errorf("failed to scan top cell: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

var (
	_ PhotoStore = (*PhotoRepository)(nil)
	_ CellStats  = (*PhotoRepository)(nil)
)
