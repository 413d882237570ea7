package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/camden-git/geophotos/models"
)

// MemoryPhotoRepository keeps photos in process memory. Used for dry runs
// and tests; records are deep-copied in and out.
type MemoryPhotoRepository struct {
	mu     sync.RWMutex
	photos map[string]*models.Photo

	// PingErr and UpsertErr let callers simulate an unavailable store.
	PingErr   error
	UpsertErr error
}

func NewMemoryPhotoRepository() *MemoryPhotoRepository {
	return &MemoryPhotoRepository{photos: make(map[string]*models.Photo)}
}

func (r *MemoryPhotoRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.PingErr
}

func (r *MemoryPhotoRepository) GetByKey(_ context.Context, key string) (*models.Photo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.photos[filepath.ToSlash(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePhoto(p)
}

func (r *MemoryPhotoRepository) Upsert(ctx context.Context, photo *models.Photo) error {
	return r.UpsertMany(ctx, []*models.Photo{photo})
}

func (r *MemoryPhotoRepository) UpsertMany(_ context.Context, photos []*models.Photo) error {
	if r.UpsertErr != nil {
		return r.UpsertErr
	}
	staged := make([]*models.Photo, 0, len(photos))
	for _, p := range photos {
		p.SourceFile = filepath.ToSlash(p.SourceFile)
		for i := range p.Cells {
			p.Cells[i].PhotoKey = p.SourceFile
		}
		c, err := clonePhoto(p)
		if err != nil {
			return err
		}
		staged = append(staged, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range staged {
		r.photos[p.SourceFile] = p
	}
	return nil
}

func (r *MemoryPhotoRepository) Filter(_ context.Context, filter PhotoFilter) ([]*models.Photo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.photos))
	for k, p := range r.photos {
		if filter.Matches(p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*models.Photo, 0, len(keys))
	for _, k := range keys {
		c, err := clonePhoto(r.photos[k])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryPhotoRepository) CountDistinctCells(_ context.Context) (map[int]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	distinct := make(map[int]map[string]struct{})
	for _, p := range r.photos {
		if !p.HasLocation() || p.IsGeocoded() {
			continue
		}
		for _, c := range p.Cells {
			if distinct[c.Resolution] == nil {
				distinct[c.Resolution] = make(map[string]struct{})
			}
			distinct[c.Resolution][c.CellCode] = struct{}{}
		}
	}
	out := make(map[int]int, len(distinct))
	for res, cells := range distinct {
		out[res] = len(cells)
	}
	return out, nil
}

func (r *MemoryPhotoRepository) TopCells(_ context.Context, resolution, limit int) ([]CellCount, error) {
	if limit <= 0 {
		limit = 10
	}
	r.mu.RLock()
	counts := make(map[string]int)
	for _, p := range r.photos {
		if !p.HasLocation() || p.IsGeocoded() {
			continue
		}
		if code, ok := p.CellAt(resolution); ok {
			counts[code]++
		}
	}
	r.mu.RUnlock()

	out := make([]CellCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, CellCount{CellCode: code, Photos: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Photos != out[j].Photos {
			return out[i].Photos > out[j].Photos
		}
		return out[i].CellCode < out[j].CellCode
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored photos.
func (r *MemoryPhotoRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.photos)
}

// clonePhoto deep-copies through JSON, matching what a database round trip
// does to the record.
func clonePhoto(p *models.Photo) (*models.Photo, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy photo %s: %w", p.SourceFile, err)
	}
	var out models.Photo
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to copy photo %s: %w", p.SourceFile, err)
	}
	for i := range out.Cells {
		out.Cells[i].PhotoKey = out.SourceFile
	}
	return &out, nil
}

var (
	_ PhotoStore = (*MemoryPhotoRepository)(nil)
	_ CellStats  = (*MemoryPhotoRepository)(nil)
)
