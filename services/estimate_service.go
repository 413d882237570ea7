package services

import (
	"context"
	"fmt"

	"github.com/camden-git/geophotos/repository"
)

const (
	callsPerCell      = 2   // reverse geocode + timezone
	costPer1000Calls  = 5.0 // USD
	freeTierCalls     = 20000
	distributionLimit = 10
)

// ResolutionEstimate is the projected cost of geocoding at one resolution.
type ResolutionEstimate struct {
	Resolution     int                    `json:"resolution"`
	Cells          int                    `json:"cells"`
	APICalls       int                    `json:"api_calls"`
	CostUSD        float64                `json:"cost_usd"`
	WithinFreeTier bool                   `json:"within_free_tier"`
	TopCells       []repository.CellCount `json:"top_cells,omitempty"`
}

type Estimate struct {
	Photos      int                  `json:"photos"`
	Resolutions []ResolutionEstimate `json:"resolutions"`
}

type EstimateStore interface {
	repository.PhotoStore
	repository.CellStats
}

// EstimateService projects geocoding cost for the photos still awaiting it.
type EstimateService struct {
	store       EstimateStore
	resolutions []int
}

func NewEstimateService(store EstimateStore, resolutions []int) *EstimateService {
	return &EstimateService{store: store, resolutions: resolutions}
}

func (s *EstimateService) Estimate(ctx context.Context, showDistribution bool) (*Estimate, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	pending, err := s.store.Filter(ctx, repository.PhotoFilter{HasLocation: true, NotGeocoded: true})
	if err != nil {
		return nil, fmt.Errorf("failed to count photos awaiting geocoding: %w", err)
	}
	est := &Estimate{Photos: len(pending), Resolutions: []ResolutionEstimate{}}
	if est.Photos == 0 {
		return est, nil
	}

	counts, err := s.store.CountDistinctCells(ctx)
	if err != nil {
		return nil, err
	}

	for _, res := range s.resolutions {
		cells := counts[res]
		calls := cells * callsPerCell
		re := ResolutionEstimate{
			Resolution:     res,
			Cells:          cells,
			APICalls:       calls,
			CostUSD:        float64(calls) * costPer1000Calls / 1000,
			WithinFreeTier: calls <= freeTierCalls,
		}
		if showDistribution && cells > 0 {
			if re.TopCells, err = s.store.TopCells(ctx, res, distributionLimit); err != nil {
				return nil, err
			}
		}
		est.Resolutions = append(est.Resolutions, re)
	}
	return est, nil
}
