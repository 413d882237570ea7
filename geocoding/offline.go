package geocoding

import (
	"context"
	"errors"
	"fmt"

	"github.com/ringsaturn/tzf"
)

// OfflineTimezone resolves zones from the polygon data bundled with tzf, so
// timezone lookups cost no API calls.
type OfflineTimezone struct {
	finder tzf.F
}

func NewOfflineTimezone() (*OfflineTimezone, error) {
	finder, err := tzf.NewDefaultFinder()
	if err != nil {
		return nil, fmt.Errorf("loading timezone data: %w", err)
	}
	return &OfflineTimezone{finder: finder}, nil
}

func (o *OfflineTimezone) Timezone(ctx context.Context, lat, lon float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := o.finder.GetTimezoneName(lon, lat)
	if name == "" {
		return "", &LookupError{Op: "timezone", Lat: lat, Lon: lon, Err: errors.New("no timezone polygon contains the point")}
	}
	return name, nil
}
