// Package geocoding resolves coordinates to a human-readable place and an
// IANA timezone.
package geocoding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Place is the reverse-geocoding result for a coordinate.
type Place struct {
	FormattedAddress string `json:"formatted_address"`
	CountryCode      string `json:"country_code"` // ISO 3166-1 alpha-2, may be empty
}

// Client is the external lookup service used by the geocode scheduler.
type Client interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (Place, error)
	TimezoneResolver
}

// TimezoneResolver returns the IANA timezone id at a coordinate.
type TimezoneResolver interface {
	Timezone(ctx context.Context, lat, lon float64) (string, error)
}

// LookupError reports a failed or empty lookup for one coordinate.
type LookupError struct {
	Op       string // "reverse_geocode" or "timezone"
	Lat, Lon float64
	Status   string // provider status such as ZERO_RESULTS, if any
	Err      error
}

func (e *LookupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s lookup failed at (%.6f, %.6f)", e.Op, e.Lat, e.Lon)
	if e.Status != "" {
		b.WriteString(": ")
		b.WriteString(e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LookupError) Unwrap() error { return e.Err }

// IsLookupError reports whether err is or wraps a *LookupError.
func IsLookupError(err error) bool {
	var le *LookupError
	return errors.As(err, &le)
}

// composite answers reverse geocoding from one client and timezones from
// another resolver.
type composite struct {
	geo Client
	tz  TimezoneResolver
}

// WithTimezone returns a Client that uses tz for timezone lookups instead of
// geo's own.
func WithTimezone(geo Client, tz TimezoneResolver) Client {
	return &composite{geo: geo, tz: tz}
}

func (c *composite) ReverseGeocode(ctx context.Context, lat, lon float64) (Place, error) {
	return c.geo.ReverseGeocode(ctx, lat, lon)
}

func (c *composite) Timezone(ctx context.Context, lat, lon float64) (string, error) {
	return c.tz.Timezone(ctx, lat, lon)
}
