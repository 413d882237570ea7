package models

import (
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestIsComplete(t *testing.T) {
	now := time.Now()
	hash := ptr("8f373714acfcf4d0")

	tests := []struct {
		name  string
		photo *Photo
		want  bool
	}{
		{name: "nil", photo: nil, want: false},
		{name: "no location, no hash", photo: &Photo{}, want: false},
		{name: "no location, hashed", photo: &Photo{PerceptualHash: hash}, want: true},
		{
			name:  "located, hashed, no cells",
			photo: &Photo{Latitude: ptr(1.0), Longitude: ptr(2.0), PerceptualHash: hash, GeocodedAt: &now},
			want:  false,
		},
		{
			name: "located, hashed, cells, not geocoded",
			photo: &Photo{Latitude: ptr(1.0), Longitude: ptr(2.0), PerceptualHash: hash,
				Cells: []PhotoCell{{Resolution: 9, CellCode: "abc"}}},
			want: false,
		},
		{
			name: "located and fully processed",
			photo: &Photo{Latitude: ptr(1.0), Longitude: ptr(2.0), PerceptualHash: hash, GeocodedAt: &now,
				Cells: []PhotoCell{{Resolution: 9, CellCode: "abc"}}},
			want: true,
		},
		{
			name: "located without fingerprint",
			photo: &Photo{Latitude: ptr(1.0), Longitude: ptr(2.0), GeocodedAt: &now,
				Cells: []PhotoCell{{Resolution: 9, CellCode: "abc"}}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsComplete(tt.photo); got != tt.want {
				t.Fatalf("IsComplete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetCellsOrdersByResolution(t *testing.T) {
	p := &Photo{SourceFile: "a/b.jpg"}
	p.SetCells(map[int]string{12: "c12", 3: "c3", 9: "c9"})

	if len(p.Cells) != 3 {
		t.Fatalf("expected 3 cells, got %d", len(p.Cells))
	}
	for i, want := range []int{3, 9, 12} {
		if p.Cells[i].Resolution != want {
			t.Fatalf("cell %d resolution = %d, want %d", i, p.Cells[i].Resolution, want)
		}
		if p.Cells[i].PhotoKey != "a/b.jpg" {
			t.Fatalf("cell %d photo key = %q", i, p.Cells[i].PhotoKey)
		}
	}
	if code, ok := p.CellAt(9); !ok || code != "c9" {
		t.Fatalf("CellAt(9) = %q, %v", code, ok)
	}

	p.SetCells(nil)
	if p.Cells != nil || p.CellMap() != nil {
		t.Fatalf("expected cells cleared")
	}
}

func TestClearGeocoding(t *testing.T) {
	now := time.Now()
	p := &Photo{
		Location:        ptr("Somewhere"),
		CountryCode:     ptr("US"),
		GeocodedAt:      &now,
		CapturedAt:      &now,
		CaptureTimezone: ptr("America/Los_Angeles"),
		CaptureTimeText: ptr("2023:10:15 14:30:25"),
	}
	p.ClearGeocoding()
	if p.Location != nil || p.CountryCode != nil || p.GeocodedAt != nil || p.CapturedAt != nil || p.CaptureTimezone != nil {
		t.Fatalf("geocoding fields not cleared: %+v", p)
	}
	if p.CaptureTimeText == nil {
		t.Fatalf("capture text must survive")
	}
}
