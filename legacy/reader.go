// Package legacy reads exported photo spreadsheets (exiftool style CSV or
// XLSX) used to cross-check the record store.
package legacy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var requiredHeaders = []string{"SourceFile", "FileName"}

// Row is one data row. Line is the 1-based line or sheet row it came from,
// so the first data row is line 2.
type Row struct {
	Line             int      `json:"line"`
	SourceFile       string   `json:"source_file"`
	FileName         string   `json:"file_name"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	DateTimeOriginal string   `json:"date_time_original,omitempty"`
}

// ErrMissingHeaders is returned when a required column is absent.
var ErrMissingHeaders = errors.New("legacy: missing required columns SourceFile and FileName")

// ReadRows reads a .csv or .xlsx file, chosen by extension.
func ReadRows(path string) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(path)
	case ".csv", "":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported legacy file type %q", filepath.Ext(path))
	}
}

func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return fromRecords(records)
}

func ReadXLSX(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return fromRecords(records)
}

func fromRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, ErrMissingHeaders
	}
	index := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, h := range requiredHeaders {
		if _, ok := index[h]; !ok {
			return nil, ErrMissingHeaders
		}
	}

	get := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	rows := make([]Row, 0, len(records)-1)
	for n, rec := range records[1:] {
		rows = append(rows, Row{
			Line:             n + 2,
			SourceFile:       NormalizeSourceFile(get(rec, "SourceFile")),
			FileName:         get(rec, "FileName"),
			Latitude:         parseCoordinate(get(rec, "GPSLatitude")),
			Longitude:        parseCoordinate(get(rec, "GPSLongitude")),
			DateTimeOriginal: get(rec, "DateTimeOriginal"),
		})
	}
	return rows, nil
}

// NormalizeSourceFile strips a leading "./" and converts to slash form, the
// shape of a record identity key.
func NormalizeSourceFile(s string) string {
	s = filepath.ToSlash(strings.TrimSpace(s))
	for strings.HasPrefix(s, "./") {
		s = s[2:]
	}
	return s
}

// parseCoordinate accepts signed decimal degrees; anything else is treated
// as absent.
func parseCoordinate(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
