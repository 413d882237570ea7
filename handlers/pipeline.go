package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/camden-git/geophotos/config"
	"github.com/camden-git/geophotos/dedupe"
	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/services"
)

type Processor interface {
	ProcessDirectory(ctx context.Context, dir string, force bool) (*services.ProcessStats, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, resolution int, recalculate bool) (*services.GeocodeStats, error)
}

type DuplicateFinder interface {
	FindDuplicates(ctx context.Context, threshold int) ([]dedupe.Group, error)
	CompareImages(pathA, pathB string) (media.Comparison, error)
}

type Estimator interface {
	Estimate(ctx context.Context, showDistribution bool) (*services.Estimate, error)
}

// PipelineHandler exposes the enrichment runs over HTTP. Paths in requests
// are relative to the configured root directory.
type PipelineHandler struct {
	Cfg        config.Config
	Processing Processor
	Geocoding  Geocoder
	Duplicates DuplicateFinder
	Estimates  Estimator
	Log        *zap.Logger
}

func (h *PipelineHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// resolveUnderRoot joins a client supplied relative path onto root without
// letting it escape.
func resolveUnderRoot(root, rel string) string {
	cleaned := filepath.Clean("/" + filepath.FromSlash(strings.TrimSpace(rel)))
	return filepath.Join(root, cleaned)
}

// decodeBody accepts an empty body as "all defaults".
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *PipelineHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return
	}

	dir := resolveUnderRoot(h.Cfg.RootDirectory, req.Path)
	stats, err := h.Processing.ProcessDirectory(r.Context(), dir, req.Force)
	if err != nil {
		var partial interface{}
		if stats != nil {
			partial = stats
		}
		writeServiceError(w, h.logger(), err, partial)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *PipelineHandler) Geocode(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Resolution  *int `json:"resolution"`
		Recalculate bool `json:"recalculate"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		WriteAPIError(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return
	}
	resolution := h.Cfg.GeocodeResolution
	if req.Resolution != nil {
		resolution = *req.Resolution
	}

	stats, err := h.Geocoding.Geocode(r.Context(), resolution, req.Recalculate)
	if err != nil {
		var partial interface{}
		if stats != nil {
			partial = stats
		}
		writeServiceError(w, h.logger(), err, partial)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *PipelineHandler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	threshold := h.Cfg.DuplicateThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 64 {
			WriteAPIError(w, http.StatusBadRequest, "invalid_threshold", fmt.Sprintf("threshold must be an integer in [0, 64], got %q", raw))
			return
		}
		threshold = n
	}

	groups, err := h.Duplicates.FindDuplicates(r.Context(), threshold)
	if err != nil {
		writeServiceError(w, h.logger(), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threshold": threshold, "groups": groups})
}

func (h *PipelineHandler) CompareImages(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		WriteAPIError(w, http.StatusBadRequest, "missing_parameter", "Query parameters a and b are required")
		return
	}

	res, err := h.Duplicates.CompareImages(resolveUnderRoot(h.Cfg.RootDirectory, a), resolveUnderRoot(h.Cfg.RootDirectory, b))
	if err != nil {
		writeServiceError(w, h.logger(), err, nil)
		return
	}
	// report the paths as the client sent them
	res.PathA, res.PathB = a, b
	writeJSON(w, http.StatusOK, res)
}

func (h *PipelineHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	show, _ := strconv.ParseBool(r.URL.Query().Get("distribution"))
	est, err := h.Estimates.Estimate(r.Context(), show)
	if err != nil {
		writeServiceError(w, h.logger(), err, nil)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
