package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/camden-git/geophotos/media"
	"github.com/camden-git/geophotos/services"
)

// APIErrorDetail represents a single error in the standardized error response.
type APIErrorDetail struct {
	Code   string `json:"code"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// APIErrorResponse represents the standardized error response body.
type APIErrorResponse struct {
	Errors []APIErrorDetail `json:"errors"`
}

// WriteAPIError writes a standardized error response with the given HTTP status, code, and detail.
func WriteAPIError(w http.ResponseWriter, httpStatus int, code string, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	resp := APIErrorResponse{
		Errors: []APIErrorDetail{
			{
				Code:   code,
				Status: strconv.Itoa(httpStatus),
				Detail: detail,
			},
		},
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeServiceError maps service errors onto API errors. Interrupted runs
// still report their partial stats when any are available.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error, partial interface{}) {
	switch {
	case errors.Is(err, services.ErrStoreUnavailable):
		WriteAPIError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	case errors.Is(err, services.ErrInvalidArgument):
		WriteAPIError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if partial != nil {
			writeJSON(w, http.StatusServiceUnavailable, partial)
			return
		}
		WriteAPIError(w, http.StatusServiceUnavailable, "interrupted", err.Error())
	case media.IsDecodeError(err):
		WriteAPIError(w, http.StatusUnprocessableEntity, "decode_failed", err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		WriteAPIError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
