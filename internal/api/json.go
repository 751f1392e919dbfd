package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/igrechuhin/cortex/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrLockTimeout):
		return http.StatusLocked
	case errors.Is(err, apperr.ErrCircularDependency),
		errors.Is(err, apperr.ErrMaxDepthExceeded),
		errors.Is(err, apperr.ErrTargetNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrInvalidPath), errors.Is(err, apperr.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// details exposes the structured fields of known error types.
func details(err error) any {
	var (
		conflict *apperr.ConflictError
		version  *apperr.VersionNotFoundError
		cycle    *apperr.CircularDependencyError
		depth    *apperr.MaxDepthExceededError
	)
	switch {
	case errors.As(err, &conflict):
		return map[string]string{"expected": conflict.Expected, "actual": conflict.Actual}
	case errors.As(err, &version):
		return map[string]int{"requested": version.Version, "latest": version.Latest}
	case errors.As(err, &cycle):
		return map[string][]string{"cycle": cycle.Cycle}
	case errors.As(err, &depth):
		return map[string]int{"depth": depth.Depth, "limit": depth.Limit}
	}
	return nil
}

// writeError logs unexpected failures and writes the mapped status.
func writeError(w http.ResponseWriter, op, path string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Details: details(err)})
}
