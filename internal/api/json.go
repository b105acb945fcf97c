package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"fleetopt/internal/opt"
	"fleetopt/internal/pathfind"
	"fleetopt/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps domain errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := http.StatusInternalServerError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, opt.ErrInvalidInput):
		status, title = http.StatusBadRequest, "Invalid input"
	case errors.Is(err, store.ErrNotFound):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, pathfind.ErrNoPath):
		status, title = http.StatusNotFound, "No path"
	case errors.Is(err, pathfind.ErrExpansionLimit):
		status, title = http.StatusUnprocessableEntity, "Search limit reached"
	case errors.As(err, &tooLarge):
		status, title = http.StatusRequestEntityTooLarge, "Request too large"
	case errors.Is(err, context.DeadlineExceeded):
		status, title = http.StatusGatewayTimeout, "Timed out"
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

// decodeJSON reads the body into v and validates it. Errors wrap
// opt.ErrInvalidInput unless the body was too large.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: invalid JSON: %v", opt.ErrInvalidInput, err)
	}
	return s.validateStruct(v)
}
