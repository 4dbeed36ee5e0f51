package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"github.com/pypottery/lens/pkg/cards"
	"github.com/pypottery/lens/pkg/export"
	"github.com/pypottery/lens/pkg/store"
	"github.com/pypottery/lens/pkg/workflow"
)

var (
	errNotFound = errors.New("project not found")
	errTooLarge = errors.New("request body too large")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "success": false})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, export.ErrInvalidAcronym),
		errors.Is(err, workflow.ErrUnknownOp),
		errors.Is(err, cards.ErrInvalidCard):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound),
		errors.Is(err, workflow.ErrProjectNotFound),
		errors.Is(err, workflow.ErrNoInput),
		errors.Is(err, cards.ErrNoTable),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, workflow.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body into v, rejecting unknown keys. An empty body
// leaves v untouched when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}
