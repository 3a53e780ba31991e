package server

import (
	"encoding/json"
	"net/http"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/schedule"
	"github.com/sangamhq/jobengine/store"
	"github.com/sangamhq/jobengine/template"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorResponse struct {
	Error              string `json:"error"`
	RunningExecutionID string `json:"runningExecutionId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, template.ErrUnknownTemplate),
		errors.Is(err, template.ErrValidation),
		errors.Is(err, schedule.ErrInvalidSchedule),
		errors.Is(err, schedule.ErrInvalidCronExpression):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBusy), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
