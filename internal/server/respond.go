package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/masterdata-cli/internal/model"
	"github.com/sells-group/masterdata-cli/internal/occ"
	"github.com/sells-group/masterdata-cli/internal/store"
	"github.com/sells-group/masterdata-cli/internal/validity"
)

type errorBody struct {
	Error        string `json:"error"`
	ReferenceKey string `json:"reference_key,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors to client statuses. Anything unexpected
// becomes a generic 500 carrying a correlation key; the detail stays in the
// server log only.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "record not found"})
	case eris.Is(err, store.ErrDuplicateKey):
		writeJSON(w, http.StatusConflict, errorBody{Error: "a record with the same key already exists"})
	case eris.Is(err, occ.ErrModified), eris.Is(err, occ.ErrDeleted):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case eris.Is(err, validity.ErrInvalidPeriod),
		eris.Is(err, validity.ErrPastSibling),
		eris.Is(err, validity.ErrAlreadyEffective),
		eris.Is(err, validity.ErrDeleteEffective):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case eris.Is(err, validity.ErrNotTemporal):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case isBadRequest(err):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.internalError(w, r, err)
	}
}

// internalError hides the failure behind a correlation key the user can
// quote to an administrator.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	key := uuid.New().String()
	s.log.Error("internal error",
		zap.String("reference_key", key),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error:        "an unexpected error occurred, please contact your administrator",
		ReferenceKey: key,
	})
}

func isBadRequest(err error) bool {
	var convErr *model.ConvertError
	if eris.As(err, &convErr) {
		return true
	}
	var reqErr *requestError
	return eris.As(err, &reqErr)
}

// requestError marks malformed client input.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }
