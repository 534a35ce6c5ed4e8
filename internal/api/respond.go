package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/model"
)

const maxBodyBytes = 1 << 20

// Error is the JSON error body.
type Error struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Adapters []string `json:"adapters,omitempty"`
	Status   int      `json:"-"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

// toError maps domain errors to HTTP statuses.
func toError(err error) Error {
	var (
		protected *model.ProtectedResourceError
		dup       *model.DuplicatePriorityError
		verrs     validator.ValidationErrors
	)
	switch {
	case errors.As(err, &protected):
		return Error{Code: "protected_resource", Message: protected.Error(), Status: http.StatusForbidden}
	case errors.As(err, &dup):
		return Error{Code: "duplicate_priority", Message: dup.Error(), Adapters: dup.Adapters, Status: http.StatusConflict}
	case errors.Is(err, model.ErrNotFound):
		return Error{Code: "not_found", Message: err.Error(), Status: http.StatusNotFound}
	case errors.Is(err, model.ErrVersionConflict):
		return Error{Code: "version_conflict", Message: err.Error(), Status: http.StatusConflict}
	case errors.Is(err, model.ErrReconciliationConflict):
		return Error{Code: "reconciliation_conflict", Message: err.Error(), Status: http.StatusConflict}
	case errors.Is(err, model.ErrInvalidProfile):
		return Error{Code: "invalid_profile", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.Is(err, model.ErrInvalidSelection):
		return Error{Code: "invalid_selection", Message: err.Error(), Status: http.StatusUnprocessableEntity}
	case errors.Is(err, model.ErrInvalidRequest), errors.As(err, &verrs):
		return Error{Code: "invalid_request", Message: err.Error(), Status: http.StatusBadRequest}
	default:
		return Error{Code: "internal", Message: "internal error", Status: http.StatusInternalServerError}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := toError(err)
	if e.Status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, e.Status, e)
}

// decode reads a JSON body into v and validates its tags.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return eris.Wrapf(model.ErrInvalidRequest, "api: decode body: %v", err)
	}
	if err := model.ValidateStruct(v); err != nil {
		return eris.Wrapf(model.ErrInvalidRequest, "api: %v", err)
	}
	return nil
}
