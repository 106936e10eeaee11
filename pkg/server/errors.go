package server

import (
	"errors"
	"net/http"

	"github.com/trustagent/mandates/pkg/api"
	"github.com/trustagent/mandates/pkg/lock"
	"github.com/trustagent/mandates/pkg/mandate"
	"github.com/trustagent/mandates/pkg/protocol"
)

// writeError maps registry and mandate errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mandate.ErrValidation):
		api.WriteErrorR(w, r, http.StatusBadRequest, "validation_failed", "Validation Failed", err.Error())
	case errors.Is(err, protocol.ErrNotFound):
		api.WriteErrorR(w, r, http.StatusNotFound, "mandate_not_found", "Not Found", "Mandate not found")
	case errors.Is(err, protocol.ErrForbidden):
		api.WriteErrorR(w, r, http.StatusForbidden, "forbidden", "Forbidden", "Mandate belongs to another owner")
	case errors.Is(err, mandate.ErrIntegrity):
		api.WriteErrorR(w, r, http.StatusUnprocessableEntity, "integrity_failed", "Integrity Check Failed", err.Error())
	case errors.Is(err, mandate.ErrExpired):
		api.WriteErrorR(w, r, http.StatusConflict, "mandate_expired", "Mandate Expired", err.Error())
	case errors.Is(err, mandate.ErrIllegalTransition):
		api.WriteErrorR(w, r, http.StatusConflict, "illegal_transition", "Illegal Transition", err.Error())
	case errors.Is(err, protocol.ErrPersistence), errors.Is(err, lock.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		api.WriteErrorR(w, r, http.StatusServiceUnavailable, "unavailable", "Service Unavailable", "The mandate could not be updated. Retry shortly.")
	default:
		api.WriteInternal(w, err)
	}
}
