package api

import (
	"errors"
	"net/http"

	"github.com/flowgate/ctrlplane/internal/daemon/httputil"
	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
)

// errorResponse is the normalised error envelope spec §7 requires users
// see: {code, message, details}.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeErr maps an internal error to its HTTP status and normalised body
// per the taxonomy in spec §7. Kinds not matched here (Fatal, generic Go
// errors) fall through to 500.
func writeErr(w http.ResponseWriter, err error) {
	var (
		conflict   *ctrlerrors.ConflictError
		notFound   *ctrlerrors.NotFoundError
		validation *ctrlerrors.ValidationError
		policy     *ctrlerrors.PolicyDeniedError
		approval   *ctrlerrors.ApprovalRequiredError
		budget     *ctrlerrors.BudgetExceededError
		leaseBusy  *ctrlerrors.LeaseBusyError
		transient  *ctrlerrors.TransientError
	)

	switch {
	case errors.As(err, &notFound):
		writeCode(w, http.StatusNotFound, "not_found", err)
	case errors.As(err, &conflict):
		writeCode(w, http.StatusConflict, "conflict", err)
	case errors.As(err, &validation):
		writeCode(w, http.StatusBadRequest, "validation", err)
	case errors.As(err, &policy):
		writeCode(w, http.StatusForbidden, "policy_denied", err)
	case errors.As(err, &approval):
		writeCode(w, http.StatusAccepted, "approval_required", err)
	case errors.As(err, &budget):
		writeCode(w, http.StatusTooManyRequests, "budget_exceeded", err)
	case errors.As(err, &leaseBusy):
		writeCode(w, http.StatusConflict, "lease_busy", err)
	case errors.As(err, &transient):
		writeCode(w, http.StatusServiceUnavailable, "transient", err)
	default:
		writeCode(w, http.StatusInternalServerError, "internal", err)
	}
}

func writeCode(w http.ResponseWriter, status int, code string, err error) {
	httputil.WriteJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}
