package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RespondError maps an error onto an RFC7807 response. Handlers match their
// own domain sentinels first and fall back here for the cross-cutting cases:
// stock shortages become a 409 with the itemized per-product report, state
// transition conflicts a plain 409, validation failures a 400.
func RespondError(w http.ResponseWriter, err error) {
	var shortage *shared.InsufficientStockError
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &shortage):
		ProblemWithErrors(w, http.StatusConflict, "Insufficient Stock",
			"one or more products cannot cover the requested quantity", shortage.Shortages)
	case errors.As(err, &fieldErrs):
		Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
