package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps an AMM error class onto an HTTP status.
func respondError(w http.ResponseWriter, err error) {
	class := domain.Class(err)
	respondJSON(w, statusFor(class), ErrorResponse{Error: err.Error(), Class: class})
}

func statusFor(class string) int {
	switch class {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "cap_exceeded", "deposit_cap_exceeded", "insufficient_liquidity":
		return http.StatusUnprocessableEntity
	case "slippage_exceeded", "state":
		return http.StatusConflict
	case "not_whitelisted", "insufficient_stake":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

var errNoJournal = errors.New("journal not configured")
