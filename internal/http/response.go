package httpapi

import (
	"encoding/json"
	"net/http"

	"mealcredits/internal/entitlement"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// decisionStatus maps a gate decision to the status code the client keys its
// next step on.
func decisionStatus(d entitlement.Decision) int {
	if d.Authorized {
		return http.StatusOK
	}
	switch d.Denial {
	case entitlement.DenyInsufficientCredits:
		return http.StatusPaymentRequired
	case entitlement.DenyFreebieUsed:
		return http.StatusForbidden
	case entitlement.DenyAdCancelled, entitlement.DenyAdFailed:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
