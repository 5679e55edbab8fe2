package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/paybychance/paybychance/internal/models"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse is the {"success":true,"data":...} wrapper used by the
// WordPress-style endpoints.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// respondWithEnvelope writes a Context Proxy envelope with HTTP 200.
func respondWithEnvelope(w http.ResponseWriter, ok bool, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "ENCODE_FAILED", "Failed to encode response")
		return
	}
	respondWithJSON(w, http.StatusOK, models.ProxyEnvelope{
		OK:     ok,
		Status: status,
		Data:   raw,
	})
}
