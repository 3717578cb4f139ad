package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type errorEnvelope struct {
	Message string    `json:"message"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Message: message, Data: data})
}

// Accepted reports work that is still running; data carries its current state.
func Accepted(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Message: message, Data: data})
}

// Status writes a success envelope with an explicit status code.
func Status(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Message: message, Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		Message: message,
		Error: errorBody{
			Code:    code,
			Details: details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
