package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}

func respondKindError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, errorBody{Error: message, ErrorKind: kind})
}

// decodeJSONStrict reads exactly one JSON object with no unknown fields.
func decodeJSONStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		default:
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if decoder.More() {
		return errors.New("request must contain exactly one JSON object")
	}
	return nil
}
