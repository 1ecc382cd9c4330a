package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ransomeye/drc/internal/integrity"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a sentinel error from internal/integrity to an HTTP status
// and writes a JSON error body. Unrecognized errors default to 500.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, integrity.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, integrity.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, integrity.ErrSignature), errors.Is(err, integrity.ErrIntegrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, integrity.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, integrity.ErrCancelled):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// decodeBody decodes an already-read body, used where the raw bytes are
// also needed for hashing (e.g. the POST /events receipt).
func decodeBody(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func sigB64(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}
