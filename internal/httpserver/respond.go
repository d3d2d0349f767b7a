package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"securechat/internal/domain"
)

// PasswordHeader carries the encryption password on requests that unwrap a
// room key. It is read per request and never stored.
const PasswordHeader = "X-Encryption-Password"

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors onto HTTP. Access denial is reported as not
// found so room existence does not leak.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAccessDenied):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, domain.ErrInvalidCredential):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid encryption password", Code: "invalid_credential"})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthorized"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_input"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, domain.ErrDecryptionFailure):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: domain.ErrDecryptionFailure.Error(), Code: "decryption_failed"})
	case errors.Is(err, domain.ErrEncryptionFailure):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: domain.ErrEncryptionFailure.Error(), Code: "encryption_failed"})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: domain.ErrInternal.Error(), Code: "internal"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Code: "invalid_input"})
		return false
	}
	return true
}

// encryptionPassword reads PasswordHeader, answering 401 when it is absent.
func encryptionPassword(w http.ResponseWriter, r *http.Request) (string, bool) {
	pw := r.Header.Get(PasswordHeader)
	if pw == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "encryption password required", Code: "password_required"})
		return "", false
	}
	return pw, true
}
