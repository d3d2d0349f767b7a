package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"securechat/internal/service"
)

type rotateKeysRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func handleInitEncryption(enc *service.EncryptionService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pw, ok := encryptionPassword(w, r)
		if !ok {
			return
		}
		pub, err := enc.InitializeUserEncryption(r.Context(), CurrentUser(r).ID, pw)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"public_key": pub})
	}
}

func handleRotateKeys(enc *service.EncryptionService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rotateKeysRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := enc.RotateUserKeys(r.Context(), CurrentUser(r).ID, req.OldPassword, req.NewPassword)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEncryptionStatus(enc *service.EncryptionService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := enc.Status(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}
