package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/service"
)

type roomCreateRequest struct {
	WorkspaceID       *string              `json:"workspace_id"`
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Type              domain.RoomType      `json:"type"`
	ParticipantIDs    []string             `json:"participant_ids"`
	IsPrivate         bool                 `json:"is_private"`
	EncryptionEnabled *bool                `json:"encryption_enabled"`
	Settings          *domain.RoomSettings `json:"settings"`
}

type roomUpdateRequest struct {
	Name              *string              `json:"name"`
	Description       *string              `json:"description"`
	IsPrivate         *bool                `json:"is_private"`
	EncryptionEnabled *bool                `json:"encryption_enabled"`
	Settings          *domain.RoomSettings `json:"settings"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
}

func handleCreateRoom(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomCreateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		room, err := rooms.CreateRoom(r.Context(), CurrentUser(r).ID, service.CreateRoomInput{
			WorkspaceID:       req.WorkspaceID,
			Name:              req.Name,
			Description:       req.Description,
			Type:              req.Type,
			ParticipantIDs:    req.ParticipantIDs,
			IsPrivate:         req.IsPrivate,
			EncryptionEnabled: req.EncryptionEnabled,
			Settings:          req.Settings,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

func handleListRooms(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := rooms.ListRooms(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if list == nil {
			list = []*domain.ChatRoom{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetRoom(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := rooms.GetRoom(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleUpdateRoom(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roomUpdateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		room, err := rooms.UpdateRoom(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"), service.UpdateRoomInput{
			Name:              req.Name,
			Description:       req.Description,
			IsPrivate:         req.IsPrivate,
			EncryptionEnabled: req.EncryptionEnabled,
			Settings:          req.Settings,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleAddParticipant(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pw, ok := encryptionPassword(w, r)
		if !ok {
			return
		}
		var req addParticipantRequest
		if !decodeBody(w, r, &req) {
			return
		}
		room, err := rooms.AddParticipant(r.Context(), CurrentUser(r).ID, pw, chi.URLParam(r, "roomID"), req.UserID)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleRemoveParticipant(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := rooms.RemoveParticipant(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func handleRotateRoomKey(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		granted, err := rooms.RotateRoomKey(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
	}
}

type sessionResponse struct {
	Established  bool   `json:"established"`
	SharedSecret []byte `json:"shared_secret,omitempty"`
}

// handleSessionSecret returns the caller's pairwise secret for the room once
// a socket key exchange has produced one.
func handleSessionSecret(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret, err := rooms.SessionSecret(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{Established: secret != nil, SharedSecret: secret})
	}
}

func handlePurgeMessages(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := rooms.PurgeMessages(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "roomID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func handleEnsureGeneralRoom(rooms *service.RoomService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, created, err := rooms.EnsureWorkspaceGeneralRoom(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "workspaceID"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, room)
	}
}
