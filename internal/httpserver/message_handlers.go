package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/service"
)

// RoomNotifier pushes events to the live sockets subscribed to a room.
type RoomNotifier interface {
	PublishToRoom(roomID, event string, payload any)
}

type messageCreateRequest struct {
	Content     string              `json:"content"`
	MessageType domain.MessageType  `json:"message_type"`
	ReplyTo     *string             `json:"reply_to"`
	Mentions    []string            `json:"mentions"`
	Attachments []domain.Attachment `json:"attachments"`
}

type messageEditRequest struct {
	Content string `json:"content"`
}

type reactionRequest struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

func handleCreateMessage(msgSvc *service.MessageService, notify RoomNotifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pw, ok := encryptionPassword(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		view, err := msgSvc.SendMessage(r.Context(), CurrentUser(r).ID, pw, service.SendMessageInput{
			RoomID:      chi.URLParam(r, "roomID"),
			Content:     req.Content,
			Type:        req.MessageType,
			ReplyTo:     req.ReplyTo,
			Mentions:    req.Mentions,
			Attachments: req.Attachments,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		if notify != nil {
			notify.PublishToRoom(view.RoomID, "message:new", view)
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func handleListMessages(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pw, ok := encryptionPassword(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		res, err := msgSvc.GetMessages(r.Context(), CurrentUser(r).ID, pw, chi.URLParam(r, "roomID"), service.ListOptions{
			Page:      page,
			Limit:     limit,
			SortOrder: q.Get("sort"),
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEditMessage(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pw, ok := encryptionPassword(w, r)
		if !ok {
			return
		}
		var req messageEditRequest
		if !decodeBody(w, r, &req) {
			return
		}
		view, err := msgSvc.EditMessage(r.Context(), CurrentUser(r).ID, pw, chi.URLParam(r, "messageID"), req.Content)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleDeleteMessage(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := msgSvc.DeleteMessage(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "messageID")); err != nil {
			writeError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleMarkRead(msgSvc *service.MessageService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := msgSvc.MarkRead(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "messageID")); err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleAddReaction(msgSvc *service.MessageService, notify RoomNotifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reactionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := msgSvc.AddReaction(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "messageID"), service.ReactionInput{
			Type:  req.Type,
			Emoji: req.Emoji,
		})
		if err != nil {
			writeError(w, log, err)
			return
		}
		if res.Changed && notify != nil {
			notify.PublishToRoom(res.Message.RoomID, "reaction:added", res.Event())
		}
		writeJSON(w, http.StatusOK, res.Message)
	}
}

func handleRemoveReaction(msgSvc *service.MessageService, notify RoomNotifier, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reactionType := r.URL.Query().Get("type")
		if reactionType == "" {
			var req reactionRequest
			if !decodeBody(w, r, &req) {
				return
			}
			reactionType = req.Type
		}
		res, err := msgSvc.RemoveReaction(r.Context(), CurrentUser(r).ID, chi.URLParam(r, "messageID"), reactionType)
		if err != nil {
			writeError(w, log, err)
			return
		}
		if res.Changed && notify != nil {
			notify.PublishToRoom(res.Message.RoomID, "reaction:removed", res.Event())
		}
		writeJSON(w, http.StatusOK, res.Message)
	}
}
