package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/isaquesgti/sinistro-simplify/internal/audit"
	"github.com/isaquesgti/sinistro-simplify/internal/auth"
	"github.com/isaquesgti/sinistro-simplify/internal/messages"
	"github.com/isaquesgti/sinistro-simplify/internal/realtime"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

type messageListResponse struct {
	ClaimID  string           `json:"claim_id"`
	Messages []realtime.Entry `json:"messages"`
}

func viewerFromRequest(r *http.Request) messages.Viewer {
	userID, _ := auth.UserIDFromContext(r.Context())
	role, _ := auth.RoleFromContext(r.Context())
	return messages.Viewer{UserID: userID, Role: role}
}

func claimIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "claimID"))
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	claimID := claimIDParam(r)

	list, err := a.messages.List(r.Context(), claimID, viewer)
	if err != nil {
		handleMessageError(w, r, err)
		return
	}
	entries := make([]realtime.Entry, len(list))
	for i, m := range list {
		entries[i] = realtime.Entry{Message: m, Self: m.SenderID == viewer.UserID}
	}
	writeJSON(w, http.StatusOK, messageListResponse{ClaimID: claimID, Messages: entries})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromRequest(r)
	claimID := claimIDParam(r)

	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := a.messages.Send(r.Context(), claimID, viewer, req.Text)
	if err != nil {
		handleMessageError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "message.sent", map[string]any{
		"claim_id":   claimID,
		"message_id": msg.ID,
	})
	writeJSON(w, http.StatusCreated, realtime.Entry{Message: msg, Self: true})
}

func handleMessageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, messages.ErrInvalidClaim),
		errors.Is(err, messages.ErrEmptyText),
		errors.Is(err, messages.ErrTextTooLong):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, messages.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "claim not found")
	case errors.Is(err, messages.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "not a participant of this claim")
	case errors.Is(err, realtime.ErrNotOpen):
		writeError(w, r, http.StatusConflict, "conversation is closed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
