package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nkkko/clubpulse/internal/api/errors"
	"github.com/nkkko/clubpulse/internal/api/models"
	"github.com/nkkko/clubpulse/internal/api/response"
	"github.com/nkkko/clubpulse/internal/api/validation"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/transport"
)

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	state := a.deps.Connection.State()
	status := http.StatusOK
	if state != transport.StateConnected {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, map[string]string{"state": state.String()})
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	records := a.deps.Notifications.Records()

	if r.URL.Query().Get("unread") == "true" {
		unread := make([]notification.Record, 0, len(records))
		for _, rec := range records {
			if !rec.Seen {
				unread = append(unread, rec)
			}
		}
		records = unread
	}

	response.WithMeta(w, r, http.StatusOK,
		models.NotificationList{Notifications: records},
		models.ListMeta{Total: len(records), UnreadCount: a.deps.Notifications.UnreadCount()},
	)
}

func (a *API) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := validation.PathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	rec, ok := a.deps.Notifications.Get(id)
	if !ok {
		response.Error(w, r, errors.NotFoundError("notification_not_found", "Notification not found"))
		return
	}
	response.JSON(w, r, http.StatusOK, rec)
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.UnreadCountResponse{UnreadCount: a.deps.Notifications.UnreadCount()})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	page, err := validation.QueryInt(r, "page", 0)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	size, err := validation.QueryInt(r, "size", 0)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Notifications.Refresh(r.Context(), page, size); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.UnreadCountResponse{UnreadCount: a.deps.Notifications.UnreadCount()})
}

func (a *API) handleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, err := validation.PathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Notifications.MarkAsRead(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}
	rec, _ := a.deps.Notifications.Get(id)
	response.JSON(w, r, http.StatusOK, rec)
}

func (a *API) handleMarkManyAsRead(w http.ResponseWriter, r *http.Request) {
	var req models.IDsRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	n := a.deps.Notifications.MarkManyAsRead(r.Context(), req.IDs)
	response.JSON(w, r, http.StatusOK, models.BulkResult{Requested: len(req.IDs), Succeeded: n})
}

func (a *API) handleMarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	unread := a.deps.Notifications.UnreadCount()
	n := a.deps.Notifications.MarkAllAsRead(r.Context())
	response.JSON(w, r, http.StatusOK, models.BulkResult{Requested: unread, Succeeded: n})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := validation.PathID(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Notifications.Delete(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	var req models.IDsRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	n := a.deps.Notifications.DeleteMany(r.Context(), req.IDs)
	response.JSON(w, r, http.StatusOK, models.BulkResult{Requested: len(req.IDs), Succeeded: n})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := models.StatusResponse{
		State:      a.deps.Connection.State().String(),
		RetryCount: a.deps.Connection.RetryCount(),
		Topic:      a.deps.Notifications.Topic(),
		Server:     a.deps.Health.Status(),
		Toasts:     []notification.Toast{},
	}
	if id, ok := a.deps.Notifications.UserID(); ok {
		resp.UserID = &id
	}
	if a.deps.Toasts != nil {
		resp.Toasts = a.deps.Toasts.Recent()
	}
	response.JSON(w, r, http.StatusOK, resp)
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Connection.Reconnect(); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, map[string]string{"state": a.deps.Connection.State().String()})
}

func (a *API) handleDismissOffline(w http.ResponseWriter, r *http.Request) {
	a.deps.Health.Dismiss()
	response.JSON(w, r, http.StatusOK, a.deps.Health.Status())
}

func (a *API) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if req.Token == "" {
		a.deps.Session.Invalidate()
	} else if err := a.deps.Session.SetToken(req.Token); err != nil {
		response.Error(w, r, err)
		return
	}

	identity := a.deps.Session.Identity()
	response.JSON(w, r, http.StatusOK, models.SessionResponse{
		Authenticated: identity.Authenticated(),
		UserID:        identity.UserID,
	})
}
