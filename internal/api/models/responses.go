package models

import (
	"github.com/nkkko/clubpulse/internal/health"
	"github.com/nkkko/clubpulse/internal/notification"
)

// NotificationList is the body of GET /notifications
type NotificationList struct {
	Notifications []notification.Record `json:"notifications"`
}

// ListMeta accompanies NotificationList
type ListMeta struct {
	Total       int `json:"total"`
	UnreadCount int `json:"unreadCount"`
}

// UnreadCountResponse is the body of GET /notifications/unread-count
type UnreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

// BulkResult reports a best-effort bulk operation
type BulkResult struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
}

// StatusResponse describes connection, identity and server health
type StatusResponse struct {
	State      string               `json:"state"`
	RetryCount int                  `json:"retryCount"`
	UserID     *int64               `json:"userId"`
	Topic      string               `json:"topic,omitempty"`
	Server     health.Status        `json:"server"`
	Toasts     []notification.Toast `json:"toasts"`
}

// SessionResponse is returned after the token changes
type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        *int64 `json:"userId"`
}
