package notification

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Reporter surfaces failed operations to the user
type Reporter interface {
	Report(operation string, err error)
}

// Toast is a user-facing error message
type Toast struct {
	Time      time.Time `json:"time"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
}

// ToastBuffer keeps the most recent toasts for display
type ToastBuffer struct {
	mu     sync.Mutex
	toasts []Toast
	limit  int
	now    func() time.Time
}

// NewToastBuffer creates a buffer holding up to limit toasts
func NewToastBuffer(limit int) *ToastBuffer {
	if limit <= 0 {
		limit = 20
	}
	return &ToastBuffer{limit: limit, now: time.Now}
}

// Report implements Reporter
func (b *ToastBuffer) Report(operation string, err error) {
	if err == nil {
		return
	}
	log.Warn().Str("component", "notification").Str("operation", operation).Err(err).Msg("Operation failed")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.toasts = append(b.toasts, Toast{Time: b.now(), Operation: operation, Message: err.Error()})
	if len(b.toasts) > b.limit {
		b.toasts = b.toasts[len(b.toasts)-b.limit:]
	}
}

// Recent returns the buffered toasts, oldest first
func (b *ToastBuffer) Recent() []Toast {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Toast, len(b.toasts))
	copy(out, b.toasts)
	return out
}

// Clear drops all toasts
func (b *ToastBuffer) Clear() {
	b.mu.Lock()
	b.toasts = nil
	b.mu.Unlock()
}
