package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one notification belonging to the current user
type Record struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Event     *string    `json:"event"`
	Link      *string    `json:"link"`
	Seen      bool       `json:"seen"`
	CreatedAt time.Time  `json:"createdAt"`
	SeenAt    *time.Time `json:"seenAt"`
	UserID    *int64     `json:"userId,omitempty"`
}

// UserRef is the nested user object of the wire format
type UserRef struct {
	ID int64 `json:"id"`
}

// DTO is the notification wire shape shared by REST pages and live pushes
type DTO struct {
	ID        int64    `json:"id"`
	Title     string   `json:"title"`
	Message   *string  `json:"message"`
	Type      string   `json:"type"`
	Event     *string  `json:"event"`
	Link      *string  `json:"link"`
	Seen      bool     `json:"seen"`
	CreatedAt string   `json:"createdAt"`
	SeenAt    *string  `json:"seenAt"`
	User      *UserRef `json:"user"`
}

// Page is the paginated envelope returned by the notification endpoint
type Page struct {
	Content       []DTO `json:"content"`
	TotalPages    int   `json:"totalPages"`
	TotalElements int64 `json:"totalElements"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	First         bool  `json:"first"`
	Last          bool  `json:"last"`
	Empty         bool  `json:"empty"`
}

// Record converts the wire shape into a Record
func (d DTO) Record() (Record, error) {
	rec := Record{
		ID:    d.ID,
		Title: d.Title,
		Type:  d.Type,
		Event: d.Event,
		Link:  d.Link,
		Seen:  d.Seen,
	}
	if d.Message != nil {
		rec.Message = *d.Message
	}
	if d.User != nil {
		id := d.User.ID
		rec.UserID = &id
	}

	createdAt, err := ParseTime(d.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("notification %d: createdAt: %w", d.ID, err)
	}
	rec.CreatedAt = createdAt

	if d.SeenAt != nil {
		seenAt, err := ParseTime(*d.SeenAt)
		if err != nil {
			return Record{}, fmt.Errorf("notification %d: seenAt: %w", d.ID, err)
		}
		if !seenAt.IsZero() {
			rec.SeenAt = &seenAt
		}
	}
	return rec, nil
}

// Timestamp layouts accepted from the backend. Values without a zone are
// taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an ISO-8601 timestamp. An empty string yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ErrMissingID is returned for pushes without a numeric id
var ErrMissingID = errors.New("notification: payload has no id")

// Patch is a parsed live push. It remembers which fields were present so a
// merge only overwrites what the server actually sent.
type Patch struct {
	DTO
	present map[string]bool
}

// ParsePatch parses a push payload
func ParsePatch(body []byte) (*Patch, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("notification: invalid payload: %w", err)
	}
	raw, ok := fields["id"]
	if !ok || string(raw) == "null" {
		return nil, ErrMissingID
	}

	p := &Patch{present: make(map[string]bool, len(fields))}
	if err := json.Unmarshal(body, &p.DTO); err != nil {
		return nil, fmt.Errorf("notification: invalid payload: %w", err)
	}
	for k := range fields {
		p.present[k] = true
	}
	return p, nil
}

// Has reports whether field was present in the payload
func (p *Patch) Has(field string) bool {
	return p.present[field]
}

// Apply shallow-merges the present fields into rec
func (p *Patch) Apply(rec *Record) error {
	// Parse timestamps first so a bad value leaves rec untouched
	var createdAt time.Time
	var seenAt *time.Time
	if p.Has("createdAt") {
		t, err := ParseTime(p.CreatedAt)
		if err != nil {
			return fmt.Errorf("notification %d: createdAt: %w", p.ID, err)
		}
		createdAt = t
	}
	if p.Has("seenAt") && p.SeenAt != nil {
		t, err := ParseTime(*p.SeenAt)
		if err != nil {
			return fmt.Errorf("notification %d: seenAt: %w", p.ID, err)
		}
		if !t.IsZero() {
			seenAt = &t
		}
	}

	if p.Has("title") {
		rec.Title = p.Title
	}
	if p.Has("message") {
		rec.Message = ""
		if p.Message != nil {
			rec.Message = *p.Message
		}
	}
	if p.Has("type") {
		rec.Type = p.Type
	}
	if p.Has("event") {
		rec.Event = p.Event
	}
	if p.Has("link") {
		rec.Link = p.Link
	}
	if p.Has("seen") {
		rec.Seen = p.Seen
	}
	if p.Has("createdAt") {
		rec.CreatedAt = createdAt
	}
	if p.Has("seenAt") {
		rec.SeenAt = seenAt
	}
	if p.Has("user") {
		rec.UserID = nil
		if p.User != nil {
			id := p.User.ID
			rec.UserID = &id
		}
	}
	return nil
}
