package db

import (
	"time"
)

// SyncStatus represents the outcome of a single per-account sync action.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
	SyncStatusSkipped SyncStatus = "skipped"
)

// SyncAction names the remote operation a sync log entry records.
type SyncAction string

const (
	SyncActionCreate SyncAction = "create"
	SyncActionUpdate SyncAction = "update"
	SyncActionDelete SyncAction = "delete"
)

// SyncAccount is one external CalDAV destination.
type SyncAccount struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	AppPassword  string    `json:"-"` // Never include in JSON
	CalendarURL  string    `json:"calendar_url"`
	CalendarName string    `json:"calendar_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CalendarEvent is a locally stored event. Date and time values are floating:
// dates are YYYY-MM-DD, times HH:MM, and empty strings mean unset.
type CalendarEvent struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	EndDate          string    `json:"end_date"`
	EndTime          string    `json:"end_time"`
	AllDay           bool      `json:"all_day"`
	Color            string    `json:"color"`
	RecurringGroupID string    `json:"recurring_group_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SeriesKey is the background sync key shared by every member of a series.
func SeriesKey(groupID string) string {
	return "series:" + groupID
}

// SyncKey is the key background sync work for this event is serialized on:
// the series key for series members, otherwise the event id.
func (e *CalendarEvent) SyncKey() string {
	if e.RecurringGroupID != "" {
		return SeriesKey(e.RecurringGroupID)
	}
	return e.ID
}

// EventSync maps one (event, account) pair to the remote object UID.
// An empty ICalUID means the remote object has not been created yet.
type EventSync struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	ICalUID   string    `json:"ical_uid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pending reports whether the remote object still has to be created.
func (s *EventSync) Pending() bool {
	return s.ICalUID == ""
}

// SyncLog records the outcome of one remote action for one account.
type SyncLog struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	EventID   string        `json:"event_id"`
	Action    SyncAction    `json:"action"`
	Status    SyncStatus    `json:"status"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}
