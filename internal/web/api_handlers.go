package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/mo"

	"github.com/macjediwizard/familyhub/internal/caldav"
	"github.com/macjediwizard/familyhub/internal/db"
)

const (
	dateLayout    = "2006-01-02"
	timeLayout    = "15:04"
	maxTitleLen   = 200
	maxDescLen    = 4000
	maxColorLen   = 32
	maxSyncTarget = 20
)

var errInvalidEvent = errors.New("invalid event")

// APIEvent represents an event in JSON format for the API.
type APIEvent struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Date             string   `json:"date"`
	Time             string   `json:"time"`
	EndDate          string   `json:"end_date"`
	EndTime          string   `json:"end_time"`
	AllDay           bool     `json:"all_day"`
	Color            string   `json:"color"`
	RecurringGroupID string   `json:"recurring_group_id,omitempty"`
	SyncAccountIDs   []string `json:"sync_account_ids"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// APIEventSync describes one account an event is mirrored to.
type APIEventSync struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	ICalUID     string `json:"ical_uid,omitempty"`
	Pending     bool   `json:"pending"`
	UpdatedAt   string `json:"updated_at"`
}

// APICreateEventRequest represents the request body for creating an event.
type APICreateEventRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Date           string   `json:"date"`
	Time           string   `json:"time"`
	EndDate        string   `json:"end_date"`
	EndTime        string   `json:"end_time"`
	AllDay         bool     `json:"all_day"`
	Color          string   `json:"color"`
	SyncAccountIDs []string `json:"sync_account_ids"`
}

// APIUpdateEventRequest is a partial update. Absent (or null) fields are left
// unchanged; sync_account_ids, when present, replaces the target set.
type APIUpdateEventRequest struct {
	Title          mo.Option[string]   `json:"title"`
	Description    mo.Option[string]   `json:"description"`
	Date           mo.Option[string]   `json:"date"`
	Time           mo.Option[string]   `json:"time"`
	EndDate        mo.Option[string]   `json:"end_date"`
	EndTime        mo.Option[string]   `json:"end_time"`
	AllDay         mo.Option[bool]     `json:"all_day"`
	Color          mo.Option[string]   `json:"color"`
	SyncAccountIDs mo.Option[[]string] `json:"sync_account_ids"`
}

// apply copies present fields onto event. Dates are skipped when
// withDates is false (series members keep their own dates).
func (r *APIUpdateEventRequest) apply(event *db.CalendarEvent, withDates bool) {
	if v, ok := r.Title.Get(); ok {
		event.Title = v
	}
	if v, ok := r.Description.Get(); ok {
		event.Description = v
	}
	if withDates {
		if v, ok := r.Date.Get(); ok {
			event.Date = v
		}
		if v, ok := r.EndDate.Get(); ok {
			event.EndDate = v
		}
	}
	if v, ok := r.Time.Get(); ok {
		event.Time = v
	}
	if v, ok := r.EndTime.Get(); ok {
		event.EndTime = v
	}
	if v, ok := r.AllDay.Get(); ok {
		event.AllDay = v
	}
	if v, ok := r.Color.Get(); ok {
		event.Color = v
	}
}

func eventToAPI(e *db.CalendarEvent, mappings []*db.EventSync) *APIEvent {
	api := &APIEvent{
		ID:               e.ID,
		Title:            e.Title,
		Description:      e.Description,
		Date:             e.Date,
		Time:             e.Time,
		EndDate:          e.EndDate,
		EndTime:          e.EndTime,
		AllDay:           e.AllDay,
		Color:            e.Color,
		RecurringGroupID: e.RecurringGroupID,
		SyncAccountIDs:   make([]string, 0, len(mappings)),
		CreatedAt:        e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        e.UpdatedAt.Format(time.RFC3339),
	}
	for _, m := range mappings {
		api.SyncAccountIDs = append(api.SyncAccountIDs, m.AccountID)
	}
	return api
}

// validateEvent checks field formats. All-day events drop their times.
func validateEvent(e *db.CalendarEvent) error {
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return fmt.Errorf("%w: title is required", errInvalidEvent)
	}
	if len(e.Title) > maxTitleLen {
		return fmt.Errorf("%w: title is too long", errInvalidEvent)
	}
	if len(e.Description) > maxDescLen {
		return fmt.Errorf("%w: description is too long", errInvalidEvent)
	}
	if len(e.Color) > maxColorLen {
		return fmt.Errorf("%w: color is too long", errInvalidEvent)
	}

	start, err := time.Parse(dateLayout, e.Date)
	if err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", errInvalidEvent)
	}
	if e.EndDate != "" {
		end, err := time.Parse(dateLayout, e.EndDate)
		if err != nil {
			return fmt.Errorf("%w: end_date must be YYYY-MM-DD", errInvalidEvent)
		}
		if end.Before(start) {
			return fmt.Errorf("%w: end_date is before date", errInvalidEvent)
		}
	}

	if e.AllDay {
		e.Time = ""
		e.EndTime = ""
		return nil
	}
	for name, v := range map[string]string{"time": e.Time, "end_time": e.EndTime} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(timeLayout, v); err != nil {
			return fmt.Errorf("%w: %s must be HH:MM", errInvalidEvent, name)
		}
	}
	return nil
}

func validateTargets(ids []string) error {
	if len(ids) > maxSyncTarget {
		return fmt.Errorf("%w: too many sync accounts", errInvalidEvent)
	}
	return nil
}

// monthRange returns the [from, to) date bounds for ?month=&year=, or the
// explicit ?from=&to= bounds.
func monthRange(c *gin.Context) (string, string, error) {
	if c.Query("month") == "" && c.Query("year") == "" {
		from, to := c.Query("from"), c.Query("to")
		for _, v := range []string{from, to} {
			if v == "" {
				continue
			}
			if _, err := time.Parse(dateLayout, v); err != nil {
				return "", "", fmt.Errorf("invalid date %q", v)
			}
		}
		return from, to, nil
	}

	month, err := strconv.Atoi(c.Query("month"))
	if err != nil || month < 1 || month > 12 {
		return "", "", errors.New("month must be 1-12")
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil || year < 1 || year > 9999 {
		return "", "", errors.New("invalid year")
	}

	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return first.Format(dateLayout), first.AddDate(0, 1, 0).Format(dateLayout), nil
}

// APIListEvents returns events, optionally restricted to one month.
func (h *Handlers) APIListEvents(c *gin.Context) {
	from, to, err := monthRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := h.db.ListCalendarEvents(from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
		return
	}

	result := make([]*APIEvent, 0, len(events))
	for _, e := range events {
		mappings, err := h.db.ListEventSyncsByEvent(e.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
			return
		}
		result = append(result, eventToAPI(e, mappings))
	}

	c.JSON(http.StatusOK, gin.H{"events": result})
}

// APIGetEvent returns a single event.
func (h *Handlers) APIGetEvent(c *gin.Context) {
	event, ok := h.loadEvent(c)
	if !ok {
		return
	}

	mappings, err := h.db.ListEventSyncsByEvent(event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load event")})
		return
	}

	c.JSON(http.StatusOK, eventToAPI(event, mappings))
}

// APIGetEventSync returns the accounts an event is mirrored to.
func (h *Handlers) APIGetEventSync(c *gin.Context) {
	event, ok := h.loadEvent(c)
	if !ok {
		return
	}

	mappings, err := h.db.ListEventSyncsByEvent(event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load sync status")})
		return
	}

	result := make([]APIEventSync, 0, len(mappings))
	for _, m := range mappings {
		name := ""
		if account, err := h.db.GetSyncAccount(m.AccountID); err == nil {
			name = account.Name
		}
		result = append(result, APIEventSync{
			AccountID:   m.AccountID,
			AccountName: name,
			ICalUID:     m.ICalUID,
			Pending:     m.Pending(),
			UpdatedAt:   m.UpdatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id": event.ID,
		"syncing":  h.tracker.IsKeyBusy(event.SyncKey()),
		"syncs":    result,
	})
}

// APICreateEvent stores an event and mirrors it to the requested accounts.
func (h *Handlers) APICreateEvent(c *gin.Context) {
	var req APICreateEventRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	event := &db.CalendarEvent{
		Title:       req.Title,
		Description: req.Description,
		Date:        req.Date,
		Time:        req.Time,
		EndDate:     req.EndDate,
		EndTime:     req.EndTime,
		AllDay:      req.AllDay,
		Color:       req.Color,
	}
	if err := validateEvent(event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateTargets(req.SyncAccountIDs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.CreateCalendarEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create event")})
		return
	}

	c.JSON(http.StatusCreated, eventToAPI(event, nil))

	if len(req.SyncAccountIDs) > 0 {
		accountIDs := req.SyncAccountIDs
		h.dispatch("sync create", event.SyncKey(), func(ctx context.Context) ([]*caldav.SyncReport, error) {
			return single(h.syncer.SyncCreate(ctx, event, accountIDs))
		})
	}
}

// APIUpdateEvent applies a partial update and re-syncs the event.
func (h *Handlers) APIUpdateEvent(c *gin.Context) {
	event, ok := h.loadEvent(c)
	if !ok {
		return
	}

	var req APIUpdateEventRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req.apply(event, true)
	if err := validateEvent(event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	desired, retarget := req.SyncAccountIDs.Get()
	if err := validateTargets(desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.UpdateCalendarEvent(event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update event")})
		return
	}

	mappings, err := h.db.ListEventSyncsByEvent(event.ID)
	if err != nil {
		mappings = nil
	}
	c.JSON(http.StatusOK, eventToAPI(event, mappings))

	eventID := event.ID
	if retarget {
		h.dispatch("sync diff", event.SyncKey(), func(ctx context.Context) ([]*caldav.SyncReport, error) {
			current, err := h.currentEvent(eventID)
			if current == nil {
				return nil, err
			}
			return single(h.syncer.SyncDiff(ctx, current, desired))
		})
		return
	}
	h.dispatch("sync update", event.SyncKey(), func(ctx context.Context) ([]*caldav.SyncReport, error) {
		current, err := h.currentEvent(eventID)
		if current == nil {
			return nil, err
		}
		return single(h.syncer.SyncUpdate(ctx, current))
	})
}

// APIDeleteEvent deletes an event and its remote copies.
func (h *Handlers) APIDeleteEvent(c *gin.Context) {
	event, ok := h.loadEvent(c)
	if !ok {
		return
	}

	// Mapping rows cascade with the event, so capture them first.
	mappings, err := h.db.ListEventSyncsByEvent(event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete event")})
		return
	}

	if err := h.db.DeleteCalendarEvent(event.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete event")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Event deleted"})

	if len(mappings) > 0 {
		eventID := event.ID
		h.dispatch("sync delete", event.SyncKey(), func(ctx context.Context) ([]*caldav.SyncReport, error) {
			return single(h.syncer.SyncDelete(ctx, eventID, mappings))
		})
	}
}

// loadEvent fetches the event named by the :id parameter, writing the error
// response itself when it cannot.
func (h *Handlers) loadEvent(c *gin.Context) (*db.CalendarEvent, bool) {
	event, err := h.db.GetCalendarEvent(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load event")})
		return nil, false
	}
	return event, true
}

// currentEvent re-reads an event inside a background task so the newest
// local state is what gets uploaded. A deleted event yields nil and no error.
func (h *Handlers) currentEvent(id string) (*db.CalendarEvent, error) {
	event, err := h.db.GetCalendarEvent(id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", caldav.ErrStore, err)
	}
	return event, nil
}
