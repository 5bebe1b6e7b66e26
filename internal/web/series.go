package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/macjediwizard/familyhub/internal/caldav"
	"github.com/macjediwizard/familyhub/internal/db"
)

const maxSeriesMonths = 12

var errInvalidSeries = errors.New("invalid series")

// weekdays maps 0 (Sunday) through 6 (Saturday) onto rrule weekdays.
var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// APICreateSeriesRequest describes a weekly recurring event.
type APICreateSeriesRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	StartDate      string   `json:"start_date"`
	Days           []int    `json:"days"`
	Months         int      `json:"months"`
	Time           string   `json:"time"`
	EndTime        string   `json:"end_time"`
	AllDay         bool     `json:"all_day"`
	Color          string   `json:"color"`
	SyncAccountIDs []string `json:"sync_account_ids"`
}

// expandWeekly returns every date on the given weekdays from start until
// start plus months, end exclusive.
func expandWeekly(start time.Time, days []int, months int) ([]time.Time, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("%w: at least one day is required", errInvalidSeries)
	}
	if months < 1 || months > maxSeriesMonths {
		return nil, fmt.Errorf("%w: months must be 1-%d", errInvalidSeries, maxSeriesMonths)
	}

	byDay := make([]rrule.Weekday, 0, len(days))
	seen := make(map[int]bool, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("%w: days must be 0-6", errInvalidSeries)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		byDay = append(byDay, weekdays[d])
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   start,
		Until:     start.AddDate(0, months, 0).Add(-time.Second),
		Byweekday: byDay,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidSeries, err)
	}
	return rule.All(), nil
}

// APICreateSeries expands and stores a recurring series, then mirrors every
// member to the requested accounts.
func (h *Handlers) APICreateSeries(c *gin.Context) {
	var req APICreateSeriesRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_date must be YYYY-MM-DD"})
		return
	}
	if err := validateTargets(req.SyncAccountIDs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dates, err := expandWeekly(start, req.Days, req.Months)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(dates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Series has no occurrences"})
		return
	}

	groupID := uuid.New().String()
	events := make([]*db.CalendarEvent, 0, len(dates))
	for _, d := range dates {
		event := &db.CalendarEvent{
			Title:            req.Title,
			Description:      req.Description,
			Date:             d.Format(dateLayout),
			Time:             req.Time,
			EndTime:          req.EndTime,
			AllDay:           req.AllDay,
			Color:            req.Color,
			RecurringGroupID: groupID,
		}
		if err := validateEvent(event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events = append(events, event)
	}

	if err := h.db.CreateCalendarEvents(events); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create series")})
		return
	}

	result := make([]*APIEvent, 0, len(events))
	for _, e := range events {
		result = append(result, eventToAPI(e, nil))
	}
	c.JSON(http.StatusCreated, gin.H{"recurring_group_id": groupID, "count": len(events), "events": result})

	if len(req.SyncAccountIDs) > 0 {
		accountIDs := req.SyncAccountIDs
		h.dispatch("sync create series", db.SeriesKey(groupID), func(ctx context.Context) ([]*caldav.SyncReport, error) {
			return h.syncer.SyncCreateSeries(ctx, events, accountIDs)
		})
	}
}

// APIUpdateSeries applies a partial update to every member of a series.
// Member dates cannot be changed this way.
func (h *Handlers) APIUpdateSeries(c *gin.Context) {
	groupID := c.Param("groupId")

	var req APIUpdateEventRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Date.IsPresent() || req.EndDate.IsPresent() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Series dates cannot be changed"})
		return
	}
	desired, retarget := req.SyncAccountIDs.Get()
	if err := validateTargets(desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, ok := h.loadSeries(c, groupID)
	if !ok {
		return
	}

	for _, event := range events {
		req.apply(event, false)
		if err := validateEvent(event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	for _, event := range events {
		if err := h.db.UpdateCalendarEvent(event); err != nil && !errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update series")})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"recurring_group_id": groupID, "count": len(events)})

	key := db.SeriesKey(groupID)
	if retarget {
		h.dispatch("sync diff series", key, func(ctx context.Context) ([]*caldav.SyncReport, error) {
			current, err := h.currentSeries(groupID)
			if err != nil {
				return nil, err
			}
			return h.syncer.SyncDiffSeries(ctx, current, desired)
		})
		return
	}
	h.dispatch("sync update series", key, func(ctx context.Context) ([]*caldav.SyncReport, error) {
		current, err := h.currentSeries(groupID)
		if err != nil {
			return nil, err
		}
		return h.syncer.SyncUpdateSeries(ctx, current)
	})
}

// APIDeleteSeries deletes every member of a series and their remote copies.
func (h *Handlers) APIDeleteSeries(c *gin.Context) {
	groupID := c.Param("groupId")

	events, ok := h.loadSeries(c, groupID)
	if !ok {
		return
	}

	snapshots := make([]caldav.EventMappings, 0, len(events))
	for _, e := range events {
		mappings, err := h.db.ListEventSyncsByEvent(e.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete series")})
			return
		}
		if len(mappings) > 0 {
			snapshots = append(snapshots, caldav.EventMappings{EventID: e.ID, Mappings: mappings})
		}
	}

	deleted, err := h.db.DeleteEventsByGroup(groupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete series")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Series deleted", "count": deleted})

	if len(snapshots) > 0 {
		h.dispatch("sync delete series", db.SeriesKey(groupID), func(ctx context.Context) ([]*caldav.SyncReport, error) {
			return h.syncer.SyncDeleteSeries(ctx, snapshots)
		})
	}
}

func (h *Handlers) loadSeries(c *gin.Context, groupID string) ([]*db.CalendarEvent, bool) {
	events, err := h.db.ListEventsByGroup(groupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load series")})
		return nil, false
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Series not found"})
		return nil, false
	}
	return events, true
}

func (h *Handlers) currentSeries(groupID string) ([]*db.CalendarEvent, error) {
	events, err := h.db.ListEventsByGroup(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", caldav.ErrStore, err)
	}
	return events, nil
}
