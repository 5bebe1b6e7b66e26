// Package ics renders local calendar events as iCalendar VEVENT documents.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

var ErrInvalidEvent = errors.New("invalid calendar event")

const (
	// DefaultProductID is the PRODID emitted when none is configured.
	DefaultProductID = "-//Family Hub//EN"

	dateLayout     = "2006-01-02"
	timeLayout     = "15:04"
	timeLayoutSecs = "15:04:05"
	icalDateTime   = "20060102T150405"

	propAppleColor = "X-APPLE-CALENDAR-COLOR"
)

// EventData is the subset of a local calendar event that is written to a
// remote calendar. Dates are YYYY-MM-DD and times HH:MM, both floating.
// Empty strings mean the field is not set.
type EventData struct {
	Title       string
	Description string
	Date        string
	Time        string
	EndDate     string
	EndTime     string
	AllDay      bool
	Color       string
}

// IsAllDay reports whether the event is encoded with date-only values.
// An event without a start time is treated as all-day.
func (e *EventData) IsAllDay() bool {
	return e.AllDay || e.Time == ""
}

// Encoder builds VCALENDAR documents.
type Encoder struct {
	ProductID string
	Now       func() time.Time
}

// NewEncoder creates an encoder with the given product identifier.
func NewEncoder(productID string) *Encoder {
	if productID == "" {
		productID = DefaultProductID
	}
	return &Encoder{
		ProductID: productID,
		Now:       time.Now,
	}
}

// Encode renders the event as a CRLF-delimited VCALENDAR document carrying a
// single VEVENT identified by uid.
func (enc *Encoder) Encode(uid string, event *EventData) ([]byte, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidEvent)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}

	dtstart, dtend, err := eventBounds(event)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if enc.Now != nil {
		now = enc.Now
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, enc.ProductID)

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now().UTC())
	vevent.Props.Set(dtstart)
	vevent.Props.Set(dtend)
	vevent.Props.SetText(ical.PropSummary, normalizeNewlines(event.Title))

	if event.Description != "" {
		vevent.Props.SetText(ical.PropDescription, normalizeNewlines(event.Description))
	}

	if event.Color != "" {
		vevent.Props.Set(&ical.Prop{Name: ical.PropColor, Params: make(ical.Params), Value: event.Color})
		vevent.Props.Set(&ical.Prop{Name: propAppleColor, Params: make(ical.Params), Value: event.Color})
	}

	cal.Children = append(cal.Children, vevent.Component)

	var buf bytes.Buffer
	fw := &foldWriter{w: &buf}
	if err := ical.NewEncoder(fw).Encode(cal); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := fw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return buf.Bytes(), nil
}

// eventBounds returns the DTSTART and DTEND properties.
func eventBounds(event *EventData) (*ical.Prop, *ical.Prop, error) {
	start, err := parseDate(event.Date)
	if err != nil {
		return nil, nil, err
	}

	dtstart := ical.NewProp(ical.PropDateTimeStart)
	dtend := ical.NewProp(ical.PropDateTimeEnd)

	if event.IsAllDay() {
		last := start
		if event.EndDate != "" {
			if last, err = parseDate(event.EndDate); err != nil {
				return nil, nil, err
			}
		}
		// DTEND is exclusive for date values.
		dtstart.SetDate(start)
		dtend.SetDate(last.AddDate(0, 0, 1))
		return dtstart, dtend, nil
	}

	startAt, err := atTime(start, event.Time)
	if err != nil {
		return nil, nil, err
	}

	var endAt time.Time
	switch {
	case event.EndDate != "" && event.EndTime != "":
		endDay, err := parseDate(event.EndDate)
		if err != nil {
			return nil, nil, err
		}
		if endAt, err = atTime(endDay, event.EndTime); err != nil {
			return nil, nil, err
		}
	case event.EndTime != "":
		if endAt, err = atTime(start, event.EndTime); err != nil {
			return nil, nil, err
		}
		// An end at or before the start on the same day finishes after midnight.
		if !endAt.After(startAt) {
			endAt = endAt.AddDate(0, 0, 1)
		}
	default:
		// One hour past the start; crossing midnight moves to the next day.
		endAt = startAt.Add(time.Hour)
	}

	// Floating values carry no TZID and no trailing Z.
	dtstart.Value = startAt.Format(icalDateTime)
	dtend.Value = endAt.Format(icalDateTime)
	return dtstart, dtend, nil
}

func parseDate(value string) (time.Time, error) {
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %w", ErrInvalidEvent, value, err)
	}
	return d, nil
}

// atTime combines a date with an HH:MM or HH:MM:SS clock value. The result is
// a floating time carried in UTC only so that arithmetic never sees DST.
func atTime(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse(timeLayout, clock)
	if err != nil {
		var errSecs error
		if t, errSecs = time.Parse(timeLayoutSecs, clock); errSecs != nil {
			return time.Time{}, fmt.Errorf("%w: time %q: %w", ErrInvalidEvent, clock, err)
		}
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
}

var newlineReplacer = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// normalizeNewlines turns CRLF pairs and lone CRs into LF so that every line
// break is escaped as \n.
func normalizeNewlines(s string) string {
	return newlineReplacer.Replace(s)
}

// ObjectName returns the remote resource name for a UID.
func ObjectName(uid string) string {
	return uid + ".ics"
}
