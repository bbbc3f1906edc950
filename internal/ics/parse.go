package ics

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "staycal/internal/log"
	"staycal/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT. Only the fields
// the booking core consumes are kept.
type ParsedEvent struct {
	Source Source

	UID          string
	CanonicalUID string

	Summary     string
	Description string
	Status      string

	// Start / End are UTC. All-day values are pinned to 12:00 UTC.
	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule string
	ExDates  []time.Time
}

// Tentative reports whether the feed marks the event as not yet confirmed.
func (e ParsedEvent) Tentative() bool {
	if strings.EqualFold(e.Status, "TENTATIVE") {
		return true
	}
	s := strings.ToLower(e.Summary)
	return strings.Contains(s, "pending") || strings.Contains(s, "tentative")
}

// Text returns summary and description joined, for code searches.
func (e ParsedEvent) Text() string {
	return e.Summary + "\n" + e.Description
}

type rawEvent struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllDay      bool   `json:"all_day"`
}

// RawPayload encodes the consumed event fields deterministically. Volatile
// properties such as DTSTAMP are left out so an unchanged feed encodes the
// same bytes on every sync.
func (e ParsedEvent) RawPayload() []byte {
	b, _ := json.Marshal(rawEvent{
		UID:         e.UID,
		Summary:     e.Summary,
		Description: e.Description,
		Status:      e.Status,
		Start:       e.Start.UTC().Format(time.RFC3339),
		End:         e.End.UTC().Format(time.RFC3339),
		AllDay:      e.AllDay,
	})
	return b
}

// ParseFeed parses a single feed payload into events.
//
//   - VEVENTs without a UID or without a usable start are logged and skipped.
//   - All-day events (VALUE=DATE or a bare YYYYMMDD) are pinned to noon UTC.
//   - RRULE/EXDATE are recorded but not expanded; see ExpandRecurring.
func ParseFeed(src Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", RedactURL(src.URL))
		return nil, err
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "id", src.ID, "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)
	out.CanonicalUID = CanonicalUID(src.Type, out.UID)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStartProp)

	if out.AllDay {
		start, err := parseICSTime(dtStartProp.Value)
		if err != nil {
			return out, err
		}
		out.Start = model.Noon(start)
		out.End = out.Start.AddDate(0, 0, 1)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
			if end, err := parseICSTime(p.Value); err == nil {
				out.End = model.Noon(end)
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return out, err
		}
		out.Start = start.UTC()
		out.End = out.Start
		if end, err := ve.GetEndAt(); err == nil {
			out.End = end.UTC()
		}
	}
	if out.End.Before(out.Start) {
		return out, errors.New("DTEND before DTSTART")
	}

	// RRULE (we only keep raw string here; expansion is in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				if out.AllDay {
					t = model.Noon(t)
				}
				out.ExDates = append(out.ExDates, t.UTC())
			}
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if params := p.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

// parseICSTime parses a basic ICS date/date-time string. Floating times are
// read as UTC, which is what every rental platform export means by them.
func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, time.UTC)
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return strings.TrimSpace(textUnescaper.Replace(s))
}
