package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "staycal/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 400
)

// ExpandConfig controls how recurring events are expanded.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandRecurring replaces every event carrying an RRULE with its concrete
// occurrences inside the window. Owner blocks exported by channel managers
// are the usual source of these. Each occurrence gets its own UID suffixed
// with the occurrence date so it can be tracked as a separate booking.
// Non-recurring events pass through unchanged.
func ExpandRecurring(events []ParsedEvent, cfg ExpandConfig) ([]ParsedEvent, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]ParsedEvent, 0, len(events))
	for _, ev := range events {
		if ev.RawRRule == "" {
			out = append(out, ev)
			continue
		}
		occ, hitCap := expandEvent(ev, cfg)
		if hitCap {
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}
	return out, nil
}

func expandEvent(ev ParsedEvent, cfg ExpandConfig) ([]ParsedEvent, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex)
	}

	times := set.Between(cfg.RangeStart, cfg.RangeEnd, true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]ParsedEvent, 0, len(times))
	for _, start := range times {
		occ := ev
		occ.RawRRule = ""
		occ.ExDates = nil
		occ.Start = start.UTC()
		occ.End = occ.Start.Add(dur)
		suffix := "#" + occ.Start.Format("20060102")
		occ.UID = ev.UID + suffix
		occ.CanonicalUID = ev.CanonicalUID + suffix
		out = append(out, occ)
	}
	return out, hitCap
}
