package feedsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"staycal/internal/enrich"
	"staycal/internal/ics"
	appLog "staycal/internal/log"
	"staycal/internal/model"
	"staycal/internal/store"
)

// ReservedLabel replaces reservation-keyword summaries such as
// "Airbnb (Reserved)".
const ReservedLabel = "Reserved"

var (
	reservedKeywordRe = regexp.MustCompile(`(?i)\b(?:reserved|reservation|booked)\b`)
	blockKeywordRe    = regexp.MustCompile(`(?i)\b(?:not available|unavailable|closed|blocked)\b`)
	eventCodeRe       = regexp.MustCompile(`(?i)/reservations/details/([A-Z0-9]{6,20})\b`)
)

// cycle is the state of one feed sync.
type cycle struct {
	feed  *model.CalendarFeed
	now   time.Time
	facts []*model.ReservationFact
	res   *Result

	// uids holds every canonical UID in the current payload. A row carrying
	// one of them belongs to that event and is never taken by day window.
	uids map[string]struct{}
}

func (e *Engine) sync(ctx context.Context, feed *model.CalendarFeed) (*Result, error) {
	now := e.now().UTC()
	res := &Result{FeedID: feed.ID}
	diag := model.FeedDiagnostics{LastSyncAt: &now, BookingCount: feed.Diagnostics.BookingCount}
	src := ics.Source{ID: feed.ID.String(), URL: feed.URL, Type: feed.SourceType}

	fail := func(err error) (*Result, error) {
		diag.Error = err.Error()
		res.Error = diag.Error
		if serr := e.repo.SaveDiagnostics(ctx, feed.ID, diag); serr != nil {
			appLog.Error("save feed diagnostics failed", serr, "feed", feed.ID)
		}
		appLog.Warn("feed sync failed", "feed", feed.ID, "url", ics.RedactURL(feed.URL), "error", diag.Error)
		return res, err
	}

	// fetch
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	fetched, err := e.fetcher.Fetch(fetchCtx, src)
	cancel()
	if fetched != nil {
		diag.HTTPStatus = fetched.StatusCode
		diag.ContentType = fetched.ContentType
		diag.FinalURL = ics.RedactURL(fetched.FinalURL)
		diag.BodySnippet = fetched.Snippet
	}
	if err != nil {
		return fail(fmt.Errorf("fetch: %w", err))
	}

	// parse
	events, err := ics.ParseFeed(src, fetched.Body)
	if err != nil {
		return fail(fmt.Errorf("parse: %w", err))
	}
	events, err = ics.ExpandRecurring(events, ics.ExpandConfig{
		RangeStart: now.AddDate(0, 0, -e.cfg.LookbackDays),
		RangeEnd:   now.AddDate(0, 0, e.cfg.HorizonDays),
	})
	if err != nil {
		return fail(fmt.Errorf("expand: %w", err))
	}
	diag.EventCount = len(events)
	res.Events = len(events)

	facts, err := e.repo.ListFacts(ctx, feed.WorkspaceID)
	if err != nil {
		return fail(fmt.Errorf("load facts: %w", err))
	}

	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		seen[ev.CanonicalUID] = struct{}{}
	}
	c := &cycle{feed: feed, now: now, facts: facts, res: res, uids: seen}

	// Events are handled one by one: a later event's day-window lookup must
	// see the rows written for the earlier ones.
	for _, ev := range events {
		if err := e.syncEvent(ctx, c, ev); err != nil {
			return fail(fmt.Errorf("event %s: %w", ev.UID, err))
		}
	}

	// finalize
	active, err := e.repo.ListActiveByFeed(ctx, feed.ID)
	if err != nil {
		return fail(fmt.Errorf("list active bookings: %w", err))
	}
	var gone []uuid.UUID
	for _, b := range active {
		if _, ok := seen[b.ExternalUID]; !ok {
			gone = append(gone, b.ID)
		}
	}
	if len(gone) > 0 {
		if err := e.repo.DeactivateBookings(ctx, gone, now); err != nil {
			return fail(fmt.Errorf("deactivate vanished bookings: %w", err))
		}
		res.Deactivated = len(gone)
	}
	res.Active = len(active) - len(gone)
	diag.BookingCount = res.Active

	if err := e.repo.SaveDiagnostics(ctx, feed.ID, diag); err != nil {
		return res, fmt.Errorf("save diagnostics: %w", err)
	}

	if res.Changed() {
		entry := &model.SyncLogEntry{
			FeedID:      feed.ID,
			At:          now,
			EventCount:  res.Events,
			Created:     res.Created,
			Updated:     res.Updated,
			Deactivated: res.Deactivated,
		}
		if err := e.repo.AppendSyncLog(ctx, entry); err != nil {
			return res, fmt.Errorf("append sync log: %w", err)
		}
	}

	appLog.Info("feed sync completed",
		"feed", feed.ID,
		"events", res.Events,
		"created", res.Created,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"deactivated", res.Deactivated,
		"enriched", res.Enriched,
		"ambiguous", res.Ambiguous,
	)
	return res, nil
}

func (e *Engine) syncEvent(ctx context.Context, c *cycle, ev ics.ParsedEvent) error {
	feed := c.feed

	want := &model.Booking{
		PropertyID:  feed.PropertyID,
		WorkspaceID: feed.WorkspaceID,
		FeedID:      feed.ID,
		ExternalUID: ev.CanonicalUID,
		CheckIn:     ev.Start,
		CheckOut:    ev.End,
		GuestName:   SummaryLabel(ev.Summary),
		Status:      model.StatusConfirmed,
		Platform:    platform(feed),
		Active:      true,
		RawPayload:  ev.RawPayload(),
	}
	if ev.Tentative() {
		want.Status = model.StatusPending
	}
	if m := eventCodeRe.FindStringSubmatch(ev.Description); m != nil {
		want.ConfirmationCode = strings.ToUpper(m[1])
	}

	// enrich
	match := enrich.MatchEvent(ev.Text(), ev.Start, ev.End, c.facts)
	var fact *model.ReservationFact
	switch {
	case match.Ambiguous:
		c.res.Ambiguous++
		feedID := feed.ID
		amb := &model.AmbiguityEvent{
			WorkspaceID:  feed.WorkspaceID,
			Kind:         model.AmbiguityMultipleFacts,
			FeedID:       &feedID,
			ExternalUID:  ev.CanonicalUID,
			CandidateIDs: match.FactIDs(),
			Detail:       fmt.Sprintf("%d facts match event %s..%s", len(match.Candidates), model.DayKey(ev.Start), model.DayKey(ev.End)),
		}
		if _, err := e.repo.RecordAmbiguity(ctx, amb); err != nil {
			return fmt.Errorf("record ambiguity: %w", err)
		}
	case match.Fact != nil:
		fact = match.Fact
		if name := fact.Name(); name != "" {
			want.GuestName = name
			want.GuestCount = fact.GuestCount
			if code := fact.Code(); code != "" {
				want.ConfirmationCode = code
			}
			want.SetProvenance(model.FactMatched{FactID: fact.ID, Reason: match.Reason})
			c.res.Enriched++
		}
	}

	existing, err := e.findExisting(ctx, c, ev)
	if err != nil {
		return err
	}

	if err := e.guardName(ctx, c, want, existing); err != nil {
		return err
	}
	want.GuestFirstName, want.GuestLastInitial = "", ""
	if model.IsRealName(want.GuestName) {
		want.GuestFirstName, want.GuestLastInitial = model.SplitName(want.GuestName)
	}

	if existing == nil {
		if err := e.insert(ctx, c, want); err != nil {
			return err
		}
	} else if err := e.update(ctx, c, existing, want); err != nil {
		return err
	}

	if fact != nil {
		return e.syncFactDates(ctx, fact, ev)
	}
	return nil
}

// findExisting looks up the row this event updates: the active booking
// with the same canonical UID (its dates may have moved), else an active
// booking on the same days whose UID no event in the payload reports (the
// provider re-exported the stay under a new UID).
func (e *Engine) findExisting(ctx context.Context, c *cycle, ev ics.ParsedEvent) (*model.Booking, error) {
	feed := c.feed
	b, err := e.repo.FindByUID(ctx, feed.ID, ev.CanonicalUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("uid lookup: %w", err)
	case b.Active:
		return b, nil
	}

	window, err := e.repo.FindActiveByDayWindow(ctx, feed.PropertyID, feed.ID, ev.Start, ev.End)
	if err != nil {
		return nil, fmt.Errorf("day window lookup: %w", err)
	}
	var orphans []*model.Booking
	for _, w := range window {
		if _, claimed := c.uids[w.ExternalUID]; !claimed {
			orphans = append(orphans, w)
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}
	if len(orphans) > 1 {
		appLog.Warn("several orphaned bookings share a day window",
			"feed", feed.ID,
			"check_in", model.DayKey(ev.Start),
			"check_out", model.DayKey(ev.End),
			"count", len(orphans),
		)
	}
	return mostRecentlySynced(orphans), nil
}

func mostRecentlySynced(bs []*model.Booking) *model.Booking {
	best := bs[0]
	for _, b := range bs[1:] {
		if b.LastSyncedAt.After(best.LastSyncedAt) {
			best = b
		}
	}
	return best
}

// guardName keeps an established real name when this sync only has a
// placeholder. The stored booking for the same UID is the reference, even
// if it has since been deactivated.
func (e *Engine) guardName(ctx context.Context, c *cycle, want, existing *model.Booking) error {
	if !model.IsPlaceholderName(want.GuestName) {
		return nil
	}

	prior := existing
	if prior == nil || prior.ExternalUID != want.ExternalUID {
		b, err := e.repo.FindByUID(ctx, c.feed.ID, want.ExternalUID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("name guard lookup: %w", err)
		default:
			prior = b
		}
	}
	if prior == nil || !model.IsRealName(prior.GuestName) {
		return nil
	}

	want.GuestName = prior.GuestName
	if want.GuestCount == nil {
		want.GuestCount = prior.GuestCount
	}
	if want.EnrichedFactID == nil {
		want.EnrichedFactID = prior.EnrichedFactID
		want.MatchReason = prior.MatchReason
	}
	if want.ConfirmationCode == "" {
		want.ConfirmationCode = prior.ConfirmationCode
	}
	c.res.Guarded++
	appLog.Debug("kept established guest name", "feed", c.feed.ID, "uid", want.ExternalUID)
	return nil
}

func (e *Engine) insert(ctx context.Context, c *cycle, want *model.Booking) error {
	want.ID = uuid.New()
	want.LastSyncedAt = c.now
	want.CreatedAt = c.now
	want.UpdatedAt = c.now

	err := e.repo.InsertBooking(ctx, want)
	if errors.Is(err, store.ErrConflict) {
		// Someone inserted the same UID between our lookup and the write.
		cur, ferr := e.repo.FindByUID(ctx, c.feed.ID, want.ExternalUID)
		if ferr != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		return e.update(ctx, c, cur, want)
	}
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	c.res.Created++
	return nil
}

// update writes only when a sync-owned field differs. Manual resolution
// fields are carried over untouched.
func (e *Engine) update(ctx context.Context, c *cycle, cur, want *model.Booking) error {
	next := cur.Clone()
	next.PropertyID = want.PropertyID
	next.ExternalUID = want.ExternalUID
	next.CheckIn = want.CheckIn
	next.CheckOut = want.CheckOut
	next.Status = want.Status
	next.Platform = want.Platform
	next.RawPayload = want.RawPayload
	next.GuestName = want.GuestName
	next.GuestFirstName = want.GuestFirstName
	next.GuestLastInitial = want.GuestLastInitial
	if want.GuestCount != nil {
		next.GuestCount = want.GuestCount
	}
	if want.ConfirmationCode != "" {
		next.ConfirmationCode = want.ConfirmationCode
	}
	if want.EnrichedFactID != nil {
		next.EnrichedFactID = want.EnrichedFactID
		next.MatchReason = want.MatchReason
	}
	// A matcher-written name survives a summary that is only a placeholder
	// even when the row was found by day window under another UID.
	if model.IsPlaceholderName(next.GuestName) && model.IsRealName(cur.GuestName) {
		next.GuestName = cur.GuestName
		next.GuestFirstName = cur.GuestFirstName
		next.GuestLastInitial = cur.GuestLastInitial
	}

	if !differs(cur, next) {
		c.res.Unchanged++
		return nil
	}
	next.LastSyncedAt = c.now
	next.UpdatedAt = c.now
	if err := e.repo.UpdateBooking(ctx, next); err != nil {
		return fmt.Errorf("update booking %s: %w", cur.ID, err)
	}
	c.res.Updated++
	return nil
}

func differs(a, b *model.Booking) bool {
	return a.PropertyID != b.PropertyID ||
		a.ExternalUID != b.ExternalUID ||
		!a.CheckIn.Equal(b.CheckIn) ||
		!a.CheckOut.Equal(b.CheckOut) ||
		a.GuestName != b.GuestName ||
		a.GuestFirstName != b.GuestFirstName ||
		a.GuestLastInitial != b.GuestLastInitial ||
		!sameInt(a.GuestCount, b.GuestCount) ||
		a.ConfirmationCode != b.ConfirmationCode ||
		a.Status != b.Status ||
		a.Platform != b.Platform ||
		!sameUUID(a.EnrichedFactID, b.EnrichedFactID) ||
		a.MatchReason != b.MatchReason ||
		!bytes.Equal(a.RawPayload, b.RawPayload)
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameUUID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// syncFactDates re-aligns a matched fact to the event; the feed is
// authoritative for dates once a fact is matched.
func (e *Engine) syncFactDates(ctx context.Context, fact *model.ReservationFact, ev ics.ParsedEvent) error {
	in, out := model.Day(ev.Start), model.Day(ev.End)
	if !in.Before(out) {
		return nil
	}
	if fact.CheckIn != nil && fact.CheckOut != nil && fact.CheckIn.Equal(in) && fact.CheckOut.Equal(out) {
		return nil
	}
	if err := e.repo.SyncDates(ctx, fact.ID, in, out); err != nil {
		return fmt.Errorf("sync fact %s dates: %w", fact.ID, err)
	}
	fact.CheckIn, fact.CheckOut = &in, &out
	return nil
}

// SummaryLabel turns an event summary into the booking's guest label.
// Reservation keywords become ReservedLabel; provider block wording is
// kept so later stages can recognize it.
func SummaryLabel(summary string) string {
	s := strings.Join(strings.Fields(summary), " ")
	switch {
	case s == "":
		return ReservedLabel
	case blockKeywordRe.MatchString(s):
		return s
	case reservedKeywordRe.MatchString(s):
		return ReservedLabel
	}
	return s
}

func platform(feed *model.CalendarFeed) string {
	if feed.SourceLabel != "" {
		return feed.SourceLabel
	}
	return feed.SourceType
}
