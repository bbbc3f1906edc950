package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendar(events ...string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	lines = append(lines, events...)
	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

func vevent(props ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VEVENT"}, props...), "END:VEVENT"), "\r\n")
}

func TestParseFeed_AllDayPinnedToNoon(t *testing.T) {
	body := calendar(vevent(
		"UID:1418fb94e984-abc123@airbnb.com",
		"DTSTAMP:20260101T000000Z",
		"DTSTART;VALUE=DATE:20260312",
		"DTEND;VALUE=DATE:20260315",
		"SUMMARY:Reserved",
		"DESCRIPTION:Reservation URL: https://example.test/HMABCDEF12",
	))

	events, err := ParseFeed(Source{ID: "f1", Type: SourceAirbnb}, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.AllDay)
	assert.Equal(t, time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), ev.End)
	assert.Equal(t, "abc123@airbnb.com", ev.CanonicalUID)
	assert.Equal(t, "Reserved", ev.Summary)
	assert.Contains(t, ev.Description, "HMABCDEF12")
}

func TestParseFeed_SkipsEventWithoutUID(t *testing.T) {
	body := calendar(
		vevent("DTSTART;VALUE=DATE:20260312", "DTEND;VALUE=DATE:20260313", "SUMMARY:No uid"),
		vevent("UID:ok-1", "DTSTART;VALUE=DATE:20260401", "DTEND;VALUE=DATE:20260403", "SUMMARY:Blocked"),
	)

	events, err := ParseFeed(Source{ID: "f1"}, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok-1", events[0].UID)
}

func TestParseFeed_TimedEventIsUTC(t *testing.T) {
	body := calendar(vevent(
		"UID:timed-1",
		"DTSTART:20260501T150000Z",
		"DTEND:20260504T100000Z",
		"SUMMARY:Jane Doe",
		"STATUS:TENTATIVE",
	))

	events, err := ParseFeed(Source{ID: "f1"}, []byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].AllDay)
	assert.Equal(t, time.Date(2026, 5, 1, 15, 0, 0, 0, time.UTC), events[0].Start)
	assert.True(t, events[0].Tentative())
}

func TestParseFeed_EmptyBody(t *testing.T) {
	_, err := ParseFeed(Source{}, nil)
	assert.Error(t, err)
}

func TestRawPayload_Deterministic(t *testing.T) {
	ev := ParsedEvent{UID: "u", Summary: "s", Start: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)}
	assert.Equal(t, ev.RawPayload(), ev.RawPayload())
}

func TestCanonicalUID(t *testing.T) {
	tests := []struct {
		name       string
		sourceType string
		uid        string
		expected   string
	}{
		{"airbnb export prefix", SourceAirbnb, "1418fb94e984-f2b1c3@airbnb.com", "f2b1c3@airbnb.com"},
		{"airbnb without prefix", SourceAirbnb, "F2B1C3@airbnb.com", "f2b1c3@airbnb.com"},
		{"hostaway sequence", SourceHostaway, "HA-100-7-55512", "55512"},
		{"booking timestamp", SourceBooking, "1712345678_998877@booking.com", "998877@booking.com"},
		{"vrbo channel", SourceVrbo, "vrbo-12-HA9876", "ha9876"},
		{"unknown provider untouched", SourceOther, " Some-UID ", "some-uid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CanonicalUID(tt.sourceType, tt.uid))
		})
	}
}

func TestExpandRecurring_WeeklyOwnerBlock(t *testing.T) {
	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	events := []ParsedEvent{
		{UID: "owner", CanonicalUID: "owner", Summary: "Owner block", Start: start, End: start.AddDate(0, 0, 1), AllDay: true, RawRRule: "FREQ=WEEKLY;COUNT=4"},
		{UID: "single", CanonicalUID: "single", Start: start, End: start.AddDate(0, 0, 2)},
	}

	out, err := ExpandRecurring(events, ExpandConfig{RangeStart: start.AddDate(0, 0, -1), RangeEnd: start.AddDate(0, 1, 0)})
	require.NoError(t, err)
	require.Len(t, out, 5)

	uids := make([]string, 0, len(out))
	for _, ev := range out {
		uids = append(uids, ev.CanonicalUID)
		assert.Empty(t, ev.RawRRule)
	}
	assert.Contains(t, uids, "owner#20260601")
	assert.Contains(t, uids, "owner#20260622")
	assert.Contains(t, uids, "single")
}

func TestExpandRecurring_InvalidRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandRecurring(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestFetch_Success(t *testing.T) {
	body := calendar(vevent("UID:a", "DTSTART;VALUE=DATE:20260101", "DTEND;VALUE=DATE:20260102"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/feed.ics", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	res, err := NewFetcher(time.Second).Fetch(context.Background(), Source{ID: "f", URL: srv.URL + "/old"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, srv.URL+"/feed.ics", res.FinalURL)
	assert.Equal(t, "text/calendar; charset=utf-8", res.ContentType)
	assert.Equal(t, body, string(res.Body))
	assert.NotEmpty(t, res.Snippet)
}

func TestFetch_NonOKIsHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("token expired"))
	}))
	defer srv.Close()

	res, err := NewFetcher(time.Second).Fetch(context.Background(), Source{ID: "f", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHTTPStatus))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "token expired", res.Snippet)
	assert.Nil(t, res.Body)
}

func TestFetch_NotACalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	res, err := NewFetcher(time.Second).Fetch(context.Background(), Source{ID: "f", URL: srv.URL})
	assert.ErrorIs(t, err, ErrNotCalendar)
	assert.Equal(t, "text/html", res.ContentType)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewFetcher(20*time.Millisecond).Fetch(context.Background(), Source{ID: "f", URL: srv.URL})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://www.airbnb.com/...(redacted)", RedactURL("https://www.airbnb.com/calendar/ical/1.ics?s=secret"))
	assert.Equal(t, "https://host/...(redacted)", RedactURL("https://host?token=x"))
	assert.Equal(t, "ics://...(redacted)", RedactURL("not a url"))
}
