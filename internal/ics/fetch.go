package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "staycal/internal/log"
)

const (
	defaultFetchTimeout = 20 * time.Second
	defaultSnippetBytes = 2048
	maxFeedBytes        = 10 << 20
)

var (
	// ErrHTTPStatus is returned for any non-2xx feed response.
	ErrHTTPStatus = errors.New("feed returned non-2xx status")
	// ErrNotCalendar is returned when the body has no VCALENDAR block.
	ErrNotCalendar = errors.New("feed body is not an iCalendar document")
)

// Source represents a single feed subscription.
type Source struct {
	// ID is the feed identifier used for logging.
	ID string
	// URL is the iCal endpoint.
	URL string
	// Type is the provider, used for UID canonicalization.
	Type string
}

// FetchResult carries the body plus everything the operator needs to see
// when a feed misbehaves. It is populated as far as the request got, even
// when Fetch returns an error.
type FetchResult struct {
	Source      Source
	Body        []byte
	StatusCode  int
	ContentType string
	FinalURL    string
	Snippet     string
}

// Fetcher performs bounded-time feed downloads.
type Fetcher struct {
	client       *http.Client
	snippetBytes int
}

// NewFetcher creates a Fetcher. A zero timeout uses the default.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		snippetBytes: defaultSnippetBytes,
	}
}

// NewFetcherWithClient uses the given client as-is (tests).
func NewFetcherWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client, snippetBytes: defaultSnippetBytes}
}

// Fetch downloads one feed. A timeout, a non-2xx status or a body without a
// calendar structure fails the cycle; there is no cached fallback because a
// stale body would silently hide a broken feed.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (*FetchResult, error) {
	res := &FetchResult{Source: src, FinalURL: src.URL}
	if src.URL == "" {
		return res, errors.New("source URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return res, err
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")

	appLog.Debug("ics fetch start", "id", src.ID, "url", RedactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	res.Snippet = snippet(body, f.snippetBytes)
	if readErr != nil {
		return res, fmt.Errorf("read feed body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return res, ErrNotCalendar
	}

	res.Body = body
	appLog.Info("ics fetch success", "id", src.ID, "url", RedactURL(src.URL), "status", resp.StatusCode, "bytes", len(body))
	return res, nil
}

func snippet(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return strings.ToValidUTF8(string(body), "")
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
func RedactURL(u string) string {
	// Feed URLs embed export tokens in the path or query.
	// Example:
	//   https://www.airbnb.com/calendar/ical/123.ics?s=abcd
	// -> https://www.airbnb.com/...(redacted)
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}

	return u[:j] + redactedSuffix
}
