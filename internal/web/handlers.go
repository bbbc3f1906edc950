package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"staycal/internal/ics"
	"staycal/internal/model"
	"staycal/internal/override"
	"staycal/internal/reconcile"
)

const dateLayout = "2006-01-02"

// authorize checks that the caller has a grant for the workspace and, when
// property is set, that the grant covers it.
func authorize(c model.Caller, workspaceID uuid.UUID, property *uuid.UUID) (model.Grant, error) {
	g, ok := c.Grant(workspaceID)
	if !ok {
		return g, errForbidden
	}
	if property != nil && !g.AllowsProperty(*property) {
		return g, errForbidden
	}
	return g, nil
}

// GET /api/calendar?start=2025-06-01&end=2025-07-01
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(dateLayout, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateLayout, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return
	}

	res, err := s.deps.Calendar.Run(r.Context(), reconcile.Query{
		Start:  start,
		End:    end,
		Caller: callerFrom(r.Context()),
	})
	if err != nil {
		writeServiceError(w, "calendar", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// feedDTO is a feed with its secret-bearing URL redacted.
type feedDTO struct {
	ID          uuid.UUID             `json:"id"`
	WorkspaceID uuid.UUID             `json:"workspace_id"`
	PropertyID  uuid.UUID             `json:"property_id"`
	URL         string                `json:"url"`
	SourceLabel string                `json:"source_label"`
	SourceType  string                `json:"source_type"`
	Active      bool                  `json:"active"`
	Diagnostics model.FeedDiagnostics `json:"diagnostics"`
}

func toFeedDTO(f *model.CalendarFeed) feedDTO {
	return feedDTO{
		ID:          f.ID,
		WorkspaceID: f.WorkspaceID,
		PropertyID:  f.PropertyID,
		URL:         ics.RedactURL(f.URL),
		SourceLabel: f.SourceLabel,
		SourceType:  f.SourceType,
		Active:      f.Active,
		Diagnostics: f.Diagnostics,
	}
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	out := []feedDTO{}
	if ws := caller.WorkspaceIDs(); len(ws) > 0 {
		feeds, err := s.deps.Repo.ListFeeds(r.Context(), ws)
		if err != nil {
			writeServiceError(w, "list feeds", err)
			return
		}
		for _, f := range feeds {
			if _, err := authorize(caller, f.WorkspaceID, &f.PropertyID); err == nil {
				out = append(out, toFeedDTO(f))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

// loadFeed returns the feed if the caller may see it.
func (s *Server) loadFeed(r *http.Request) (*model.CalendarFeed, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	f, err := s.deps.Repo.GetFeed(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if _, err := authorize(callerFrom(r.Context()), f.WorkspaceID, &f.PropertyID); err != nil {
		return nil, err
	}
	return f, nil
}

// GET /api/feeds/{id}/log?limit=20
func (s *Server) handleFeedLog(w http.ResponseWriter, r *http.Request) {
	f, err := s.loadFeed(r)
	if err != nil {
		writeServiceError(w, "feed log", err)
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	entries, err := s.deps.Repo.ListSyncLog(r.Context(), f.ID, limit)
	if err != nil {
		writeServiceError(w, "feed log", err)
		return
	}
	if entries == nil {
		entries = []*model.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": toFeedDTO(f), "log": entries})
}

// POST /api/feeds/{id}/sync runs one sync now. A feed-level failure
// answers 502 with the result, whose diagnostics were saved anyway.
func (s *Server) handleSyncFeed(w http.ResponseWriter, r *http.Request) {
	f, err := s.loadFeed(r)
	if err != nil {
		writeServiceError(w, "sync feed", err)
		return
	}
	res, err := s.deps.Feeds.SyncFeed(r.Context(), f.ID)
	if err != nil {
		if res != nil {
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
		writeServiceError(w, "sync feed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// loadBooking returns the booking if the caller may resolve it. Writing
// guest identity needs the guest-name permission.
func (s *Server) loadBooking(r *http.Request, id uuid.UUID) (*model.Booking, error) {
	b, err := s.deps.Repo.GetBooking(r.Context(), id)
	if err != nil {
		return nil, err
	}
	g, err := authorize(callerFrom(r.Context()), b.WorkspaceID, &b.PropertyID)
	if err != nil {
		return nil, err
	}
	if !g.CanViewGuestName {
		return nil, errForbidden
	}
	return b, nil
}

// PUT /api/bookings/{id}/resolution
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body override.Resolution
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.loadBooking(r, id); err != nil {
		writeServiceError(w, "resolve", err)
		return
	}
	b, err := s.deps.Overrides.Resolve(r.Context(), id, body)
	if err != nil {
		writeServiceError(w, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DELETE /api/bookings/{id}/resolution
func (s *Server) handleClearResolution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.loadBooking(r, id); err != nil {
		writeServiceError(w, "clear resolution", err)
		return
	}
	b, err := s.deps.Overrides.Clear(r.Context(), id)
	if err != nil {
		writeServiceError(w, "clear resolution", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /api/review?status=pending
func (s *Server) handleListReview(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	status := r.URL.Query().Get("status")
	if status == "" {
		status = model.ReviewPending
	}

	var ws []uuid.UUID
	for _, g := range caller.Grants {
		if g.CanViewGuestName {
			ws = append(ws, g.WorkspaceID)
		}
	}
	items := []*model.EnrichmentReviewItem{}
	if len(ws) > 0 {
		found, err := s.deps.Repo.ListReviewItems(r.Context(), ws, status)
		if err != nil {
			writeServiceError(w, "list review", err)
			return
		}
		items = append(items, found...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) loadReviewItem(r *http.Request) (uuid.UUID, error) {
	id, err := pathID(r)
	if err != nil {
		return uuid.Nil, err
	}
	item, err := s.deps.Repo.GetReviewItem(r.Context(), id)
	if err != nil {
		return uuid.Nil, err
	}
	g, err := authorize(callerFrom(r.Context()), item.WorkspaceID, nil)
	if err != nil {
		return uuid.Nil, err
	}
	if !g.CanViewGuestName {
		return uuid.Nil, errForbidden
	}
	return id, nil
}

type resolveReviewRequest struct {
	BookingID *uuid.UUID `json:"booking_id,omitempty"`
}

// POST /api/review/{id}/resolve  {"booking_id": "..."}
func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, err := s.loadReviewItem(r)
	if err != nil {
		writeServiceError(w, "resolve review", err)
		return
	}
	var body resolveReviewRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.BookingID != nil {
		if _, err := s.loadBooking(r, *body.BookingID); err != nil {
			writeServiceError(w, "resolve review", err)
			return
		}
	}
	item, err := s.deps.Overrides.ResolveReview(r.Context(), id, body.BookingID)
	if err != nil {
		writeServiceError(w, "resolve review", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// POST /api/review/{id}/reject
func (s *Server) handleRejectReview(w http.ResponseWriter, r *http.Request) {
	id, err := s.loadReviewItem(r)
	if err != nil {
		writeServiceError(w, "reject review", err)
		return
	}
	item, err := s.deps.Overrides.RejectReview(r.Context(), id)
	if err != nil {
		writeServiceError(w, "reject review", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// GET /api/ambiguities
func (s *Server) handleListAmbiguities(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	out := []*model.AmbiguityEvent{}
	for _, g := range caller.Grants {
		events, err := s.deps.Repo.ListAmbiguities(r.Context(), g.WorkspaceID)
		if err != nil {
			writeServiceError(w, "list ambiguities", err)
			return
		}
		out = append(out, events...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// loadConnection returns the connection ID if the caller has a grant for
// its workspace.
func (s *Server) loadConnection(r *http.Request) (uuid.UUID, error) {
	id, err := pathID(r)
	if err != nil {
		return uuid.Nil, err
	}
	conn, err := s.deps.Repo.GetConnection(r.Context(), id)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := authorize(callerFrom(r.Context()), conn.WorkspaceID, nil); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// POST /api/connections/{id}/ingest
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, err := s.loadConnection(r)
	if err != nil {
		writeServiceError(w, "ingest", err)
		return
	}
	rep, err := s.deps.Ingest.IngestConnection(r.Context(), id)
	if err != nil {
		writeServiceError(w, "ingest", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// POST /api/connections/{id}/reprocess
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, err := s.loadConnection(r)
	if err != nil {
		writeServiceError(w, "reprocess", err)
		return
	}
	sum, err := s.deps.Ingest.ReprocessConnection(r.Context(), id)
	if err != nil {
		writeServiceError(w, "reprocess", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

var errMalformedBody = errors.New("malformed JSON body")

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
