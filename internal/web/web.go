package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"staycal/internal/config"
	"staycal/internal/facts"
	"staycal/internal/feedsync"
	appLog "staycal/internal/log"
	"staycal/internal/mailbox"
	"staycal/internal/model"
	"staycal/internal/override"
	"staycal/internal/reconcile"
	"staycal/internal/scheduler"
	"staycal/internal/store"
)

// Calendar runs the reconciliation pass.
type Calendar interface {
	Run(ctx context.Context, q reconcile.Query) (*reconcile.Result, error)
}

type FeedSyncer interface {
	SyncFeed(ctx context.Context, feedID uuid.UUID) (*feedsync.Result, error)
}

type Overrides interface {
	Resolve(ctx context.Context, bookingID uuid.UUID, r override.Resolution) (*model.Booking, error)
	Clear(ctx context.Context, bookingID uuid.UUID) (*model.Booking, error)
	ResolveReview(ctx context.Context, itemID uuid.UUID, bookingID *uuid.UUID) (*model.EnrichmentReviewItem, error)
	RejectReview(ctx context.Context, itemID uuid.UUID) (*model.EnrichmentReviewItem, error)
}

type Ingester interface {
	IngestConnection(ctx context.Context, connectionID uuid.UUID) (*scheduler.IngestReport, error)
	ReprocessConnection(ctx context.Context, connectionID uuid.UUID) (*facts.Summary, error)
}

// Repository is the read surface the handlers use for lookups and
// permission checks.
type Repository interface {
	GetFeed(ctx context.Context, id uuid.UUID) (*model.CalendarFeed, error)
	ListFeeds(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error)
	ListSyncLog(ctx context.Context, feedID uuid.UUID, limit int) ([]*model.SyncLogEntry, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error)
	GetReviewItem(ctx context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error)
	ListReviewItems(ctx context.Context, workspaceIDs []uuid.UUID, status string) ([]*model.EnrichmentReviewItem, error)
	ListAmbiguities(ctx context.Context, workspaceID uuid.UUID) ([]*model.AmbiguityEvent, error)
}

// Deps wires the server to the services it exposes.
type Deps struct {
	Repo      Repository
	Calendar  Calendar
	Feeds     FeedSyncer
	Overrides Overrides
	Ingest    Ingester
}

// Server provides the HTTP API.
type Server struct {
	deps     Deps
	accounts map[string]config.Account
	mux      *http.ServeMux
}

// NewServer constructs a new Server. Every endpoint except /health needs
// one of the given accounts.
func NewServer(deps Deps, accounts []config.Account) *Server {
	s := &Server{
		deps:     deps,
		accounts: make(map[string]config.Account, len(accounts)),
		mux:      http.NewServeMux(),
	}
	for _, a := range accounts {
		s.accounts[a.Username] = a
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.basicAuthMiddleware(s.mux))
}

type callerKey struct{}

func callerFrom(ctx context.Context) model.Caller {
	c, _ := ctx.Value(callerKey{}).(model.Caller)
	return c
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic
// Auth and puts the resolved caller into the request context.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		acct, known := s.accounts[u]
		if !ok || !known || !passwordMatches(acct, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="staycal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, acct.Caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// passwordMatches checks p against the account's bcrypt hash, or against
// its plain password when no hash is configured.
func passwordMatches(acct config.Account, p string) bool {
	if acct.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(p)) == nil
	}
	return secureCompare(p, acct.Password)
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		appLog.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/calendar", s.handleCalendar)

	s.mux.HandleFunc("GET /api/feeds", s.handleListFeeds)
	s.mux.HandleFunc("GET /api/feeds/{id}/log", s.handleFeedLog)
	s.mux.HandleFunc("POST /api/feeds/{id}/sync", s.handleSyncFeed)

	s.mux.HandleFunc("PUT /api/bookings/{id}/resolution", s.handleResolve)
	s.mux.HandleFunc("DELETE /api/bookings/{id}/resolution", s.handleClearResolution)

	s.mux.HandleFunc("GET /api/review", s.handleListReview)
	s.mux.HandleFunc("POST /api/review/{id}/resolve", s.handleResolveReview)
	s.mux.HandleFunc("POST /api/review/{id}/reject", s.handleRejectReview)

	s.mux.HandleFunc("GET /api/ambiguities", s.handleListAmbiguities)

	s.mux.HandleFunc("POST /api/connections/{id}/ingest", s.handleIngest)
	s.mux.HandleFunc("POST /api/connections/{id}/reprocess", s.handleReprocess)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

var (
	errForbidden   = errors.New("forbidden")
	errMalformedID = errors.New("malformed id")
)

// writeServiceError maps domain errors to status codes. Unknown errors are
// logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errMalformedID):
		status = http.StatusBadRequest
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, override.ErrInvalid), errors.Is(err, reconcile.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, feedsync.ErrBusy), errors.Is(err, feedsync.ErrInactive),
		errors.Is(err, override.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, mailbox.ErrLabelCollision), errors.Is(err, mailbox.ErrNoWorkspace):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		appLog.Error("request failed", err, "op", op)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, errMalformedID
	}
	return id, nil
}
