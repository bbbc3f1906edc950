package mailbox

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staycal/internal/model"
	"staycal/internal/retry"
	"staycal/internal/store"
)

type fakeSource struct {
	mu sync.Mutex

	labels   map[string]string
	pages    [][]string
	messages map[string]*Message

	// pageErrs and getErrs are consumed one per call.
	pageErrs map[int][]error
	getErrs  map[string][]error

	listCalls map[int]int
	getCalls  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		labels:    map[string]string{"Bookings": "Label_1"},
		messages:  map[string]*Message{},
		pageErrs:  map[int][]error{},
		getErrs:   map[string][]error{},
		listCalls: map[int]int{},
		getCalls:  map[string]int{},
	}
}

func (f *fakeSource) addMessage(id, subject, plain, htmlBody string) {
	f.messages[id] = &Message{ID: id, Subject: subject, PlainBody: plain, HTMLBody: htmlBody, ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeSource) ResolveLabel(_ context.Context, name string) (string, error) {
	id, ok := f.labels[name]
	if !ok {
		return "", ErrLabelNotFound
	}
	return id, nil
}

func (f *fakeSource) ListMessageIDs(_ context.Context, _ string, pageToken string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page := 0
	if pageToken != "" {
		page = int(pageToken[0] - '0')
	}
	f.listCalls[page]++
	if errs := f.pageErrs[page]; len(errs) > 0 {
		f.pageErrs[page] = errs[1:]
		if errs[0] != nil {
			return nil, "", errs[0]
		}
	}
	next := ""
	if page+1 < len(f.pages) {
		next = string(rune('0' + page + 1))
	}
	return f.pages[page], next, nil
}

func (f *fakeSource) GetMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[id]++
	if errs := f.getErrs[id]; len(errs) > 0 {
		f.getErrs[id] = errs[1:]
		return nil, errs[0]
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, &retry.StatusError{Code: http.StatusNotFound, Status: "404 Not Found"}
	}
	c := *m
	return &c, nil
}

func (f *fakeSource) totalGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.getCalls {
		n += c
	}
	return n
}

var fastRetry = &retry.Config{
	MaxRetries:   2,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2,
}

type ingestFixture struct {
	store     *store.Memory
	src       *fakeSource
	ingestor  *Ingestor
	conn      *model.MailboxConnection
	workspace uuid.UUID
}

func newIngestFixture(t *testing.T, cfg Config) *ingestFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	ws := uuid.New()
	conn := &model.MailboxConnection{ID: uuid.New(), WorkspaceID: ws, Label: "Bookings", Active: true}
	require.NoError(t, mem.UpsertConnection(ctx, conn))

	src := newFakeSource()
	cfg.Retry = fastRetry
	cfg.RatePerSecond = 1000
	ing := NewIngestor(mem, func(*model.MailboxConnection) (Source, error) { return src, nil }, cfg)
	return &ingestFixture{store: mem, src: src, ingestor: ing, conn: conn, workspace: ws}
}

func TestIngest_StoresUnseenAndIsIdempotent(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	fx.src.pages = [][]string{{"a", "b"}, {"c"}}
	fx.src.addMessage("a", "Reservation confirmed - Nora Weber arrives Mar 12", "Check-in: Mar 12, 2026", "")
	fx.src.addMessage("b", "Payout sent", "Your payout is on the way", "")
	fx.src.addMessage("c", "New booking", "", "<p>Guest: <b>Jan Novak</b></p>")
	ctx := context.Background()

	res, err := fx.ingestor.Ingest(ctx, fx.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 3, res.Stored)
	assert.False(t, res.Partial)

	msgs, err := fx.store.ListMessages(ctx, fx.conn.ID, model.MessagePending)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	bodies := map[string]string{}
	for _, m := range msgs {
		bodies[m.MessageID] = m.Body
	}
	assert.Contains(t, bodies["c"], "Jan Novak")
	assert.NotContains(t, bodies["c"], "<b>")

	writes, gets := fx.store.Writes(), fx.src.totalGets()
	res, err = fx.ingestor.Ingest(ctx, fx.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Listed)
	assert.Zero(t, res.Unseen)
	assert.Zero(t, res.Stored)
	assert.Equal(t, writes, fx.store.Writes())
	assert.Equal(t, gets, fx.src.totalGets())
}

func TestIngest_LabelCollisionIsFatal(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	ctx := context.Background()
	other := &model.MailboxConnection{ID: uuid.New(), WorkspaceID: fx.workspace, Label: " bookings ", Active: true}
	require.NoError(t, fx.store.UpsertConnection(ctx, other))

	_, err := fx.ingestor.Ingest(ctx, fx.conn.ID)
	require.ErrorIs(t, err, ErrLabelCollision)
	assert.Zero(t, fx.src.listCalls[0])

	other.Active = false
	require.NoError(t, fx.store.UpsertConnection(ctx, other))
	fx.src.pages = [][]string{{}}
	_, err = fx.ingestor.Ingest(ctx, fx.conn.ID)
	require.NoError(t, err)
}

func TestIngest_SameLabelOtherWorkspaceIsFine(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	ctx := context.Background()
	other := &model.MailboxConnection{ID: uuid.New(), WorkspaceID: uuid.New(), Label: "Bookings", Active: true}
	require.NoError(t, fx.store.UpsertConnection(ctx, other))
	fx.src.pages = [][]string{{}}

	_, err := fx.ingestor.Ingest(ctx, fx.conn.ID)
	require.NoError(t, err)
}

func TestIngest_NoWorkspace(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	ctx := context.Background()
	orphan := &model.MailboxConnection{ID: uuid.New(), Label: "Other", Active: true}
	require.NoError(t, fx.store.UpsertConnection(ctx, orphan))

	_, err := fx.ingestor.Ingest(ctx, orphan.ID)
	require.ErrorIs(t, err, ErrNoWorkspace)
}

func TestIngest_PageErrorKeepsPartialList(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	fx.src.pages = [][]string{{"a"}, {"b"}}
	unavailable := &retry.StatusError{Code: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
	fx.src.pageErrs[1] = []error{unavailable, unavailable, unavailable}
	fx.src.addMessage("a", "New booking", "Guest: Nora Weber", "")

	res, err := fx.ingestor.Ingest(context.Background(), fx.conn.ID)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.Listed)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 3, fx.src.listCalls[1])
}

func TestIngest_FirstPageErrorFails(t *testing.T) {
	fx := newIngestFixture(t, Config{})
	fx.src.pages = [][]string{{"a"}}
	fx.src.pageErrs[0] = []error{&retry.StatusError{Code: http.StatusUnauthorized, Status: "401 Unauthorized"}}

	_, err := fx.ingestor.Ingest(context.Background(), fx.conn.ID)
	require.Error(t, err)
	assert.Equal(t, 1, fx.src.listCalls[0])
}

func TestIngest_PageCap(t *testing.T) {
	fx := newIngestFixture(t, Config{MaxPages: 2})
	fx.src.pages = [][]string{{"a"}, {"b"}, {"c"}}
	for _, id := range []string{"a", "b", "c"} {
		fx.src.addMessage(id, "New booking", "Guest: Nora Weber", "")
	}

	res, err := fx.ingestor.Ingest(context.Background(), fx.conn.ID)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.Listed)
	assert.Zero(t, fx.src.listCalls[2])
}

func TestIngest_DetailFetchRetries(t *testing.T) {
	fx := newIngestFixture(t, Config{Concurrency: 2})
	fx.src.pages = [][]string{{"a", "b", "gone"}}
	fx.src.addMessage("a", "New booking", "Guest: Nora Weber", "")
	fx.src.addMessage("b", "New booking", "Guest: Jan Novak", "")
	fx.src.getErrs["b"] = []error{&retry.StatusError{Code: http.StatusTooManyRequests, Status: "429 Too Many Requests"}}

	res, err := fx.ingestor.Ingest(context.Background(), fx.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, fx.src.getCalls["b"])
	assert.Equal(t, 1, fx.src.getCalls["gone"], "a 404 is not retried")

	// The failed message is still unseen and is tried again next run.
	res, err = fx.ingestor.Ingest(context.Background(), fx.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unseen)
}
