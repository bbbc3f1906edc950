package store

import (
	"bytes"
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"staycal/internal/model"
)

// Memory is an in-process Store used for development and tests. Every
// value is copied on the way in and out.
type Memory struct {
	mu sync.RWMutex

	properties  map[uuid.UUID]*model.Property
	feeds       map[uuid.UUID]*model.CalendarFeed
	connections map[uuid.UUID]*model.MailboxConnection
	messages    map[messageKey]*model.RawMessage
	facts       map[uuid.UUID]*model.ReservationFact
	bookings    map[uuid.UUID]*model.Booking
	reviews     map[uuid.UUID]*model.EnrichmentReviewItem
	ambiguities []*model.AmbiguityEvent
	syncLog     []*model.SyncLogEntry

	bookingWrites int
	writes        int

	now func() time.Time
}

type messageKey struct {
	connectionID uuid.UUID
	messageID    string
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		properties:  map[uuid.UUID]*model.Property{},
		feeds:       map[uuid.UUID]*model.CalendarFeed{},
		connections: map[uuid.UUID]*model.MailboxConnection{},
		messages:    map[messageKey]*model.RawMessage{},
		facts:       map[uuid.UUID]*model.ReservationFact{},
		bookings:    map[uuid.UUID]*model.Booking{},
		reviews:     map[uuid.UUID]*model.EnrichmentReviewItem{},
		now:         time.Now,
	}
}

// BookingWrites counts booking mutations since creation.
func (m *Memory) BookingWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookingWrites
}

// Writes counts every mutation except diagnostics and seeding.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) Close() {}

func (m *Memory) bookingWrite() {
	m.bookingWrites++
	m.writes++
}

func inWorkspaces(id uuid.UUID, workspaceIDs []uuid.UUID) bool {
	return slices.Contains(workspaceIDs, id)
}

// ---------------------------------------------------------------------------
// Properties, feeds, connections
// ---------------------------------------------------------------------------

func (m *Memory) UpsertProperty(_ context.Context, p *model.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	c := *p
	m.properties[p.ID] = &c
	return nil
}

func (m *Memory) GetProperty(_ context.Context, id uuid.UUID) (*model.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *Memory) ListProperties(_ context.Context, workspaceIDs []uuid.UUID) ([]*model.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Property
	for _, p := range m.properties {
		if inWorkspaces(p.WorkspaceID, workspaceIDs) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func cloneFeed(f *model.CalendarFeed) *model.CalendarFeed {
	c := *f
	if f.Diagnostics.LastSyncAt != nil {
		t := *f.Diagnostics.LastSyncAt
		c.Diagnostics.LastSyncAt = &t
	}
	return &c
}

func (m *Memory) UpsertFeed(_ context.Context, f *model.CalendarFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	c := cloneFeed(f)
	if prev, ok := m.feeds[f.ID]; ok {
		c.Diagnostics = cloneFeed(prev).Diagnostics
	}
	m.feeds[f.ID] = c
	return nil
}

func (m *Memory) GetFeed(_ context.Context, id uuid.UUID) (*model.CalendarFeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.feeds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFeed(f), nil
}

func (m *Memory) ListFeeds(_ context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CalendarFeed
	for _, f := range m.feeds {
		if inWorkspaces(f.WorkspaceID, workspaceIDs) {
			out = append(out, cloneFeed(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceLabel != out[j].SourceLabel {
			return out[i].SourceLabel < out[j].SourceLabel
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (m *Memory) SaveDiagnostics(_ context.Context, feedID uuid.UUID, d model.FeedDiagnostics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[feedID]
	if !ok {
		return ErrNotFound
	}
	f.Diagnostics = d
	f = cloneFeed(f)
	m.feeds[feedID] = f
	return nil
}

func cloneConnection(c *model.MailboxConnection) *model.MailboxConnection {
	out := *c
	out.PropertyIDs = slices.Clone(c.PropertyIDs)
	return &out
}

func (m *Memory) UpsertConnection(_ context.Context, c *model.MailboxConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.connections[c.ID] = cloneConnection(c)
	return nil
}

func (m *Memory) GetConnection(_ context.Context, id uuid.UUID) (*model.MailboxConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConnection(c), nil
}

func (m *Memory) ListConnections(_ context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.MailboxConnection
	for _, c := range m.connections {
		if c.WorkspaceID == workspaceID {
			out = append(out, cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

// ---------------------------------------------------------------------------
// Messages and facts
// ---------------------------------------------------------------------------

func (m *Memory) InsertMessage(_ context.Context, msg *model.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := messageKey{msg.ConnectionID, msg.MessageID}
	if _, ok := m.messages[k]; ok {
		return ErrDuplicate
	}
	c := *msg
	if c.Status == "" {
		c.Status = model.MessagePending
	}
	m.messages[k] = &c
	m.writes++
	return nil
}

func (m *Memory) StoredMessageIDs(_ context.Context, connectionID uuid.UUID) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]struct{}{}
	for k := range m.messages {
		if k.connectionID == connectionID {
			out[k.messageID] = struct{}{}
		}
	}
	return out, nil
}

func (m *Memory) ListMessages(_ context.Context, connectionID uuid.UUID, status string) ([]*model.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.RawMessage
	for k, msg := range m.messages {
		if k.connectionID != connectionID || (status != "" && msg.Status != status) {
			continue
		}
		c := *msg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (m *Memory) SetMessageStatus(_ context.Context, connectionID uuid.UUID, messageID, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageKey{connectionID, messageID}]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	msg.Reason = reason
	m.writes++
	return nil
}

func cloneFact(f *model.ReservationFact) *model.ReservationFact {
	c := *f
	if f.CheckIn != nil {
		t := *f.CheckIn
		c.CheckIn = &t
	}
	if f.CheckOut != nil {
		t := *f.CheckOut
		c.CheckOut = &t
	}
	if f.GuestName != nil {
		s := *f.GuestName
		c.GuestName = &s
	}
	if f.GuestCount != nil {
		n := *f.GuestCount
		c.GuestCount = &n
	}
	if f.ConfirmationCode != nil {
		s := *f.ConfirmationCode
		c.ConfirmationCode = &s
	}
	c.Raw = maps.Clone(f.Raw)
	return &c
}

func (m *Memory) UpsertFact(_ context.Context, f *model.ReservationFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, existing := range m.facts {
		if existing.ConnectionID == f.ConnectionID && existing.SourceMessageID == f.SourceMessageID {
			f.ID = existing.ID
			f.CreatedAt = existing.CreatedAt
			break
		}
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	m.facts[f.ID] = cloneFact(f)
	m.writes++
	return nil
}

func (m *Memory) RetractFact(_ context.Context, connectionID uuid.UUID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.facts {
		if f.ConnectionID != connectionID || f.SourceMessageID != messageID || f.RetractedAt != nil {
			continue
		}
		c := cloneFact(f)
		now := m.now().UTC()
		c.RetractedAt = &now
		c.UpdatedAt = now
		m.facts[id] = c
		m.writes++
		return true, nil
	}
	return false, nil
}

func (m *Memory) GetFact(_ context.Context, id uuid.UUID) (*model.ReservationFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFact(f), nil
}

func (m *Memory) ListFacts(_ context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ReservationFact
	for _, f := range m.facts {
		if f.WorkspaceID == workspaceID && f.RetractedAt == nil {
			out = append(out, cloneFact(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (m *Memory) SyncDates(_ context.Context, factID uuid.UUID, checkIn, checkOut time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facts[factID]
	if !ok {
		return ErrNotFound
	}
	in, out := model.Day(checkIn), model.Day(checkOut)
	f.CheckIn, f.CheckOut = &in, &out
	f.UpdatedAt = m.now().UTC()
	m.writes++
	return nil
}

// ---------------------------------------------------------------------------
// Bookings
// ---------------------------------------------------------------------------

func (m *Memory) GetBooking(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *Memory) InsertBooking(_ context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if _, ok := m.bookings[b.ID]; ok {
		return ErrConflict
	}
	if b.Active {
		for _, other := range m.bookings {
			if other.Active && other.PropertyID == b.PropertyID && other.FeedID == b.FeedID && other.ExternalUID == b.ExternalUID {
				return ErrConflict
			}
		}
	}
	now := m.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	m.bookings[b.ID] = b.Clone()
	m.bookingWrite()
	return nil
}

func (m *Memory) UpdateBooking(_ context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return ErrNotFound
	}
	next := b.Clone()
	next.ManualConnectionID = cur.ManualConnectionID
	next.ManualGuestName = cur.ManualGuestName
	next.ManualGuestCount = cur.ManualGuestCount
	next.ManualNotes = cur.ManualNotes
	next.ManualResolvedAt = cur.ManualResolvedAt
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now().UTC()
	b.UpdatedAt = next.UpdatedAt
	m.bookings[b.ID] = next
	m.bookingWrite()
	return nil
}

func (m *Memory) DeactivateBookings(_ context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if b, ok := m.bookings[id]; ok && b.Active {
			b.Active = false
			b.UpdatedAt = at
		}
	}
	m.bookingWrite()
	return nil
}

func (m *Memory) FindActiveByDayWindow(_ context.Context, propertyID, feedID uuid.UUID, checkIn, checkOut time.Time) ([]*model.Booking, error) {
	return m.filterBookings(func(b *model.Booking) bool {
		return b.Active && b.PropertyID == propertyID && b.FeedID == feedID &&
			model.SameDay(b.CheckIn, checkIn) && model.SameDay(b.CheckOut, checkOut)
	}), nil
}

func (m *Memory) FindByUID(_ context.Context, feedID uuid.UUID, externalUID string) (*model.Booking, error) {
	found := m.filterBookings(func(b *model.Booking) bool {
		return b.FeedID == feedID && b.ExternalUID == externalUID
	})
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Active != found[j].Active {
			return found[i].Active
		}
		return found[i].LastSyncedAt.After(found[j].LastSyncedAt)
	})
	return found[0], nil
}

func (m *Memory) ListActiveByFeed(_ context.Context, feedID uuid.UUID) ([]*model.Booking, error) {
	return m.filterBookings(func(b *model.Booking) bool {
		return b.Active && b.FeedID == feedID
	}), nil
}

func (m *Memory) ListActiveByProperties(_ context.Context, propertyIDs []uuid.UUID) ([]*model.Booking, error) {
	return m.filterBookings(func(b *model.Booking) bool {
		return b.Active && slices.Contains(propertyIDs, b.PropertyID)
	}), nil
}

func (m *Memory) ListActiveInRange(_ context.Context, workspaceIDs []uuid.UUID, start, end time.Time) ([]*model.Booking, error) {
	return m.filterBookings(func(b *model.Booking) bool {
		return b.Active && inWorkspaces(b.WorkspaceID, workspaceIDs) &&
			b.CheckIn.Before(end) && b.CheckOut.After(start)
	}), nil
}

// filterBookings returns matching clones ordered by check-in, created-at, ID.
func (m *Memory) filterBookings(keep func(*model.Booking) bool) []*model.Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Booking
	for _, b := range m.bookings {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	SortBookings(out)
	return out
}

// SortBookings orders bookings by check-in, then created-at, then ID.
func SortBookings(bs []*model.Booking) {
	sort.SliceStable(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if !a.CheckIn.Equal(b.CheckIn) {
			return a.CheckIn.Before(b.CheckIn)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

func (m *Memory) ApplyEnrichment(_ context.Context, bookingID uuid.UUID, e Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.GuestName = e.GuestName
	b.GuestFirstName = e.GuestFirstName
	b.GuestLastInitial = e.GuestLastInitial
	if e.GuestCount != nil {
		n := *e.GuestCount
		b.GuestCount = &n
	}
	b.SetProvenance(model.FactMatched{FactID: e.FactID, Reason: e.Reason})
	b.UpdatedAt = m.now().UTC()
	m.bookingWrite()
	return nil
}

func (m *Memory) SetResolution(_ context.Context, bookingID uuid.UUID, r Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	res := (&model.Booking{
		ManualConnectionID: r.ConnectionID,
		ManualGuestName:    r.GuestName,
		ManualGuestCount:   r.GuestCount,
		ManualNotes:        r.Notes,
		ManualResolvedAt:   &r.ResolvedAt,
	}).Clone()
	b.ManualConnectionID = res.ManualConnectionID
	b.ManualGuestName = res.ManualGuestName
	b.ManualGuestCount = res.ManualGuestCount
	b.ManualNotes = res.ManualNotes
	b.ManualResolvedAt = res.ManualResolvedAt
	b.UpdatedAt = m.now().UTC()
	m.bookingWrite()
	return nil
}

func (m *Memory) ClearResolution(_ context.Context, bookingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.ManualConnectionID = nil
	b.ManualGuestName = nil
	b.ManualGuestCount = nil
	b.ManualNotes = nil
	b.ManualResolvedAt = nil
	b.UpdatedAt = m.now().UTC()
	m.bookingWrite()
	return nil
}

// ---------------------------------------------------------------------------
// Review queue and audit
// ---------------------------------------------------------------------------

func cloneReview(r *model.EnrichmentReviewItem) *model.EnrichmentReviewItem {
	c := *r
	if r.FactID != nil {
		id := *r.FactID
		c.FactID = &id
	}
	c.Snapshot = maps.Clone(r.Snapshot)
	return &c
}

func (m *Memory) CreateReviewItem(_ context.Context, item *model.EnrichmentReviewItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reviews {
		if r.WorkspaceID == item.WorkspaceID && r.ConnectionID == item.ConnectionID && r.SourceMessageID == item.SourceMessageID {
			*item = *cloneReview(r)
			return false, nil
		}
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.ReviewPending
	}
	now := m.now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	m.reviews[item.ID] = cloneReview(item)
	m.writes++
	return true, nil
}

func (m *Memory) GetReviewItem(_ context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReview(r), nil
}

func (m *Memory) ListReviewItems(_ context.Context, workspaceIDs []uuid.UUID, status string) ([]*model.EnrichmentReviewItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.EnrichmentReviewItem
	for _, r := range m.reviews {
		if inWorkspaces(r.WorkspaceID, workspaceIDs) && (status == "" || r.Status == status) {
			out = append(out, cloneReview(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SourceMessageID < out[j].SourceMessageID
	})
	return out, nil
}

func (m *Memory) SetReviewStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = m.now().UTC()
	m.writes++
	return nil
}

func (m *Memory) RecordAmbiguity(_ context.Context, e *model.AmbiguityEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := e.Fingerprint()
	for _, cur := range m.ambiguities {
		if cur.WorkspaceID == e.WorkspaceID && cur.Fingerprint() == fp {
			return false, nil
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	c := *e
	c.CandidateIDs = slices.Clone(e.CandidateIDs)
	m.ambiguities = append(m.ambiguities, &c)
	m.writes++
	return true, nil
}

func (m *Memory) ListAmbiguities(_ context.Context, workspaceID uuid.UUID) ([]*model.AmbiguityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AmbiguityEvent
	for _, e := range m.ambiguities {
		if e.WorkspaceID == workspaceID {
			c := *e
			c.CandidateIDs = slices.Clone(e.CandidateIDs)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) AppendSyncLog(_ context.Context, e *model.SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	c := *e
	m.syncLog = append(m.syncLog, &c)
	m.writes++
	return nil
}

// ListSyncLog returns the newest entries first. A limit <= 0 returns all.
func (m *Memory) ListSyncLog(_ context.Context, feedID uuid.UUID, limit int) ([]*model.SyncLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.SyncLogEntry
	for i := len(m.syncLog) - 1; i >= 0; i-- {
		if m.syncLog[i].FeedID != feedID {
			continue
		}
		c := *m.syncLog[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
