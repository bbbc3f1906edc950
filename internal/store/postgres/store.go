package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"staycal/internal/model"
	"staycal/internal/store"
)

const uniqueViolation = "23505"

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool. Migrations must already be applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// ============================================================================
// Properties, feeds, connections
// ============================================================================

func (s *Store) UpsertProperty(ctx context.Context, p *model.Property) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO properties (id, workspace_id, name, cleaning_pre_days, cleaning_post_days)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id, name = EXCLUDED.name,
		    cleaning_pre_days = EXCLUDED.cleaning_pre_days, cleaning_post_days = EXCLUDED.cleaning_post_days`,
		p.ID, p.WorkspaceID, p.Name, p.Cleaning.PreDays, p.Cleaning.PostDays)
	if err != nil {
		return fmt.Errorf("failed to upsert property: %w", err)
	}
	return nil
}

const propertyColumns = `id, workspace_id, name, cleaning_pre_days, cleaning_post_days`

func scanProperty(row scanner) (*model.Property, error) {
	var p model.Property
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Cleaning.PreDays, &p.Cleaning.PostDays); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProperty(ctx context.Context, id uuid.UUID) (*model.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) ListProperties(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.Property, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+propertyColumns+` FROM properties WHERE workspace_id = ANY($1) ORDER BY name`, workspaceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()
	var out []*model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertFeed(ctx context.Context, f *model.CalendarFeed) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_feeds (id, workspace_id, property_id, url, source_label, source_type, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id, property_id = EXCLUDED.property_id, url = EXCLUDED.url,
		    source_label = EXCLUDED.source_label, source_type = EXCLUDED.source_type, active = EXCLUDED.active`,
		f.ID, f.WorkspaceID, f.PropertyID, f.URL, f.SourceLabel, f.SourceType, f.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}
	return nil
}

const feedColumns = `id, workspace_id, property_id, url, source_label, source_type, active,
	last_sync_at, last_http_status, last_content_type, last_final_url, last_body_snippet,
	last_event_count, last_booking_count, last_error`

func scanFeed(row scanner) (*model.CalendarFeed, error) {
	var f model.CalendarFeed
	d := &f.Diagnostics
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.PropertyID, &f.URL, &f.SourceLabel, &f.SourceType, &f.Active,
		&d.LastSyncAt, &d.HTTPStatus, &d.ContentType, &d.FinalURL, &d.BodySnippet,
		&d.EventCount, &d.BookingCount, &d.Error)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) GetFeed(ctx context.Context, id uuid.UUID) (*model.CalendarFeed, error) {
	f, err := scanFeed(s.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM calendar_feeds WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) ListFeeds(ctx context.Context, workspaceIDs []uuid.UUID) ([]*model.CalendarFeed, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+feedColumns+` FROM calendar_feeds WHERE workspace_id = ANY($1) ORDER BY source_label, id`, workspaceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()
	var out []*model.CalendarFeed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SaveDiagnostics(ctx context.Context, feedID uuid.UUID, d model.FeedDiagnostics) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_feeds
		SET last_sync_at = $2, last_http_status = $3, last_content_type = $4, last_final_url = $5,
		    last_body_snippet = $6, last_event_count = $7, last_booking_count = $8, last_error = $9
		WHERE id = $1`,
		feedID, d.LastSyncAt, d.HTTPStatus, d.ContentType, d.FinalURL, d.BodySnippet, d.EventCount, d.BookingCount, d.Error)
	if err != nil {
		return fmt.Errorf("failed to save feed diagnostics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertConnection(ctx context.Context, c *model.MailboxConnection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	ids := c.PropertyIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_connections (id, workspace_id, label, color, active, property_ids)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id, label = EXCLUDED.label, color = EXCLUDED.color,
		    active = EXCLUDED.active, property_ids = EXCLUDED.property_ids`,
		c.ID, c.WorkspaceID, c.Label, c.Color, c.Active, ids)
	if err != nil {
		return fmt.Errorf("failed to upsert mailbox connection: %w", err)
	}
	return nil
}

const connectionColumns = `id, workspace_id, label, color, active, property_ids`

func scanConnection(row scanner) (*model.MailboxConnection, error) {
	var c model.MailboxConnection
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.Label, &c.Color, &c.Active, &c.PropertyIDs); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*model.MailboxConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM mailbox_connections WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) ListConnections(ctx context.Context, workspaceID uuid.UUID) ([]*model.MailboxConnection, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+connectionColumns+` FROM mailbox_connections WHERE workspace_id = $1 ORDER BY id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox connections: %w", err)
	}
	defer rows.Close()
	var out []*model.MailboxConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Messages and facts
// ============================================================================

func (s *Store) InsertMessage(ctx context.Context, m *model.RawMessage) error {
	status := m.Status
	if status == "" {
		status = model.MessagePending
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_messages (connection_id, message_id, subject, snippet, body, received_at, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id, message_id) DO NOTHING`,
		m.ConnectionID, m.MessageID, m.Subject, m.Snippet, m.Body, m.ReceivedAt, status, m.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert raw message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}
	m.Status = status
	return nil
}

func (s *Store) StoredMessageIDs(ctx context.Context, connectionID uuid.UUID) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT message_id FROM raw_messages WHERE connection_id = $1`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored message ids: %w", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) ListMessages(ctx context.Context, connectionID uuid.UUID, status string) ([]*model.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT connection_id, message_id, subject, snippet, body, received_at, status, reason
		FROM raw_messages
		WHERE connection_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY received_at, message_id`, connectionID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw messages: %w", err)
	}
	defer rows.Close()
	var out []*model.RawMessage
	for rows.Next() {
		var m model.RawMessage
		if err := rows.Scan(&m.ConnectionID, &m.MessageID, &m.Subject, &m.Snippet, &m.Body, &m.ReceivedAt, &m.Status, &m.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan raw message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) SetMessageStatus(ctx context.Context, connectionID uuid.UUID, messageID, status, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE raw_messages SET status = $3, reason = $4 WHERE connection_id = $1 AND message_id = $2`,
		connectionID, messageID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to set message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const factColumns = `id, workspace_id, connection_id, source_message_id, check_in, check_out,
	guest_name, guest_count, confirmation_code, confidence, raw, created_at, updated_at, retracted_at`

func scanFact(row scanner) (*model.ReservationFact, error) {
	var f model.ReservationFact
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.ConnectionID, &f.SourceMessageID, &f.CheckIn, &f.CheckOut,
		&f.GuestName, &f.GuestCount, &f.ConfirmationCode, &f.Confidence, &f.Raw, &f.CreatedAt, &f.UpdatedAt, &f.RetractedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) UpsertFact(ctx context.Context, f *model.ReservationFact) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	raw := f.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reservation_facts (id, workspace_id, connection_id, source_message_id, check_in, check_out,
			guest_name, guest_count, confirmation_code, confidence, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (connection_id, source_message_id) DO UPDATE
		SET check_in = EXCLUDED.check_in, check_out = EXCLUDED.check_out, guest_name = EXCLUDED.guest_name,
		    guest_count = EXCLUDED.guest_count, confirmation_code = EXCLUDED.confirmation_code,
		    confidence = EXCLUDED.confidence, raw = EXCLUDED.raw, updated_at = NOW(), retracted_at = NULL
		RETURNING id, created_at, updated_at`,
		f.ID, f.WorkspaceID, f.ConnectionID, f.SourceMessageID, f.CheckIn, f.CheckOut,
		f.GuestName, f.GuestCount, f.ConfirmationCode, f.Confidence, raw,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert reservation fact: %w", err)
	}
	return nil
}

func (s *Store) RetractFact(ctx context.Context, connectionID uuid.UUID, messageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservation_facts SET retracted_at = NOW(), updated_at = NOW()
		WHERE connection_id = $1 AND source_message_id = $2 AND retracted_at IS NULL`,
		connectionID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to retract reservation fact: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetFact(ctx context.Context, id uuid.UUID) (*model.ReservationFact, error) {
	f, err := scanFact(s.pool.QueryRow(ctx, `SELECT `+factColumns+` FROM reservation_facts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) ListFacts(ctx context.Context, workspaceID uuid.UUID) ([]*model.ReservationFact, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+factColumns+` FROM reservation_facts WHERE workspace_id = $1 AND retracted_at IS NULL ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservation facts: %w", err)
	}
	defer rows.Close()
	var out []*model.ReservationFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) SyncDates(ctx context.Context, factID uuid.UUID, checkIn, checkOut time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reservation_facts SET check_in = $2, check_out = $3, updated_at = NOW() WHERE id = $1`,
		factID, model.Day(checkIn), model.Day(checkOut))
	if err != nil {
		return fmt.Errorf("failed to sync fact dates: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ============================================================================
// Bookings
// ============================================================================

const bookingColumns = `id, property_id, workspace_id, feed_id, external_uid, check_in, check_out,
	guest_name, guest_first_name, guest_last_initial, guest_count, confirmation_code, status, platform, active,
	manual_connection_id, manual_guest_name, manual_guest_count, manual_notes, manual_resolved_at,
	enriched_fact_id, match_reason, raw_payload, last_synced_at, created_at, updated_at`

func scanBooking(row scanner) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.ID, &b.PropertyID, &b.WorkspaceID, &b.FeedID, &b.ExternalUID, &b.CheckIn, &b.CheckOut,
		&b.GuestName, &b.GuestFirstName, &b.GuestLastInitial, &b.GuestCount, &b.ConfirmationCode, &b.Status, &b.Platform, &b.Active,
		&b.ManualConnectionID, &b.ManualGuestName, &b.ManualGuestCount, &b.ManualNotes, &b.ManualResolvedAt,
		&b.EnrichedFactID, &b.MatchReason, &b.RawPayload, &b.LastSyncedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.CheckIn, b.CheckOut = b.CheckIn.UTC(), b.CheckOut.UTC()
	return &b, nil
}

func (s *Store) queryBookings(ctx context.Context, where string, args ...any) ([]*model.Booking, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+where+` ORDER BY check_in, created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()
	var out []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetBooking(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *Store) InsertBooking(ctx context.Context, b *model.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, property_id, workspace_id, feed_id, external_uid, check_in, check_out,
			guest_name, guest_first_name, guest_last_initial, guest_count, confirmation_code, status, platform, active,
			enriched_fact_id, match_reason, raw_payload, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at`,
		b.ID, b.PropertyID, b.WorkspaceID, b.FeedID, b.ExternalUID, b.CheckIn, b.CheckOut,
		b.GuestName, b.GuestFirstName, b.GuestLastInitial, b.GuestCount, b.ConfirmationCode, b.Status, b.Platform, b.Active,
		b.EnrichedFactID, b.MatchReason, b.RawPayload, b.LastSyncedAt,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *Store) UpdateBooking(ctx context.Context, b *model.Booking) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE bookings
		SET property_id = $2, external_uid = $3, check_in = $4, check_out = $5,
		    guest_name = $6, guest_first_name = $7, guest_last_initial = $8, guest_count = $9,
		    confirmation_code = $10, status = $11, platform = $12, active = $13,
		    enriched_fact_id = $14, match_reason = $15, raw_payload = $16, last_synced_at = $17,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		b.ID, b.PropertyID, b.ExternalUID, b.CheckIn, b.CheckOut,
		b.GuestName, b.GuestFirstName, b.GuestLastInitial, b.GuestCount,
		b.ConfirmationCode, b.Status, b.Platform, b.Active,
		b.EnrichedFactID, b.MatchReason, b.RawPayload, b.LastSyncedAt,
	).Scan(&b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return notFound(err)
	}
	return nil
}

func (s *Store) DeactivateBookings(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE bookings SET active = FALSE, updated_at = $2 WHERE id = ANY($1) AND active`, ids, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate bookings: %w", err)
	}
	return nil
}

func (s *Store) FindActiveByDayWindow(ctx context.Context, propertyID, feedID uuid.UUID, checkIn, checkOut time.Time) ([]*model.Booking, error) {
	inDay, outDay := model.Day(checkIn), model.Day(checkOut)
	return s.queryBookings(ctx, `active AND property_id = $1 AND feed_id = $2
		AND check_in >= $3 AND check_in < $4 AND check_out >= $5 AND check_out < $6`,
		propertyID, feedID, inDay, inDay.AddDate(0, 0, 1), outDay, outDay.AddDate(0, 0, 1))
}

func (s *Store) FindByUID(ctx context.Context, feedID uuid.UUID, externalUID string) (*model.Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE feed_id = $1 AND external_uid = $2
		ORDER BY active DESC, last_synced_at DESC
		LIMIT 1`, feedID, externalUID))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *Store) ListActiveByFeed(ctx context.Context, feedID uuid.UUID) ([]*model.Booking, error) {
	return s.queryBookings(ctx, `active AND feed_id = $1`, feedID)
}

func (s *Store) ListActiveByProperties(ctx context.Context, propertyIDs []uuid.UUID) ([]*model.Booking, error) {
	return s.queryBookings(ctx, `active AND property_id = ANY($1)`, propertyIDs)
}

func (s *Store) ListActiveInRange(ctx context.Context, workspaceIDs []uuid.UUID, start, end time.Time) ([]*model.Booking, error) {
	return s.queryBookings(ctx, `active AND workspace_id = ANY($1) AND check_in < $3 AND check_out > $2`, workspaceIDs, start, end)
}

func (s *Store) ApplyEnrichment(ctx context.Context, bookingID uuid.UUID, e store.Enrichment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bookings
		SET guest_name = $2, guest_first_name = $3, guest_last_initial = $4,
		    guest_count = COALESCE($5, guest_count), enriched_fact_id = $6, match_reason = $7, updated_at = NOW()
		WHERE id = $1`,
		bookingID, e.GuestName, e.GuestFirstName, e.GuestLastInitial, e.GuestCount, e.FactID, e.Reason)
	if err != nil {
		return fmt.Errorf("failed to apply enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetResolution(ctx context.Context, bookingID uuid.UUID, r store.Resolution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bookings
		SET manual_connection_id = $2, manual_guest_name = $3, manual_guest_count = $4,
		    manual_notes = $5, manual_resolved_at = $6, updated_at = NOW()
		WHERE id = $1`,
		bookingID, r.ConnectionID, r.GuestName, r.GuestCount, r.Notes, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to set manual resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearResolution(ctx context.Context, bookingID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bookings
		SET manual_connection_id = NULL, manual_guest_name = NULL, manual_guest_count = NULL,
		    manual_notes = NULL, manual_resolved_at = NULL, updated_at = NOW()
		WHERE id = $1`, bookingID)
	if err != nil {
		return fmt.Errorf("failed to clear manual resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ============================================================================
// Review queue and audit
// ============================================================================

const reviewColumns = `id, workspace_id, connection_id, source_message_id, fact_id, snapshot, status, created_at, updated_at`

func scanReview(row scanner) (*model.EnrichmentReviewItem, error) {
	var r model.EnrichmentReviewItem
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.ConnectionID, &r.SourceMessageID, &r.FactID, &r.Snapshot, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateReviewItem(ctx context.Context, item *model.EnrichmentReviewItem) (bool, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = model.ReviewPending
	}
	snapshot := item.Snapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	created, err := scanReview(s.pool.QueryRow(ctx, `
		INSERT INTO enrichment_review_items (id, workspace_id, connection_id, source_message_id, fact_id, snapshot, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, connection_id, source_message_id) DO NOTHING
		RETURNING `+reviewColumns,
		item.ID, item.WorkspaceID, item.ConnectionID, item.SourceMessageID, item.FactID, snapshot, item.Status))
	if err == nil {
		*item = *created
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to create review item: %w", err)
	}

	existing, err := scanReview(s.pool.QueryRow(ctx, `
		SELECT `+reviewColumns+` FROM enrichment_review_items
		WHERE workspace_id = $1 AND connection_id = $2 AND source_message_id = $3`,
		item.WorkspaceID, item.ConnectionID, item.SourceMessageID))
	if err != nil {
		return false, fmt.Errorf("failed to load existing review item: %w", err)
	}
	*item = *existing
	return false, nil
}

func (s *Store) GetReviewItem(ctx context.Context, id uuid.UUID) (*model.EnrichmentReviewItem, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM enrichment_review_items WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *Store) ListReviewItems(ctx context.Context, workspaceIDs []uuid.UUID, status string) ([]*model.EnrichmentReviewItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reviewColumns+` FROM enrichment_review_items
		WHERE workspace_id = ANY($1) AND ($2 = '' OR status = $2)
		ORDER BY created_at, source_message_id`, workspaceIDs, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer rows.Close()
	var out []*model.EnrichmentReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review item: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SetReviewStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE enrichment_review_items SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set review status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordAmbiguity(ctx context.Context, e *model.AmbiguityEvent) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	ids := e.CandidateIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ambiguity_events (id, workspace_id, kind, feed_id, fact_id, external_uid, candidate_ids, detail, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workspace_id, fingerprint) DO NOTHING
		RETURNING created_at`,
		e.ID, e.WorkspaceID, e.Kind, e.FeedID, e.FactID, e.ExternalUID, ids, e.Detail, e.Fingerprint(),
	).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record ambiguity: %w", err)
	}
	return true, nil
}

func (s *Store) ListAmbiguities(ctx context.Context, workspaceID uuid.UUID) ([]*model.AmbiguityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, kind, feed_id, fact_id, external_uid, candidate_ids, detail, created_at
		FROM ambiguity_events WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ambiguities: %w", err)
	}
	defer rows.Close()
	var out []*model.AmbiguityEvent
	for rows.Next() {
		var e model.AmbiguityEvent
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Kind, &e.FeedID, &e.FactID, &e.ExternalUID, &e.CandidateIDs, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ambiguity: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_sync_log (id, feed_id, at, event_count, created, updated, deactivated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.FeedID, e.At, e.EventCount, e.Created, e.Updated, e.Deactivated)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (s *Store) ListSyncLog(ctx context.Context, feedID uuid.UUID, limit int) ([]*model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, feed_id, at, event_count, created, updated, deactivated
		FROM feed_sync_log WHERE feed_id = $1 ORDER BY at DESC LIMIT $2`, feedID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync log: %w", err)
	}
	defer rows.Close()
	var out []*model.SyncLogEntry
	for rows.Next() {
		var e model.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.FeedID, &e.At, &e.EventCount, &e.Created, &e.Updated, &e.Deactivated); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
