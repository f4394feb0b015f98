// Package ledger persists dispatch sessions and their per-recipient delivery
// logs. Every write is committed before the call returns.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zigazaga4/emailer/internal/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Store reads and writes the ledger tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used by SweepStale.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store over an already migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateSession inserts a new in_progress session and returns it with its id.
func (s *Store) CreateSession(ctx context.Context, session models.DispatchSession) (*models.DispatchSession, error) {
	if session.Status == "" {
		session.Status = models.SessionInProgress
	}
	if session.Channel == "" {
		session.Channel = models.ChannelEmail
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = s.now()
	}
	session.StartedAt = session.StartedAt.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_sessions (
			channel, session_name, list_id, list_name, template_id, template_name,
			subject, from_address, total_contacts, successful_sends, failed_sends,
			started_at, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.Channel, nullable(session.SessionName), session.ListID, nullable(session.ListName),
		session.TemplateID, nullable(session.TemplateName), session.Subject, session.FromAddress,
		session.TotalContacts, session.SuccessfulSends, session.FailedSends,
		session.StartedAt, session.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ledger: create session id: %w", err)
	}
	session.ID = id
	return &session, nil
}

// UpdateSession applies the non-nil fields of update.
func (s *Store) UpdateSession(ctx context.Context, id int64, update models.SessionUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	if update.SuccessfulSends != nil {
		sets = append(sets, "successful_sends = ?")
		args = append(args, *update.SuccessfulSends)
	}
	if update.FailedSends != nil {
		sets = append(sets, "failed_sends = ?")
		args = append(args, *update.FailedSends)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE dispatch_sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("ledger: update session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ledger: update session %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendLog records the terminal outcome for one recipient and returns the
// entry with its id. channel is stored alongside the entry so contact lookups
// stay scoped to the right contact table.
func (s *Store) AppendLog(ctx context.Context, channel string, entry models.DeliveryLogEntry) (*models.DeliveryLogEntry, error) {
	if entry.SentAt.IsZero() {
		entry.SentAt = s.now()
	}
	entry.SentAt = entry.SentAt.UTC()
	if entry.Attempts == 0 {
		entry.Attempts = 1
	}
	if channel == "" {
		channel = models.ChannelEmail
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (
			session_id, channel, contact_id, contact_name, contact_address, subject,
			template_id, template_name, from_address, status, error_message,
			attempts, provider_id, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, channel, entry.ContactID, entry.ContactName, entry.ContactAddr, entry.Subject,
		entry.TemplateID, nullable(entry.TemplateName), entry.FromAddress, entry.Status,
		nullable(entry.ErrorMessage), entry.Attempts, nullable(entry.ProviderID), entry.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: append log for session %d: %w", entry.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ledger: append log id: %w", err)
	}
	entry.ID = id
	return &entry, nil
}

const sessionColumns = `id, channel, session_name, list_id, list_name, template_id, template_name,
	subject, from_address, total_contacts, successful_sends, failed_sends,
	started_at, completed_at, status`

// ListSessions returns sessions newest first. A non-empty channel filters by
// channel; limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, channel string, limit int) ([]models.DispatchSession, error) {
	query := "SELECT " + sessionColumns + " FROM dispatch_sessions"
	var args []any
	if channel != "" {
		query += " WHERE channel = ?"
		args = append(args, channel)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan session: %w", err)
		}
		out = append(out, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list sessions: %w", err)
	}
	return out, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id int64) (*models.DispatchSession, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM dispatch_sessions WHERE id = ?", id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get session %d: %w", id, err)
	}
	return session, nil
}

// DeleteSession removes a session; its logs are removed by cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ledger: delete session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ledger: delete session %d: %w", id, ErrNotFound)
	}
	return nil
}

// SweepStale marks in_progress sessions started before now-olderThan as
// cancelled and returns how many were changed.
func (s *Store) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("ledger: sweep threshold must be positive")
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_sessions
		SET status = ?, completed_at = ?
		WHERE status = ? AND started_at < ?`,
		models.SessionCancelled, now, models.SessionInProgress, now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep stale sessions: %w", err)
	}
	return n, nil
}

const logColumns = `l.id, l.session_id, l.contact_id, l.contact_name, l.contact_address, l.subject,
	l.template_id, l.template_name, l.from_address, l.status, l.error_message,
	l.attempts, l.provider_id, l.sent_at`

// LogsForSession returns the logs of one session oldest first.
func (s *Store) LogsForSession(ctx context.Context, sessionID int64) ([]models.DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+logColumns+" FROM delivery_logs l WHERE l.session_id = ? ORDER BY l.sent_at ASC, l.id ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: logs for session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var out []models.DeliveryLogEntry
	for rows.Next() {
		var entry models.DeliveryLogEntry
		if err := rows.Scan(logDest(&entry)...); err != nil {
			return nil, fmt.Errorf("ledger: scan log: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: logs for session %d: %w", sessionID, err)
	}
	return out, nil
}

// LogsForContact returns every log for a contact on channel, newest first,
// joined with the owning session's name and start time.
func (s *Store) LogsForContact(ctx context.Context, channel string, contactID int64) ([]models.ContactLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`, s.session_name, s.started_at
		FROM delivery_logs l
		LEFT JOIN dispatch_sessions s ON s.id = l.session_id
		WHERE l.channel = ? AND l.contact_id = ?
		ORDER BY l.sent_at DESC, l.id DESC`,
		channel, contactID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: logs for contact %d: %w", contactID, err)
	}
	defer rows.Close()

	var out []models.ContactLogEntry
	for rows.Next() {
		var (
			entry     models.ContactLogEntry
			name      sql.NullString
			startedAt sql.NullTime
		)
		dest := append(logDest(&entry.DeliveryLogEntry), &name, &startedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("ledger: scan contact log: %w", err)
		}
		entry.SessionName = name.String
		if startedAt.Valid {
			t := startedAt.Time
			entry.SessionStartedAt = &t
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: logs for contact %d: %w", contactID, err)
	}
	return out, nil
}

// StatsForContact aggregates the delivery history of a contact on channel.
func (s *Store) StatsForContact(ctx context.Context, channel string, contactID int64) (models.ContactStats, error) {
	var (
		stats      models.ContactStats
		successful sql.NullInt64
		failed     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM delivery_logs
		WHERE channel = ? AND contact_id = ?`,
		models.DeliverySuccess, models.DeliveryFailed, channel, contactID,
	).Scan(&stats.TotalSent, &successful, &failed)
	if err != nil {
		return models.ContactStats{}, fmt.Errorf("ledger: stats for contact %d: %w", contactID, err)
	}
	stats.Successful = int(successful.Int64)
	stats.Failed = int(failed.Int64)
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.DispatchSession, error) {
	var (
		session      models.DispatchSession
		name         sql.NullString
		listID       sql.NullInt64
		listName     sql.NullString
		templateID   sql.NullInt64
		templateName sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.Channel, &name, &listID, &listName, &templateID, &templateName,
		&session.Subject, &session.FromAddress, &session.TotalContacts,
		&session.SuccessfulSends, &session.FailedSends,
		&session.StartedAt, &completedAt, &session.Status,
	)
	if err != nil {
		return nil, err
	}
	session.SessionName = name.String
	session.ListName = listName.String
	session.TemplateName = templateName.String
	session.ListID = int64Ptr(listID)
	session.TemplateID = int64Ptr(templateID)
	if completedAt.Valid {
		t := completedAt.Time
		session.CompletedAt = &t
	}
	return &session, nil
}

// nullString scans a nullable TEXT column into a plain string.
type nullString struct{ dst *string }

func (n nullString) Scan(src any) error {
	var v sql.NullString
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.dst = v.String
	return nil
}

// nullInt64 scans a nullable INTEGER column into a pointer.
type nullInt64 struct{ dst **int64 }

func (n nullInt64) Scan(src any) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.dst = int64Ptr(v)
	return nil
}

func logDest(entry *models.DeliveryLogEntry) []any {
	return []any{
		&entry.ID, &entry.SessionID, &entry.ContactID, &entry.ContactName, &entry.ContactAddr, &entry.Subject,
		nullInt64{&entry.TemplateID}, nullString{&entry.TemplateName},
		&entry.FromAddress, &entry.Status, nullString{&entry.ErrorMessage},
		&entry.Attempts, nullString{&entry.ProviderID}, &entry.SentAt,
	}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
