// Package contacts reads recipients, lists and email templates from the
// embedded database. Email and WhatsApp contacts live in separate tables.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/util"
)

// ErrNotFound is returned when a list, contact or template does not exist.
var ErrNotFound = errors.New("contacts: not found")

// List is a named group of contacts.
type List struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Size        int    `json:"size"`
}

// Template is a stored email subject and body.
type Template struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type tables struct {
	contacts    string
	address     string
	lists       string
	memberships string
}

var channelTables = map[string]tables{
	models.ChannelEmail:    {contacts: "contacts", address: "email", lists: "lists", memberships: "list_memberships"},
	models.ChannelWhatsApp: {contacts: "whatsapp_contacts", address: "phone", lists: "whatsapp_lists", memberships: "whatsapp_list_memberships"},
}

func tablesFor(channel string) (tables, error) {
	t, ok := channelTables[channel]
	if !ok {
		return tables{}, fmt.Errorf("contacts: %w: %q", util.ErrUnknownChannel, channel)
	}
	return t, nil
}

// Store is the contact source.
type Store struct {
	db *sql.DB
}

// New returns a Store over an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// All returns every contact of channel ordered by id.
func (s *Store) All(ctx context.Context, channel string) ([]models.Recipient, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id, name, %s FROM %s ORDER BY id", t.address, t.contacts)
	return s.recipients(ctx, query)
}

// InList returns the members of a list ordered by contact id.
func (s *Store) InList(ctx context.Context, channel string, listID int64) ([]models.Recipient, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return nil, err
	}
	if _, err := s.List(ctx, channel, listID); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT c.id, c.name, c.%s
		FROM %s c
		JOIN %s m ON m.contact_id = c.id
		WHERE m.list_id = ?
		ORDER BY c.id`, t.address, t.contacts, t.memberships)
	return s.recipients(ctx, query, listID)
}

// List loads one list with its member count.
func (s *Store) List(ctx context.Context, channel string, listID int64) (*List, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return nil, err
	}
	var list List
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT l.id, l.name, l.description,
			(SELECT COUNT(*) FROM %s m WHERE m.list_id = l.id)
		FROM %s l WHERE l.id = ?`, t.memberships, t.lists), listID,
	).Scan(&list.ID, &list.Name, &list.Description, &list.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contacts: list %d: %w", listID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: get list %d: %w", listID, err)
	}
	return &list, nil
}

// Lists returns every list of channel ordered by name.
func (s *Store) Lists(ctx context.Context, channel string) ([]List, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.id, l.name, l.description, COUNT(m.contact_id)
		FROM %s l LEFT JOIN %s m ON m.list_id = l.id
		GROUP BY l.id ORDER BY l.name`, t.lists, t.memberships))
	if err != nil {
		return nil, fmt.Errorf("contacts: lists: %w", err)
	}
	defer rows.Close()

	var out []List
	for rows.Next() {
		var l List
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.Size); err != nil {
			return nil, fmt.Errorf("contacts: scan list: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Add inserts a contact after normalising its address for channel.
func (s *Store) Add(ctx context.Context, channel, name, address string) (int64, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return 0, err
	}
	normalized, err := util.NormalizeAddress(channel, address)
	if err != nil {
		return 0, fmt.Errorf("contacts: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (name, %s) VALUES (?, ?)", t.contacts, t.address),
		strings.TrimSpace(name), normalized,
	)
	if err != nil {
		return 0, fmt.Errorf("contacts: add %s: %w", normalized, err)
	}
	return res.LastInsertId()
}

// CreateList inserts a new list.
func (s *Store) CreateList(ctx context.Context, channel, name, description string) (int64, error) {
	t, err := tablesFor(channel)
	if err != nil {
		return 0, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("contacts: list name is required")
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (name, description) VALUES (?, ?)", t.lists),
		name, description,
	)
	if err != nil {
		return 0, fmt.Errorf("contacts: create list %q: %w", name, err)
	}
	return res.LastInsertId()
}

// AddToList adds an existing contact to an existing list. Adding a member
// twice is a no-op.
func (s *Store) AddToList(ctx context.Context, channel string, listID, contactID int64) error {
	t, err := tablesFor(channel)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR IGNORE INTO %s (list_id, contact_id) VALUES (?, ?)", t.memberships),
		listID, contactID,
	)
	if err != nil {
		return fmt.Errorf("contacts: add contact %d to list %d: %w", contactID, listID, err)
	}
	return nil
}

// Template loads a stored email template.
func (s *Store) Template(ctx context.Context, id int64) (*Template, error) {
	var tpl Template
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, subject, body FROM email_templates WHERE id = ?", id,
	).Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contacts: template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("contacts: get template %d: %w", id, err)
	}
	return &tpl, nil
}

// AddTemplate stores an email template.
func (s *Store) AddTemplate(ctx context.Context, name, subject, body string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO email_templates (name, subject, body) VALUES (?, ?, ?)",
		strings.TrimSpace(name), subject, body,
	)
	if err != nil {
		return 0, fmt.Errorf("contacts: add template %q: %w", name, err)
	}
	return res.LastInsertId()
}

// ApplyTemplate copies a stored template's subject and body into spec. Values
// already set on spec win.
func (s *Store) ApplyTemplate(ctx context.Context, spec *models.MessageSpec) error {
	if spec.TemplateID == nil {
		return nil
	}
	tpl, err := s.Template(ctx, *spec.TemplateID)
	if err != nil {
		return err
	}
	if spec.Subject == "" {
		spec.Subject = tpl.Subject
	}
	if spec.Body == "" {
		spec.Body = tpl.Body
	}
	if spec.TemplateName == "" {
		spec.TemplateName = tpl.Name
	}
	return nil
}

func (s *Store) recipients(ctx context.Context, query string, args ...any) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("contacts: query recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		if err := rows.Scan(&r.ID, &r.Name, &r.Address); err != nil {
			return nil, fmt.Errorf("contacts: scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: query recipients: %w", err)
	}
	return out, nil
}
