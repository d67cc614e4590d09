// Package template stores notification templates and renders their
// per-channel content. Rendering is plain textual substitution, not script
// evaluation: {{name}} markers are replaced with the caller's variables and
// nothing else is interpreted.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Template holds the per-channel content of one template. A channel with no
// content cannot be rendered for.
type Template struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	EmailSubject string `json:"email_subject,omitempty" db:"email_subject"`
	EmailHTML    string `json:"email_html,omitempty" db:"email_html"`
	EmailText    string `json:"email_text,omitempty" db:"email_text"`

	SMSBody string `json:"sms_body,omitempty" db:"sms_body"`

	PushTitle string `json:"push_title,omitempty" db:"push_title"`
	PushBody  string `json:"push_body,omitempty" db:"push_body"`

	InAppTitle     string `json:"in_app_title,omitempty" db:"in_app_title"`
	InAppBody      string `json:"in_app_body,omitempty" db:"in_app_body"`
	InAppActionURL string `json:"in_app_action_url,omitempty" db:"in_app_action_url"`
}

// ErrNotFound is returned when a template does not exist.
var ErrNotFound = errors.New("template not found")

// Store persists templates.
type Store interface {
	Get(ctx context.Context, id string) (*Template, error)
	Upsert(ctx context.Context, t *Template) error
	SetActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context) ([]*Template, error)
}

// PostgresStore implements Store on the templates table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a template store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const templateColumns = `id, name, active, version, created_at, updated_at,
	email_subject, email_html, email_text, sms_body, push_title, push_body,
	in_app_title, in_app_body, in_app_action_url`

// Get retrieves a template by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// Upsert inserts or replaces a template, bumping the version on replace.
func (s *PostgresStore) Upsert(ctx context.Context, t *Template) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (
			id, name, active, version, created_at, updated_at,
			email_subject, email_html, email_text, sms_body, push_title, push_body,
			in_app_title, in_app_body, in_app_action_url
		) VALUES ($1, $2, $3, 1, $4, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			version = templates.version + 1,
			updated_at = EXCLUDED.updated_at,
			email_subject = EXCLUDED.email_subject,
			email_html = EXCLUDED.email_html,
			email_text = EXCLUDED.email_text,
			sms_body = EXCLUDED.sms_body,
			push_title = EXCLUDED.push_title,
			push_body = EXCLUDED.push_body,
			in_app_title = EXCLUDED.in_app_title,
			in_app_body = EXCLUDED.in_app_body,
			in_app_action_url = EXCLUDED.in_app_action_url
	`,
		t.ID, t.Name, t.Active, now,
		t.EmailSubject, t.EmailHTML, t.EmailText, t.SMSBody, t.PushTitle, t.PushBody,
		t.InAppTitle, t.InAppBody, t.InAppActionURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

// SetActive toggles a template's active flag.
func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE templates SET active = $2, updated_at = $3 WHERE id = $1
	`, id, active, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all templates ordered by ID.
func (s *PostgresStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return templates, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID, &t.Name, &t.Active, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&t.EmailSubject, &t.EmailHTML, &t.EmailText, &t.SMSBody, &t.PushTitle, &t.PushBody,
		&t.InAppTitle, &t.InAppBody, &t.InAppActionURL,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}
	return &t, nil
}
