// Package inapp delivers in-app jobs: realtime fan-out to the user's open
// websocket sessions, with the inbox as the store-and-forward record every
// delivery lands in regardless of who is connected.
package inapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InboxItem is one stored in-app notification.
type InboxItem struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	NotificationID uuid.UUID  `json:"notification_id" db:"notification_id"`
	Title          string     `json:"title" db:"title"`
	Body           string     `json:"body" db:"body"`
	ActionURL      string     `json:"action_url,omitempty" db:"action_url"`
	Icon           string     `json:"icon,omitempty" db:"icon"`
	Read           bool       `json:"read" db:"read"`
	ReadAt         *time.Time `json:"read_at,omitempty" db:"read_at"`
	Dismissed      bool       `json:"dismissed" db:"dismissed"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// InboxPage is one page of a user's inbox with the counts clients render
// badges from.
type InboxPage struct {
	Items       []*InboxItem `json:"items"`
	Total       int64        `json:"total"`
	UnreadCount int64        `json:"unread_count"`
}

// ErrItemNotFound is returned when an inbox item does not exist or belongs
// to another user.
var ErrItemNotFound = errors.New("inbox item not found")

// InboxStore persists inbox items.
type InboxStore interface {
	Add(ctx context.Context, item *InboxItem) error
	List(ctx context.Context, userID string, page, limit int, unreadOnly bool) (*InboxPage, error)
	Backlog(ctx context.Context, userID string, limit int) ([]*InboxItem, error)
	MarkRead(ctx context.Context, userID string, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Dismiss(ctx context.Context, userID string, id uuid.UUID) error
	TrackClick(ctx context.Context, userID string, id uuid.UUID) error
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresInbox implements InboxStore on the inbox_items table.
type PostgresInbox struct {
	db *sql.DB
}

// NewPostgresInbox creates an inbox store.
func NewPostgresInbox(db *sql.DB) *PostgresInbox {
	return &PostgresInbox{db: db}
}

const inboxColumns = `id, user_id, notification_id, title, body, action_url, icon,
	read, read_at, dismissed, clicked_at, expires_at, created_at`

// Add inserts an inbox item.
func (s *PostgresInbox) Add(ctx context.Context, item *InboxItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_items (
			id, user_id, notification_id, title, body, action_url, icon,
			read, read_at, dismissed, clicked_at, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL, FALSE, NULL, $8, $9)
	`,
		item.ID, item.UserID, item.NotificationID, item.Title, item.Body, item.ActionURL, item.Icon,
		item.ExpiresAt, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add inbox item: %w", err)
	}
	return nil
}

// List returns one page of a user's inbox, newest first. Dismissed items
// never come back.
func (s *PostgresInbox) List(ctx context.Context, userID string, page, limit int, unreadOnly bool) (*InboxPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	filter := ""
	if unreadOnly {
		filter = " AND read = FALSE"
	}

	out := &InboxPage{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE TRUE`+filter+`),
			COUNT(*) FILTER (WHERE read = FALSE)
		FROM inbox_items
		WHERE user_id = $1 AND dismissed = FALSE
	`, userID).Scan(&out.Total, &out.UnreadCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count inbox items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+` FROM inbox_items
		WHERE user_id = $1 AND dismissed = FALSE`+filter+`
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Backlog returns the newest unread items for a reconnect replay, oldest
// first so the client renders them in arrival order.
func (s *PostgresInbox) Backlog(ctx context.Context, userID string, limit int) ([]*InboxItem, error) {
	if limit < 1 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inboxColumns+` FROM (
			SELECT `+inboxColumns+` FROM inbox_items
			WHERE user_id = $1 AND read = FALSE AND dismissed = FALSE
			ORDER BY created_at DESC
			LIMIT $2
		) newest
		ORDER BY created_at ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load backlog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*InboxItem
	for rows.Next() {
		item, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return items, nil
}

// MarkRead marks one item read. Re-marking is a no-op, not an error.
func (s *PostgresInbox) MarkRead(ctx context.Context, userID string, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
	`, id, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark item read: %w", err)
	}
	return requireInboxRow(result)
}

// MarkAllRead marks every unread item read and returns the count.
func (s *PostgresInbox) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET read = TRUE, read_at = $2
		WHERE user_id = $1 AND read = FALSE AND dismissed = FALSE
	`, userID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark all read: %w", err)
	}
	return result.RowsAffected()
}

// Dismiss hides an item from every future listing. Dismissing also reads it.
func (s *PostgresInbox) Dismiss(ctx context.Context, userID string, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET dismissed = TRUE, read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
	`, id, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to dismiss item: %w", err)
	}
	return requireInboxRow(result)
}

// TrackClick records the first click on an item. Clicking also reads it.
func (s *PostgresInbox) TrackClick(ctx context.Context, userID string, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET
			clicked_at = COALESCE(clicked_at, $3),
			read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
	`, id, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to track click: %w", err)
	}
	return requireInboxRow(result)
}

// SweepExpired deletes items past their expiry and returns the count.
func (s *PostgresInbox) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM inbox_items WHERE expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired items: %w", err)
	}
	return result.RowsAffected()
}

func requireInboxRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrItemNotFound
	}
	return nil
}

func scanInboxItem(rows *sql.Rows) (*InboxItem, error) {
	var item InboxItem
	err := rows.Scan(
		&item.ID, &item.UserID, &item.NotificationID, &item.Title, &item.Body, &item.ActionURL, &item.Icon,
		&item.Read, &item.ReadAt, &item.Dismissed, &item.ClickedAt, &item.ExpiresAt, &item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox item: %w", err)
	}
	return &item, nil
}
