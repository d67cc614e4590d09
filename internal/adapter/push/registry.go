// Package push delivers push jobs through an HTTP provider API and maintains
// the device-token registry the user-targeted sends expand through.
package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DeviceToken is one registered device of a user.
type DeviceToken struct {
	Token      string    `json:"token" db:"token"`
	UserID     string    `json:"user_id" db:"user_id"`
	Platform   string    `json:"platform" db:"platform"` // ios | android | web
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastUsedAt time.Time `json:"last_used_at" db:"last_used_at"`
}

// Registry manages device tokens. Tokens the provider reports as
// unregistered are deactivated, never deleted, so audits keep the history;
// the dormancy purge removes what nothing has touched in a month.
type Registry interface {
	Register(ctx context.Context, userID, token, platform string) error
	Remove(ctx context.Context, token string) error
	ActiveTokens(ctx context.Context, userID string) ([]string, error)
	ListForUser(ctx context.Context, userID string) ([]*DeviceToken, error)
	Deactivate(ctx context.Context, token string) error
	Touch(ctx context.Context, tokens []string) error
	PurgeDormant(ctx context.Context, olderThan time.Time) (int64, error)
}

// PostgresRegistry implements Registry on the device_tokens table.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a device-token registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Register upserts a token. Re-registering reactivates a deactivated token;
// a token moving between users follows the most recent registration.
func (r *PostgresRegistry) Register(ctx context.Context, userID, token, platform string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, user_id, platform, active, created_at, last_used_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			active = TRUE,
			last_used_at = EXCLUDED.last_used_at
	`, token, userID, platform, now)
	if err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// Remove deletes a token outright (explicit user logout).
func (r *PostgresRegistry) Remove(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to remove device token: %w", err)
	}
	return nil
}

// ActiveTokens returns a user's active token strings.
func (r *PostgresRegistry) ActiveTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token FROM device_tokens WHERE user_id = $1 AND active = TRUE
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tokens, nil
}

// ListForUser returns all of a user's tokens, active or not.
func (r *PostgresRegistry) ListForUser(ctx context.Context, userID string) ([]*DeviceToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token, user_id, platform, active, created_at, last_used_at
		FROM device_tokens WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.Platform, &t.Active, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return tokens, nil
}

// Deactivate marks a token inactive after the provider rejects it.
func (r *PostgresRegistry) Deactivate(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_tokens SET active = FALSE WHERE token = $1
	`, token)
	if err != nil {
		return fmt.Errorf("failed to deactivate device token: %w", err)
	}
	return nil
}

// Touch bumps last_used_at on tokens that just accepted a delivery.
func (r *PostgresRegistry) Touch(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE device_tokens SET last_used_at = $2 WHERE token = ANY($1)
	`, pq.Array(tokens), time.Now())
	if err != nil {
		return fmt.Errorf("failed to touch device tokens: %w", err)
	}
	return nil
}

// PurgeDormant deletes tokens unused since olderThan and returns the count.
func (r *PostgresRegistry) PurgeDormant(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM device_tokens WHERE last_used_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dormant tokens: %w", err)
	}
	return result.RowsAffected()
}
