// Package preference resolves whether a user may be contacted on a channel
// for a notification type, and with which handle. Precedence is fixed:
// suppression list, then global opt-out, then per-type override, then
// channel preference, then the opt-in default.
package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Profile is everything the resolver needs about one user: the global flag,
// contact handles, channel preferences, and per-type overrides.
type Profile struct {
	UserID       string          `json:"user_id"`
	Enabled      bool            `json:"enabled"`
	EmailAddress string          `json:"email_address,omitempty"`
	PhoneNumber  string          `json:"phone_number,omitempty"`
	Channels     map[string]bool `json:"channels,omitempty"`  // channel -> enabled
	Overrides    map[string]bool `json:"overrides,omitempty"` // "type|channel" -> enabled
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OverrideKey builds the overrides map key for a (type, channel) pair.
func OverrideKey(notificationType, channel string) string {
	return notificationType + "|" + channel
}

// Suppression is one entry of the do-not-contact list. Suppressions are
// keyed by handle, not user, so a bounced address stays blocked across
// accounts.
type Suppression struct {
	Channel   string    `json:"channel"`
	Handle    string    `json:"handle"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a profile row does not exist. Callers treat a
// missing profile as default-enabled with no handles.
var ErrNotFound = errors.New("profile not found")

// Store persists preference profiles and the suppression list.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	SetGlobal(ctx context.Context, userID string, enabled bool) error
	SetHandles(ctx context.Context, userID, emailAddress, phoneNumber string) error
	SetChannel(ctx context.Context, userID, channel string, enabled bool) error
	SetTypeOverride(ctx context.Context, userID, notificationType, channel string, enabled bool) error

	AddSuppression(ctx context.Context, channel, handle, reason string) error
	RemoveSuppression(ctx context.Context, channel, handle string) error
	IsSuppressed(ctx context.Context, channel, handle string) (bool, string, error)
}

// PostgresStore implements Store on the user_preferences, channel_preferences,
// type_overrides, and suppressions tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a preference store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetProfile loads a user's full preference profile. A user with no rows at
// all returns ErrNotFound.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{
		UserID:    userID,
		Enabled:   true,
		Channels:  make(map[string]bool),
		Overrides: make(map[string]bool),
	}

	found := false
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, COALESCE(email_address, ''), COALESCE(phone_number, ''), updated_at
		FROM user_preferences WHERE user_id = $1
	`, userID).Scan(&p.Enabled, &p.EmailAddress, &p.PhoneNumber, &p.UpdatedAt)
	switch {
	case err == nil:
		found = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, enabled FROM channel_preferences WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var channel string
		var enabled bool
		if err := rows.Scan(&channel, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan channel preference: %w", err)
		}
		p.Channels[channel] = enabled
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	overrides, err := s.db.QueryContext(ctx, `
		SELECT notification_type, channel, enabled FROM type_overrides WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load type overrides: %w", err)
	}
	defer func() { _ = overrides.Close() }()
	for overrides.Next() {
		var notificationType, channel string
		var enabled bool
		if err := overrides.Scan(&notificationType, &channel, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan type override: %w", err)
		}
		p.Overrides[OverrideKey(notificationType, channel)] = enabled
		found = true
	}
	if err := overrides.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if !found {
		return nil, ErrNotFound
	}
	return p, nil
}

// SetGlobal sets the user-wide opt-out flag.
func (s *PostgresStore) SetGlobal(ctx context.Context, userID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, enabled, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, userID, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set global preference: %w", err)
	}
	return nil
}

// SetHandles records the user's contact handles.
func (s *PostgresStore) SetHandles(ctx context.Context, userID, emailAddress, phoneNumber string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, enabled, email_address, phone_number, updated_at)
		VALUES ($1, TRUE, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			email_address = EXCLUDED.email_address,
			phone_number = EXCLUDED.phone_number,
			updated_at = EXCLUDED.updated_at
	`, userID, nullable(emailAddress), nullable(phoneNumber), time.Now())
	if err != nil {
		return fmt.Errorf("failed to set handles: %w", err)
	}
	return nil
}

// SetChannel sets a channel-wide preference.
func (s *PostgresStore) SetChannel(ctx context.Context, userID, channel string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_preferences (user_id, channel, enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, channel) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, userID, channel, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set channel preference: %w", err)
	}
	return nil
}

// SetTypeOverride sets a per-type, per-channel override.
func (s *PostgresStore) SetTypeOverride(ctx context.Context, userID, notificationType, channel string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO type_overrides (user_id, notification_type, channel, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, notification_type, channel) DO UPDATE SET
			enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, userID, notificationType, channel, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set type override: %w", err)
	}
	return nil
}

// AddSuppression puts a handle on the do-not-contact list.
func (s *PostgresStore) AddSuppression(ctx context.Context, channel, handle, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (channel, handle, reason, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, handle) DO UPDATE SET reason = EXCLUDED.reason
	`, channel, handle, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}

// RemoveSuppression takes a handle off the list.
func (s *PostgresStore) RemoveSuppression(ctx context.Context, channel, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM suppressions WHERE channel = $1 AND handle = $2
	`, channel, handle)
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	return nil
}

// IsSuppressed checks whether a handle is on the do-not-contact list.
func (s *PostgresStore) IsSuppressed(ctx context.Context, channel, handle string) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT reason FROM suppressions WHERE channel = $1 AND handle = $2
	`, channel, handle).Scan(&reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to check suppression: %w", err)
	}
	return true, reason, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
