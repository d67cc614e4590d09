package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
)

// DeliveryLog is the append-only record of every delivery attempt, keyed by
// (job_id, attempt_index). Status transitions are monotone and enforced at
// write: a write that would regress the stored status is rejected, which
// also makes provider callbacks idempotent.
type DeliveryLog interface {
	// Append inserts a new attempt row. The (job_id, attempt_index) pair
	// must not exist yet.
	Append(ctx context.Context, attempt *DeliveryAttempt) error

	// Advance moves an attempt's status forward. Returns ErrRegression when
	// the transition is not permitted; equal statuses are a no-op.
	Advance(ctx context.Context, jobID uuid.UUID, attemptIndex int, status AttemptStatus, at time.Time) error

	// FailAttempt advances an attempt to failed and records the classified
	// error. Same monotonicity rules as Advance.
	FailAttempt(ctx context.Context, jobID uuid.UUID, attemptIndex int, kind apperr.Kind, message string, at time.Time) error

	// SetProviderMessageID records the provider's id on an attempt.
	SetProviderMessageID(ctx context.Context, jobID uuid.UUID, attemptIndex int, providerMessageID string) error

	// UpdateStatusByProviderID applies a provider callback keyed by the
	// provider message id. Applying the same callback twice yields the same
	// row.
	UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status AttemptStatus, at time.Time) error

	// ListForNotification returns all attempts of a notification ordered by
	// channel, then attempt index.
	ListForNotification(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error)

	// LatestForJob returns the attempt with the highest index for a job.
	LatestForJob(ctx context.Context, jobID uuid.UUID) (*DeliveryAttempt, error)

	// Stats aggregates attempt counts by status within the window,
	// optionally filtered to one channel.
	Stats(ctx context.Context, window time.Duration, channel *Channel) (*LogStats, error)
}

// LogStats holds aggregated delivery-log statistics.
type LogStats struct {
	Window         time.Duration    `json:"window"`
	CountByStatus  map[string]int64 `json:"count_by_status"`
	AvgSettleMs    float64          `json:"avg_settle_ms"`
	TotalAttempts  int64            `json:"total_attempts"`
}

// ErrRegression is returned when a status write would move backwards.
var ErrRegression = errors.New("status transition would regress")

// PostgresDeliveryLog implements DeliveryLog on the delivery_attempts table.
type PostgresDeliveryLog struct {
	db *sql.DB
}

// NewPostgresDeliveryLog creates a delivery log store.
func NewPostgresDeliveryLog(db *sql.DB) *PostgresDeliveryLog {
	return &PostgresDeliveryLog{db: db}
}

const attemptColumns = `id, notification_id, job_id, channel, attempt_index, status,
	provider_message_id, error_kind, error_message, attempted_at, settled_at`

// Append inserts a new attempt row.
func (l *PostgresDeliveryLog) Append(ctx context.Context, a *DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now()
	}

	var errorKind *string
	if a.ErrorKind != nil {
		s := string(*a.ErrorKind)
		errorKind = &s
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (
			id, notification_id, job_id, channel, attempt_index, status,
			provider_message_id, error_kind, error_message, attempted_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		a.ID, a.NotificationID, a.JobID, a.Channel, a.AttemptIndex, a.Status,
		a.ProviderMessageID, errorKind, a.ErrorMessage, a.AttemptedAt, a.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

// Advance moves an attempt's status forward with a compare-and-set on the
// stored status, retried once when a concurrent writer moved it first.
func (l *PostgresDeliveryLog) Advance(ctx context.Context, jobID uuid.UUID, attemptIndex int, status AttemptStatus, at time.Time) error {
	for retries := 0; retries < 2; retries++ {
		var current AttemptStatus
		err := l.db.QueryRowContext(ctx, `
			SELECT status FROM delivery_attempts WHERE job_id = $1 AND attempt_index = $2
		`, jobID, attemptIndex).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read attempt status: %w", err)
		}

		if current == status {
			return nil // idempotent re-apply
		}
		if !current.CanTransitionTo(status) {
			return ErrRegression
		}

		result, err := l.db.ExecContext(ctx, `
			UPDATE delivery_attempts
			SET status = $3, settled_at = $4
			WHERE job_id = $1 AND attempt_index = $2 AND status = $5
		`, jobID, attemptIndex, status, at, current)
		if err != nil {
			return fmt.Errorf("failed to advance attempt status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows > 0 {
			return nil
		}
		// Lost the CAS race; re-read and re-check.
	}
	return ErrRegression
}

// FailAttempt advances an attempt to failed and records the classified error.
func (l *PostgresDeliveryLog) FailAttempt(ctx context.Context, jobID uuid.UUID, attemptIndex int, kind apperr.Kind, message string, at time.Time) error {
	if err := l.Advance(ctx, jobID, attemptIndex, AttemptFailed, at); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET error_kind = $3, error_message = $4
		WHERE job_id = $1 AND attempt_index = $2
	`, jobID, attemptIndex, string(kind), message)
	if err != nil {
		return fmt.Errorf("failed to record attempt error: %w", err)
	}
	return nil
}

// SetProviderMessageID records the provider's id on an attempt.
func (l *PostgresDeliveryLog) SetProviderMessageID(ctx context.Context, jobID uuid.UUID, attemptIndex int, providerMessageID string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE delivery_attempts
		SET provider_message_id = $3
		WHERE job_id = $1 AND attempt_index = $2
	`, jobID, attemptIndex, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to set provider message id: %w", err)
	}
	return requireRow(result)
}

// UpdateStatusByProviderID applies a provider callback.
func (l *PostgresDeliveryLog) UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status AttemptStatus, at time.Time) error {
	var jobID uuid.UUID
	var attemptIndex int
	err := l.db.QueryRowContext(ctx, `
		SELECT job_id, attempt_index FROM delivery_attempts WHERE provider_message_id = $1
	`, providerMessageID).Scan(&jobID, &attemptIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to find attempt by provider id: %w", err)
	}
	return l.Advance(ctx, jobID, attemptIndex, status, at)
}

// ListForNotification returns all attempts of a notification.
func (l *PostgresDeliveryLog) ListForNotification(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE notification_id = $1
		ORDER BY channel, attempt_index
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return attempts, nil
}

// LatestForJob returns the attempt with the highest index for a job.
func (l *PostgresDeliveryLog) LatestForJob(ctx context.Context, jobID uuid.UUID) (*DeliveryAttempt, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE job_id = $1
		ORDER BY attempt_index DESC
		LIMIT 1
	`, jobID)
	return scanAttempt(row)
}

// Stats aggregates attempt counts by status within the window.
func (l *PostgresDeliveryLog) Stats(ctx context.Context, window time.Duration, channel *Channel) (*LogStats, error) {
	since := time.Now().Add(-window)
	stats := &LogStats{
		Window:        window,
		CountByStatus: make(map[string]int64),
	}

	query := `
		SELECT status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (settled_at - attempted_at)) * 1000), 0)
		FROM delivery_attempts
		WHERE attempted_at >= $1
	`
	args := []interface{}{since}
	if channel != nil {
		query += " AND channel = $2"
		args = append(args, *channel)
	}
	query += " GROUP BY status"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var weightedMs float64
	for rows.Next() {
		var status string
		var count int64
		var avgMs float64
		if err := rows.Scan(&status, &count, &avgMs); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.TotalAttempts += count
		weightedMs += avgMs * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	if stats.TotalAttempts > 0 {
		stats.AvgSettleMs = weightedMs / float64(stats.TotalAttempts)
	}
	return stats, nil
}

func scanAttempt(row rowScanner) (*DeliveryAttempt, error) {
	var a DeliveryAttempt
	var errorKind sql.NullString

	err := row.Scan(
		&a.ID, &a.NotificationID, &a.JobID, &a.Channel, &a.AttemptIndex, &a.Status,
		&a.ProviderMessageID, &errorKind, &a.ErrorMessage, &a.AttemptedAt, &a.SettledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
	}
	if errorKind.Valid {
		k := apperr.Kind(errorKind.String)
		a.ErrorKind = &k
	}
	return &a, nil
}
