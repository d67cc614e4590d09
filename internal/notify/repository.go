package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/courierhq/courier/internal/apperr"
)

// Repository persists notifications and delivery jobs. The notification and
// all of its jobs are created in one transaction so a submit is atomic.
type Repository interface {
	// CreateWithJobs inserts a notification and its expanded jobs atomically.
	CreateWithJobs(ctx context.Context, n *Notification, jobs []*DeliveryJob) error

	// GetNotification retrieves a notification by ID.
	GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error)

	// GetByIdempotencyKey retrieves a notification by its idempotency key.
	GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error)

	// GetJob retrieves a delivery job by ID.
	GetJob(ctx context.Context, id uuid.UUID) (*DeliveryJob, error)

	// GetJobs retrieves delivery jobs by ID, preserving input order for the
	// IDs that exist.
	GetJobs(ctx context.Context, ids []uuid.UUID) ([]*DeliveryJob, error)

	// JobsForNotification lists all jobs of a notification.
	JobsForNotification(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error)

	// MarkInFlight transitions jobs to in_flight with a visibility lease.
	MarkInFlight(ctx context.Context, ids []uuid.UUID, leaseUntil time.Time) error

	// MarkSucceeded transitions a job to succeeded.
	MarkSucceeded(ctx context.Context, id uuid.UUID) error

	// UpdateForRetry records a retryable failure: bumps attempts, sets the
	// backoff deadline, and returns the job to the failed (retryable) state.
	UpdateForRetry(ctx context.Context, id uuid.UUID, attempts int, notBefore time.Time, kind apperr.Kind) error

	// Defer pushes a job's not_before forward without counting an attempt
	// (rate-limit deferral).
	Defer(ctx context.Context, id uuid.UUID, notBefore time.Time) error

	// MarkDeadLettered transitions a job to dead_lettered.
	MarkDeadLettered(ctx context.Context, id uuid.UUID, kind apperr.Kind) error

	// MarkExpired transitions a non-terminal, non-in-flight job to expired.
	// Returns ErrNotFound when the job was not eligible.
	MarkExpired(ctx context.Context, id uuid.UUID) error

	// Requeue returns an in-flight job to pending (drain, internal-error
	// requeue, lease reclaim).
	Requeue(ctx context.Context, id uuid.UUID) error

	// CancelPending expires every pending/failed job of a notification and
	// returns what was cancelled so the queue entries can be dropped.
	CancelPending(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error)

	// ExpiredLeases lists in_flight jobs whose visibility lease has lapsed.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)

	// DueJobs lists pending/failed jobs whose not_before has passed. Used by
	// the startup requeue pass.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)

	// DeadLetters lists dead-lettered jobs matching the filter.
	DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeliveryJob, error)

	// ResetForReplay returns a dead-lettered job to pending with zero attempts.
	ResetForReplay(ctx context.Context, id uuid.UUID) error

	// ExpireOverdue transitions every non-terminal job past its expiry to
	// expired and returns the count.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// DeadLetterFilter narrows dead-letter queries.
type DeadLetterFilter struct {
	Channel   *Channel
	ErrorKind *apperr.Kind
	Since     *time.Time
	Limit     int
}

// ErrNotFound is returned when a row lookup or conditional update misses.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on an idempotency key conflict.
var ErrConflict = errors.New("idempotency key conflict")

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const notificationColumns = `id, user_id, type, priority, channels, template_id, variables,
	scheduled_for, expires_at, metadata, idempotency_key, created_at`

const jobColumns = `id, notification_id, user_id, channel, priority, payload, attempts,
	max_attempts, not_before, expires_at, state, lease_until, last_error_kind, created_at, updated_at`

// CreateWithJobs inserts a notification and its expanded jobs atomically.
func (r *PostgresRepository) CreateWithJobs(ctx context.Context, n *Notification, jobs []*DeliveryJob) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	variablesJSON, err := json.Marshal(n.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	metadataJSON, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	channels := make([]string, len(n.Channels))
	for i, c := range n.Channels {
		channels[i] = string(c)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (
			id, user_id, type, priority, channels, template_id, variables,
			scheduled_for, expires_at, metadata, idempotency_key, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		n.ID, n.UserID, n.Type, n.Priority, pq.Array(channels), n.TemplateID, variablesJSON,
		n.ScheduledFor, n.ExpiresAt, metadataJSON, n.IdempotencyKey, n.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	for _, j := range jobs {
		payloadJSON, err := json.Marshal(j.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO delivery_jobs (
				id, notification_id, user_id, channel, priority, payload, attempts,
				max_attempts, not_before, expires_at, state, last_error_kind, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			j.ID, j.NotificationID, j.UserID, j.Channel, j.Priority, payloadJSON, j.Attempts,
			j.MaxAttempts, j.NotBefore, j.ExpiresAt, j.State, j.LastErrorKind, j.CreatedAt, j.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert delivery job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submit transaction: %w", err)
	}
	return nil
}

// GetNotification retrieves a notification by ID.
func (r *PostgresRepository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

// GetByIdempotencyKey retrieves a notification by its idempotency key.
func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE idempotency_key = $1`, key)
	return scanNotification(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var channels pq.StringArray
	var variablesBytes, metadataBytes []byte

	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Priority, &channels, &n.TemplateID, &variablesBytes,
		&n.ScheduledFor, &n.ExpiresAt, &metadataBytes, &n.IdempotencyKey, &n.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	n.Channels = make([]Channel, len(channels))
	for i, c := range channels {
		n.Channels[i] = Channel(c)
	}
	if len(variablesBytes) > 0 {
		if err := json.Unmarshal(variablesBytes, &n.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &n.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &n, nil
}

// GetJob retrieves a delivery job by ID.
func (r *PostgresRepository) GetJob(ctx context.Context, id uuid.UUID) (*DeliveryJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobs retrieves delivery jobs by ID, preserving input order.
func (r *PostgresRepository) GetJobs(ctx context.Context, ids []uuid.UUID) ([]*DeliveryJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs WHERE id = ANY($1)`, pq.Array(idStrs))
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[uuid.UUID]*DeliveryJob, len(ids))
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		byID[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	out := make([]*DeliveryJob, 0, len(ids))
	for _, id := range ids {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// JobsForNotification lists all jobs of a notification.
func (r *PostgresRepository) JobsForNotification(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM delivery_jobs WHERE notification_id = $1 ORDER BY channel`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// MarkInFlight transitions jobs to in_flight with a visibility lease.
func (r *PostgresRepository) MarkInFlight(ctx context.Context, ids []uuid.UUID, leaseUntil time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $2, lease_until = $3, updated_at = $4
		WHERE id = ANY($1) AND state IN ('pending', 'failed')
	`, pq.Array(idStrs), JobInFlight, leaseUntil, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark jobs in flight: %w", err)
	}
	return nil
}

// MarkSucceeded transitions a job to succeeded.
func (r *PostgresRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return r.updateState(ctx, id, `
		UPDATE delivery_jobs
		SET state = $2, lease_until = NULL, updated_at = $3
		WHERE id = $1 AND state NOT IN ('succeeded', 'dead_lettered', 'expired')
	`, JobSucceeded)
}

// UpdateForRetry records a retryable failure.
func (r *PostgresRepository) UpdateForRetry(ctx context.Context, id uuid.UUID, attempts int, notBefore time.Time, kind apperr.Kind) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $2, attempts = $3, not_before = $4, last_error_kind = $5,
			lease_until = NULL, updated_at = $6
		WHERE id = $1 AND state NOT IN ('succeeded', 'dead_lettered', 'expired')
	`, id, JobFailed, attempts, notBefore, kind, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update job for retry: %w", err)
	}
	return requireRow(result)
}

// Defer pushes a job's not_before forward without counting an attempt.
func (r *PostgresRepository) Defer(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'pending', not_before = $2, lease_until = NULL, updated_at = $3
		WHERE id = $1 AND state NOT IN ('succeeded', 'dead_lettered', 'expired')
	`, id, notBefore, time.Now())
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	return requireRow(result)
}

// MarkDeadLettered transitions a job to dead_lettered.
func (r *PostgresRepository) MarkDeadLettered(ctx context.Context, id uuid.UUID, kind apperr.Kind) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $2, last_error_kind = $3, lease_until = NULL, updated_at = $4
		WHERE id = $1 AND state NOT IN ('succeeded', 'dead_lettered', 'expired')
	`, id, JobDeadLettered, kind, time.Now())
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	return requireRow(result)
}

// MarkExpired transitions a non-terminal, non-in-flight job to expired.
func (r *PostgresRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = $2, updated_at = $3
		WHERE id = $1 AND state IN ('pending', 'failed')
	`, id, JobExpired, time.Now())
	if err != nil {
		return fmt.Errorf("failed to expire job: %w", err)
	}
	return requireRow(result)
}

// Requeue returns an in-flight job to pending.
func (r *PostgresRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'pending', lease_until = NULL, updated_at = $2
		WHERE id = $1 AND state = 'in_flight'
	`, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return requireRow(result)
}

// CancelPending expires every pending/failed job of a notification.
func (r *PostgresRepository) CancelPending(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'expired', updated_at = $2
		WHERE notification_id = $1 AND state IN ('pending', 'failed')
		RETURNING `+jobColumns+`
	`, notificationID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// ExpiredLeases lists in_flight jobs whose visibility lease has lapsed.
func (r *PostgresRepository) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM delivery_jobs
		WHERE state = 'in_flight' AND lease_until IS NOT NULL AND lease_until < $1
		ORDER BY lease_until ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// DueJobs lists pending/failed jobs whose not_before has passed.
func (r *PostgresRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM delivery_jobs
		WHERE state IN ('pending', 'failed')
			AND not_before <= $1
			AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// DeadLetters lists dead-lettered jobs matching the filter.
func (r *PostgresRepository) DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeliveryJob, error) {
	query := `SELECT ` + jobColumns + ` FROM delivery_jobs WHERE state = 'dead_lettered'`
	args := []interface{}{}
	argIdx := 1

	if filter.Channel != nil {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, *filter.Channel)
		argIdx++
	}
	if filter.ErrorKind != nil {
		query += fmt.Sprintf(" AND last_error_kind = $%d", argIdx)
		args = append(args, string(*filter.ErrorKind))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}

	query += " ORDER BY updated_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

// ResetForReplay returns a dead-lettered job to pending with zero attempts.
func (r *PostgresRepository) ResetForReplay(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'pending', attempts = 0, not_before = $2, last_error_kind = NULL, updated_at = $2
		WHERE id = $1 AND state = 'dead_lettered'
	`, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to reset job for replay: %w", err)
	}
	return requireRow(result)
}

// ExpireOverdue transitions every non-terminal job past its expiry.
func (r *PostgresRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'expired', updated_at = $1
		WHERE state IN ('pending', 'failed')
			AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire overdue jobs: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) updateState(ctx context.Context, id uuid.UUID, query string, state JobState) error {
	result, err := r.db.ExecContext(ctx, query, id, state, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*DeliveryJob, error) {
	var j DeliveryJob
	var payloadBytes []byte
	var lastErrorKind sql.NullString

	err := row.Scan(
		&j.ID, &j.NotificationID, &j.UserID, &j.Channel, &j.Priority, &payloadBytes, &j.Attempts,
		&j.MaxAttempts, &j.NotBefore, &j.ExpiresAt, &j.State, &j.LeaseUntil, &lastErrorKind,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery job: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if lastErrorKind.Valid {
		k := apperr.Kind(lastErrorKind.String)
		j.LastErrorKind = &k
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*DeliveryJob, error) {
	var jobs []*DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

// isUniqueViolation checks if error is a unique constraint violation.
// PostgreSQL error code 23505 = unique_violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
