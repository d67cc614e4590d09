// Package notify implements the delivery pipeline core: the domain model,
// the channel orchestrator, the Redis-backed job queues, and the delivery
// engine with batching, rate control, and retry.
//
// Architecture:
//
//	Producer → Orchestrator → PostgreSQL (notification + one job per channel)
//	                             ↓
//	                       Redis channel queues → Engine workers → Adapter
//	                             ↓                      ↓
//	                       delayed/dead queues    delivery_attempts (audit)
//
// Provider callbacks close the loop by updating the delivery log through
// the adapters.
package notify

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// Channels lists all delivery channels in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// Priority represents a notification priority tier. Urgent and high bypass
// batching; normal and low accumulate into batches.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric tier used for queue ordering; larger dispatches
// first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Batched reports whether jobs of this tier accumulate into batches.
func (p Priority) Batched() bool {
	return p == PriorityNormal || p == PriorityLow
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// JobState represents the lifecycle state of a delivery job.
type JobState string

const (
	JobPending      JobState = "pending"
	JobInFlight     JobState = "in_flight"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed" // retryable failure, awaiting next attempt
	JobDeadLettered JobState = "dead_lettered"
	JobExpired      JobState = "expired"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobDeadLettered, JobExpired:
		return true
	}
	return false
}

// AttemptStatus represents the status of one delivery attempt. Within an
// attempt the sequence is monotone along queued → sent →
// {delivered|bounced|failed}, with opened/clicked only after delivered.
type AttemptStatus string

const (
	AttemptQueued    AttemptStatus = "queued"
	AttemptSent      AttemptStatus = "sent"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
	AttemptBounced   AttemptStatus = "bounced"
	AttemptOpened    AttemptStatus = "opened"
	AttemptClicked   AttemptStatus = "clicked"
	AttemptDismissed AttemptStatus = "dismissed"
	AttemptExpired   AttemptStatus = "expired"
)

// rank orders attempt statuses for the monotone-write check in the delivery
// log. A write is rejected when it would lower the rank.
func (s AttemptStatus) rank() int {
	switch s {
	case AttemptQueued:
		return 0
	case AttemptSent:
		return 1
	case AttemptDelivered, AttemptFailed, AttemptBounced, AttemptExpired:
		return 2
	case AttemptOpened:
		return 3
	case AttemptClicked, AttemptDismissed:
		return 4
	}
	return 0
}

// CanTransitionTo reports whether a stored attempt status may be replaced by
// next. Equal statuses are allowed so provider callbacks stay idempotent.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	if s == next {
		return true
	}
	// Terminal failure statuses never progress to engagement events.
	switch s {
	case AttemptFailed, AttemptBounced, AttemptExpired:
		return false
	}
	switch next {
	case AttemptOpened, AttemptClicked, AttemptDismissed:
		// Engagement is only valid after delivery.
		return s == AttemptDelivered || (next != AttemptOpened && s == AttemptOpened)
	}
	return next.rank() > s.rank()
}

// EmailPayload is the rendered payload for the email channel.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// SMSPayload is the rendered payload for the SMS channel.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// PushPayload is the rendered payload for the push channel. Targeting is one
// of: explicit token set, user expansion via the token registry (empty
// Tokens and Topic), or a topic broadcast.
type PushPayload struct {
	Tokens []string          `json:"tokens,omitempty"`
	Topic  string            `json:"topic,omitempty"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// InAppPayload is the rendered payload for the in-app channel.
type InAppPayload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	ActionURL  string `json:"action_url,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
}

// Payload wraps the channel-specific rendered payload. Exactly one variant
// is set per delivery job.
type Payload struct {
	Email *EmailPayload `json:"email,omitempty"`
	SMS   *SMSPayload   `json:"sms,omitempty"`
	Push  *PushPayload  `json:"push,omitempty"`
	InApp *InAppPayload `json:"in_app,omitempty"`
}

// Value implements driver.Valuer for database storage.
func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database retrieval.
func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, p)
}

// Metadata is the opaque producer-supplied key/value map carried through the
// pipeline unchanged.
type Metadata map[string]string

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]string{})
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// Notification is the logical request accepted from a producer. Once
// persisted, ID, UserID, Type, Channels, and TemplateID are immutable.
type Notification struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Type           string            `json:"type" db:"type"`
	Priority       Priority          `json:"priority" db:"priority"`
	Channels       []Channel         `json:"channels" db:"channels"`
	TemplateID     *string           `json:"template_id,omitempty" db:"template_id"`
	Variables      map[string]string `json:"variables,omitempty" db:"variables"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty" db:"scheduled_for"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	Metadata       Metadata          `json:"metadata,omitempty" db:"metadata"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// DeliveryJob is the per-channel realization of a notification; the unit the
// engine dispatches.
type DeliveryJob struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	NotificationID uuid.UUID   `json:"notification_id" db:"notification_id"`
	UserID         string      `json:"user_id" db:"user_id"`
	Channel        Channel     `json:"channel" db:"channel"`
	Priority       Priority    `json:"priority" db:"priority"`
	Payload        Payload     `json:"payload" db:"payload"`
	Attempts       int         `json:"attempts" db:"attempts"`
	MaxAttempts    int         `json:"max_attempts" db:"max_attempts"`
	NotBefore      time.Time   `json:"not_before" db:"not_before"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	State          JobState    `json:"state" db:"state"`
	LeaseUntil     *time.Time  `json:"lease_until,omitempty" db:"lease_until"`
	LastErrorKind  *apperr.Kind `json:"last_error_kind,omitempty" db:"last_error_kind"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the job's notification expiry has passed.
func (j *DeliveryJob) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

// DeliveryAttempt is one row of the append-only delivery log.
type DeliveryAttempt struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	NotificationID    uuid.UUID     `json:"notification_id" db:"notification_id"`
	JobID             uuid.UUID     `json:"job_id" db:"job_id"`
	Channel           Channel       `json:"channel" db:"channel"`
	AttemptIndex      int           `json:"attempt_index" db:"attempt_index"`
	Status            AttemptStatus `json:"status" db:"status"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorKind         *apperr.Kind  `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage      *string       `json:"error_message,omitempty" db:"error_message"`
	AttemptedAt       time.Time     `json:"attempted_at" db:"attempted_at"`
	SettledAt         *time.Time    `json:"settled_at,omitempty" db:"settled_at"`
}

// SubmitRequest is the producer-facing request accepted by the orchestrator.
// Exactly one of UserID or UserIDs must be set; UserIDs fans the request out
// as independent notifications.
type SubmitRequest struct {
	UserID         string            `json:"user_id,omitempty"`
	UserIDs        []string          `json:"user_ids,omitempty"`
	Type           string            `json:"type"`
	Channels       []Channel         `json:"channels"`
	TemplateID     *string           `json:"template_id,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
	Payload        *Payload          `json:"payload,omitempty"` // explicit payload when no template
	Priority       Priority          `json:"priority,omitempty"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Metadata       Metadata          `json:"metadata,omitempty"`
	Persistent     bool              `json:"persistent,omitempty"` // force in-app store-and-forward
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
}

// NotificationStatus is the aggregate view returned by status queries: the
// notification, its jobs, and the per-channel attempt trail.
type NotificationStatus struct {
	Notification *Notification     `json:"notification"`
	State        string            `json:"state"` // pending | partial | delivered | failed
	Jobs         []*DeliveryJob    `json:"jobs"`
	Attempts     []*DeliveryAttempt `json:"attempts"`
}

// ProviderEvent is a normalized provider callback routed to an adapter.
type ProviderEvent struct {
	Channel           Channel       `json:"channel"`
	ProviderMessageID string        `json:"provider_message_id"`
	Status            string        `json:"status"` // provider vocabulary, mapped by the adapter
	Handle            string        `json:"handle,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// ItemResult is the per-item outcome an adapter returns for one job in a
// batch. Result order matches batch input order.
type ItemResult struct {
	JobID             uuid.UUID
	ProviderMessageID string
	Err               error // nil on acceptance; classified apperr otherwise
}

// Accepted reports whether the item was accepted by the provider.
func (r ItemResult) Accepted() bool {
	return r.Err == nil
}

// Capabilities describes static adapter properties.
type Capabilities struct {
	SupportsTopics      bool
	SupportsAttachments bool
	MaxBodyBytes        int
}

// Ptr is a helper to create a pointer to a value.
func Ptr[T any](v T) *T {
	return &v
}
