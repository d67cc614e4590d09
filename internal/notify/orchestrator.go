package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/telemetry"
)

// TemplateRenderer resolves a template and renders its per-channel content
// with the request variables substituted. Rendering is deterministic: the
// same template version and variables always produce the same payload.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID string, channel Channel, variables map[string]string) (*Payload, error)
}

// PreferenceDecision is the outcome of resolving a user's preferences for
// one (type, channel) pair.
type PreferenceDecision struct {
	Allowed bool
	Handle  string // delivery handle for handle-bearing channels
	Reason  string // suppression reason when not allowed
}

// PreferenceResolver decides whether a user may be contacted on a channel
// for a notification type, and with which handle.
type PreferenceResolver interface {
	Resolve(ctx context.Context, userID, notificationType string, channel Channel) (PreferenceDecision, error)
}

// SubmitReceipt is returned for an accepted submission.
type SubmitReceipt struct {
	Notification *Notification `json:"notification"`
	Suppressed   []Channel     `json:"suppressed,omitempty"` // channels dropped by preferences
	Duplicate    bool          `json:"duplicate,omitempty"`  // idempotency key replay
}

// BulkItem is the per-user outcome of a bulk submission.
type BulkItem struct {
	UserID         string     `json:"user_id"`
	NotificationID *uuid.UUID `json:"notification_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Orchestrator is the single entry point producers submit through. It
// validates the request, renders per-channel payloads, applies user
// preferences, persists the notification with its delivery jobs, and hands
// the jobs to the queues. The engine takes over from there.
type Orchestrator struct {
	cfg      config.Config
	repo     Repository
	dlog     DeliveryLog
	queue    Queue
	renderer TemplateRenderer
	prefs    PreferenceResolver
	metrics  *metrics.Collector
	logger   *telemetry.ContextualLogger

	now func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(
	cfg config.Config,
	repo Repository,
	dlog DeliveryLog,
	queue Queue,
	renderer TemplateRenderer,
	prefs PreferenceResolver,
	collector *metrics.Collector,
	logger *telemetry.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		dlog:     dlog,
		queue:    queue,
		renderer: renderer,
		prefs:    prefs,
		metrics:  collector,
		logger:   logger.Component("orchestrator"),
		now:      time.Now,
	}
}

// Submit accepts a single-recipient notification. Validation and template
// resolution fail synchronously; everything after persistence is the
// engine's responsibility.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*SubmitReceipt, error) {
	if err := o.validate(&req); err != nil {
		return nil, err
	}
	if len(req.UserIDs) > 0 {
		return nil, apperr.Invalid("user_ids", "bulk recipients must go through SubmitBulk")
	}

	now := o.now()
	n := o.buildNotification(&req, now)

	jobs, suppressed, err := o.buildJobs(ctx, n, &req, now)
	if err != nil {
		return nil, err
	}

	if err := o.repo.CreateWithJobs(ctx, n, jobs); err != nil {
		if errors.Is(err, ErrConflict) && req.IdempotencyKey != nil {
			existing, getErr := o.repo.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
			if getErr != nil {
				return nil, apperr.Persistence("idempotency lookup", getErr)
			}
			return &SubmitReceipt{Notification: existing, Duplicate: true}, nil
		}
		return nil, apperr.Persistence("create notification", err)
	}

	o.recordSuppressed(ctx, n, jobs)

	for _, j := range jobs {
		if j.State != JobPending {
			continue
		}
		if err := o.enqueue(ctx, j, now); err != nil {
			// The job row exists; the startup requeue pass or the lease
			// reclaim will pick it up.
			o.logger.WithError(err).WithField("job_id", j.ID).Error("enqueue failed")
		}
		o.metrics.Counter("notifications_submitted_total", "Delivery jobs accepted",
			map[string]string{"channel": string(j.Channel)}).Inc()
	}

	return &SubmitReceipt{Notification: n, Suppressed: suppressed}, nil
}

// SubmitBulk fans one request out to many recipients as independent
// notifications, processed in chunks. A failing recipient never aborts the
// rest.
func (o *Orchestrator) SubmitBulk(ctx context.Context, req SubmitRequest) ([]BulkItem, error) {
	if len(req.UserIDs) == 0 {
		return nil, apperr.Invalid("user_ids", "bulk submission requires user_ids")
	}
	if req.UserID != "" {
		return nil, apperr.Invalid("user_id", "set either user_id or user_ids, not both")
	}

	items := make([]BulkItem, 0, len(req.UserIDs))
	chunk := o.cfg.BulkChunkSize
	if chunk < 1 {
		chunk = 1
	}

	for start := 0; start < len(req.UserIDs); start += chunk {
		end := start + chunk
		if end > len(req.UserIDs) {
			end = len(req.UserIDs)
		}

		for _, userID := range req.UserIDs[start:end] {
			single := req
			single.UserID = userID
			single.UserIDs = nil
			single.IdempotencyKey = bulkIdempotencyKey(req.IdempotencyKey, userID)

			receipt, err := o.Submit(ctx, single)
			item := BulkItem{UserID: userID}
			if err != nil {
				item.Error = err.Error()
			} else {
				item.NotificationID = &receipt.Notification.ID
			}
			items = append(items, item)
		}

		o.logger.WithFields(map[string]interface{}{
			"done": end, "total": len(req.UserIDs),
		}).Debug("bulk chunk processed")
	}
	return items, nil
}

// bulkIdempotencyKey derives a per-recipient key so a replayed bulk request
// dedupes per user.
func bulkIdempotencyKey(base *string, userID string) *string {
	if base == nil {
		return nil
	}
	k := *base + ":" + userID
	return &k
}

// Cancel expires every not-yet-dispatched job of a notification and removes
// them from the queues. In-flight and settled jobs are untouched.
func (o *Orchestrator) Cancel(ctx context.Context, notificationID uuid.UUID) (int, error) {
	cancelled, err := o.repo.CancelPending(ctx, notificationID)
	if err != nil {
		return 0, apperr.Persistence("cancel notification", err)
	}
	for _, j := range cancelled {
		if err := o.queue.Remove(ctx, j.Channel, j.ID); err != nil {
			o.logger.WithError(err).WithField("job_id", j.ID).Error("queue removal failed")
		}
	}
	return len(cancelled), nil
}

// Status returns the aggregate delivery state of a notification.
func (o *Orchestrator) Status(ctx context.Context, notificationID uuid.UUID) (*NotificationStatus, error) {
	n, err := o.repo.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "notification not found")
		}
		return nil, apperr.Persistence("load notification", err)
	}

	jobs, err := o.repo.JobsForNotification(ctx, notificationID)
	if err != nil {
		return nil, apperr.Persistence("load jobs", err)
	}
	attempts, err := o.dlog.ListForNotification(ctx, notificationID)
	if err != nil {
		return nil, apperr.Persistence("load attempts", err)
	}

	return &NotificationStatus{
		Notification: n,
		State:        aggregateState(jobs),
		Jobs:         jobs,
		Attempts:     attempts,
	}, nil
}

// aggregateState folds per-job states into the producer-facing summary.
func aggregateState(jobs []*DeliveryJob) string {
	if len(jobs) == 0 {
		return "pending"
	}
	succeeded, terminal := 0, 0
	for _, j := range jobs {
		if j.State.Terminal() {
			terminal++
		}
		if j.State == JobSucceeded {
			succeeded++
		}
	}
	switch {
	case terminal < len(jobs):
		return "pending"
	case succeeded == len(jobs):
		return "delivered"
	case succeeded == 0:
		return "failed"
	default:
		return "partial"
	}
}

func (o *Orchestrator) validate(req *SubmitRequest) error {
	if req.UserID == "" && len(req.UserIDs) == 0 {
		return apperr.Invalid("user_id", "a recipient is required")
	}
	if req.Type == "" {
		return apperr.Invalid("type", "notification type is required")
	}
	if len(req.Channels) == 0 {
		return apperr.Invalid("channels", "at least one channel is required")
	}
	seen := make(map[Channel]bool, len(req.Channels))
	for _, c := range req.Channels {
		if !c.Valid() {
			return apperr.Invalid("channels", fmt.Sprintf("unknown channel %q", c))
		}
		if seen[c] {
			return apperr.Invalid("channels", fmt.Sprintf("duplicate channel %q", c))
		}
		seen[c] = true
	}

	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Priority.Valid() {
		return apperr.Invalid("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	if req.TemplateID == nil && req.Payload == nil {
		return apperr.Invalid("template_id", "either a template or an explicit payload is required")
	}

	if req.ScheduledFor != nil && req.ExpiresAt != nil && !req.ExpiresAt.After(*req.ScheduledFor) {
		return apperr.Invalid("expires_at", "expiry must be after the scheduled time")
	}
	return nil
}

func (o *Orchestrator) buildNotification(req *SubmitRequest, now time.Time) *Notification {
	scheduledFor := req.ScheduledFor
	if scheduledFor != nil && scheduledFor.Before(now) {
		// A past schedule means deliver immediately.
		scheduledFor = nil
	}

	return &Notification{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Type:           req.Type,
		Priority:       req.Priority,
		Channels:       req.Channels,
		TemplateID:     req.TemplateID,
		Variables:      req.Variables,
		ScheduledFor:   scheduledFor,
		ExpiresAt:      req.ExpiresAt,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	}
}

// buildJobs renders and preference-checks every requested channel. Suppressed
// channels still get a job row, created terminal, so the audit trail shows
// the decision.
func (o *Orchestrator) buildJobs(ctx context.Context, n *Notification, req *SubmitRequest, now time.Time) ([]*DeliveryJob, []Channel, error) {
	notBefore := now
	if n.ScheduledFor != nil {
		notBefore = *n.ScheduledFor
	}

	var jobs []*DeliveryJob
	var suppressed []Channel

	for _, c := range n.Channels {
		decision, err := o.prefs.Resolve(ctx, n.UserID, n.Type, c)
		if err != nil {
			return nil, nil, apperr.Persistence("preference resolution", err)
		}

		job := &DeliveryJob{
			ID:             uuid.New(),
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        c,
			Priority:       n.Priority,
			MaxAttempts:    o.maxAttemptsFor(c),
			NotBefore:      notBefore,
			ExpiresAt:      n.ExpiresAt,
			State:          JobPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if !decision.Allowed {
			kind := apperr.KindSuppressed
			job.State = JobExpired
			job.LastErrorKind = &kind
			jobs = append(jobs, job)
			suppressed = append(suppressed, c)
			continue
		}

		payload, err := o.resolvePayload(ctx, req, c)
		if err != nil {
			return nil, nil, err
		}
		fillHandle(payload, c, decision.Handle, req.Persistent)
		job.Payload = *payload
		jobs = append(jobs, job)
	}
	return jobs, suppressed, nil
}

// resolvePayload picks the explicit payload variant or renders the template
// for a channel.
func (o *Orchestrator) resolvePayload(ctx context.Context, req *SubmitRequest, c Channel) (*Payload, error) {
	if req.Payload != nil {
		if !hasVariant(req.Payload, c) {
			return nil, apperr.Invalid("payload", fmt.Sprintf("payload has no %s content", c))
		}
		p := *req.Payload
		return &p, nil
	}
	return o.renderer.Render(ctx, *req.TemplateID, c, req.Variables)
}

func hasVariant(p *Payload, c Channel) bool {
	switch c {
	case ChannelEmail:
		return p.Email != nil
	case ChannelSMS:
		return p.SMS != nil
	case ChannelPush:
		return p.Push != nil
	case ChannelInApp:
		return p.InApp != nil
	}
	return false
}

// fillHandle stamps the resolved delivery handle onto the payload for the
// handle-bearing channels and carries the persistence flag for in-app.
func fillHandle(p *Payload, c Channel, handle string, persistent bool) {
	switch c {
	case ChannelEmail:
		if p.Email != nil && p.Email.To == "" {
			p.Email.To = handle
		}
	case ChannelSMS:
		if p.SMS != nil && p.SMS.To == "" {
			p.SMS.To = handle
		}
	case ChannelInApp:
		if p.InApp != nil && persistent {
			p.InApp.Persistent = true
		}
	}
}

// maxAttemptsFor returns the attempt budget per channel. In-app delivery is
// store-and-forward, so a single attempt either lands or dead-letters.
func (o *Orchestrator) maxAttemptsFor(c Channel) int {
	if c == ChannelInApp {
		return 1
	}
	return o.cfg.Retry.MaxAttempts
}

// recordSuppressed writes the audit attempt for channels dropped by
// preferences. The job is already terminal; the attempt row explains why.
func (o *Orchestrator) recordSuppressed(ctx context.Context, n *Notification, jobs []*DeliveryJob) {
	for _, j := range jobs {
		if j.LastErrorKind == nil || *j.LastErrorKind != apperr.KindSuppressed {
			continue
		}
		kind := apperr.KindSuppressed
		msg := "recipient suppressed by preferences"
		now := o.now()
		attempt := &DeliveryAttempt{
			NotificationID: n.ID,
			JobID:          j.ID,
			Channel:        j.Channel,
			AttemptIndex:   1,
			Status:         AttemptExpired,
			ErrorKind:      &kind,
			ErrorMessage:   &msg,
			AttemptedAt:    now,
			SettledAt:      &now,
		}
		if err := o.dlog.Append(ctx, attempt); err != nil && !errors.Is(err, ErrConflict) {
			o.logger.WithError(err).WithField("job_id", j.ID).Error("suppression record failed")
		}
		o.metrics.Counter("delivery_suppressed_total", "Channels dropped by user preferences",
			map[string]string{"channel": string(j.Channel)}).Inc()
	}
}

// enqueue hands a pending job to its channel queue, delayed when scheduled.
func (o *Orchestrator) enqueue(ctx context.Context, j *DeliveryJob, now time.Time) error {
	if j.NotBefore.After(now) {
		return o.queue.MoveToDelayed(ctx, j.Channel, j.ID, j.NotBefore, j.Priority)
	}
	return o.queue.Enqueue(ctx, j.Channel, j.ID, j.Priority)
}
