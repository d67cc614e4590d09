package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
)

// fakeQueue records queue traffic in memory.
type fakeQueue struct {
	mu         sync.Mutex
	pending    []uuid.UUID
	priorities map[uuid.UUID]Priority
	delayed    map[uuid.UUID]time.Time
	dead       []uuid.UUID
	removed    []uuid.UUID
	replayed   []uuid.UUID
	locks      map[uuid.UUID]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		priorities: make(map[uuid.UUID]Priority),
		delayed:    make(map[uuid.UUID]time.Time),
		locks:      make(map[uuid.UUID]string),
	}
}

func (q *fakeQueue) Enqueue(_ context.Context, _ Channel, id uuid.UUID, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, id)
	q.priorities[id] = priority
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context, _ Channel, limit int) ([]DequeuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	out := make([]DequeuedJob, limit)
	for i, id := range q.pending[:limit] {
		out[i] = DequeuedJob{ID: id, Priority: q.priorities[id]}
	}
	q.pending = q.pending[limit:]
	return out, nil
}

func (q *fakeQueue) MoveToDelayed(_ context.Context, _ Channel, id uuid.UUID, notBefore time.Time, _ Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[id] = notBefore
	return nil
}

func (q *fakeQueue) MoveToDead(_ context.Context, _ Channel, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, id)
	return nil
}

func (q *fakeQueue) PromoteDelayed(context.Context, Channel, time.Time) (int, error) { return 0, nil }

func (q *fakeQueue) Remove(_ context.Context, _ Channel, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeQueue) ReplayFromDead(_ context.Context, _ Channel, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replayed = append(q.replayed, id)
	return nil
}

func (q *fakeQueue) AcquireLock(_ context.Context, id uuid.UUID, workerID string, _ time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.locks[id]; held {
		return false, nil
	}
	q.locks[id] = workerID
	return true, nil
}

func (q *fakeQueue) ReleaseLock(_ context.Context, id uuid.UUID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.locks[id] == workerID {
		delete(q.locks, id)
	}
	return nil
}

func (q *fakeQueue) Stats(context.Context, Channel) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &QueueStats{
		PendingCount: int64(len(q.pending)),
		DelayedCount: int64(len(q.delayed)),
		DeadCount:    int64(len(q.dead)),
	}, nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) delayedUntil(id uuid.UUID) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.delayed[id]
	return t, ok
}

// fakeRepo keeps notifications and jobs in memory.
type fakeRepo struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*Notification
	byKey         map[string]*Notification
	jobs          map[uuid.UUID]*DeliveryJob
	conflictOnKey bool
	getJobsErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		notifications: make(map[uuid.UUID]*Notification),
		byKey:         make(map[string]*Notification),
		jobs:          make(map[uuid.UUID]*DeliveryJob),
	}
}

func (r *fakeRepo) CreateWithJobs(_ context.Context, n *Notification, jobs []*DeliveryJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.IdempotencyKey != nil {
		if _, exists := r.byKey[*n.IdempotencyKey]; exists || r.conflictOnKey {
			return ErrConflict
		}
		r.byKey[*n.IdempotencyKey] = n
	}
	r.notifications[n.ID] = n
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return nil
}

func (r *fakeRepo) GetNotification(_ context.Context, id uuid.UUID) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) GetByIdempotencyKey(_ context.Context, key string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *fakeRepo) GetJob(_ context.Context, id uuid.UUID) (*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

func (r *fakeRepo) GetJobs(_ context.Context, ids []uuid.UUID) ([]*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getJobsErr != nil {
		return nil, r.getJobsErr
	}
	var out []*DeliveryJob
	for _, id := range ids {
		if j, ok := r.jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) JobsForNotification(_ context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*DeliveryJob
	for _, j := range r.jobs {
		if j.NotificationID == notificationID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkInFlight(_ context.Context, ids []uuid.UUID, leaseUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if j, ok := r.jobs[id]; ok {
			j.State = JobInFlight
			lease := leaseUntil
			j.LeaseUntil = &lease
		}
	}
	return nil
}

func (r *fakeRepo) MarkSucceeded(_ context.Context, id uuid.UUID) error {
	return r.setState(id, JobSucceeded)
}

func (r *fakeRepo) UpdateForRetry(_ context.Context, id uuid.UUID, attempts int, notBefore time.Time, kind apperr.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.State = JobFailed
	j.Attempts = attempts
	j.NotBefore = notBefore
	j.LastErrorKind = &kind
	return nil
}

func (r *fakeRepo) Defer(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.NotBefore = notBefore
	return nil
}

func (r *fakeRepo) MarkDeadLettered(_ context.Context, id uuid.UUID, kind apperr.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.State = JobDeadLettered
	j.LastErrorKind = &kind
	return nil
}

func (r *fakeRepo) MarkExpired(_ context.Context, id uuid.UUID) error {
	return r.setState(id, JobExpired)
}

func (r *fakeRepo) Requeue(_ context.Context, id uuid.UUID) error {
	return r.setState(id, JobPending)
}

func (r *fakeRepo) CancelPending(_ context.Context, notificationID uuid.UUID) ([]*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled []*DeliveryJob
	for _, j := range r.jobs {
		if j.NotificationID == notificationID && (j.State == JobPending || j.State == JobFailed) {
			j.State = JobExpired
			cancelled = append(cancelled, j)
		}
	}
	return cancelled, nil
}

func (r *fakeRepo) ExpiredLeases(_ context.Context, now time.Time, _ int) ([]*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*DeliveryJob
	for _, j := range r.jobs {
		if j.State == JobInFlight && j.LeaseUntil != nil && j.LeaseUntil.Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *fakeRepo) DueJobs(context.Context, time.Time, int) ([]*DeliveryJob, error) {
	return nil, nil
}

func (r *fakeRepo) DeadLetters(_ context.Context, filter DeadLetterFilter) ([]*DeliveryJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*DeliveryJob
	for _, j := range r.jobs {
		if j.State != JobDeadLettered {
			continue
		}
		if filter.Channel != nil && j.Channel != *filter.Channel {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *fakeRepo) ResetForReplay(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.State != JobDeadLettered {
		return ErrNotFound
	}
	j.State = JobPending
	j.Attempts = 0
	return nil
}

func (r *fakeRepo) ExpireOverdue(context.Context, time.Time) (int64, error) { return 0, nil }

func (r *fakeRepo) setState(id uuid.UUID, state JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.State = state
	return nil
}

func (r *fakeRepo) job(id uuid.UUID) *DeliveryJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// fakeLog records delivery attempts in memory, keyed by (job, index).
type fakeLog struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]map[int]*DeliveryAttempt
}

func newFakeLog() *fakeLog {
	return &fakeLog{attempts: make(map[uuid.UUID]map[int]*DeliveryAttempt)}
}

func (l *fakeLog) Append(_ context.Context, a *DeliveryAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts[a.JobID] == nil {
		l.attempts[a.JobID] = make(map[int]*DeliveryAttempt)
	}
	if _, exists := l.attempts[a.JobID][a.AttemptIndex]; exists {
		return ErrConflict
	}
	cp := *a
	l.attempts[a.JobID][a.AttemptIndex] = &cp
	return nil
}

func (l *fakeLog) Advance(_ context.Context, jobID uuid.UUID, attemptIndex int, status AttemptStatus, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[jobID][attemptIndex]
	if !ok {
		return ErrNotFound
	}
	if a.Status == status {
		return nil
	}
	if !a.Status.CanTransitionTo(status) {
		return ErrRegression
	}
	a.Status = status
	a.SettledAt = &at
	return nil
}

func (l *fakeLog) FailAttempt(ctx context.Context, jobID uuid.UUID, attemptIndex int, kind apperr.Kind, message string, at time.Time) error {
	if err := l.Advance(ctx, jobID, attemptIndex, AttemptFailed, at); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.attempts[jobID][attemptIndex]
	a.ErrorKind = &kind
	a.ErrorMessage = &message
	return nil
}

func (l *fakeLog) SetProviderMessageID(_ context.Context, jobID uuid.UUID, attemptIndex int, providerMessageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[jobID][attemptIndex]
	if !ok {
		return ErrNotFound
	}
	a.ProviderMessageID = &providerMessageID
	return nil
}

func (l *fakeLog) UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status AttemptStatus, at time.Time) error {
	l.mu.Lock()
	var jobID uuid.UUID
	idx := -1
	for _, byIdx := range l.attempts {
		for i, a := range byIdx {
			if a.ProviderMessageID != nil && *a.ProviderMessageID == providerMessageID {
				jobID, idx = a.JobID, i
			}
		}
	}
	l.mu.Unlock()
	if idx < 0 {
		return ErrNotFound
	}
	return l.Advance(ctx, jobID, idx, status, at)
}

func (l *fakeLog) ListForNotification(_ context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*DeliveryAttempt
	for _, byIdx := range l.attempts {
		for _, a := range byIdx {
			if a.NotificationID == notificationID {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (l *fakeLog) LatestForJob(_ context.Context, jobID uuid.UUID) (*DeliveryAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var latest *DeliveryAttempt
	for _, a := range l.attempts[jobID] {
		if latest == nil || a.AttemptIndex > latest.AttemptIndex {
			latest = a
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (l *fakeLog) Stats(context.Context, time.Duration, *Channel) (*LogStats, error) {
	return &LogStats{CountByStatus: map[string]int64{}}, nil
}

func (l *fakeLog) attempt(jobID uuid.UUID, idx int) *DeliveryAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[jobID][idx]
}

// fakeLimiter is a programmable rate limiter.
type fakeLimiter struct {
	allow      bool
	retryAfter time.Duration
	err        error
	calls      int
	lastScope  string
	lastN      int
}

func (f *fakeLimiter) Reserve(_ context.Context, scope string, n, _ int, _ time.Duration) (bool, time.Duration, error) {
	f.calls++
	f.lastScope = scope
	f.lastN = n
	return f.allow, f.retryAfter, f.err
}

// fakeAdapter returns programmed results for one channel.
type fakeAdapter struct {
	channel Channel
	results func(jobs []*DeliveryJob) []ItemResult
	sent    [][]*DeliveryJob
}

func (f *fakeAdapter) Channel() Channel { return f.channel }

func (f *fakeAdapter) Send(_ context.Context, jobs []*DeliveryJob) []ItemResult {
	f.sent = append(f.sent, jobs)
	return f.results(jobs)
}

func (f *fakeAdapter) HandleProviderCallback(context.Context, ProviderEvent) error { return nil }

func (f *fakeAdapter) Capabilities() Capabilities { return Capabilities{} }

// fakeRenderer returns a canned payload per channel.
type fakeRenderer struct {
	err    error
	called int
}

func (f *fakeRenderer) Render(_ context.Context, templateID string, channel Channel, _ map[string]string) (*Payload, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	switch channel {
	case ChannelEmail:
		return &Payload{Email: &EmailPayload{Subject: templateID, Text: "rendered"}}, nil
	case ChannelSMS:
		return &Payload{SMS: &SMSPayload{Body: "rendered"}}, nil
	case ChannelPush:
		return &Payload{Push: &PushPayload{Title: templateID, Body: "rendered"}}, nil
	default:
		return &Payload{InApp: &InAppPayload{Title: templateID, Body: "rendered"}}, nil
	}
}

// fakePrefs decides per channel.
type fakePrefs struct {
	denied  map[Channel]string // channel -> reason
	handles map[Channel]string
	err     error
}

func (f *fakePrefs) Resolve(_ context.Context, _, _ string, channel Channel) (PreferenceDecision, error) {
	if f.err != nil {
		return PreferenceDecision{}, f.err
	}
	if reason, ok := f.denied[channel]; ok {
		return PreferenceDecision{Allowed: false, Reason: reason}, nil
	}
	return PreferenceDecision{Allowed: true, Handle: f.handles[channel]}, nil
}
