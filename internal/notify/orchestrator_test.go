package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/telemetry"
)

type orchestratorHarness struct {
	orch     *Orchestrator
	repo     *fakeRepo
	dlog     *fakeLog
	queue    *fakeQueue
	renderer *fakeRenderer
	prefs    *fakePrefs
	now      time.Time
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseURL = "test"

	h := &orchestratorHarness{
		repo:     newFakeRepo(),
		dlog:     newFakeLog(),
		queue:    newFakeQueue(),
		renderer: &fakeRenderer{},
		prefs: &fakePrefs{
			handles: map[Channel]string{ChannelEmail: "a@example.com", ChannelSMS: "+15551234567"},
		},
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = NewOrchestrator(cfg, h.repo, h.dlog, h.queue, h.renderer, h.prefs,
		metrics.NewCollector(), telemetry.NewNopLogger())
	h.orch.now = func() time.Time { return h.now }
	return h
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		UserID:     "u1",
		Type:       "order_shipped",
		Channels:   []Channel{ChannelEmail},
		TemplateID: Ptr("order-shipped"),
		Variables:  map[string]string{"order_id": "42"},
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing recipient", func(r *SubmitRequest) { r.UserID = "" }},
		{"missing type", func(r *SubmitRequest) { r.Type = "" }},
		{"no channels", func(r *SubmitRequest) { r.Channels = nil }},
		{"unknown channel", func(r *SubmitRequest) { r.Channels = []Channel{"fax"} }},
		{"duplicate channel", func(r *SubmitRequest) { r.Channels = []Channel{ChannelEmail, ChannelEmail} }},
		{"unknown priority", func(r *SubmitRequest) { r.Priority = "whenever" }},
		{"no template or payload", func(r *SubmitRequest) { r.TemplateID = nil }},
		{"expiry before schedule", func(r *SubmitRequest) {
			later := time.Now().Add(2 * time.Hour)
			sooner := time.Now().Add(time.Hour)
			r.ScheduledFor = &later
			r.ExpiresAt = &sooner
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := h.orch.Submit(ctx, req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		})
	}
}

func TestSubmitCreatesAndEnqueuesJobs(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.Channels = []Channel{ChannelEmail, ChannelInApp}

	receipt, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, receipt.Notification)
	assert.False(t, receipt.Duplicate)
	assert.Empty(t, receipt.Suppressed)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	for _, j := range jobs {
		assert.Equal(t, JobPending, j.State)
		assert.Contains(t, h.queue.pending, j.ID)
		if j.Channel == ChannelInApp {
			assert.Equal(t, 1, j.MaxAttempts, "store-and-forward gets one attempt")
		} else {
			assert.Equal(t, 3, j.MaxAttempts)
		}
	}
}

func TestSubmitDefaultsPriorityToNormal(t *testing.T) {
	h := newOrchestratorHarness(t)

	receipt, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, receipt.Notification.Priority)
}

func TestSubmitFillsHandleFromPreferences(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	receipt, err := h.orch.Submit(ctx, validRequest())
	require.NoError(t, err)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].Payload.Email)
	assert.Equal(t, "a@example.com", jobs[0].Payload.Email.To)
}

func TestSubmitSuppressedChannel(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()
	h.prefs.denied = map[Channel]string{ChannelSMS: "channel disabled"}

	req := validRequest()
	req.Channels = []Channel{ChannelEmail, ChannelSMS}

	receipt, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []Channel{ChannelSMS}, receipt.Suppressed)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	for _, j := range jobs {
		if j.Channel != ChannelSMS {
			continue
		}
		// The suppressed job is terminal and never queued, but the audit
		// attempt explains the decision.
		assert.Equal(t, JobExpired, j.State)
		assert.NotContains(t, h.queue.pending, j.ID)

		attempt := h.dlog.attempt(j.ID, 1)
		require.NotNil(t, attempt)
		assert.Equal(t, AttemptExpired, attempt.Status)
		require.NotNil(t, attempt.ErrorKind)
		assert.Equal(t, apperr.KindSuppressed, *attempt.ErrorKind)
		require.NotNil(t, attempt.SettledAt)
	}
}

func TestSubmitScheduledGoesToDelayedQueue(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	scheduled := h.now.Add(time.Hour)
	req := validRequest()
	req.ScheduledFor = &scheduled

	receipt, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	notBefore, ok := h.queue.delayedUntil(jobs[0].ID)
	require.True(t, ok)
	assert.Equal(t, scheduled, notBefore)
	assert.NotContains(t, h.queue.pending, jobs[0].ID)
}

func TestSubmitPastScheduleDeliversImmediately(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	past := h.now.Add(-time.Hour)
	req := validRequest()
	req.ScheduledFor = &past

	receipt, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, receipt.Notification.ScheduledFor)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Contains(t, h.queue.pending, jobs[0].ID)
}

func TestSubmitIdempotencyKeyReplay(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.IdempotencyKey = Ptr("order-42")

	first, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Notification.ID, second.Notification.ID)
}

func TestSubmitExplicitPayloadNeedsChannelVariant(t *testing.T) {
	h := newOrchestratorHarness(t)

	req := validRequest()
	req.TemplateID = nil
	req.Payload = &Payload{SMS: &SMSPayload{Body: "hi"}} // no email content
	_, err := h.orch.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	assert.Zero(t, h.renderer.called, "explicit payloads skip the renderer")
}

func TestSubmitBulk(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.UserID = ""
	req.UserIDs = []string{"u1", "u2", "u3"}
	req.IdempotencyKey = Ptr("batch-7")

	items, err := h.orch.SubmitBulk(ctx, req)
	require.NoError(t, err)
	require.Len(t, items, 3)

	for i, item := range items {
		assert.Equal(t, req.UserIDs[i], item.UserID)
		assert.Empty(t, item.Error)
		require.NotNil(t, item.NotificationID)

		n, err := h.repo.GetNotification(ctx, *item.NotificationID)
		require.NoError(t, err)
		require.NotNil(t, n.IdempotencyKey)
		assert.Equal(t, "batch-7:"+item.UserID, *n.IdempotencyKey)
	}
}

func TestSubmitBulkRejectsSingleRecipientForm(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	_, err := h.orch.SubmitBulk(ctx, validRequest())
	require.Error(t, err, "no user_ids")

	req := validRequest()
	req.UserIDs = []string{"u2"}
	_, err = h.orch.SubmitBulk(ctx, req)
	require.Error(t, err, "both user_id and user_ids")
}

func TestSubmitBulkIsolatesFailures(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()
	h.prefs.err = assert.AnError

	req := validRequest()
	req.UserID = ""
	req.UserIDs = []string{"u1", "u2"}

	items, err := h.orch.SubmitBulk(ctx, req)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.NotEmpty(t, item.Error)
		assert.Nil(t, item.NotificationID)
	}
}

func TestCancelRemovesPendingJobs(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	receipt, err := h.orch.Submit(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobExpired, jobs[0].State)
	assert.Contains(t, h.queue.removed, jobs[0].ID)
}

func TestStatusAggregatesJobStates(t *testing.T) {
	h := newOrchestratorHarness(t)
	ctx := context.Background()

	req := validRequest()
	req.Channels = []Channel{ChannelEmail, ChannelSMS}
	receipt, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)

	status, err := h.orch.Status(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.State)

	jobs, err := h.repo.JobsForNotification(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, h.repo.MarkSucceeded(ctx, jobs[0].ID))
	require.NoError(t, h.repo.MarkDeadLettered(ctx, jobs[1].ID, apperr.KindPermanent))

	status, err = h.orch.Status(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", status.State)

	require.NoError(t, h.repo.MarkSucceeded(ctx, jobs[1].ID))
	status, err = h.orch.Status(ctx, receipt.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, "delivered", status.State)
}

func TestAggregateState(t *testing.T) {
	tests := []struct {
		name   string
		states []JobState
		want   string
	}{
		{"no jobs", nil, "pending"},
		{"in flight", []JobState{JobSucceeded, JobInFlight}, "pending"},
		{"all delivered", []JobState{JobSucceeded, JobSucceeded}, "delivered"},
		{"all failed", []JobState{JobDeadLettered, JobExpired}, "failed"},
		{"mixed terminal", []JobState{JobSucceeded, JobDeadLettered}, "partial"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			jobs := make([]*DeliveryJob, len(tc.states))
			for i, s := range tc.states {
				jobs[i] = &DeliveryJob{State: s}
			}
			assert.Equal(t, tc.want, aggregateState(jobs))
		})
	}
}
