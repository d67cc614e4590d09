package notify

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/apperr"
	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/telemetry"
)

// Engine runs the delivery side of the pipeline: per-channel worker pools
// that fetch due jobs from the queues, batch the batched tiers, reserve rate
// capacity, call the channel adapter, and settle each job from the per-item
// results. It also owns the background loops: delayed-queue promotion,
// visibility-lease reclaim, and the expiry sweep.
type Engine struct {
	cfg      config.Config
	queue    Queue
	repo     Repository
	dlog     DeliveryLog
	limiter  RateLimiter
	adapters map[Channel]Adapter
	events   *bus.Bus
	metrics  *metrics.Collector
	logger   *telemetry.ContextualLogger

	batchers map[Channel]*Batcher
	workerID string

	// injectable for tests
	now    func() time.Time
	jitter func() time.Duration

	stopCh    chan struct{}
	loopWG    sync.WaitGroup // fetch + background loops
	workerWG  sync.WaitGroup // batch dispatch workers
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine wires a delivery engine. Every adapter in the list serves its
// own channel; channels without an adapter are never fetched.
func NewEngine(
	cfg config.Config,
	queue Queue,
	repo Repository,
	dlog DeliveryLog,
	limiter RateLimiter,
	adapters []Adapter,
	events *bus.Bus,
	collector *metrics.Collector,
	logger *telemetry.Logger,
) *Engine {
	byChannel := make(map[Channel]Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}

	e := &Engine{
		cfg:      cfg,
		queue:    queue,
		repo:     repo,
		dlog:     dlog,
		limiter:  limiter,
		adapters: byChannel,
		events:   events,
		metrics:  collector,
		logger:   logger.Component("engine"),
		batchers: make(map[Channel]*Batcher),
		workerID: fmt.Sprintf("engine-%s", uuid.New().String()[:8]),
		now:      time.Now,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
		stopCh: make(chan struct{}),
	}

	for c := range byChannel {
		qc := e.channelConfig(c)
		e.batchers[c] = NewBatcher(c, BatchPolicy{
			NormalSize:  qc.NormalBatchSize,
			NormalFlush: qc.NormalFlush,
			LowSize:     qc.LowBatchSize,
			LowFlush:    qc.LowFlush,
		})
	}

	return e
}

func (e *Engine) channelConfig(c Channel) config.ChannelQueueConfig {
	switch c {
	case ChannelEmail:
		return e.cfg.Email
	case ChannelSMS:
		return e.cfg.SMS
	case ChannelPush:
		return e.cfg.Push
	case ChannelInApp:
		return e.cfg.InApp
	}
	return config.ChannelQueueConfig{Concurrency: 1, NormalBatchSize: 1, LowBatchSize: 1}
}

// Start launches the worker pools and background loops. It returns
// immediately; Stop drains.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.requeueDue(ctx)

		for c := range e.adapters {
			qc := e.channelConfig(c)

			e.loopWG.Add(1)
			go e.fetchLoop(c)

			for i := 0; i < qc.Concurrency; i++ {
				e.workerWG.Add(1)
				go e.dispatchWorker(c)
			}
		}

		e.loopWG.Add(3)
		go e.promoteLoop()
		go e.reclaimLoop()
		go e.sweepLoop()

		e.logger.WithField("worker_id", e.workerID).Info("delivery engine started")
	})
}

// Stop drains the engine: fetching stops, buffered batches flush, and
// workers get up to the configured drain timeout to settle what they hold.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.loopWG.Wait()

		for _, b := range e.batchers {
			b.Close()
		}

		done := make(chan struct{})
		go func() {
			e.workerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			e.logger.Info("delivery engine drained")
		case <-time.After(e.cfg.DrainTimeout):
			e.logger.Warn("drain timeout exceeded; in-flight jobs will be reclaimed by lease")
		}
	})
}

// requeueDue re-enqueues jobs that were due while the process was down.
// ZADD is idempotent, so jobs already queued are unaffected.
func (e *Engine) requeueDue(ctx context.Context) {
	jobs, err := e.repo.DueJobs(ctx, e.now(), 1000)
	if err != nil {
		e.logger.WithError(err).Error("startup requeue scan failed")
		return
	}
	for _, j := range jobs {
		if err := e.queue.Enqueue(ctx, j.Channel, j.ID, j.Priority); err != nil {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("startup requeue failed")
		}
	}
	if len(jobs) > 0 {
		e.logger.WithField("count", len(jobs)).Info("requeued due jobs from previous run")
	}
}

// fetchLoop pulls due job IDs off a channel's pending queue and routes them
// into the channel's batcher. Urgent and high jobs come out as singleton
// batches and are dispatched without waiting.
func (e *Engine) fetchLoop(c Channel) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.fetchOnce(c)
		}
	}
}

func (e *Engine) fetchOnce(c Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Adapter.Timeout)
	defer cancel()

	popped, err := e.queue.Dequeue(ctx, c, e.cfg.FetchBatch)
	if err != nil {
		e.logger.WithError(err).WithField("channel", c).Error("dequeue failed")
		return
	}
	if len(popped) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(popped))
	for i, p := range popped {
		ids[i] = p.ID
	}

	jobs, err := e.repo.GetJobs(ctx, ids)
	if err != nil {
		e.logger.WithError(err).WithField("channel", c).Error("job load failed")
		// The entries are already popped; put them back at the tier they
		// were queued at so urgent work is not demoted.
		for _, p := range popped {
			_ = e.queue.Enqueue(ctx, c, p.ID, p.Priority)
		}
		return
	}

	now := e.now()
	for _, j := range jobs {
		if j.State.Terminal() {
			continue // cancelled or settled while queued
		}
		if j.Expired(now) {
			e.expireJob(ctx, j)
			continue
		}
		e.batchers[c].Add(j)
	}
}

func (e *Engine) expireJob(ctx context.Context, j *DeliveryJob) {
	if err := e.repo.MarkExpired(ctx, j.ID); err != nil && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("expire failed")
		return
	}
	e.metrics.Counter("delivery_expired_total", "Jobs expired before dispatch",
		map[string]string{"channel": string(j.Channel)}).Inc()
	e.publish(bus.EventJobExpired, j, "")
}

// dispatchWorker settles one batch at a time for a channel.
func (e *Engine) dispatchWorker(c Channel) {
	defer e.workerWG.Done()

	active := e.metrics.ActiveWorkers(string(c))
	for batch := range e.batchers[c].Batches() {
		active.Inc()
		e.deliver(c, batch)
		active.Dec()
	}
}

// deliver runs one batch through rate reservation, the in-flight lease, the
// adapter call, and per-item settlement.
func (e *Engine) deliver(c Channel, batch []*DeliveryJob) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()

	ok, retryAfter := e.reserve(ctx, c, batch)
	if !ok {
		e.deferBatch(ctx, c, batch, retryAfter)
		return
	}

	qc := e.channelConfig(c)
	if batch[0].Priority.Batched() {
		size := qc.NormalBatchSize
		if batch[0].Priority == PriorityLow {
			size = qc.LowBatchSize
		}
		e.metrics.ObserveBatchFill(string(c), float64(len(batch))/float64(size))
	}

	ids := make([]uuid.UUID, len(batch))
	for i, j := range batch {
		ids[i] = j.ID
	}

	// The visibility lease outlives the adapter call by a wide margin so a
	// slow provider response never races the reclaim loop.
	lease := e.now().Add(3*e.cfg.Adapter.Timeout + e.cfg.Adapter.VisibilitySlack)
	if err := e.repo.MarkInFlight(ctx, ids, lease); err != nil {
		e.logger.WithError(err).WithField("channel", c).Error("mark in-flight failed")
		e.requeueBatch(ctx, c, batch)
		return
	}

	for _, j := range batch {
		e.appendQueuedAttempt(ctx, j)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Adapter.Timeout)
	results := e.adapters[c].Send(callCtx, batch)
	cancel()

	for i, j := range batch {
		if i >= len(results) {
			// Adapter returned short; treat the remainder as transient.
			e.settleFailure(ctx, j, apperr.Transient("adapter returned no result for job", nil))
			continue
		}
		e.settle(ctx, j, results[i])
	}
}

// reserve takes rate capacity for a batch. In-app limits are per user; the
// other channels share one window per channel.
func (e *Engine) reserve(ctx context.Context, c Channel, batch []*DeliveryJob) (bool, time.Duration) {
	var scope string
	var limit int
	if c == ChannelInApp {
		scope = string(c) + ":" + batch[0].UserID
		limit = e.cfg.Session.RatePerUserMin
	} else {
		scope = string(c)
		limit = e.channelConfig(c).RatePerMinute
	}

	ok, retryAfter, err := e.limiter.Reserve(ctx, scope, len(batch), limit, time.Minute)
	if err != nil {
		// Fail open: a limiter outage must not stop delivery.
		e.logger.WithError(err).WithField("channel", c).Warn("rate reservation failed; proceeding")
		return true, 0
	}
	return ok, retryAfter
}

// deferBatch pushes rate-limited jobs into the delayed queue without
// consuming an attempt.
func (e *Engine) deferBatch(ctx context.Context, c Channel, batch []*DeliveryJob, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	notBefore := e.now().Add(retryAfter)

	for _, j := range batch {
		if err := e.repo.Defer(ctx, j.ID, notBefore); err != nil && err != ErrNotFound {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("defer failed")
		}
		if err := e.queue.MoveToDelayed(ctx, c, j.ID, notBefore, j.Priority); err != nil {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("delayed enqueue failed")
		}
		e.publish(bus.EventRateLimitDeferred, j, "")
	}
	e.metrics.Counter("rate_limit_deferred_total", "Batches deferred by the channel rate limit",
		map[string]string{"channel": string(c)}).Add(uint64(len(batch)))
}

// requeueBatch returns a batch to the pending queue after an infrastructure
// failure before the adapter call.
func (e *Engine) requeueBatch(ctx context.Context, c Channel, batch []*DeliveryJob) {
	for _, j := range batch {
		_ = e.repo.Requeue(ctx, j.ID)
		if err := e.queue.Enqueue(ctx, c, j.ID, j.Priority); err != nil {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("requeue failed")
		}
	}
}

func (e *Engine) appendQueuedAttempt(ctx context.Context, j *DeliveryJob) {
	attempt := &DeliveryAttempt{
		NotificationID: j.NotificationID,
		JobID:          j.ID,
		Channel:        j.Channel,
		AttemptIndex:   j.Attempts + 1,
		Status:         AttemptQueued,
		AttemptedAt:    e.now(),
	}
	if err := e.dlog.Append(ctx, attempt); err != nil && err != ErrConflict {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("attempt append failed")
	}
}

// settle applies one per-item adapter result to the job and its attempt row.
func (e *Engine) settle(ctx context.Context, j *DeliveryJob, res ItemResult) {
	if res.Accepted() {
		e.settleSuccess(ctx, j, res)
		return
	}
	e.settleFailure(ctx, j, res.Err)
}

func (e *Engine) settleSuccess(ctx context.Context, j *DeliveryJob, res ItemResult) {
	idx := j.Attempts + 1
	if res.ProviderMessageID != "" {
		if err := e.dlog.SetProviderMessageID(ctx, j.ID, idx, res.ProviderMessageID); err != nil {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("provider id record failed")
		}
	}
	if err := e.dlog.Advance(ctx, j.ID, idx, AttemptSent, e.now()); err != nil && err != ErrRegression {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("attempt advance failed")
	}
	if err := e.repo.MarkSucceeded(ctx, j.ID); err != nil && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("mark succeeded failed")
	}

	e.metrics.DeliverySent(string(j.Channel))
	e.metrics.ObserveLatency(string(j.Channel), e.now().Sub(j.CreatedAt).Seconds())
	e.publish(bus.EventJobSucceeded, j, "")
}

func (e *Engine) settleFailure(ctx context.Context, j *DeliveryJob, sendErr error) {
	kind := apperr.KindOf(sendErr)
	idx := j.Attempts + 1
	attempts := j.Attempts + 1
	retryable := kind.Retryable() || kind == apperr.KindRateLimited

	// A second Internal in a row means the pipeline itself is broken for
	// this job; one immediate requeue is the whole budget.
	internalRepeat := kind == apperr.KindInternal &&
		j.LastErrorKind != nil && *j.LastErrorKind == apperr.KindInternal

	// A retryable failure on the last attempt settles as exhausted, not as
	// whatever the provider happened to say last.
	exhausted := retryable && !internalRepeat && attempts >= j.MaxAttempts

	recordKind := kind
	msg := sendErr.Error()
	if exhausted {
		terminal := apperr.Exhausted(attempts)
		terminal.Cause = sendErr
		recordKind = apperr.KindExhausted
		msg = terminal.Error()
	}

	if err := e.dlog.FailAttempt(ctx, j.ID, idx, recordKind, msg, e.now()); err != nil && err != ErrRegression && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("attempt failure record failed")
	}

	if !retryable || internalRepeat {
		e.deadLetter(ctx, j, kind)
		return
	}
	if exhausted {
		e.deadLetter(ctx, j, apperr.KindExhausted)
		return
	}

	if kind == apperr.KindInternal {
		e.requeueInternal(ctx, j, attempts)
		return
	}

	delay := e.backoff(attempts)
	if ra, ok := apperr.RetryAfter(sendErr); ok && ra > delay {
		delay = ra
	}
	notBefore := e.now().Add(delay)

	if err := e.repo.UpdateForRetry(ctx, j.ID, attempts, notBefore, kind); err != nil && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("retry update failed")
	}
	if err := e.queue.MoveToDelayed(ctx, j.Channel, j.ID, notBefore, j.Priority); err != nil {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("backoff enqueue failed")
	}

	e.metrics.DeliveryFailed(string(j.Channel))
	e.publish(bus.EventJobFailed, j, string(kind))
	e.logger.WithFields(map[string]interface{}{
		"job_id": j.ID, "channel": j.Channel, "attempt": attempts, "kind": kind, "retry_in": delay.String(),
	}).Warn("delivery attempt failed; scheduled retry")
}

// requeueInternal puts a job back on the pending queue after an internal
// error. No backoff: the fault is ours, not the provider's, and the repeat
// guard in settleFailure stops a broken job from looping.
func (e *Engine) requeueInternal(ctx context.Context, j *DeliveryJob, attempts int) {
	if err := e.repo.UpdateForRetry(ctx, j.ID, attempts, e.now(), apperr.KindInternal); err != nil && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("internal retry update failed")
	}
	if err := e.queue.Enqueue(ctx, j.Channel, j.ID, j.Priority); err != nil {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("internal requeue failed")
	}

	e.metrics.DeliveryFailed(string(j.Channel))
	e.publish(bus.EventJobFailed, j, string(apperr.KindInternal))
	e.logger.WithFields(map[string]interface{}{
		"job_id": j.ID, "channel": j.Channel, "attempt": attempts,
	}).Warn("internal delivery error; job returned to pending")
}

func (e *Engine) deadLetter(ctx context.Context, j *DeliveryJob, kind apperr.Kind) {
	if err := e.repo.MarkDeadLettered(ctx, j.ID, kind); err != nil && err != ErrNotFound {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("dead-letter mark failed")
	}
	if err := e.queue.MoveToDead(ctx, j.Channel, j.ID); err != nil {
		e.logger.WithError(err).WithField("job_id", j.ID).Error("dead-letter enqueue failed")
	}

	e.metrics.DeliveryFailed(string(j.Channel))
	e.metrics.Counter("delivery_dead_lettered_total", "Jobs moved to the dead-letter queue",
		map[string]string{"channel": string(j.Channel), "kind": string(kind)}).Inc()
	e.publish(bus.EventJobDeadLettered, j, string(kind))
	e.logger.WithFields(map[string]interface{}{
		"job_id": j.ID, "channel": j.Channel, "kind": kind,
	}).Error("job dead-lettered")
}

// backoff computes the retry delay after the given number of completed
// attempts: exponential from the base, capped, plus up to a second of jitter
// so synchronized failures spread out.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.Retry.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.Retry.Cap {
			d = e.cfg.Retry.Cap
			break
		}
	}
	return d + e.jitter()
}

// promoteLoop moves due delayed jobs back to pending.
func (e *Engine) promoteLoop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for c := range e.adapters {
				if _, err := e.queue.PromoteDelayed(ctx, c, e.now()); err != nil {
					e.logger.WithError(err).WithField("channel", c).Error("delayed promotion failed")
				}
			}
			cancel()
		}
	}
}

// reclaimLoop returns jobs whose visibility lease lapsed (crashed or stalled
// worker) to the pending queue. The per-job lock keeps two engine instances
// from requeueing the same job.
func (e *Engine) reclaimLoop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.reclaimOnce()
		}
	}
}

func (e *Engine) reclaimOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobs, err := e.repo.ExpiredLeases(ctx, e.now(), 100)
	if err != nil {
		e.logger.WithError(err).Error("lease scan failed")
		return
	}

	for _, j := range jobs {
		locked, err := e.queue.AcquireLock(ctx, j.ID, e.workerID, 30*time.Second)
		if err != nil || !locked {
			continue
		}
		if err := e.repo.Requeue(ctx, j.ID); err != nil && err != ErrNotFound {
			e.logger.WithError(err).WithField("job_id", j.ID).Error("lease requeue failed")
		} else if err == nil {
			if err := e.queue.Enqueue(ctx, j.Channel, j.ID, j.Priority); err != nil {
				e.logger.WithError(err).WithField("job_id", j.ID).Error("lease re-enqueue failed")
			}
			e.metrics.Counter("lease_reclaimed_total", "Jobs reclaimed after a lapsed visibility lease",
				map[string]string{"channel": string(j.Channel)}).Inc()
		}
		_ = e.queue.ReleaseLock(ctx, j.ID, e.workerID)
	}
}

// sweepLoop expires overdue jobs and refreshes queue depth gauges.
func (e *Engine) sweepLoop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	depthTicker := time.NewTicker(10 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := e.repo.ExpireOverdue(ctx, e.now())
			cancel()
			if err != nil {
				e.logger.WithError(err).Error("expiry sweep failed")
			} else if n > 0 {
				e.logger.WithField("count", n).Info("expired overdue jobs")
			}
		case <-depthTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for c := range e.adapters {
				if stats, err := e.queue.Stats(ctx, c); err == nil {
					e.metrics.SetQueueDepth(string(c), float64(stats.PendingCount))
				}
			}
			cancel()
		}
	}
}

// Stats returns queue depths for every served channel.
func (e *Engine) Stats(ctx context.Context) (map[Channel]*QueueStats, error) {
	out := make(map[Channel]*QueueStats, len(e.adapters))
	for c := range e.adapters {
		s, err := e.queue.Stats(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = s
	}
	return out, nil
}

// ReplayDeadLetters returns matching dead-lettered jobs to the pending queue
// with a fresh attempt budget. Returns the number replayed.
func (e *Engine) ReplayDeadLetters(ctx context.Context, filter DeadLetterFilter) (int, error) {
	jobs, err := e.repo.DeadLetters(ctx, filter)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, j := range jobs {
		if err := e.repo.ResetForReplay(ctx, j.ID); err != nil {
			if err == ErrNotFound {
				continue // replayed concurrently
			}
			return replayed, err
		}
		if err := e.queue.ReplayFromDead(ctx, j.Channel, j.ID); err != nil {
			return replayed, err
		}
		replayed++
	}
	if replayed > 0 {
		e.logger.WithField("count", replayed).Info("replayed dead-lettered jobs")
	}
	return replayed, nil
}

// DeadLetters lists dead-lettered jobs matching the filter.
func (e *Engine) DeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeliveryJob, error) {
	return e.repo.DeadLetters(ctx, filter)
}

// HandleProviderEvent routes a normalized provider callback to the channel
// adapter that understands its status vocabulary.
func (e *Engine) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	adapter, ok := e.adapters[ev.Channel]
	if !ok {
		return apperr.Invalid("unknown_channel", fmt.Sprintf("no adapter for channel %q", ev.Channel))
	}
	err := adapter.HandleProviderCallback(ctx, ev)
	if err == nil {
		e.events.Publish(bus.Event{
			Type:    bus.EventProviderCallback,
			Channel: string(ev.Channel),
		})
	}
	return err
}

func (e *Engine) publish(t bus.EventType, j *DeliveryJob, errorKind string) {
	e.events.Publish(bus.Event{
		Type:           t,
		Channel:        string(j.Channel),
		NotificationID: j.NotificationID.String(),
		JobID:          j.ID.String(),
		UserID:         j.UserID,
		ErrorKind:      errorKind,
	})
}
