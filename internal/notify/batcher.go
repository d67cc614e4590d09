package notify

import (
	"sync"
	"time"
)

// BatchPolicy holds the accumulation windows for the batched priority tiers
// of one channel. A size of 1 makes the tier dispatch immediately.
type BatchPolicy struct {
	NormalSize  int
	NormalFlush time.Duration
	LowSize     int
	LowFlush    time.Duration
}

// Batcher accumulates normal and low priority jobs of one channel into
// batches, cut when either the size threshold or the tier's flush timer
// fires. Urgent and high jobs never pass through a batcher.
//
// Batches come out on the Batches channel in cut order. Close flushes
// whatever is buffered so a drain never strands jobs in memory.
type Batcher struct {
	channel Channel
	out     chan []*DeliveryJob

	normal *tierBuffer
	low    *tierBuffer

	closeOnce sync.Once
}

// NewBatcher creates a batcher for one channel.
func NewBatcher(channel Channel, policy BatchPolicy) *Batcher {
	b := &Batcher{
		channel: channel,
		out:     make(chan []*DeliveryJob, 16),
	}
	b.normal = newTierBuffer(policy.NormalSize, policy.NormalFlush, b.out)
	b.low = newTierBuffer(policy.LowSize, policy.LowFlush, b.out)
	return b
}

// Add routes a job into its tier's buffer. Jobs of non-batched tiers are
// emitted as singleton batches.
func (b *Batcher) Add(job *DeliveryJob) {
	switch job.Priority {
	case PriorityNormal:
		b.normal.add(job)
	case PriorityLow:
		b.low.add(job)
	default:
		b.out <- []*DeliveryJob{job}
	}
}

// Batches returns the channel cut batches are delivered on.
func (b *Batcher) Batches() <-chan []*DeliveryJob {
	return b.out
}

// Flush cuts whatever is buffered in every tier.
func (b *Batcher) Flush() {
	b.normal.flush()
	b.low.flush()
}

// Close flushes both tiers and closes the output channel. Add must not be
// called after Close.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		b.normal.close()
		b.low.close()
		close(b.out)
	})
}

// tierBuffer is the accumulator for one priority tier. The flush timer is
// armed when the first job lands in an empty buffer, so a lone job waits at
// most the flush window.
type tierBuffer struct {
	mu         sync.Mutex
	buf        []*DeliveryJob
	size       int
	flushAfter time.Duration
	timer      *time.Timer
	out        chan<- []*DeliveryJob
	closed     bool
}

func newTierBuffer(size int, flushAfter time.Duration, out chan<- []*DeliveryJob) *tierBuffer {
	if size < 1 {
		size = 1
	}
	return &tierBuffer{
		size:       size,
		flushAfter: flushAfter,
		out:        out,
	}
}

func (t *tierBuffer) add(job *DeliveryJob) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.buf = append(t.buf, job)

	if len(t.buf) >= t.size {
		batch := t.cutLocked()
		t.mu.Unlock()
		t.out <- batch
		return
	}
	if len(t.buf) == 1 && t.flushAfter > 0 {
		t.timer = time.AfterFunc(t.flushAfter, t.flush)
	}
	t.mu.Unlock()
}

func (t *tierBuffer) flush() {
	t.mu.Lock()
	if t.closed || len(t.buf) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.cutLocked()
	t.mu.Unlock()
	t.out <- batch
}

// cutLocked detaches the buffered batch and disarms the flush timer.
// Caller holds the mutex.
func (t *tierBuffer) cutLocked() []*DeliveryJob {
	batch := t.buf
	t.buf = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return batch
}

func (t *tierBuffer) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	batch := t.cutLocked()
	t.closed = true
	t.mu.Unlock()
	if len(batch) > 0 {
		t.out <- batch
	}
}
