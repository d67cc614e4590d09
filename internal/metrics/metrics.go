// Package metrics implements the process-local metrics registry for the
// delivery pipeline: per-channel delivery counters, end-to-end latency
// histograms, queue depth and worker gauges, and batch fill ratios.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single exported metric sample.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// Counter represents a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	value  uint64
}

// NewCounter creates a new counter
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

// Add adds the given value to the counter
func (c *Counter) Add(value uint64) {
	atomic.AddUint64(&c.value, value)
}

// Get returns the current value
func (c *Counter) Get() float64 {
	return float64(atomic.LoadUint64(&c.value))
}

// ToMetric converts to a Metric struct
func (c *Counter) ToMetric() Metric {
	return Metric{
		Name:      c.name,
		Type:      MetricTypeCounter,
		Help:      c.help,
		Labels:    c.labels,
		Value:     c.Get(),
		Timestamp: time.Now(),
	}
}

// Gauge represents a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	value  int64 // stored with 3 decimal precision for atomic ops
}

// NewGauge creates a new gauge
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set sets the gauge to the given value
func (g *Gauge) Set(value float64) {
	atomic.StoreInt64(&g.value, int64(value*1000))
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1000)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1000)
}

// Get returns the current value
func (g *Gauge) Get() float64 {
	return float64(atomic.LoadInt64(&g.value)) / 1000
}

// ToMetric converts to a Metric struct
func (g *Gauge) ToMetric() Metric {
	return Metric{
		Name:      g.name,
		Type:      MetricTypeGauge,
		Help:      g.help,
		Labels:    g.labels,
		Value:     g.Get(),
		Timestamp: time.Now(),
	}
}

// Histogram represents a histogram metric with fixed buckets.
type Histogram struct {
	mu      sync.RWMutex
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

// NewHistogram creates a new histogram. A nil bucket slice uses latency
// buckets suitable for adapter calls (5ms..10s).
func NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)+1), // +1 for +Inf bucket
	}
}

// Observe adds an observation to the histogram
func (h *Histogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	atomic.AddUint64(&h.sum, uint64(value*1000))

	for i, bucket := range h.buckets {
		if value <= bucket {
			atomic.AddUint64(&h.counts[i], 1)
			return
		}
	}
	atomic.AddUint64(&h.counts[len(h.buckets)], 1)
}

// GetCount returns the total count of observations
func (h *Histogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

// GetSum returns the sum of all observations
func (h *Histogram) GetSum() float64 {
	return float64(atomic.LoadUint64(&h.sum)) / 1000
}

// GetAverage calculates the average value
func (h *Histogram) GetAverage() float64 {
	count := h.GetCount()
	if count == 0 {
		return 0
	}
	return h.GetSum() / float64(count)
}

// GetPercentile returns the upper bound of the bucket containing the
// given percentile.
func (h *Histogram) GetPercentile(percentile float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := h.GetCount()
	if total == 0 {
		return 0
	}

	target := float64(total) * percentile / 100.0
	var cumulative uint64
	for i, bucket := range h.buckets {
		cumulative += atomic.LoadUint64(&h.counts[i])
		if float64(cumulative) >= target {
			return bucket
		}
	}
	return 0
}

// ToMetric converts to a Metric struct
func (h *Histogram) ToMetric() Metric {
	labels := make(map[string]string, len(h.labels)+3)
	for k, v := range h.labels {
		labels[k] = v
	}
	labels["average"] = fmt.Sprintf("%.3f", h.GetAverage())
	labels["p95"] = fmt.Sprintf("%.3f", h.GetPercentile(95))
	labels["p99"] = fmt.Sprintf("%.3f", h.GetPercentile(99))

	return Metric{
		Name:      h.name,
		Type:      MetricTypeHistogram,
		Help:      h.help,
		Labels:    labels,
		Value:     float64(h.GetCount()),
		Timestamp: time.Now(),
	}
}

// Collector manages all metrics of the process.
type Collector struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

// NewCollector creates a collector pre-registered with the delivery metrics
// every channel reports.
func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Counter creates or returns the counter with the given name and labels.
func (mc *Collector) Counter(name, help string, labels map[string]string) *Counter {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if c, ok := mc.counters[key]; ok {
		return c
	}
	c := NewCounter(name, help, labels)
	mc.counters[key] = c
	return c
}

// Gauge creates or returns the gauge with the given name and labels.
func (mc *Collector) Gauge(name, help string, labels map[string]string) *Gauge {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if g, ok := mc.gauges[key]; ok {
		return g
	}
	g := NewGauge(name, help, labels)
	mc.gauges[key] = g
	return g
}

// Histogram creates or returns the histogram with the given name and labels.
func (mc *Collector) Histogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey(name, labels)
	if h, ok := mc.histograms[key]; ok {
		return h
	}
	h := NewHistogram(name, help, labels, buckets)
	mc.histograms[key] = h
	return h
}

// Per-channel delivery metrics helpers.

func channelLabels(channel string) map[string]string {
	return map[string]string{"channel": channel}
}

// DeliverySent counts adapter-accepted deliveries for a channel.
func (mc *Collector) DeliverySent(channel string) {
	mc.Counter("delivery_sent_total", "Deliveries accepted by the provider", channelLabels(channel)).Inc()
}

// DeliveryDelivered counts provider-confirmed deliveries for a channel.
func (mc *Collector) DeliveryDelivered(channel string) {
	mc.Counter("delivery_delivered_total", "Deliveries confirmed by the provider", channelLabels(channel)).Inc()
}

// DeliveryFailed counts failed deliveries for a channel.
func (mc *Collector) DeliveryFailed(channel string) {
	mc.Counter("delivery_failed_total", "Deliveries that failed", channelLabels(channel)).Inc()
}

// DeliveryBounced counts bounced deliveries for a channel.
func (mc *Collector) DeliveryBounced(channel string) {
	mc.Counter("delivery_bounced_total", "Deliveries bounced by the recipient provider", channelLabels(channel)).Inc()
}

// ObserveLatency records end-to-end delivery latency for a channel.
func (mc *Collector) ObserveLatency(channel string, seconds float64) {
	mc.Histogram("delivery_latency_seconds", "Submit-to-settlement latency", channelLabels(channel), nil).Observe(seconds)
}

// SetQueueDepth records the pending queue depth for a channel.
func (mc *Collector) SetQueueDepth(channel string, depth float64) {
	mc.Gauge("queue_depth", "Pending jobs in the channel queue", channelLabels(channel)).Set(depth)
}

// ActiveWorkers returns the active-worker gauge for a channel.
func (mc *Collector) ActiveWorkers(channel string) *Gauge {
	return mc.Gauge("active_workers", "Workers currently dispatching a batch", channelLabels(channel))
}

// ObserveBatchFill records the fill ratio of a dispatched batch.
func (mc *Collector) ObserveBatchFill(channel string, ratio float64) {
	mc.Histogram("batch_fill_ratio", "Dispatched batch size over configured batch size",
		channelLabels(channel), []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1}).Observe(ratio)
}

// Snapshot returns all registered metrics, sorted by name for stable output.
func (mc *Collector) Snapshot() []Metric {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	out := make([]Metric, 0, len(mc.counters)+len(mc.gauges)+len(mc.histograms))
	for _, c := range mc.counters {
		out = append(out, c.ToMetric())
	}
	for _, g := range mc.gauges {
		out = append(out, g.ToMetric())
	}
	for _, h := range mc.histograms {
		out = append(out, h.ToMetric())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return metricKey(out[i].Name, out[i].Labels) < metricKey(out[j].Name, out[j].Labels)
	})
	return out
}

// Uptime returns how long the collector has been running.
func (mc *Collector) Uptime() time.Duration {
	return time.Since(mc.startTime)
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}
