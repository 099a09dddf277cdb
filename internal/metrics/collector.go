// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the messaging core. Output is the Prometheus text exposition
// format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector used by the pre-defined metrics.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()          { c.value.Add(1) }
func (c *Counter) Add(n int64)   { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)   { g.value.Store(v) }
func (g *Gauge) Inc()          { g.value.Add(1) }
func (g *Gauge) Dec()          { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string {
	return name + "{" + labels + "}"
}

// Counter returns or creates a counter.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := metricKey(name, labels)
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := metricKey(name, labels)
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given upper bounds.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	hb := make([]histBucket, len(bounds))
	for i, b := range bounds {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// StatusTransitions returns the counter for transitions into status.
func (c *MetricsCollector) StatusTransitions(status string) *Counter {
	return c.Counter("jobchat_status_transitions_total", "Message status transitions", `status="`+status+`"`)
}

// sortedValues returns map values ordered by key so output is stable.
func sortedValues(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, vals[k])
	}
	return out
}

func writeSample(w io.Writer, name, labels string, v any) {
	if labels != "" {
		fmt.Fprintf(w, "%s{%s} %v\n", name, labels, v)
		return
	}
	fmt.Fprintf(w, "%s %v\n", name, v)
}

// WriteTo renders every metric in Prometheus text format.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP jobchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE jobchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "jobchat_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&c.counters) {
		ctr := v.(*Counter)
		if !helpWritten[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			helpWritten[ctr.name] = true
		}
		writeSample(&sb, ctr.name, ctr.labels, ctr.Value())
	}

	for _, v := range sortedValues(&c.gauges) {
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		writeSample(&sb, g.name, g.labels, g.Value())
	}

	for _, v := range sortedValues(&c.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		writeSample(&sb, h.name+"_count", h.labels, h.count)
		writeSample(&sb, h.name+"_sum", h.labels, fmt.Sprintf("%f", h.sum))
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Handler serves the metrics over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// Pre-defined metrics used across the application.
var (
	MessagesAppended = Collector.Counter("jobchat_messages_appended_total", "Messages accepted by the entity store", "")
	ConversationsNew = Collector.Counter("jobchat_conversations_created_total", "Conversations created", "")
	UnreadRecomputes = Collector.Counter("jobchat_unread_recomputes_total", "Unread total recomputations", "")
	PollFailures     = Collector.Counter("jobchat_poll_failures_total", "Failed unread recomputations", "")
	TypingSignals    = Collector.Counter("jobchat_typing_signals_total", "Typing started signals emitted", "")
	WSConnections    = Collector.Gauge("jobchat_ws_connections", "Open websocket connections", "")
	PendingDelivery  = Collector.Gauge("jobchat_delivery_pending", "Messages with a scheduled status transition", "")

	DeliveryLatency = Collector.Histogram("jobchat_delivery_latency_seconds", "Time from append to delivered", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30})
)
