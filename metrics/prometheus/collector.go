// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package prometheus implements kvm.MetricsCollector on prometheus/client_golang.
package prometheus

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvm "github.com/tenthirtyam/go-kvm"
)

var help = map[string]string{
	kvm.MetricBytesRead:         "Total bytes read from appliances",
	kvm.MetricBytesWritten:      "Total bytes written to appliances",
	kvm.MetricMessagesReceived:  "Normal-stage messages received by type",
	kvm.MetricVideoFrames:       "Video frames carrying a stream by encoding",
	kvm.MetricAudioFrames:       "Audio frames by framing family",
	kvm.MetricVMReadBytes:       "Bytes served to virtual-media reads",
	kvm.MetricVMWriteBytes:      "Bytes written by virtual-media writes",
	kvm.MetricKeepAlives:        "Keep-alive messages sent",
	kvm.MetricProtocolErrors:    "Sessions closed by a protocol error, by error code",
	kvm.MetricSessionsOpened:    "Sessions opened by role",
	kvm.MetricSessionsClosed:    "Sessions closed by role",
	kvm.MetricBufferedBytes:     "Bytes buffered while waiting for a complete record",
	kvm.MetricVideoPayloadBytes: "Distribution of video payload sizes",
}

var payloadBuckets = []float64{
	1024,    // 1KB - P frames on a static screen
	8192,    // 8KB
	32768,   // 32KB
	131072,  // 128KB
	524288,  // 512KB - key frames
	2097152, // 2MB
	8388608, // 8MB
}

// Collector is a kvm.MetricsCollector backed by a private Prometheus registry.
// Vectors are created on first use with the label names of that first call;
// later calls for the same metric must pass the same label names.
type Collector struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ kvm.MetricsCollector = (*Collector)(nil)

// NewCollector creates a collector with its own registry, which also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Collector{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Counter adds value to the named counter.
func (c *Collector) Counter(name string, value float64, labels ...string) {
	if value < 0 {
		return
	}
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = promauto.With(c.reg).NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpFor(name)}, keys)
		c.counters[name] = vec
	}
	c.mu.Unlock()

	vec.WithLabelValues(values...).Add(value)
}

// Gauge sets the named gauge to value.
func (c *Collector) Gauge(name string, value float64, labels ...string) {
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = promauto.With(c.reg).NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: helpFor(name)}, keys)
		c.gauges[name] = vec
	}
	c.mu.Unlock()

	vec.WithLabelValues(values...).Set(value)
}

// Histogram observes value in the named histogram.
func (c *Collector) Histogram(name string, value float64, labels ...string) {
	keys, values := splitLabels(labels)

	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = promauto.With(c.reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    helpFor(name),
			Buckets: payloadBuckets,
		}, keys)
		c.histograms[name] = vec
	}
	c.mu.Unlock()

	vec.WithLabelValues(values...).Observe(value)
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// splitLabels turns key/value pairs into names and values. A trailing key
// with no value is dropped.
func splitLabels(labels []string) ([]string, []string) {
	n := len(labels) / 2
	keys := make([]string, 0, n)
	values := make([]string, 0, n)
	for i := 0; i+1 < len(labels); i += 2 {
		keys = append(keys, labels[i])
		values = append(values, labels[i+1])
	}
	return keys, values
}
