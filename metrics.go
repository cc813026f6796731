// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

// Metric names recorded by a Session.
const (
	MetricBytesRead         = "kvm_bytes_read_total"
	MetricBytesWritten      = "kvm_bytes_written_total"
	MetricMessagesReceived  = "kvm_messages_received_total"
	MetricVideoFrames       = "kvm_video_frames_total"
	MetricAudioFrames       = "kvm_audio_frames_total"
	MetricVMReadBytes       = "kvm_vm_read_bytes_total"
	MetricVMWriteBytes      = "kvm_vm_write_bytes_total"
	MetricKeepAlives        = "kvm_keepalives_total"
	MetricProtocolErrors    = "kvm_protocol_errors_total"
	MetricSessionsOpened    = "kvm_sessions_opened_total"
	MetricSessionsClosed    = "kvm_sessions_closed_total"
	MetricBufferedBytes     = "kvm_buffered_bytes"
	MetricVideoPayloadBytes = "kvm_video_payload_bytes"
)

// MetricsCollector defines the interface for collecting metrics and observability data.
// Counters accumulate value while gauges are set to it. Labels are passed as
// alternating key/value strings.
type MetricsCollector interface {
	Counter(name string, value float64, labels ...string)
	Gauge(name string, value float64, labels ...string)
	Histogram(name string, value float64, labels ...string)
}

// NoOpMetrics is a MetricsCollector implementation that discards all metrics.
type NoOpMetrics struct{}

// Counter discards a counter increment.
func (m *NoOpMetrics) Counter(name string, value float64, labels ...string) {}

// Gauge discards a gauge update.
func (m *NoOpMetrics) Gauge(name string, value float64, labels ...string) {}

// Histogram discards an observation.
func (m *NoOpMetrics) Histogram(name string, value float64, labels ...string) {}
