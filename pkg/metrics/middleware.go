package metrics

import (
	"time"
)

// CommandTracker wraps command round trips with metrics collection.
type CommandTracker struct {
	collector            ClientMetricsCollector
	recordCommandLatency bool // Controls whether to record per-command latency metrics
}

// NewCommandTracker creates a tracker. A nil collector discards everything.
func NewCommandTracker(collector ClientMetricsCollector) *CommandTracker {
	if collector == nil {
		collector = NopCollector{}
	}
	return &CommandTracker{
		collector:            collector,
		recordCommandLatency: true,
	}
}

// NewCommandTrackerWithOptions creates a tracker with custom options
func NewCommandTrackerWithOptions(collector ClientMetricsCollector, recordCommandLatency bool) *CommandTracker {
	t := NewCommandTracker(collector)
	t.recordCommandLatency = recordCommandLatency
	return t
}

func (m *CommandTracker) GetCollector() ClientMetricsCollector {
	return m.collector
}

// SetRecordCommandLatency enables or disables command-based latency recording
func (m *CommandTracker) SetRecordCommandLatency(enable bool) {
	m.recordCommandLatency = enable
}

// TrackCommand counts one command submission
func (m *CommandTracker) TrackCommand(command string) {
	m.collector.IncrementCommandCounter(command)
}

// TrackLatency measures and records the round trip latency for a specific command
func (m *CommandTracker) TrackLatency(command string, start time.Time) {
	duration := time.Since(start)
	if m.recordCommandLatency {
		m.collector.RecordCommandLatency(command, duration)
	}
	m.collector.RecordOverallLatency(duration)
}

// TrackEvent counts reconnects, redirects and table refreshes
func (m *CommandTracker) TrackEvent(label string) {
	m.collector.IncrementCounter(label)
}

// TrackError increments the error counter for a specific error type
func (m *CommandTracker) TrackError(errorType string) {
	m.collector.IncrementErrorCounter(errorType)
}
