// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitoring collects operational signals from the auth core.
//
// Components push observations through the Sink interface. The Registry
// aggregates them in process (counters, gauges, timer aggregates, a bounded
// event ring) and evaluates alert rules over the counters. It can forward
// every observation to a secondary sink, typically the Prometheus one.
// Nothing on the recording path performs network I/O.
package monitoring

import "time"

// Sink receives metric observations. Implementations must be safe for
// concurrent use and must never block the caller on I/O.
type Sink interface {
	// RecordCounter adds delta to the named monotonic counter.
	RecordCounter(name string, delta int64, labels map[string]string)

	// RecordTimer records one observed duration for the named timer.
	RecordTimer(name string, d time.Duration, labels map[string]string)

	// RecordGauge sets the named gauge to value.
	RecordGauge(name string, value float64, labels map[string]string)
}

// Severity classifies events and alerts.
type Severity string

// Severity levels, lowest to highest.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one notable occurrence retained in the registry's ring.
type Event struct {
	Time     time.Time `json:"time"`
	Name     string    `json:"name"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Noop discards every observation. Used when monitoring is disabled.
type Noop struct{}

var _ Sink = (*Noop)(nil)

// NewNoop creates a sink that discards everything.
func NewNoop() *Noop { return &Noop{} }

// RecordCounter implements Sink.
func (*Noop) RecordCounter(string, int64, map[string]string) {}

// RecordTimer implements Sink.
func (*Noop) RecordTimer(string, time.Duration, map[string]string) {}

// RecordGauge implements Sink.
func (*Noop) RecordGauge(string, float64, map[string]string) {}
