// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every observation it receives.
type captureSink struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]int
	gauges   map[string]float64
}

var _ Sink = (*captureSink)(nil)

func newCaptureSink() *captureSink {
	return &captureSink{
		counters: make(map[string]int64),
		timers:   make(map[string]int),
		gauges:   make(map[string]float64),
	}
}

func (s *captureSink) RecordCounter(name string, delta int64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

func (s *captureSink) RecordTimer(name string, _ time.Duration, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[name]++
}

func (s *captureSink) RecordGauge(name string, value float64, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

func TestCounters(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.RecordCounter("auth.login.success", 1, nil)
	r.RecordCounter("auth.login.success", 2, nil)
	r.RecordCounter("auth.login.failure", 1, nil)

	assert.Equal(t, int64(3), r.Counter("auth.login.success"))
	assert.Equal(t, int64(1), r.Counter("auth.login.failure"))
	assert.Equal(t, int64(0), r.Counter("never.recorded"))

	snap := r.Counters()
	assert.Equal(t, int64(3), snap["auth.login.success"])
	assert.Len(t, snap, 2)
}

func TestCountersConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	const workers = 10
	const perWorker = 100

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				r.RecordCounter("hits", 1, nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers*perWorker), r.Counter("hits"))
}

func TestTimers(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.RecordTimer("idp.request", 100*time.Millisecond, nil)
	r.RecordTimer("idp.request", 300*time.Millisecond, nil)
	r.RecordTimer("idp.request", 200*time.Millisecond, nil)

	stats, ok := r.Timer("idp.request")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, 100*time.Millisecond, stats.Min)
	assert.Equal(t, 300*time.Millisecond, stats.Max)
	assert.Equal(t, 200*time.Millisecond, stats.Avg())

	_, ok = r.Timer("unknown")
	assert.False(t, ok)
}

func TestGauges(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.RecordGauge("sessions.active", 10, nil)
	r.RecordGauge("sessions.active", 7, nil)

	v, ok := r.Gauge("sessions.active")
	require.True(t, ok)
	assert.Equal(t, float64(7), v)

	_, ok = r.Gauge("unknown")
	assert.False(t, ok)
}

func TestEventRingBounds(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithEventRingSize(3))

	for i := 1; i <= 5; i++ {
		r.RecordEvent(fmt.Sprintf("event-%d", i), SeverityLow, "")
	}

	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "event-3", events[0].Name)
	assert.Equal(t, "event-4", events[1].Name)
	assert.Equal(t, "event-5", events[2].Name)
}

func TestForwarding(t *testing.T) {
	t.Parallel()
	tee := newCaptureSink()
	r := NewRegistry(WithForward(tee))

	r.RecordCounter("c", 2, nil)
	r.RecordTimer("t", time.Second, nil)
	r.RecordGauge("g", 1.5, nil)

	tee.mu.Lock()
	defer tee.mu.Unlock()
	assert.Equal(t, int64(2), tee.counters["c"])
	assert.Equal(t, 1, tee.timers["t"])
	assert.Equal(t, 1.5, tee.gauges["g"])
}

func TestAlertFiresWithCooldown(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithRules(AlertRule{
		Name:     "login-failures",
		Severity: SeverityHigh,
		Message:  "login failures exceeded threshold",
		Cooldown: 50 * time.Millisecond,
		Condition: func(counters map[string]int64) bool {
			return counters["auth.login.failure"] >= 3
		},
	}))

	// Below threshold: nothing fires.
	r.RecordCounter("auth.login.failure", 2, nil)
	assert.Empty(t, r.EvaluateAlerts())

	r.RecordCounter("auth.login.failure", 1, nil)
	fired := r.EvaluateAlerts()
	require.Len(t, fired, 1)
	assert.Equal(t, "login-failures", fired[0].Rule)
	assert.Equal(t, SeverityHigh, fired[0].Severity)

	// Within the cooldown the rule stays silent even though the
	// condition still holds.
	assert.Empty(t, r.EvaluateAlerts())

	time.Sleep(60 * time.Millisecond)
	require.Len(t, r.EvaluateAlerts(), 1)

	assert.Len(t, r.Alerts(), 2)

	events := r.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "alert.login-failures", events[0].Name)
}

func TestAlertRuleAddedAtRuntime(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.RecordCounter("kv.errors", 10, nil)

	assert.Empty(t, r.EvaluateAlerts())

	r.AddRule(AlertRule{
		Name:     "kv-errors",
		Severity: SeverityCritical,
		Cooldown: time.Hour,
		Condition: func(counters map[string]int64) bool {
			return counters["kv.errors"] > 5
		},
	})
	assert.Len(t, r.EvaluateAlerts(), 1)
}

func TestEvaluatorLoop(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		WithEvalInterval(5*time.Millisecond),
		WithRules(AlertRule{
			Name:     "always",
			Severity: SeverityLow,
			Cooldown: time.Hour,
			Condition: func(map[string]int64) bool {
				return true
			},
		}),
	)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(r.Alerts()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithEvalInterval(time.Millisecond))

	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestNoopSink(t *testing.T) {
	t.Parallel()
	var sink Sink = NewNoop()
	sink.RecordCounter("c", 1, nil)
	sink.RecordTimer("t", time.Second, nil)
	sink.RecordGauge("g", 1, nil)
}
