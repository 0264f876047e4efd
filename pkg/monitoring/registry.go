// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for the in-process registry.
const (
	DefaultEventRingSize = 1000
	DefaultEvalInterval  = 15 * time.Second
	DefaultAlertCooldown = 5 * time.Minute

	// maxFiredAlerts bounds the queryable alert history.
	maxFiredAlerts = 128
)

// Registry is the in-process sink. It aggregates counters, gauges and timer
// stats, keeps a bounded ring of events, and fires alert rules whose
// conditions hold over the counter snapshot.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	gauges   map[string]float64
	timers   map[string]*timerAgg

	ring *eventRing

	rules     []AlertRule
	cooldown  time.Duration
	lastFired map[string]time.Time
	fired     []Alert

	forward Sink

	interval time.Duration
	started  bool
	stopEval chan struct{}
	evalDone chan struct{}
}

var _ Sink = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithForward tees every observation to sink after local aggregation.
func WithForward(sink Sink) Option {
	return func(r *Registry) {
		r.forward = sink
	}
}

// WithAlertCooldown sets the default minimum interval between firings of the
// same rule. Rules may override it individually.
func WithAlertCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithEvalInterval sets how often the alert evaluator runs once started.
func WithEvalInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithEventRingSize bounds the retained event history.
func WithEventRingSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.ring = newEventRing(n)
		}
	}
}

// WithRules registers alert rules at construction time.
func WithRules(rules ...AlertRule) Option {
	return func(r *Registry) {
		r.rules = append(r.rules, rules...)
	}
}

// NewRegistry creates an idle registry. Call Start to run the alert
// evaluator; recording works without it.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		counters:  make(map[string]*atomic.Int64),
		gauges:    make(map[string]float64),
		timers:    make(map[string]*timerAgg),
		ring:      newEventRing(DefaultEventRingSize),
		cooldown:  DefaultAlertCooldown,
		lastFired: make(map[string]time.Time),
		interval:  DefaultEvalInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordCounter implements Sink.
func (r *Registry) RecordCounter(name string, delta int64, labels map[string]string) {
	r.counter(name).Add(delta)
	if r.forward != nil {
		r.forward.RecordCounter(name, delta, labels)
	}
}

// RecordTimer implements Sink.
func (r *Registry) RecordTimer(name string, d time.Duration, labels map[string]string) {
	r.mu.Lock()
	agg, ok := r.timers[name]
	if !ok {
		agg = &timerAgg{}
		r.timers[name] = agg
	}
	agg.observe(d)
	r.mu.Unlock()

	if r.forward != nil {
		r.forward.RecordTimer(name, d, labels)
	}
}

// RecordGauge implements Sink.
func (r *Registry) RecordGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()

	if r.forward != nil {
		r.forward.RecordGauge(name, value, labels)
	}
}

// RecordEvent appends an event to the bounded ring.
func (r *Registry) RecordEvent(name string, severity Severity, message string) {
	r.ring.append(Event{
		Time:     time.Now(),
		Name:     name,
		Severity: severity,
		Message:  message,
	})
}

// Counter returns the current value of a counter, zero if never recorded.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Counters returns a snapshot of all counters.
func (r *Registry) Counters() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		snap[name] = c.Load()
	}
	return snap
}

// Gauge returns the current value of a gauge.
func (r *Registry) Gauge(name string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.gauges[name]
	return v, ok
}

// TimerStats summarizes the observations of one timer.
type TimerStats struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Avg returns the mean observed duration, zero when empty.
func (s TimerStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Timer returns the aggregate stats for one timer.
func (r *Registry) Timer(name string) (TimerStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.timers[name]
	if !ok {
		return TimerStats{}, false
	}
	return agg.stats(), true
}

// Events returns the retained events, oldest first.
func (r *Registry) Events() []Event {
	return r.ring.snapshot()
}

// counter returns the live counter cell for name, creating it on first use.
func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = new(atomic.Int64)
	r.counters[name] = c
	return c
}

type timerAgg struct {
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (a *timerAgg) observe(d time.Duration) {
	if a.count == 0 || d < a.min {
		a.min = d
	}
	if d > a.max {
		a.max = d
	}
	a.count++
	a.total += d
}

func (a *timerAgg) stats() TimerStats {
	return TimerStats{Count: a.count, Total: a.total, Min: a.min, Max: a.max}
}

// eventRing is a fixed-capacity overwrite-oldest buffer.
type eventRing struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *eventRing) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
