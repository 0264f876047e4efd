// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"time"

	"github.com/keyfort/keyfort/pkg/logger"
)

// AlertRule fires when its condition holds over the counter snapshot.
// Conditions must be pure functions of the snapshot.
type AlertRule struct {
	Name     string
	Severity Severity
	Message  string

	// Cooldown limits refiring; zero falls back to the registry default.
	Cooldown time.Duration

	Condition func(counters map[string]int64) bool
}

// Alert is one firing of a rule.
type Alert struct {
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"firedAt"`
}

// AddRule registers a rule. Safe to call while the evaluator runs.
func (r *Registry) AddRule(rule AlertRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Alerts returns the fired-alert history, oldest first.
func (r *Registry) Alerts() []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, len(r.fired))
	copy(out, r.fired)
	return out
}

// Start launches the periodic alert evaluator. No-op when already running.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopEval = make(chan struct{})
	r.evalDone = make(chan struct{})
	go r.evalLoop(r.stopEval, r.evalDone)
}

// Stop halts the evaluator and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop, done := r.stopEval, r.evalDone
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *Registry) evalLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.EvaluateAlerts()
		case <-stop:
			return
		}
	}
}

// EvaluateAlerts runs every rule against the current counters once,
// honoring cooldowns. The evaluator calls it on each tick; tests and
// health endpoints may call it directly.
func (r *Registry) EvaluateAlerts() []Alert {
	snap := r.Counters()
	now := time.Now()

	r.mu.Lock()
	var firing []Alert
	for _, rule := range r.rules {
		if rule.Condition == nil || !rule.Condition(snap) {
			continue
		}
		cooldown := rule.Cooldown
		if cooldown == 0 {
			cooldown = r.cooldown
		}
		if last, ok := r.lastFired[rule.Name]; ok && now.Sub(last) < cooldown {
			continue
		}
		r.lastFired[rule.Name] = now
		alert := Alert{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Message:  rule.Message,
			FiredAt:  now,
		}
		firing = append(firing, alert)
		r.fired = append(r.fired, alert)
	}
	if len(r.fired) > maxFiredAlerts {
		r.fired = r.fired[len(r.fired)-maxFiredAlerts:]
	}
	r.mu.Unlock()

	for _, alert := range firing {
		r.ring.append(Event{
			Time:     alert.FiredAt,
			Name:     "alert." + alert.Rule,
			Severity: alert.Severity,
			Message:  alert.Message,
		})
		logger.Warnw("alert fired",
			"rule", alert.Rule,
			"severity", alert.Severity,
			"message", alert.Message,
		)
	}
	return firing
}
