// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink exposes observations through a dedicated prometheus
// registry. Metric families are created lazily on first use; observations
// whose label set disagrees with the first use are dropped rather than
// letting the hot path fail.
type PrometheusSink struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Sink = (*PrometheusSink)(nil)

// NewPrometheusSink creates an empty sink with its own registry.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordCounter implements Sink. Negative deltas are dropped; prometheus
// counters are monotonic.
func (s *PrometheusSink) RecordCounter(name string, delta int64, labels map[string]string) {
	if delta < 0 {
		return
	}
	vec := s.counterVec(name, labelKeys(labels))
	if vec == nil {
		return
	}
	m, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Add(float64(delta))
}

// RecordTimer implements Sink, observing seconds into a histogram.
func (s *PrometheusSink) RecordTimer(name string, d time.Duration, labels map[string]string) {
	vec := s.histogramVec(name, labelKeys(labels))
	if vec == nil {
		return
	}
	m, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Observe(d.Seconds())
}

// RecordGauge implements Sink.
func (s *PrometheusSink) RecordGauge(name string, value float64, labels map[string]string) {
	vec := s.gaugeVec(name, labelKeys(labels))
	if vec == nil {
		return
	}
	m, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	m.Set(value)
}

func (s *PrometheusSink) counterVec(name string, keys []string) *prometheus.CounterVec {
	fq := sanitizeMetricName(name) + "_total"
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.counters[fq]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: fq, Help: name}, keys)
	if err := s.registry.Register(vec); err != nil {
		return nil
	}
	s.counters[fq] = vec
	return vec
}

func (s *PrometheusSink) gaugeVec(name string, keys []string) *prometheus.GaugeVec {
	fq := sanitizeMetricName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.gauges[fq]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: fq, Help: name}, keys)
	if err := s.registry.Register(vec); err != nil {
		return nil
	}
	s.gauges[fq] = vec
	return vec
}

func (s *PrometheusSink) histogramVec(name string, keys []string) *prometheus.HistogramVec {
	fq := sanitizeMetricName(name) + "_seconds"
	s.mu.Lock()
	defer s.mu.Unlock()
	if vec, ok := s.histograms[fq]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    fq,
		Help:    name,
		Buckets: prometheus.DefBuckets,
	}, keys)
	if err := s.registry.Register(vec); err != nil {
		return nil
	}
	s.histograms[fq] = vec
	return vec
}

func labelKeys(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeMetricName maps dotted metric names onto the prometheus charset.
func sanitizeMetricName(name string) string {
	out := []byte(name)
	for i := range out {
		c := out[i]
		valid := c == '_' || c == ':' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9' && i > 0)
		if !valid {
			out[i] = '_'
		}
	}
	return string(out)
}
