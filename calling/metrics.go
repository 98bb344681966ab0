/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the calling core
type Metrics struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	iceRestarts      *prometheus.CounterVec
	audioResets      *prometheus.CounterVec
	candidatesSent   prometheus.Counter
	mos              prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const subsystem = "calling"
	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_total",
			Help:      "Calls created, by direction",
		}, []string{"direction"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "calls_active",
			Help:      "Calls not yet in state DONE",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Call state transitions, by target state",
		}, []string{"state"}),
		iceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ice_restarts_total",
			Help:      "ICE restarts, by trigger and result",
		}, []string{"trigger", "result"}),
		audioResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "audio_resets_total",
			Help:      "Audio path resets, by trigger and result",
		}, []string{"trigger", "result"}),
		candidatesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "candidates_sent_total",
			Help:      "Trickled ICE candidates sent",
		}),
		mos: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mos",
			Help:      "Mean opinion score of quality samples",
			Buckets:   []float64{1, 2, 2.5, 3, 3.1, 3.7, 4.1, 4.2, 4.5, 5},
		}),
	}
}

func (m *Metrics) callCreated(direction CallDirection) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(string(direction)).Inc()
	m.callsActive.Inc()
}

func (m *Metrics) callEnded() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

func (m *Metrics) transition(to CallState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) restart(trigger, result string) {
	if m == nil {
		return
	}
	m.iceRestarts.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) audioReset(trigger, result string) {
	if m == nil {
		return
	}
	m.audioResets.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) candidateSent() {
	if m == nil {
		return
	}
	m.candidatesSent.Inc()
}

func (m *Metrics) observeMOS(mos float64) {
	if m == nil {
		return
	}
	m.mos.Observe(mos)
}
