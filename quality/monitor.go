/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sample is one network measurement
type Sample struct {
	Jitter     time.Duration
	RTT        time.Duration
	PacketLoss float64 // percent
	Timestamp  time.Time
}

// MonitorConfig holds the trend detection thresholds
type MonitorConfig struct {
	// WindowSize is the number of samples kept per metric
	WindowSize int

	// MinInterval is the minimum time between improvement triggers
	MinInterval time.Duration

	// RTTImprovement is the drop between older and recent RTT averages
	// that counts as an improvement
	RTTImprovement time.Duration

	// RTTHigh and RTTLow bound the high-to-low RTT crossing
	RTTHigh time.Duration
	RTTLow  time.Duration

	// JitterImprovement is the jitter average drop that counts
	JitterImprovement time.Duration

	// LossImprovement is the loss average drop, in percentage points
	LossImprovement float64
}

// DefaultMonitorConfig returns the default thresholds
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WindowSize:        10,
		MinInterval:       30 * time.Second,
		RTTImprovement:    200 * time.Millisecond,
		RTTHigh:           500 * time.Millisecond,
		RTTLow:            200 * time.Millisecond,
		JitterImprovement: 50 * time.Millisecond,
		LossImprovement:   5,
	}
}

const (
	minRTTSamples   = 3
	minTrendSamples = 5
	recentRTT       = 2
	recentTrend     = 3
)

// Monitor keeps rolling RTT, jitter and loss windows and reports network
// improvement and quality tier changes. It is safe for concurrent use;
// callbacks run outside the lock.
type Monitor struct {
	mu          sync.Mutex
	config      MonitorConfig
	monitoring  bool
	rtt         []float64
	jitter      []float64
	loss        []float64
	quality     Quality
	networkType string
	lastTrigger time.Time
	now         func() time.Time
	log         *logrus.Entry

	onImprovement   func()
	onQualityChange func(Quality)
}

// NewMonitor creates a stopped monitor.
func NewMonitor(config MonitorConfig, log *logrus.Entry) *Monitor {
	if config.WindowSize < minTrendSamples {
		config.WindowSize = DefaultMonitorConfig().WindowSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		config:  config,
		quality: Unknown,
		now:     time.Now,
		log:     log.WithField("component", "quality_monitor"),
	}
}

// OnImprovement sets the improvement callback.
func (m *Monitor) OnImprovement(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onImprovement = fn
}

// OnQualityChange sets the tier change callback.
func (m *Monitor) OnQualityChange(fn func(Quality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQualityChange = fn
}

// Start begins accepting samples with empty windows.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = true
	m.reset()
}

// Stop drops all history. Samples recorded while stopped are ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitoring = false
	m.reset()
}

func (m *Monitor) reset() {
	m.rtt = m.rtt[:0]
	m.jitter = m.jitter[:0]
	m.loss = m.loss[:0]
	m.quality = Unknown
}

// IsMonitoring reports whether the monitor is accepting samples.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// Quality returns the current tier derived from the average RTT.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// AverageRTT returns the mean RTT of the current window.
func (m *Monitor) AverageRTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return seconds(average(m.rtt))
}

// Record adds a sample and evaluates the trends.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	if !m.monitoring {
		m.mu.Unlock()
		return
	}

	m.rtt = push(m.rtt, s.RTT.Seconds(), m.config.WindowSize)
	m.jitter = push(m.jitter, s.Jitter.Seconds(), m.config.WindowSize)
	m.loss = push(m.loss, s.PacketLoss, m.config.WindowSize)

	if len(m.rtt) < minRTTSamples {
		m.mu.Unlock()
		return
	}

	improved := m.detectImprovement()
	var improvementFn func()
	if improved {
		improvementFn = m.onImprovement
	}

	var changed bool
	current := rttTier(seconds(average(m.rtt)))
	if current != m.quality {
		m.quality = current
		changed = true
	}
	qualityFn := m.onQualityChange
	m.mu.Unlock()

	if improvementFn != nil {
		improvementFn()
	}
	if changed && qualityFn != nil {
		qualityFn(current)
	}
}

// UpdateNetworkType records the active interface type (wifi, cellular,
// ethernet). A change from a previously known type counts as an
// improvement, subject to the rate limit.
func (m *Monitor) UpdateNetworkType(networkType string) {
	m.mu.Lock()
	previous := m.networkType
	m.networkType = networkType
	if !m.monitoring || previous == "" || previous == networkType || !m.allowTrigger() {
		m.mu.Unlock()
		return
	}
	fn := m.onImprovement
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "UpdateNetworkType",
		"from":     previous,
		"to":       networkType,
	}).Info("Network type changed")

	if fn != nil {
		fn()
	}
}

// allowTrigger applies the rate limit and stamps the trigger time.
func (m *Monitor) allowTrigger() bool {
	now := m.now()
	if !m.lastTrigger.IsZero() && now.Sub(m.lastTrigger) < m.config.MinInterval {
		return false
	}
	m.lastTrigger = now
	return true
}

func (m *Monitor) detectImprovement() bool {
	rtt := m.rttImproved()
	jitter := improvedBy(m.jitter, m.config.JitterImprovement.Seconds())
	loss := improvedBy(m.loss, m.config.LossImprovement)
	if !rtt && !jitter && !loss {
		return false
	}
	if !m.allowTrigger() {
		return false
	}
	m.log.WithFields(logrus.Fields{
		"function": "Record",
		"rtt":      rtt,
		"jitter":   jitter,
		"loss":     loss,
	}).Info("Network improvement detected")
	return true
}

func (m *Monitor) rttImproved() bool {
	if len(m.rtt) < minRTTSamples {
		return false
	}
	older := average(m.rtt[:len(m.rtt)-recentRTT])
	recent := average(m.rtt[len(m.rtt)-recentRTT:])
	improvement := older - recent
	wasHigh := older > m.config.RTTHigh.Seconds()
	isLow := recent < m.config.RTTLow.Seconds()
	return improvement > m.config.RTTImprovement.Seconds() || (wasHigh && isLow)
}

// improvedBy compares the last three samples against the older ones.
func improvedBy(window []float64, threshold float64) bool {
	if len(window) < minTrendSamples {
		return false
	}
	older := average(window[:len(window)-recentTrend])
	recent := average(window[len(window)-recentTrend:])
	return older-recent > threshold
}

func rttTier(avg time.Duration) Quality {
	switch {
	case avg < 100*time.Millisecond:
		return Excellent
	case avg < 200*time.Millisecond:
		return Good
	case avg < 400*time.Millisecond:
		return Fair
	default:
		return Poor
	}
}

func push(window []float64, v float64, size int) []float64 {
	window = append(window, v)
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
