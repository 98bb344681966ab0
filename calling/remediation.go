/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/quality"
)

// recoveryState tracks ICE health and RTT across one call
type recoveryState struct {
	// armed while the call is ACTIVE or recovering from ACTIVE
	armed bool
	// everConnected is set by the first ICE connection
	everConnected bool
	// disconnected marks an open disconnection episode
	disconnected bool
	// autoRestarted limits automatic restarts to one per episode
	autoRestarted bool
	lastRTT       time.Duration
}

// UpdateNetworkType reports the active network interface type. A change
// while the call is monitored counts as a network improvement.
func (c *Call) UpdateNetworkType(networkType string) {
	c.monitor.UpdateNetworkType(networkType)
}

// NetworkQuality returns the tier derived from the recent RTT samples.
func (c *Call) NetworkQuality() quality.Quality {
	return c.monitor.Quality()
}

func (c *Call) armMonitoring() {
	if c.recovery.armed {
		return
	}
	c.recovery.armed = true
	c.monitor.Start()
	c.startDebugReport()

	ctx, cancel := context.WithCancel(context.Background())
	c.statsCancel = cancel
	go c.statsLoop(ctx)

	c.log.WithField("function", "armMonitoring").Debug("Quality monitoring armed")
}

func (c *Call) disarmMonitoring() {
	if !c.recovery.armed {
		return
	}
	c.recovery.armed = false
	if c.statsCancel != nil {
		c.statsCancel()
		c.statsCancel = nil
	}
	c.monitor.Stop()
	c.watchdog.Disarm()

	c.log.WithField("function", "disarmMonitoring").Debug("Quality monitoring disarmed")
}

func (c *Call) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		peer := c.Peer()
		if peer == nil {
			continue
		}
		statsCtx, cancel := context.WithTimeout(ctx, c.config.StatsInterval)
		snap, err := peer.Stats(statsCtx)
		cancel()
		if err != nil {
			c.log.WithField("function", "statsLoop").WithError(err).Debug("Failed to sample media stats")
			continue
		}
		c.post(func() { c.onStats(snap) })
	}
}

func (c *Call) onStats(snap StatsSnapshot) {
	if !c.recovery.armed {
		return
	}

	metrics := quality.NewCallQualityMetrics(
		float64(snap.Jitter)/float64(time.Millisecond),
		float64(snap.RTT)/float64(time.Millisecond),
		snap.PacketsLost,
		snap.PacketsReceived,
	)
	metrics.InboundAudioLevel = snap.InboundAudioLevel
	metrics.OutboundAudioLevel = snap.OutboundAudioLevel
	if c.config.Debug {
		metrics.InboundAudio = snap.Inbound
		metrics.OutboundAudio = snap.Outbound
		metrics.RemoteInboundAudio = snap.RemoteInbound
		metrics.RemoteOutboundAudio = snap.RemoteOutbound
	}
	c.deps.metrics.observeMOS(metrics.MOS)
	c.notify(CallEventQualityMetrics, metrics)
	c.reportStats(snap)

	c.monitor.Record(quality.Sample{
		Jitter:     snap.Jitter,
		RTT:        snap.RTT,
		PacketLoss: quality.LossPercent(snap.PacketsLost, snap.PacketsReceived),
		Timestamp:  time.Now(),
	})
	c.watchRTT(snap.RTT)
}

// watchRTT drives the RTT watchdog: a high RTT arms it, a normal one
// cancels it.
func (c *Call) watchRTT(rtt time.Duration) {
	c.recovery.lastRTT = rtt
	log := c.log.WithFields(logrus.Fields{
		"function": "watchRTT",
		"rtt":      rtt,
	})

	if rtt >= c.config.RTTWatchThreshold {
		if !c.watchdog.Armed() {
			log.Warn("High RTT, arming watchdog")
			c.watchdog.Arm(c.config.RTTWatchDelay)
		}
		return
	}
	if c.watchdog.Armed() {
		log.Info("RTT normalized, watchdog cancelled")
		c.watchdog.Disarm()
	}
}

// rttWatchArmed reports whether a high RTT is being watched.
func (c *Call) rttWatchArmed() bool {
	return c.snapshot().rttWatch
}

func (c *Call) onWatchdog(gen uint64) {
	if !c.watchdog.Fire(gen) || !c.recovery.armed {
		return
	}
	log := c.log.WithFields(logrus.Fields{
		"function": "onWatchdog",
		"rtt":      c.recovery.lastRTT,
	})
	if c.recovery.lastRTT < c.config.RTTResetThreshold {
		log.Debug("RTT below reset threshold, no action")
		return
	}
	log.Warn("RTT still high, resetting audio path")
	c.audioReset(TriggerRTTWatchdog)
}

func (c *Call) onImprovement() {
	if !c.recovery.armed || c.machine.Current() != CallStateActive {
		return
	}
	log := c.log.WithFields(logrus.Fields{
		"function": "onImprovement",
		"action":   c.config.ImprovementAction,
	})
	log.Info("Network improvement detected")

	if c.config.ImprovementAction == ImprovementICERestart {
		if err := c.beginRestart(TriggerImprovement, false, nil); err != nil {
			log.WithError(err).Warn("Skipping ICE restart")
		}
		return
	}
	c.audioReset(TriggerImprovement)
}

// onICEState runs the automatic recovery. A drop moves an ACTIVE call to
// RECONNECTING; the first failure of an episode starts one ICE restart.
// Coming back up after an earlier connection resets the audio path.
func (c *Call) onICEState(state ICEState) {
	log := c.log.WithFields(logrus.Fields{
		"function":  "onICEState",
		"ice_state": state,
	})
	log.Debug("ICE connection state changed")
	c.reportICEState(state)

	switch {
	case state.Up():
		reconnected := c.recovery.disconnected
		first := !c.recovery.everConnected
		c.recovery.everConnected = true
		c.recovery.disconnected = false
		c.recovery.autoRestarted = false
		if first || !reconnected {
			return
		}
		log.Info("ICE reconnected")
		if c.machine.Current() == CallStateReconnecting {
			c.fire(eventActivate)
		}
		c.audioReset(TriggerReconnected)

	case state == ICEStateDisconnected || state == ICEStateFailed:
		if !c.recovery.armed {
			return
		}
		c.recovery.disconnected = true
		if current := c.machine.Current(); current == CallStateActive || current == CallStateReconnecting {
			c.reason = &TerminationReason{Cause: "ICE_" + strings.ToUpper(string(state))}
			c.fire(eventReconnect)
		}
		if state != ICEStateFailed || c.recovery.autoRestarted {
			return
		}
		c.recovery.autoRestarted = true
		if err := c.beginRestart(TriggerICEFailed, true, nil); err != nil {
			log.WithError(err).Warn("Automatic ICE restart not started")
			c.deps.metrics.restart(TriggerICEFailed, "failure")
			c.notify(CallEventRestartFailed, err)
		}
	}
}

// audioReset runs a staged reset off the loop. The outcome is posted back
// and reported through CallEventAudioReset. Hangup cancels it.
func (c *Call) audioReset(trigger string) {
	if c.deps.audio == nil {
		return
	}
	ctx := c.resetCtx
	go func() {
		err := c.deps.audio.Reset(ctx)
		c.post(func() { c.onAudioReset(trigger, err) })
	}()
}

func (c *Call) onAudioReset(trigger string, err error) {
	result := AudioResetResult{Trigger: trigger, Err: err, Skipped: errors.Is(err, ErrResetInProgress)}
	log := c.log.WithFields(logrus.Fields{
		"function": "onAudioReset",
		"trigger":  trigger,
	})

	label := "success"
	switch {
	case result.Skipped:
		label = "skipped"
		log.Info("Audio reset skipped, another one is running")
	case err != nil:
		label = "failure"
		log.WithError(err).Warn("Audio reset failed")
	default:
		log.Info("Audio path reset")
	}
	c.deps.metrics.audioReset(trigger, label)
	c.notify(CallEventAudioReset, result)
}
