/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/google/uuid"
	"github.com/tejzpr/verto-go-sdk/verto"
)

// Debug report events and tags
const (
	debugEventAddConnection = "addConnection"
	debugEventStats         = "stats"
	debugEventICEState      = "onIceConnectionStateChange"

	debugTagPeer       = "peer"
	debugTagStats      = "stats"
	debugTagConnection = "connection"
)

// debugReport is the loop-owned state of the gateway debug report. It runs
// from the first ACTIVE until the call ends.
type debugReport struct {
	id      string
	started bool
}

func (c *Call) startDebugReport() {
	if !c.config.Debug || c.debug.started {
		return
	}
	c.debug = debugReport{id: uuid.NewString(), started: true}
	if err := c.send(verto.NewDebugReportStart(c.debug.id)); err != nil {
		c.log.WithField("function", "startDebugReport").WithError(err).Warn("Failed to start debug report")
	}

	policy := "all"
	if c.config.ForceRelay {
		policy = "relay"
	}
	c.sendDebugData(debugEventAddConnection, debugTagPeer, map[string]any{
		"options": map[string]any{
			"peerId":  c.id,
			"trickle": c.config.TrickleICE,
		},
		"peerConfiguration": map[string]any{
			"iceServers":         c.config.ICEServers,
			"iceTransportPolicy": policy,
			"bundlePolicy":       "balanced",
			"rtcpMuxPolicy":      "require",
		},
	})
}

func (c *Call) reportStats(snap StatsSnapshot) {
	if !c.debug.started {
		return
	}
	c.sendDebugData(debugEventStats, debugTagStats, map[string]any{
		"audio": map[string]any{
			"inbound":  []any{snap.Inbound},
			"outbound": []any{snap.Outbound},
		},
		"connection": map[string]any{
			"jitter":          snap.Jitter.Seconds(),
			"roundTripTime":   snap.RTT.Seconds(),
			"packetsLost":     snap.PacketsLost,
			"packetsReceived": snap.PacketsReceived,
		},
		"remoteInbound":  snap.RemoteInbound,
		"remoteOutbound": snap.RemoteOutbound,
	})
}

func (c *Call) reportICEState(state ICEState) {
	if !c.debug.started {
		return
	}
	c.sendDebugData(debugEventICEState, debugTagConnection, string(state))
}

func (c *Call) stopDebugReport() {
	if !c.debug.started {
		return
	}
	id := c.debug.id
	c.debug = debugReport{}
	if err := c.send(verto.NewDebugReportStop(id)); err != nil {
		c.log.WithField("function", "stopDebugReport").WithError(err).Warn("Failed to stop debug report")
	}
}

func (c *Call) sendDebugData(event, tag string, data any) {
	connectionID := c.telnyxLegID
	if connectionID == "" {
		connectionID = c.id
	}
	msg, err := verto.NewDebugReportData(c.debug.id, map[string]any{
		"event":        event,
		"tag":          tag,
		"peerId":       c.id,
		"connectionId": connectionID,
		"data":         data,
	}, time.Now())
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.log.WithField("function", "sendDebugData").WithError(err).Debug("Failed to send debug report data")
	}
}
