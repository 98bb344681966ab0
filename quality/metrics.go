/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package quality

// CallQualityMetrics is one periodic quality report for a call. Jitter and
// RTT are in milliseconds.
type CallQualityMetrics struct {
	Jitter             float64
	RTT                float64
	PacketLoss         float64
	MOS                float64
	Quality            Quality
	InboundAudioLevel  float64
	OutboundAudioLevel float64

	InboundAudio        map[string]any
	OutboundAudio       map[string]any
	RemoteInboundAudio  map[string]any
	RemoteOutboundAudio map[string]any
}

// NewCallQualityMetrics scores the sample and fills MOS and Quality.
func NewCallQualityMetrics(jitterMs, rttMs float64, packetsLost, packetsReceived int64) CallQualityMetrics {
	mos := MOSFromCounts(jitterMs, rttMs, packetsLost, packetsReceived)
	return CallQualityMetrics{
		Jitter:     jitterMs,
		RTT:        rttMs,
		PacketLoss: LossPercent(packetsLost, packetsReceived),
		MOS:        mos,
		Quality:    Tier(mos),
	}
}

// EmptyMetrics is the report used before any stats arrive.
func EmptyMetrics() CallQualityMetrics {
	return CallQualityMetrics{MOS: 1, Quality: Bad}
}

// ToMap flattens the report for loggers and JSON sinks. Stats maps are
// included only when present.
func (m CallQualityMetrics) ToMap() map[string]any {
	out := map[string]any{
		"jitter":             m.Jitter,
		"rtt":                m.RTT,
		"packetLoss":         m.PacketLoss,
		"mos":                m.MOS,
		"quality":            string(m.Quality),
		"inboundAudioLevel":  m.InboundAudioLevel,
		"outboundAudioLevel": m.OutboundAudioLevel,
	}
	if m.InboundAudio != nil {
		out["inboundAudio"] = m.InboundAudio
	}
	if m.OutboundAudio != nil {
		out["outboundAudio"] = m.OutboundAudio
	}
	if m.RemoteInboundAudio != nil {
		out["remoteInboundAudio"] = m.RemoteInboundAudio
	}
	if m.RemoteOutboundAudio != nil {
		out["remoteOutboundAudio"] = m.RemoteOutboundAudio
	}
	return out
}
