/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package quality scores call audio quality and watches network trends
// that warrant remediation.
package quality

import (
	"math"
)

// Quality is a discrete quality tier
type Quality string

const (
	Excellent Quality = "excellent"
	Good      Quality = "good"
	Fair      Quality = "fair"
	Poor      Quality = "poor"
	Bad       Quality = "bad"
	Unknown   Quality = "unknown"
)

// invalidMOS is returned for inputs that cannot be scored
const invalidMOS = 2.0

// baseR is the E-model transmission rating for G.711 with no impairment
const baseR = 93.2

// MOS estimates a mean opinion score from jitter and RTT in milliseconds
// and packet loss in percent, using a simplified E-model. The result is
// within [1, 5]; non-finite delay inputs score 2.0.
func MOS(jitterMs, rttMs, lossPercent float64) float64 {
	if !finite(jitterMs) || !finite(rttMs) {
		return invalidMOS
	}
	if math.IsNaN(lossPercent) {
		lossPercent = 0
	}
	jitterMs = math.Max(jitterMs, 0)
	rttMs = math.Max(rttMs, 0)
	lossPercent = math.Min(math.Max(lossPercent, 0), 100)

	r := baseR - delayImpairment(jitterMs, rttMs) - lossImpairment(lossPercent)

	var mos float64
	switch {
	case r < 0:
		mos = 1
	case r > 100:
		mos = 4.5
	default:
		mos = 1 + 0.035*r + 0.000007*r*(r-60)*(100-r)
	}
	return math.Min(math.Max(mos, 1), 5)
}

// MOSFromCounts is MOS with the loss percentage derived from packet counts.
func MOSFromCounts(jitterMs, rttMs float64, packetsLost, packetsReceived int64) float64 {
	return MOS(jitterMs, rttMs, LossPercent(packetsLost, packetsReceived))
}

// LossPercent returns lost / (received + lost) as a percentage, zero when
// no packets were seen.
func LossPercent(packetsLost, packetsReceived int64) float64 {
	if packetsLost < 0 {
		packetsLost = 0
	}
	if packetsReceived < 0 {
		packetsReceived = 0
	}
	total := packetsLost + packetsReceived
	if total == 0 {
		return 0
	}
	return float64(packetsLost) / float64(total) * 100
}

// Tier buckets a MOS. The tiers are contiguous; only NaN is Unknown.
func Tier(mos float64) Quality {
	switch {
	case math.IsNaN(mos):
		return Unknown
	case mos > 4.2:
		return Excellent
	case mos >= 4.1:
		return Good
	case mos >= 3.7:
		return Fair
	case mos >= 3.1:
		return Poor
	default:
		return Bad
	}
}

// delayImpairment approximates one-way latency as jitter plus half the
// RTT, with escalating penalties past 177.3, 500 and 1000 ms.
func delayImpairment(jitterMs, rttMs float64) float64 {
	latency := jitterMs + rttMs/2
	impairment := 0.024 * latency
	if latency > 177.3 {
		impairment += 0.11 * (latency - 177.3)
	}
	if latency > 500 {
		impairment += 0.2 * (latency - 500)
	}
	if latency > 1000 {
		impairment += 0.3 * (latency - 1000)
	}
	return impairment
}

func lossImpairment(p float64) float64 {
	switch {
	case p == 0:
		return 0
	case p < 1:
		return 20 * math.Log(1+p)
	case p < 5:
		return 25 * math.Log(1+p)
	default:
		return 30*math.Log(1+p) + 10*(p-5)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
