/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sdputil

import (
	"strings"
)

// EnsureMid injects the a=mid and a=group:BUNDLE attributes that pion needs
// but some gateways omit from their answers.
func EnsureMid(sdp string) string {
	lines, sep := splitLines(sdp)
	result := make([]string, 0, len(lines)+2)
	hasMid := false
	hasBundle := false
	inMedia := false

	// First pass: check what's present
	for _, line := range lines {
		if strings.HasPrefix(line, "a=mid:") {
			hasMid = true
		}
		if strings.HasPrefix(line, "a=group:BUNDLE") {
			hasBundle = true
		}
	}
	if hasMid && hasBundle {
		return sdp
	}

	// Second pass: inject missing attributes
	for _, line := range lines {
		if strings.HasPrefix(line, "m=") {
			if !inMedia && !hasBundle {
				result = append(result, "a=group:BUNDLE 0")
			}
			inMedia = true
			result = append(result, line)
			if !hasMid {
				result = append(result, "a=mid:0")
			}
			continue
		}
		result = append(result, line)
	}

	return strings.Join(result, sep)
}

// FilterIPv6Candidates removes candidates with an IPv6 connection address.
// The gateway media path is IPv4 only.
func FilterIPv6Candidates(sdp string) string {
	lines, sep := splitLines(sdp)
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, candidatePrefix) && IsIPv6Candidate(line) {
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.Join(filtered, sep)
}

// IsIPv6Candidate reports whether a candidate line or attribute value
// carries an IPv6 address. The address is the fifth field.
func IsIPv6Candidate(candidate string) bool {
	parts := strings.Fields(candidate)
	return len(parts) >= 5 && strings.Contains(parts[4], ":")
}

// NormalizeClockRates undoes the clock rewrite of OptimizeForWorstCase on
// a remote description. An answer mirroring a hardened offer carries
// opus/16000 and telephone-event/16000, which match no codec pion has
// registered. Opus always runs a 48 kHz RTP clock, so the rtpmap is put
// back to opus/48000 and telephone-event to the 8 kHz clock it is sent on.
func NormalizeClockRates(sdp string) string {
	lines, sep := splitLines(sdp)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "a=rtpmap:") {
			line = strings.Replace(line, "opus/16000", "opus/48000", 1)
			line = strings.Replace(line, "telephone-event/16000", "telephone-event/8000", 1)
		}
		out = append(out, line)
	}
	return strings.Join(out, sep)
}
