/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package sdputil provides stateless helpers that inspect and rewrite SDP
// bodies: trickle ICE capability, candidate stripping, codec hardening and
// structural validation.
package sdputil

import (
	"strings"
)

const (
	trickleOption    = "a=ice-options:trickle"
	iceOptionsPrefix = "a=ice-options:"
	candidatePrefix  = "a=candidate:"
)

// splitLines splits an SDP body and returns the separator it used, so a
// rewrite keeps the original line endings.
func splitLines(sdp string) ([]string, string) {
	sep := "\n"
	if strings.Contains(sdp, "\r\n") {
		sep = "\r\n"
	}
	return strings.Split(sdp, sep), sep
}

// AddTrickleIceCapability makes the SDP advertise trickle ICE with exactly
// one "a=ice-options:trickle" line placed directly after the origin line.
// Any other ice-options lines are dropped. An SDP without an origin line is
// returned unchanged. Applying it more than once yields the same output.
func AddTrickleIceCapability(sdp string) string {
	lines, sep := splitLines(sdp)

	origin := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "o=") {
			origin = i
			break
		}
	}
	if origin < 0 {
		return sdp
	}

	out := make([]string, 0, len(lines)+1)
	for i, line := range lines {
		if strings.HasPrefix(line, iceOptionsPrefix) {
			continue
		}
		out = append(out, line)
		if i == origin {
			out = append(out, trickleOption)
		}
	}
	return strings.Join(out, sep)
}

// HasTrickleIceCapability reports whether the SDP advertises trickle ICE.
func HasTrickleIceCapability(sdp string) bool {
	return strings.Contains(sdp, trickleOption)
}

// RemoveIceCandidates drops every "a=candidate:" line. Other attributes,
// including ice-options and end-of-candidates, are kept.
func RemoveIceCandidates(sdp string) string {
	lines, sep := splitLines(sdp)
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, candidatePrefix) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, sep)
}

// CountCandidates returns the number of "a=candidate:" lines.
func CountCandidates(sdp string) int {
	lines, _ := splitLines(sdp)
	n := 0
	for _, line := range lines {
		if strings.HasPrefix(line, candidatePrefix) {
			n++
		}
	}
	return n
}

// ForTrickle strips candidates and adds the trickle option in one step.
func ForTrickle(sdp string) string {
	return AddTrickleIceCapability(RemoveIceCandidates(sdp))
}
