/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sdputil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// HardenedBitrate is the Opus average bitrate cap, in bits per second
const HardenedBitrate = 16000

// HardenedPtime is the minimum Opus frame size, in milliseconds
const HardenedPtime = 20

// OpusFmtp is the conservative Opus parameter set applied by
// OptimizeForWorstCase
var OpusFmtp = fmt.Sprintf("minptime=%d;useinbandfec=1;usedtx=0;maxaveragebitrate=%d;maxplaybackrate=%d;stereo=0;sprop-stereo=0;cbr=1",
	HardenedPtime, HardenedBitrate, HardenedBitrate)

// opusPayloadTypes returns the payload types mapped to opus by rtpmap.
func opusPayloadTypes(lines []string) map[string]bool {
	pts := map[string]bool{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		pt, enc, ok := strings.Cut(strings.TrimPrefix(line, "a=rtpmap:"), " ")
		if ok && strings.HasPrefix(strings.ToLower(enc), "opus/") {
			pts[pt] = true
		}
	}
	return pts
}

// OptimizeForWorstCase clamps Opus to a fixed low bitrate, mono, 20 ms
// frames and a 16 kHz clock, and moves telephone-event to the same clock.
func OptimizeForWorstCase(original string) string {
	lines, sep := splitLines(original)
	opus := opusPayloadTypes(lines)

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "a=fmtp:"):
			pt, _, _ := strings.Cut(strings.TrimPrefix(trimmed, "a=fmtp:"), " ")
			if opus[pt] {
				out = append(out, "a=fmtp:"+pt+" "+OpusFmtp)
				continue
			}
			out = append(out, trimmed)
		case strings.Contains(trimmed, "opus/48000"):
			out = append(out, strings.Replace(trimmed, "opus/48000", "opus/16000", 1))
		case strings.Contains(trimmed, "telephone-event/48000"):
			out = append(out, strings.Replace(trimmed, "telephone-event/48000", "telephone-event/16000", 1))
		default:
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, sep)
}

// Validate runs the structural checklist a hardened offer must pass. It
// returns the list of problems found, empty when the SDP is usable. Run it
// before adding the trickle option, which sits ahead of s= and is not
// accepted by a strict parser.
func Validate(raw string) []string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return []string{fmt.Sprintf("malformed session description: %v", err)}
	}

	var issues []string
	if desc.Origin.Username == "" && desc.Origin.SessionID == 0 && desc.Origin.UnicastAddress == "" {
		issues = append(issues, "missing origin line")
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return append(issues, "missing audio media line")
	}

	var hasOpus, hasPCMU, hasDTMF, hasBitrate bool
	for _, attr := range audio.Attributes {
		value := strings.ToLower(attr.Value)
		switch attr.Key {
		case "rtpmap":
			hasOpus = hasOpus || strings.Contains(value, "opus/16000")
			hasPCMU = hasPCMU || strings.Contains(value, "pcmu/8000")
			hasDTMF = hasDTMF || strings.Contains(value, "telephone-event/16000") || strings.Contains(value, "telephone-event/8000")
		case "fmtp":
			hasBitrate = hasBitrate || strings.Contains(value, "maxaveragebitrate")
		}
	}
	_, mediaUfrag := audio.Attribute("ice-ufrag")
	_, sessionUfrag := desc.Attribute("ice-ufrag")

	if !hasOpus {
		issues = append(issues, "missing Opus codec")
	}
	if !hasPCMU {
		issues = append(issues, "missing PCMU fallback codec")
	}
	if !hasDTMF {
		issues = append(issues, "missing DTMF support")
	}
	if !mediaUfrag && !sessionUfrag {
		issues = append(issues, "missing ICE credentials")
	}
	if !hasBitrate {
		issues = append(issues, "missing bitrate optimization")
	}
	return issues
}

// Harden applies OptimizeForWorstCase and validates the result. When the
// result fails validation the original SDP is returned with the issues.
func Harden(original string) (string, []string) {
	optimized := OptimizeForWorstCase(original)
	if issues := Validate(optimized); len(issues) > 0 {
		return original, issues
	}
	return optimized, nil
}

// CapAudioBitrate sets b=AS and b=TIAS on the audio section to the given
// bitrate in bits per second, replacing existing bandwidth lines there.
func CapAudioBitrate(raw string, bps int) string {
	lines, sep := splitLines(raw)
	out := make([]string, 0, len(lines)+2)
	inAudio := false
	inserted := false
	bandwidth := []string{
		"b=AS:" + strconv.Itoa((bps+999)/1000),
		"b=TIAS:" + strconv.Itoa(bps),
	}

	for i, line := range lines {
		if strings.HasPrefix(line, "m=") {
			inAudio = strings.HasPrefix(line, "m=audio")
			inserted = false
			out = append(out, line)
			// c= belongs before b= so wait for it when it follows
			if inAudio && (i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "c=")) {
				out = append(out, bandwidth...)
				inserted = true
			}
			continue
		}
		if inAudio && strings.HasPrefix(line, "b=") {
			continue
		}
		out = append(out, line)
		if inAudio && !inserted && strings.HasPrefix(line, "c=") {
			out = append(out, bandwidth...)
			inserted = true
		}
	}
	return strings.Join(out, sep)
}
