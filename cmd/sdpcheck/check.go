/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"github.com/tejzpr/verto-go-sdk/sdputil"
)

type options struct {
	harden     bool
	trickle    bool
	bitrateCap int
}

// report is the result of checking one SDP
type report struct {
	Candidates int      `json:"candidates"`
	Trickle    bool     `json:"trickle"`
	Hardened   bool     `json:"hardened"`
	Issues     []string `json:"issues,omitempty"`
	SDP        string   `json:"sdp"`
}

// check validates raw and applies the requested rewrites in the order the
// calling core applies them to outbound offers.
func check(raw string, opts options) report {
	r := report{
		Candidates: sdputil.CountCandidates(raw),
		Trickle:    sdputil.HasTrickleIceCapability(raw),
		SDP:        raw,
	}

	if opts.harden {
		hardened, issues := sdputil.Harden(raw)
		r.Issues = issues
		r.Hardened = len(issues) == 0
		r.SDP = hardened
	} else {
		r.Issues = sdputil.Validate(raw)
	}
	if opts.bitrateCap > 0 {
		r.SDP = sdputil.CapAudioBitrate(r.SDP, opts.bitrateCap)
	}
	if opts.trickle {
		r.SDP = sdputil.ForTrickle(r.SDP)
	}
	return r
}
