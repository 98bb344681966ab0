/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

// TonePlayer plays the local ringtone for inbound calls and the ringback
// for outbound calls
type TonePlayer interface {
	PlayRingtone(callID string)
	PlayRingback(callID string)
	Stop(callID string)
}

// NopTonePlayer is a TonePlayer that plays nothing
type NopTonePlayer struct{}

func (NopTonePlayer) PlayRingtone(string) {}
func (NopTonePlayer) PlayRingback(string) {}
func (NopTonePlayer) Stop(string)         {}
