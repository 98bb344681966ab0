/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package verto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) *Message {
	t.Helper()
	m, err := Decode([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestInbound(t *testing.T) {
	t.Run("Invite", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"1","method":"telnyx_rtc.invite","params":{
			"callID":"ABC","sdp":"v=0","caller_id_name":"Bob","caller_id_number":"555",
			"telnyx_session_id":"s-1","telnyx_leg_id":"l-1"}}`)
		p, err := m.Inbound()
		require.NoError(t, err)
		assert.Equal(t, "abc", p.ResolvedCallID())
		assert.Equal(t, "Bob", p.CallerIDName)
		assert.Equal(t, "s-1", p.TelnyxSessionID)
		assert.Equal(t, "l-1", p.TelnyxLegID)
		assert.Equal(t, "abc", m.CallID())
	})

	t.Run("Answer with custom headers", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"2","method":"telnyx_rtc.answer","params":{
			"callID":"c","sdp":"v=0","dialogParams":{"custom_headers":[{"name":"X-Key","value":"v"}]}}}`)
		p, err := m.Inbound()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"X-Key": "v"}, p.Headers())
	})

	t.Run("Candidate via dialogParams", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"3","method":"telnyx_rtc.candidate","params":{
			"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host","sdpMid":"0","sdpMLineIndex":0,
			"dialogParams":{"callID":"XYZ"}}}`)
		p, err := m.Inbound()
		require.NoError(t, err)
		assert.Equal(t, "xyz", p.ResolvedCallID())
		require.NotNil(t, p.SDPMLineIndex)
		assert.Equal(t, uint16(0), *p.SDPMLineIndex)
	})
}

func TestByeReason(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   ByeReason
	}{
		{
			name:   "Full reason",
			params: `{"callID":"c","cause":"USER_BUSY","causeCode":17,"sipCode":486,"sipReason":"Busy Here"}`,
			want:   ByeReason{Cause: "USER_BUSY", CauseCode: CauseUserBusy, SIPCode: 486, SIPReason: "Busy Here"},
		},
		{
			name:   "Code only",
			params: `{"callID":"c","causeCode":16}`,
			want:   ByeReason{Cause: "NORMAL_CLEARING", CauseCode: CauseNormalClearing},
		},
		{
			name:   "Name only",
			params: `{"callID":"c","cause":"ORIGINATOR_CANCEL"}`,
			want:   ByeReason{Cause: "ORIGINATOR_CANCEL", CauseCode: CauseOriginatorCancel},
		},
		{
			name:   "Unknown code",
			params: `{"callID":"c","causeCode":999}`,
			want:   ByeReason{Cause: "UNKNOWN", CauseCode: 999},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := decode(t, `{"jsonrpc":"2.0","id":"1","method":"telnyx_rtc.bye","params":`+tc.params+`}`)
			p, err := m.Inbound()
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.ByeReason())
		})
	}
}

func TestUpdateMedia(t *testing.T) {
	t.Run("As result", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"r","result":{"action":"updateMedia","sdp":"v=0 answer","callID":"C"}}`)
		sdp, ok := m.UpdateMedia()
		assert.True(t, ok)
		assert.Equal(t, "v=0 answer", sdp)
		assert.Equal(t, "c", m.CallID())
	})

	t.Run("As request", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"r","method":"telnyx_rtc.modify","params":{"action":"updateMedia","sdp":"v=0","callID":"c"}}`)
		sdp, ok := m.UpdateMedia()
		assert.True(t, ok)
		assert.Equal(t, "v=0", sdp)
	})

	t.Run("Other action", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"r","result":{"action":"hold"}}`)
		_, ok := m.UpdateMedia()
		assert.False(t, ok)
	})

	t.Run("Missing sdp", func(t *testing.T) {
		m := decode(t, `{"jsonrpc":"2.0","id":"r","result":{"action":"updateMedia"}}`)
		_, ok := m.UpdateMedia()
		assert.False(t, ok)
	})
}

func TestSessionID(t *testing.T) {
	m := decode(t, `{"jsonrpc":"2.0","id":"1","result":{"sessid":"abc"}}`)
	assert.Equal(t, "abc", m.SessionID())
	assert.Equal(t, "", decode(t, `{"jsonrpc":"2.0","id":"1","method":"x"}`).SessionID())
}
