/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// callEvents records the events a call emits.
type callEvents struct {
	mu    sync.Mutex
	items map[CallEventKey][]interface{}
}

func watchCall(call *Call, keys ...CallEventKey) *callEvents {
	ev := &callEvents{items: make(map[CallEventKey][]interface{})}
	for _, key := range keys {
		key := key
		call.On(key, func(data interface{}) {
			ev.mu.Lock()
			defer ev.mu.Unlock()
			ev.items[key] = append(ev.items[key], data)
		})
	}
	return ev
}

func (ev *callEvents) get(key CallEventKey) []interface{} {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make([]interface{}, len(ev.items[key]))
	copy(out, ev.items[key])
	return out
}

func (ev *callEvents) count(key CallEventKey) int {
	return len(ev.get(key))
}

func (ev *callEvents) states() []CallState {
	var out []CallState
	for _, data := range ev.get(CallEventStateChanged) {
		out = append(out, data.(StateChange).To)
	}
	return out
}

func paramsOf(t *testing.T, msg *verto.Message) map[string]any {
	t.Helper()
	var params map[string]any
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	return params
}

func waitState(t *testing.T, call *Call, state CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return call.State() == state }, waitFor, tick,
		"call %s did not reach %s, state is %s", call.ID(), state, call.State())
}

func defaultDial() DialOptions {
	return DialOptions{
		CallerName:        "Alice",
		CallerNumber:      "+15550001111",
		DestinationNumber: "+15552223333",
	}
}

// dialCall places an outbound call and drives it to CONNECTING.
func dialCall(t *testing.T, cc *CallingClient, factory *fakeFactory) (*Call, *fakeTransport) {
	t.Helper()
	call, err := cc.MakeCall(defaultDial())
	require.NoError(t, err)
	ft := factory.last()
	require.NotNil(t, ft)
	ft.gatheringComplete()
	waitState(t, call, CallStateConnecting)
	return call, ft
}

// activeCall places an outbound call and answers it from the gateway.
func activeCall(t *testing.T, cc *CallingClient, factory *fakeFactory) (*Call, *fakeTransport) {
	t.Helper()
	call, ft := dialCall(t, cc, factory)
	require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodAnswer, map[string]any{
		"callID": call.ID(),
		"sdp":    testSDP,
	})))
	waitState(t, call, CallStateActive)
	return call, ft
}

func inviteParams(callID string) map[string]any {
	return map[string]any{
		"callID":            callID,
		"sdp":               testSDP,
		"caller_id_name":    "Bob",
		"caller_id_number":  "+15554445555",
		"telnyx_session_id": "tsess-1",
		"telnyx_leg_id":     "leg-1",
		"dialogParams": map[string]any{
			"custom_headers": []map[string]string{{"name": "X-Account", "value": "42"}},
		},
	}
}

func TestOutboundCall(t *testing.T) {
	t.Run("Dial to active", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, ft := dialCall(t, cc, factory)
		events := watchCall(call, CallEventStateChanged, CallEventCustomHeaders)

		invites := sender.byMethod(verto.MethodInvite)
		require.Len(t, invites, 1)
		params := paramsOf(t, invites[0])
		assert.Equal(t, "sess-1", params["sessionId"])
		assert.Contains(t, params["sdp"], "a=ice-ufrag:abcd")
		dialog := params["dialogParams"].(map[string]any)
		assert.Equal(t, call.ID(), dialog["callID"])
		assert.Equal(t, "+15552223333", dialog["destination_number"])
		assert.Equal(t, "Alice", dialog["caller_id_name"])
		assert.Equal(t, "+15552223333", call.DestinationNumber())
		assert.Equal(t, "Alice", call.CallerName())
		assert.False(t, call.monitor.IsMonitoring())

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodRinging, map[string]any{
			"callID":            call.ID(),
			"telnyx_session_id": "tsess-9",
			"telnyx_leg_id":     "leg-9",
		})))
		waitState(t, call, CallStateRinging)
		require.Eventually(t, func() bool { return sender.count(verto.MethodRingingAck) == 1 }, waitFor, tick)
		assert.Equal(t, "leg-9", call.TelnyxLegID())
		assert.Equal(t, "tsess-9", call.TelnyxSessionID())
		assert.False(t, call.monitor.IsMonitoring())

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodAnswer, map[string]any{
			"callID": call.ID(),
			"sdp":    testSDP,
			"dialogParams": map[string]any{
				"custom_headers": []map[string]string{{"name": "X-Answered-By", "value": "agent"}},
			},
		})))
		waitState(t, call, CallStateActive)
		assert.True(t, call.monitor.IsMonitoring())
		assert.Equal(t, map[string]string{"X-Answered-By": "agent"}, call.AnswerHeaders())
		assert.Equal(t, 1, ft.remoteCount())
		assert.Same(t, call, cc.GetConnectedCall())

		require.Eventually(t, func() bool {
			states := events.states()
			return len(states) >= 2 && states[len(states)-1] == CallStateActive &&
				events.count(CallEventCustomHeaders) == 1
		}, waitFor, tick)
		states := events.states()
		assert.Equal(t, []CallState{CallStateRinging, CallStateActive}, states[len(states)-2:])
	})

	t.Run("Empty destination creates no peer", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call := cc.newCall("manual-1", CallDirectionOutbound)

		err := call.Dial(DialOptions{DestinationNumber: "   "})
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
		assert.Equal(t, CallStateNew, call.State())
		assert.Nil(t, call.Peer())
		assert.Equal(t, 0, factory.count())
		assert.Empty(t, sender.all())

		_, err = cc.MakeCall(DialOptions{})
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
		assert.Equal(t, 0, factory.count())
	})

	t.Run("Dial twice is rejected", func(t *testing.T) {
		cc, _, factory, _ := testClient(t, nil)
		call, _ := dialCall(t, cc, factory)
		err := call.Dial(defaultDial())
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
		assert.Equal(t, 1, factory.count())
	})

	t.Run("Early media then answer without SDP", func(t *testing.T) {
		cc, _, factory, _ := testClient(t, nil)
		call, ft := dialCall(t, cc, factory)

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodMedia, map[string]any{
			"callID": call.ID(),
			"sdp":    testSDP,
		})))
		require.Eventually(t, func() bool { return ft.remoteCount() == 1 }, waitFor, tick)
		assert.Equal(t, CallStateConnecting, call.State())
		assert.Equal(t, testSDP, call.RemoteSDP())

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodAnswer, map[string]any{
			"callID": call.ID(),
		})))
		waitState(t, call, CallStateActive)
	})

	t.Run("Answer without any SDP hangs up", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, _ := dialCall(t, cc, factory)
		events := watchCall(call, CallEventError)

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodAnswer, map[string]any{
			"callID": call.ID(),
		})))
		waitState(t, call, CallStateDone)

		byes := sender.byMethod(verto.MethodBye)
		require.Len(t, byes, 1)
		assert.EqualValues(t, verto.CauseIncompatibleDestination, paramsOf(t, byes[0])["causeCode"])
		assert.Equal(t, "INCOMPATIBLE_DESTINATION", call.Reason().Cause)
		require.Eventually(t, func() bool { return events.count(CallEventError) == 1 }, waitFor, tick)
	})

	t.Run("Invite send failure ends the call", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		sender.setErr(errors.New("socket closed"))

		call, err := cc.MakeCall(defaultDial())
		require.NoError(t, err)
		events := watchCall(call, CallEventError)
		factory.last().gatheringComplete()

		select {
		case <-call.Done():
		case <-time.After(waitFor):
			t.Fatal("call did not end")
		}
		assert.Equal(t, CallStateDone, call.State())
		assert.Equal(t, "NORMAL_TEMPORARY_FAILURE", call.Reason().Cause)
		assert.True(t, factory.last().isClosed())
		require.Eventually(t, func() bool { return events.count(CallEventError) == 1 }, waitFor, tick)
		require.Eventually(t, func() bool { return cc.GetCall(call.ID()) == nil }, waitFor, tick)
	})

	t.Run("Offer failure ends the call", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		factory.prepare = func(ft *fakeTransport) { ft.offerErr = errors.New("no codecs") }

		call, err := cc.MakeCall(defaultDial())
		require.NoError(t, err)
		waitState(t, call, CallStateDone)
		assert.Equal(t, "NORMAL_TEMPORARY_FAILURE", call.Reason().Cause)
		assert.Equal(t, 0, sender.count(verto.MethodInvite))
	})

	t.Run("Server rejects the invite", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, _ := dialCall(t, cc, factory)
		invite := sender.byMethod(verto.MethodInvite)[0]

		err := cc.HandleMessage(&verto.Message{
			JSONRPC: verto.ProtocolVersion,
			ID:      invite.ID,
			Error:   []byte(`{"code":-32002,"message":"CALL DOES NOT EXIST"}`),
		})
		require.NoError(t, err)
		waitState(t, call, CallStateDone)
		assert.Equal(t, "NORMAL_TEMPORARY_FAILURE", call.Reason().Cause)
	})
}

func TestInboundCall(t *testing.T) {
	t.Run("Invite then answer", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		incoming := make(chan *Call, 1)
		cc.On(ClientEventIncomingCall, func(data interface{}) { incoming <- data.(*Call) })

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodInvite, inviteParams("CALL-ABC"))))
		var call *Call
		select {
		case call = <-incoming:
		case <-time.After(waitFor):
			t.Fatal("no incoming call event")
		}
		assert.Equal(t, "call-abc", call.ID())
		assert.Equal(t, CallDirectionInbound, call.Direction())
		require.Eventually(t, func() bool { return call.RemoteSDP() != "" }, waitFor, tick)
		assert.Equal(t, CallStateNew, call.State())
		assert.Equal(t, "Bob", call.CallerName())
		assert.Equal(t, "+15554445555", call.CallerNumber())
		assert.Equal(t, "leg-1", call.TelnyxLegID())
		assert.Equal(t, map[string]string{"X-Account": "42"}, call.InviteHeaders())
		assert.Equal(t, 0, factory.count())

		require.NoError(t, call.Answer(map[string]string{"X-Agent": "7"}))
		err := call.Answer(nil)
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))

		ft := factory.last()
		require.NotNil(t, ft)
		ft.gatheringComplete()
		waitState(t, call, CallStateActive)

		answers := sender.byMethod(verto.MethodAnswer)
		require.Len(t, answers, 1)
		var params verto.SessionParams
		require.NoError(t, json.Unmarshal(answers[0].Params, &params))
		assert.Equal(t, "call-abc", params.DialogParams.CallID)
		assert.Equal(t, "Bob", params.DialogParams.CallerIDName)
		assert.Equal(t, []verto.Header{{Name: "X-Agent", Value: "7"}}, params.DialogParams.CustomHeaders)
		ft.mu.Lock()
		assert.Equal(t, []SDPType{SDPTypeOffer}, ft.remoteTypes)
		ft.mu.Unlock()

		err = call.Answer(nil)
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
	})

	t.Run("Answer send failure keeps the call ringing", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodInvite, inviteParams("call-fail"))))
		call := cc.GetCall("call-fail")
		require.NotNil(t, call)
		require.Eventually(t, func() bool { return call.RemoteSDP() != "" }, waitFor, tick)

		sender.setErr(errors.New("socket closed"))
		require.NoError(t, call.Answer(nil))
		factory.last().gatheringComplete()

		require.Eventually(t, func() bool { return call.Peer() == nil }, waitFor, tick)
		assert.Equal(t, CallStateNew, call.State())
		assert.True(t, factory.last().isClosed())

		sender.setErr(nil)
		require.NoError(t, call.Answer(nil))
		factory.last().gatheringComplete()
		waitState(t, call, CallStateActive)
	})

	t.Run("Remote bye carries the reason", func(t *testing.T) {
		cc, _, factory, _ := testClient(t, nil)
		call, ft := activeCall(t, cc, factory)
		ended := make(chan *Call, 1)
		cc.On(ClientEventCallEnded, func(data interface{}) { ended <- data.(*Call) })

		require.NoError(t, cc.HandleMessage(rawParams(t, verto.MethodBye, map[string]any{
			"callID":    call.ID(),
			"cause":     "USER_BUSY",
			"causeCode": 17,
			"sipCode":   486,
			"sipReason": "Busy Here",
		})))
		waitState(t, call, CallStateDone)
		assert.Equal(t, &TerminationReason{
			Cause:     "USER_BUSY",
			CauseCode: verto.CauseUserBusy,
			SIPCode:   486,
			SIPReason: "Busy Here",
		}, call.Reason())
		assert.True(t, ft.isClosed())
		assert.False(t, call.monitor.IsMonitoring())

		select {
		case got := <-ended:
			assert.Same(t, call, got)
		case <-time.After(waitFor):
			t.Fatal("no call ended event")
		}
		assert.Nil(t, cc.GetCall(call.ID()))
	})
}

func TestCallControls(t *testing.T) {
	t.Run("Hold and unhold always send modify", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, _ := activeCall(t, cc, factory)

		require.NoError(t, call.Hold())
		assert.Equal(t, CallStateHeld, call.State())
		assert.False(t, call.monitor.IsMonitoring())
		require.NoError(t, call.Hold())
		assert.Equal(t, CallStateHeld, call.State())
		require.NoError(t, call.Unhold())
		assert.Equal(t, CallStateActive, call.State())
		assert.True(t, call.monitor.IsMonitoring())
		require.NoError(t, call.ToggleHold())
		assert.Equal(t, CallStateHeld, call.State())
		require.NoError(t, call.ToggleHold())
		assert.Equal(t, CallStateActive, call.State())

		var actions []any
		for _, msg := range sender.byMethod(verto.MethodModify) {
			actions = append(actions, paramsOf(t, msg)["action"])
		}
		assert.Equal(t, []any{"hold", "hold", "unhold", "toggleHold", "toggleHold"}, actions)
	})

	t.Run("Hold before active is rejected", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, _ := dialCall(t, cc, factory)
		err := call.Hold()
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
		assert.Equal(t, 0, sender.count(verto.MethodModify))
	})

	t.Run("Send digit", func(t *testing.T) {
		cc, sender, factory, _ := testClient(t, nil)
		call, _ := activeCall(t, cc, factory)

		require.NoError(t, call.SendDigit("5"))
		infos := sender.byMethod(verto.MethodInfo)
		require.Len(t, infos, 1)
		assert.Equal(t, "5", paramsOf(t, infos[0])["dtmf"])
		assert.Equal(t, CallStateActive, call.State())

		cc.SetSessionID("")
		err := call.SendDigit("1")
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))
	})

	t.Run("Mute and unmute", func(t *testing.T) {
		cc, _, factory, _ := testClient(t, nil)
		call := cc.newCall("no-media", CallDirectionOutbound)
		err := call.Mute()
		require.Error(t, err)
		assert.True(t, vertosdk.IsPrecondition(err))

		call, ft := activeCall(t, cc, factory)
		require.NoError(t, call.Mute())
		assert.True(t, call.IsMuted())
		require.Eventually(t, ft.isMuted, waitFor, tick)
		require.NoError(t, call.Unmute())
		assert.False(t, call.IsMuted())
		require.Eventually(t, func() bool { return !ft.isMuted() }, waitFor, tick)
	})

	t.Run("Hangup causes", func(t *testing.T) {
		tests := []struct {
			name  string
			setup func(t *testing.T, cc *CallingClient, factory *fakeFactory) *Call
			cause verto.CauseCode
		}{
			{
				name: "connecting",
				setup: func(t *testing.T, cc *CallingClient, factory *fakeFactory) *Call {
					call, _ := dialCall(t, cc, factory)
					return call
				},
				cause: verto.CauseUserBusy,
			},
			{
				name: "active",
				setup: func(t *testing.T, cc *CallingClient, factory *fakeFactory) *Call {
					call, _ := activeCall(t, cc, factory)
					return call
				},
				cause: verto.CauseNormalClearing,
			},
			{
				name: "held",
				setup: func(t *testing.T, cc *CallingClient, factory *fakeFactory) *Call {
					call, _ := activeCall(t, cc, factory)
					require.NoError(t, call.Hold())
					return call
				},
				cause: verto.CauseNormalClearing,
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cc, sender, factory, _ := testClient(t, nil)
				call := tt.setup(t, cc, factory)

				require.NoError(t, call.Hangup())
				assert.Equal(t, CallStateDone, call.State())
				byes := sender.byMethod(verto.MethodBye)
				require.Len(t, byes, 1)
				params := paramsOf(t, byes[0])
				assert.EqualValues(t, tt.cause, params["causeCode"])
				assert.Equal(t, tt.cause.String(), params["cause"])
				assert.Equal(t, tt.cause.String(), call.Reason().Cause)
				assert.True(t, factory.last().isClosed())

				require.NoError(t, call.Hangup())
				assert.Equal(t, 1, sender.count(verto.MethodBye))

				err := call.Hold()
				require.Error(t, err)
				assert.True(t, vertosdk.IsPrecondition(err))
			})
		}
	})
}
