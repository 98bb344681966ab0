/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

var errMissingAnswerSDP = errors.New("answer carries no SDP")

// HandleMessage queues a signaling message addressed to this call. It
// reports false when the call has already finished.
func (c *Call) HandleMessage(msg *verto.Message) bool {
	return c.post(func() { c.handleMessage(msg) })
}

func (c *Call) handleMessage(msg *verto.Message) {
	if msg.IsResponse() {
		c.handleResponse(msg)
		return
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "handleMessage",
		"method":   msg.Method,
	})
	params, err := msg.Inbound()
	if err != nil {
		log.WithError(err).Warn("Dropping message with malformed params")
		return
	}
	log.Debug("Handling signaling message")

	switch msg.Method {
	case verto.MethodInvite:
		c.onInvite(params)
	case verto.MethodBye:
		c.terminate(reasonFromBye(params.ByeReason()))
	case verto.MethodMedia:
		c.onMedia(params)
	case verto.MethodAnswer:
		c.onAnswer(params)
	case verto.MethodRinging:
		c.onRinging(params)
	case verto.MethodModify:
		if params.Action == string(verto.ActionUpdateMedia) {
			c.handleUpdateMedia(params.SDP)
			return
		}
		log.WithField("action", params.Action).Debug("Ignoring modify request")
	case verto.MethodCandidate:
		c.onRemoteCandidate(params)
	case verto.MethodEndOfCandidates:
		if c.peer != nil {
			c.peer.EndOfRemoteCandidates()
		}
	case verto.MethodAttach:
		c.onAttach(params)
	default:
		log.Debug("Ignoring unhandled method")
	}
}

func (c *Call) handleResponse(msg *verto.Message) {
	log := c.log.WithFields(logrus.Fields{
		"function": "handleResponse",
		"msg_id":   msg.ID,
	})

	if c.restart.active && msg.ID == c.restart.msgID {
		if err := msg.ServerError(); err != nil {
			c.failRestart(err)
			return
		}
		if sdp, ok := msg.UpdateMedia(); ok {
			c.handleUpdateMedia(sdp)
		}
		return
	}

	if err := msg.ServerError(); err != nil {
		log.WithError(err).Warn("Gateway rejected request")
		c.notify(CallEventError, err)
		if msg.ID == c.inviteID && c.machine.Current() == CallStateConnecting {
			c.terminate(reasonFromCause(verto.CauseNormalTemporaryFailure))
		}
		return
	}
	if sdp, ok := msg.UpdateMedia(); ok {
		c.handleUpdateMedia(sdp)
	}
}

// onInvite records the remote offer of an inbound call and starts ringing.
func (c *Call) onInvite(params *verto.InboundParams) {
	if c.machine.Current() != CallStateNew {
		c.log.WithField("function", "onInvite").Warn("Ignoring INVITE for a call already in progress")
		return
	}
	c.remoteSDP = params.SDP
	c.remoteName = params.CallerIDName
	c.remoteNumber = params.CallerIDNumber
	c.telnyxSessionID = params.TelnyxSessionID
	c.telnyxLegID = params.TelnyxLegID
	c.inviteHeaders = params.Headers()
	c.deps.tones.PlayRingtone(c.id)
}

func (c *Call) onMedia(params *verto.InboundParams) {
	if params.SDP == "" {
		return
	}
	c.remoteSDP = params.SDP
	if c.peer != nil && !c.answering {
		c.peer.SetRemoteAnswer(params.SDP, RemoteProvisional, 0)
	}
	if c.direction == CallDirectionOutbound {
		c.deps.tones.PlayRingback(c.id)
	}
}

func (c *Call) onAnswer(params *verto.InboundParams) {
	log := c.log.WithField("function", "onAnswer")
	if headers := params.Headers(); len(headers) > 0 {
		c.answerHeaders = headers
		c.notify(CallEventCustomHeaders, headers)
	}
	if c.peer == nil {
		log.Warn("Received ANSWER without a media session")
		return
	}

	switch {
	case c.remoteApplied:
		c.fire(eventActivate)
	case params.SDP != "":
		log.Debugf("Remote answer:\n%s", params.SDP)
		c.remoteSDP = params.SDP
		c.peer.SetRemoteAnswer(params.SDP, RemoteAnswer, 0)
	case c.remoteSDP != "":
		// answer confirms the early media description
		c.peer.SetRemoteAnswer(c.remoteSDP, RemoteAnswer, 0)
	default:
		c.notify(CallEventError, vertosdk.NewNegotiationError("Answer", c.id, errMissingAnswerSDP))
		c.hangup(verto.CauseIncompatibleDestination)
	}
}

func (c *Call) onRinging(params *verto.InboundParams) {
	if params.TelnyxSessionID != "" {
		c.telnyxSessionID = params.TelnyxSessionID
	}
	if params.TelnyxLegID != "" {
		c.telnyxLegID = params.TelnyxLegID
	}
	c.fire(eventRing)

	msg, err := verto.NewRingingAck(c.id, c.deps.sessionID())
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.log.WithField("function", "onRinging").WithError(err).Warn("Failed to acknowledge ringing")
	}
	if c.peer != nil {
		c.peer.ReleaseCandidates()
	}
	if c.direction == CallDirectionOutbound {
		c.deps.tones.PlayRingback(c.id)
	}
}

func (c *Call) onRemoteCandidate(params *verto.InboundParams) {
	if c.peer == nil {
		c.log.WithField("function", "onRemoteCandidate").Debug("Dropping remote candidate without a media session")
		return
	}
	var index uint16
	if params.SDPMLineIndex != nil {
		index = *params.SDPMLineIndex
	}
	c.peer.AddRemoteCandidate(ICECandidate{
		Candidate:     params.Candidate,
		SDPMid:        params.SDPMid,
		SDPMLineIndex: index,
	})
}

// onAttach re-establishes media after the signaling session was recovered.
// The previous Peer is replaced and the new offer is answered right away.
func (c *Call) onAttach(params *verto.InboundParams) {
	log := c.log.WithField("function", "onAttach")
	if params.SDP == "" {
		log.Warn("Ignoring ATTACH without SDP")
		return
	}
	c.failRestart(vertosdk.NewPreconditionError("ICERestart", c.id, "call re-attached"))
	c.remoteSDP = params.SDP
	if params.TelnyxSessionID != "" {
		c.telnyxSessionID = params.TelnyxSessionID
	}
	if params.TelnyxLegID != "" {
		c.telnyxLegID = params.TelnyxLegID
	}
	if c.direction != CallDirectionOutbound {
		if params.CallerIDName != "" {
			c.remoteName = params.CallerIDName
		}
		if params.CallerIDNumber != "" {
			c.remoteNumber = params.CallerIDNumber
		}
	}

	if err := c.startAnswer("Attach"); err != nil {
		log.WithError(err).Error("Failed to re-attach call")
		c.notify(CallEventError, err)
		return
	}
	c.attaching = true
	log.Info("Re-attaching call")
}
