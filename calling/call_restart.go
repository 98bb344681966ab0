/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// Restart triggers, used in events, logs and metrics
const (
	TriggerManual      = "manual"
	TriggerICEFailed   = "ice_failed"
	TriggerImprovement = "network_improvement"
	TriggerReconnected = "ice_reconnected"
	TriggerRTTWatchdog = "rtt_watchdog"
	TriggerICERestart  = "ice_restart"
	TriggerRemote      = "remote"
)

// callRestart is the loop-owned state of the requester side of one ICE
// restart
type callRestart struct {
	active   bool
	epoch    uint64
	trigger  string
	msgID    string
	complete func(error)
}

// ICERestart renegotiates ICE on a live call. It returns once the restart
// offer is sent, or with the error that prevented it. The answer is applied
// when the gateway replies with updateMedia; CallEventRestarted or
// CallEventRestartFailed reports the outcome.
func (c *Call) ICERestart(ctx context.Context) error {
	const op = "ICERestart"
	result := make(chan error, 1)
	err := c.do(op, func() error {
		return c.beginRestart(TriggerManual, false, func(err error) { result <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return c.endedError(op)
		}
	}
}

// beginRestart validates and starts a restart. recovering also allows
// RECONNECTING, the state a call is in when ICE fails underneath it.
func (c *Call) beginRestart(trigger string, recovering bool, complete func(error)) error {
	const op = "ICERestart"
	state := c.machine.Current()
	eligible := state == CallStateActive || state == CallStateConnecting ||
		(recovering && state == CallStateReconnecting)
	switch {
	case !eligible:
		return vertosdk.NewPreconditionError(op, c.id, "cannot restart ICE: call is in state %s", state)
	case c.restart.active:
		return vertosdk.NewPreconditionError(op, c.id, "restart already in progress")
	case c.peer == nil:
		return vertosdk.NewPreconditionError(op, c.id, "cannot restart ICE: no media session")
	case c.deps.sessionID() == "":
		return vertosdk.NewPreconditionError(op, c.id, "cannot restart ICE: missing session id")
	}

	c.restartEpoch++
	c.restart = callRestart{
		active:   true,
		epoch:    c.restartEpoch,
		trigger:  trigger,
		complete: complete,
	}
	c.peer.Restart(c.restart.epoch)

	c.log.WithFields(logrus.Fields{
		"function": "beginRestart",
		"trigger":  trigger,
		"epoch":    c.restart.epoch,
	}).Info("ICE restart started")
	c.notify(CallEventRestartStarted, trigger)
	return nil
}

func (c *Call) onRestartOffer(ev PeerEvent) {
	if !c.restart.active || ev.Epoch != c.restart.epoch {
		return
	}
	if ev.Err != nil {
		c.failRestart(ev.Err)
		return
	}

	msg, err := verto.NewICERestart(c.deps.sessionID(), c.id, ev.SDP)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.failRestart(vertosdk.NewTransportError("ICERestart", c.id, err))
		return
	}
	c.restart.msgID = msg.ID
	c.peer.StopGathering()
	c.restartAnswer.Arm(c.config.RestartTimeout)

	c.log.WithFields(logrus.Fields{
		"function": "onRestartOffer",
		"msg_id":   msg.ID,
	}).Info("ICE restart offer sent")
	c.log.WithField("function", "onRestartOffer").Debugf("Restart offer:\n%s", ev.SDP)

	if complete := c.restart.complete; complete != nil {
		c.restart.complete = nil
		complete(nil)
	}
}

// handleUpdateMedia is the responder: it applies the restart answer. An
// updateMedia arriving while no restart of ours runs gets its own update
// generation and never touches restart state.
func (c *Call) handleUpdateMedia(sdp string) {
	log := c.log.WithField("function", "handleUpdateMedia")
	if !c.restart.active {
		if sdp == "" || c.peer == nil {
			log.Warn("Ignoring updateMedia without SDP or media session")
			return
		}
		c.updateGen++
		log.WithField("update", c.updateGen).Warn("Applying updateMedia without a restart in progress")
		c.remoteSDP = sdp
		c.peer.SetRemoteAnswer(sdp, RemoteUpdate, c.updateGen)
		return
	}

	if sdp == "" {
		c.failRestart(vertosdk.NewPreconditionError("ICERestart", c.id, "updateMedia carries no SDP"))
		return
	}
	if c.peer == nil {
		c.failRestart(vertosdk.NewPreconditionError("ICERestart", c.id, "no media session to apply the restart answer"))
		return
	}
	c.restartAnswer.Disarm()
	log.Debugf("Restart answer:\n%s", sdp)
	c.remoteSDP = sdp
	c.peer.SetRemoteAnswer(sdp, RemoteRestart, c.restart.epoch)
}

func (c *Call) onRestartAnswerApplied(ev PeerEvent) {
	if !c.restart.active || ev.Epoch != c.restart.epoch {
		return
	}
	if ev.Err != nil {
		c.failRestart(vertosdk.NewNegotiationError("ICERestart", c.id, ev.Err))
		return
	}

	trigger := c.restart.trigger
	c.audioReset(TriggerICERestart)
	c.clearRestart()
	c.deps.metrics.restart(trigger, "success")

	c.log.WithFields(logrus.Fields{
		"function": "onRestartAnswerApplied",
		"trigger":  trigger,
	}).Info("ICE restart complete")
	c.notify(CallEventRestarted, trigger)
}

// onRemoteUpdateApplied completes a gateway-initiated media update. Only the
// latest update counts, and a restart of ours started since is left alone.
func (c *Call) onRemoteUpdateApplied(ev PeerEvent) {
	log := c.log.WithFields(logrus.Fields{
		"function": "onRemoteUpdateApplied",
		"update":   ev.Epoch,
	})
	if ev.Epoch != c.updateGen {
		log.Debug("Dropping result of a superseded updateMedia")
		return
	}
	if ev.Err != nil {
		log.WithError(ev.Err).Warn("Failed to apply updateMedia")
		return
	}
	c.deps.metrics.restart(TriggerRemote, "success")
	log.Info("Remote media update applied")
	c.notify(CallEventRestarted, TriggerRemote)
	if !c.restart.active {
		c.audioReset(TriggerICERestart)
	}
}

// onRestartAnswerTimeout fails a restart whose offer went out but was never
// answered with updateMedia.
func (c *Call) onRestartAnswerTimeout(gen uint64) {
	if !c.restartAnswer.Fire(gen) || !c.restart.active {
		return
	}
	c.failRestart(vertosdk.NewTimeoutError("ICERestart", c.id, "no updateMedia answer within %s", c.config.RestartTimeout))
}

// failRestart clears the restart and reports err to the requester and the
// event emitter. No-op without a restart in progress.
func (c *Call) failRestart(err error) {
	if !c.restart.active {
		return
	}
	trigger := c.restart.trigger
	complete := c.restart.complete
	c.clearRestart()
	if complete != nil {
		complete(err)
	}
	c.deps.metrics.restart(trigger, "failure")

	c.log.WithFields(logrus.Fields{
		"function": "failRestart",
		"trigger":  trigger,
	}).WithError(err).Warn("ICE restart failed")
	c.notify(CallEventRestartFailed, err)
}

func (c *Call) clearRestart() {
	c.restartAnswer.Disarm()
	if c.peer != nil {
		c.peer.EndRestart()
	}
	c.restart = callRestart{}
}
