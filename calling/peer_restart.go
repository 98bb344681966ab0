/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/sdputil"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

type restartPhase int

const (
	restartIdle restartPhase = iota
	// restartCreating: waiting for the restart offer to be created
	restartCreating
	// restartGathering: polling the local description for candidates
	restartGathering
	// restartOffered: offer emitted, waiting for StopGathering
	restartOffered
	// restartStopped: offer sent, later candidates are dropped
	restartStopped
)

// restartSession is the loop-owned state of one ICE restart
type restartSession struct {
	phase       restartPhase
	epoch       uint64
	deadline    time.Time
	lastCount   int
	stablePolls int
	gatherDone  bool
	buffered    []ICECandidate
	poll        *edgeTimer
}

// Restart produces a restart offer tagged with epoch. The offer, or the
// failure, is reported as a PeerRestartOffer event.
func (p *Peer) Restart(epoch uint64) {
	p.post(peerMsg{kind: peerMsgRestart, epoch: epoch})
}

// StopGathering ends candidate gathering once the restart offer is sent.
// In trickle mode the candidates buffered during the restart are released
// as CANDIDATE events followed by end of candidates.
func (p *Peer) StopGathering() {
	p.post(peerMsg{kind: peerMsgStopGathering})
}

// EndRestart clears the restart flags.
func (p *Peer) EndRestart() {
	p.post(peerMsg{kind: peerMsgEndRestart})
}

func (p *Peer) restarting() bool {
	return p.restart.phase != restartIdle
}

func (p *Peer) handleRestart(epoch uint64) {
	if p.restarting() {
		p.emit(PeerEvent{
			Kind:  PeerRestartOffer,
			Epoch: epoch,
			Err:   vertosdk.NewPreconditionError("ICERestart", "", "restart already in progress"),
		})
		return
	}

	p.settle.Disarm()
	p.negotiationEnded = false
	p.candidates = nil
	p.pending = nil
	p.eocSent = false
	p.eocDeferred = false
	p.restart.phase = restartCreating
	p.restart.epoch = epoch
	p.restart.gatherDone = false
	p.restart.buffered = nil

	p.log.WithFields(logrus.Fields{
		"function": "handleRestart",
		"epoch":    epoch,
	}).Info("Starting ICE restart")

	p.enqueue(func() {
		sdp, err := p.transport.CreateLocalOffer(true)
		p.post(peerMsg{kind: peerMsgRestartReady, epoch: epoch, sdp: sdp, err: err})
	})
}

func (p *Peer) handleRestartReady(msg peerMsg) {
	if msg.epoch != p.restart.epoch || p.restart.phase != restartCreating {
		return
	}
	if msg.err != nil {
		p.failRestart(vertosdk.NewNegotiationError("ICERestart", "", fmt.Errorf("failed to create restart offer: %w", msg.err)))
		return
	}
	if p.restart.gatherDone {
		p.sendRestartOffer("gathering complete")
		return
	}
	p.restart.phase = restartGathering
	p.restart.deadline = time.Now().Add(p.config.RestartTimeout)
	p.restart.lastCount = -1
	p.restart.stablePolls = 0
	p.restart.poll.Arm(p.config.RestartPollInterval)
}

// handleRestartPoll applies the stability rule: the offer goes out once
// the candidate count stopped changing for RestartStableChecks polls.
func (p *Peer) handleRestartPoll(gen uint64) {
	if !p.restart.poll.Fire(gen) || p.restart.phase != restartGathering {
		return
	}

	count := sdputil.CountCandidates(p.transport.LocalDescription())
	if count > 0 && count == p.restart.lastCount {
		p.restart.stablePolls++
	} else {
		p.restart.stablePolls = 0
	}
	p.restart.lastCount = count

	if count > 0 && p.restart.stablePolls >= p.config.RestartStableChecks {
		p.sendRestartOffer("candidates stable")
		return
	}

	if !time.Now().Before(p.restart.deadline) {
		if count > 0 {
			p.log.WithFields(logrus.Fields{
				"function":   "handleRestartPoll",
				"candidates": count,
			}).Warn("ICE restart gathering timed out, sending available candidates")
			p.sendRestartOffer("timeout")
			return
		}
		p.failRestart(vertosdk.NewTimeoutError("ICERestart", "", "no candidates gathered within %s", p.config.RestartTimeout))
		return
	}

	p.restart.poll.Arm(p.config.RestartPollInterval)
}

func (p *Peer) onRestartCandidate(c ICECandidate) {
	switch p.restart.phase {
	case restartCreating, restartGathering, restartOffered:
		p.candidates = append(p.candidates, c)
		if p.config.Trickle {
			p.restart.buffered = append(p.restart.buffered, c)
		}
	default:
		p.log.WithFields(logrus.Fields{
			"function":  "onRestartCandidate",
			"candidate": c.Candidate,
		}).Debug("Dropping candidate after restart gathering stopped")
	}
}

func (p *Peer) onRestartGatheringComplete() {
	switch p.restart.phase {
	case restartCreating:
		p.restart.gatherDone = true
	case restartGathering:
		p.sendRestartOffer("gathering complete")
	}
}

func (p *Peer) sendRestartOffer(why string) {
	p.restart.poll.Disarm()
	p.restart.phase = restartOffered
	sdp := p.transport.LocalDescription()

	p.log.WithFields(logrus.Fields{
		"function":   "sendRestartOffer",
		"reason":     why,
		"candidates": sdputil.CountCandidates(sdp),
	}).Info("ICE restart offer ready")

	p.emit(PeerEvent{
		Kind:  PeerRestartOffer,
		Epoch: p.restart.epoch,
		SDP:   p.outbound(sdp, true),
	})
}

func (p *Peer) handleStopGathering() {
	if p.restart.phase != restartOffered {
		return
	}
	p.restart.phase = restartStopped
	p.negotiationEnded = true
	if !p.config.Trickle {
		return
	}
	buffered := p.restart.buffered
	p.restart.buffered = nil
	for _, c := range buffered {
		p.emit(PeerEvent{Kind: PeerCandidate, Candidate: c})
	}
	p.eocSent = true
	p.emit(PeerEvent{Kind: PeerEndOfCandidates})
}

func (p *Peer) failRestart(err error) {
	epoch := p.restart.epoch
	p.resetRestart()
	p.negotiationEnded = true
	p.log.WithFields(logrus.Fields{
		"function": "failRestart",
		"epoch":    epoch,
	}).WithError(err).Warn("ICE restart failed")
	p.emit(PeerEvent{Kind: PeerRestartOffer, Epoch: epoch, Err: err})
}

func (p *Peer) resetRestart() {
	p.restart.poll.Disarm()
	p.restart.phase = restartIdle
	p.restart.gatherDone = false
	p.restart.buffered = nil
}
