/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/sdputil"
)

// PeerConfig fixes the negotiation mode and timing of one Peer
type PeerConfig struct {
	Trickle   bool
	Answering bool
	Harden    bool

	NegotiationTimeout   time.Duration
	TrickleSettleTimeout time.Duration
	RestartTimeout       time.Duration
	RestartPollInterval  time.Duration
	RestartStableChecks  int
}

// PeerEventKind tags a PeerEvent
type PeerEventKind int

const (
	// PeerLocalDescription carries the SDP to send in INVITE/ANSWER/ATTACH
	PeerLocalDescription PeerEventKind = iota
	// PeerCandidate carries one trickled local candidate
	PeerCandidate
	// PeerEndOfCandidates marks the end of trickled candidates
	PeerEndOfCandidates
	// PeerICEState reports an ICE connection state change
	PeerICEState
	// PeerRemoteApplied reports the result of applying a remote description
	PeerRemoteApplied
	// PeerRestartOffer carries the restart offer, or the restart failure
	PeerRestartOffer
	// PeerError reports a failed offer or answer
	PeerError
)

// RemotePurpose says why a remote description is being applied
type RemotePurpose int

const (
	RemoteProvisional RemotePurpose = iota
	RemoteAnswer
	RemoteRestart
	// RemoteUpdate: an updateMedia the gateway sent without a restart of ours
	RemoteUpdate
)

// PeerEvent is one output of a Peer. Gen identifies the Peer instance so
// the owner can drop events from a replaced one.
type PeerEvent struct {
	Kind      PeerEventKind
	Gen       uint64
	Epoch     uint64
	SDP       string
	Candidate ICECandidate
	ICEState  ICEState
	Purpose   RemotePurpose
	Err       error
}

type peerMsgKind int

const (
	peerMsgTransport peerMsgKind = iota
	peerMsgSettleFired
	peerMsgLocalReady
	peerMsgMarkAnswerSent
	peerMsgReleaseCandidates
	peerMsgAdjustBitrate
	peerMsgRestart
	peerMsgRestartReady
	peerMsgRestartPoll
	peerMsgStopGathering
	peerMsgEndRestart
)

type peerMsg struct {
	kind  peerMsgKind
	event TransportEvent
	gen   uint64
	epoch uint64
	sdp   string
	err   error
}

// PeerSnapshot is a read-only view of a Peer's negotiation flags
type PeerSnapshot struct {
	NegotiationEnded    bool
	IceRestarting       bool
	AnswerSent          bool
	EndOfCandidatesSent bool
	PendingCandidates   int
	GatheredCandidates  int
}

// Peer is the negotiation engine of one media session. All negotiation
// state is owned by its loop goroutine; public methods post into it and
// return immediately. Transport calls run in order on a separate worker so
// the loop never blocks on the media stack.
type Peer struct {
	gen       uint64
	config    PeerConfig
	transport MediaTransport
	out       func(PeerEvent)
	log       *logrus.Entry

	inbox     chan peerMsg
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// loop-owned
	haveLocal        bool
	localEmitted     bool
	negotiationEnded bool
	answerSent       bool
	eocSent          bool
	eocDeferred      bool
	bitrateCapped    bool
	candidates       []ICECandidate
	pending          []ICECandidate
	settle           *edgeTimer
	restart          restartSession

	mu       sync.RWMutex
	snapshot PeerSnapshot
}

// NewPeer creates a Peer over transport and starts its loop. Events are
// delivered to out from the loop goroutine.
func NewPeer(gen uint64, config PeerConfig, transport MediaTransport, out func(PeerEvent), log *logrus.Entry) *Peer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Peer{
		gen:       gen,
		config:    config,
		transport: transport,
		out:       out,
		log:       log.WithField("peer_gen", gen),
		inbox:     make(chan peerMsg, 128),
		ops:       make(chan func(), 64),
		done:      make(chan struct{}),
	}
	p.settle = newEdgeTimer(func(g uint64) {
		p.post(peerMsg{kind: peerMsgSettleFired, gen: g})
	})
	p.restart.poll = newEdgeTimer(func(g uint64) {
		p.post(peerMsg{kind: peerMsgRestartPoll, gen: g})
	})
	transport.SetEventHandler(func(ev TransportEvent) {
		p.post(peerMsg{kind: peerMsgTransport, event: ev})
	})
	go p.run()
	go p.runOps()
	return p
}

// Gen returns the generation this Peer was created with.
func (p *Peer) Gen() uint64 {
	return p.gen
}

// Snapshot returns the negotiation flags as of the last processed event.
func (p *Peer) Snapshot() PeerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// StartOffer creates the local offer.
func (p *Peer) StartOffer() {
	p.enqueue(func() {
		sdp, err := p.transport.CreateLocalOffer(false)
		if err != nil {
			err = fmt.Errorf("failed to create offer: %w", err)
		}
		p.post(peerMsg{kind: peerMsgLocalReady, sdp: sdp, err: err})
	})
}

// StartAnswer applies the remote offer and creates the local answer.
func (p *Peer) StartAnswer(remoteSDP string) {
	p.enqueue(func() {
		if err := p.transport.SetRemoteDescription(SDPTypeOffer, remoteSDP); err != nil {
			p.post(peerMsg{kind: peerMsgLocalReady, err: fmt.Errorf("failed to apply remote offer: %w", err)})
			return
		}
		sdp, err := p.transport.CreateLocalAnswer()
		if err != nil {
			err = fmt.Errorf("failed to create answer: %w", err)
		}
		p.post(peerMsg{kind: peerMsgLocalReady, sdp: sdp, err: err})
	})
}

// SetRemoteAnswer applies a remote answer. The result is reported as a
// PeerRemoteApplied event carrying purpose and epoch.
func (p *Peer) SetRemoteAnswer(sdp string, purpose RemotePurpose, epoch uint64) {
	p.enqueue(func() {
		err := p.transport.SetRemoteDescription(SDPTypeAnswer, sdp)
		if err != nil {
			err = fmt.Errorf("failed to apply remote answer: %w", err)
		}
		p.emit(PeerEvent{Kind: PeerRemoteApplied, Purpose: purpose, Epoch: epoch, Err: err})
	})
}

// AddRemoteCandidate applies a trickled remote candidate.
func (p *Peer) AddRemoteCandidate(c ICECandidate) {
	p.enqueue(func() {
		if err := p.transport.AddICECandidate(c); err != nil {
			p.log.WithFields(logrus.Fields{
				"function":  "AddRemoteCandidate",
				"candidate": c.Candidate,
			}).WithError(err).Warn("Failed to add remote candidate")
		}
	})
}

// EndOfRemoteCandidates signals that the remote side stopped trickling.
func (p *Peer) EndOfRemoteCandidates() {
	p.enqueue(func() {
		if err := p.transport.EndOfRemoteCandidates(); err != nil {
			p.log.WithField("function", "EndOfRemoteCandidates").WithError(err).Warn("Failed to end remote candidates")
		}
	})
}

// SetMuted enables or disables outbound audio without renegotiating.
func (p *Peer) SetMuted(muted bool) {
	p.enqueue(func() { p.transport.SetMuted(muted) })
}

// MarkAnswerSent releases candidates queued on the answering side.
func (p *Peer) MarkAnswerSent() {
	p.post(peerMsg{kind: peerMsgMarkAnswerSent})
}

// ReleaseCandidates flushes queued candidates once the call leg can be
// correlated by the gateway.
func (p *Peer) ReleaseCandidates() {
	p.post(peerMsg{kind: peerMsgReleaseCandidates})
}

// AdjustBitrate caps the audio bitrate of every later outbound SDP.
func (p *Peer) AdjustBitrate() {
	p.post(peerMsg{kind: peerMsgAdjustBitrate})
}

// Transport returns the media transport driven by this Peer.
func (p *Peer) Transport() MediaTransport {
	return p.transport
}

// Stats samples the media statistics of the transport.
func (p *Peer) Stats(ctx context.Context) (StatsSnapshot, error) {
	return p.transport.Stats(ctx)
}

// Close disposes the Peer. Timers are cancelled, queued candidates are
// dropped and no event is emitted afterwards. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.transport.SetEventHandler(nil)
		if err := p.transport.Close(); err != nil {
			p.log.WithField("function", "Close").WithError(err).Warn("Failed to close media transport")
		}
	})
}

func (p *Peer) post(msg peerMsg) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.inbox <- msg:
		return true
	case <-p.done:
		return false
	}
}

func (p *Peer) enqueue(op func()) {
	select {
	case <-p.done:
	case p.ops <- op:
	}
}

func (p *Peer) emit(ev PeerEvent) {
	select {
	case <-p.done:
		return
	default:
	}
	ev.Gen = p.gen
	p.out(ev)
}

func (p *Peer) run() {
	defer p.cleanup()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.inbox:
			p.handle(msg)
			p.publish()
		}
	}
}

func (p *Peer) runOps() {
	for {
		select {
		case <-p.done:
			return
		case op := <-p.ops:
			op()
		}
	}
}

func (p *Peer) cleanup() {
	p.settle.Disarm()
	p.restart.poll.Disarm()
	p.pending = nil
	p.restart.buffered = nil
}

func (p *Peer) publish() {
	snap := PeerSnapshot{
		NegotiationEnded:    p.negotiationEnded,
		IceRestarting:       p.restart.phase != restartIdle,
		AnswerSent:          p.answerSent,
		EndOfCandidatesSent: p.eocSent,
		PendingCandidates:   len(p.pending),
		GatheredCandidates:  len(p.candidates),
	}
	p.mu.Lock()
	p.snapshot = snap
	p.mu.Unlock()
}

func (p *Peer) handle(msg peerMsg) {
	switch msg.kind {
	case peerMsgTransport:
		p.handleTransport(msg.event)
	case peerMsgSettleFired:
		if !p.settle.Fire(msg.gen) {
			return
		}
		if p.config.Trickle {
			p.sendEndOfCandidates()
		} else {
			p.endNegotiation("settle timer")
		}
	case peerMsgLocalReady:
		p.handleLocalReady(msg)
	case peerMsgMarkAnswerSent:
		p.answerSent = true
		p.flushPending()
		if p.eocDeferred {
			p.sendEndOfCandidates()
		}
	case peerMsgReleaseCandidates:
		if !p.holding() {
			p.flushPending()
		}
	case peerMsgAdjustBitrate:
		p.bitrateCapped = true
	case peerMsgRestart:
		p.handleRestart(msg.epoch)
	case peerMsgRestartReady:
		p.handleRestartReady(msg)
	case peerMsgRestartPoll:
		p.handleRestartPoll(msg.gen)
	case peerMsgStopGathering:
		p.handleStopGathering()
	case peerMsgEndRestart:
		p.resetRestart()
	}
}

func (p *Peer) handleTransport(ev TransportEvent) {
	switch ev.Kind {
	case TransportCandidate:
		p.onCandidate(ev.Candidate)
	case TransportGatheringComplete:
		p.onGatheringComplete()
	case TransportICEState:
		p.emit(PeerEvent{Kind: PeerICEState, ICEState: ev.ICEState})
		if !p.config.Trickle && ev.ICEState.Up() && !p.restarting() {
			p.endNegotiation("connected")
		}
	case TransportPeerState, TransportSignalingState:
		p.log.WithFields(logrus.Fields{
			"function":        "handleTransport",
			"peer_state":      ev.PeerState,
			"signaling_state": ev.SignalingState,
		}).Debug("Transport state changed")
	}
}

func (p *Peer) handleLocalReady(msg peerMsg) {
	if msg.err != nil {
		p.emit(PeerEvent{Kind: PeerError, Err: msg.err})
		return
	}
	p.haveLocal = true
	p.log.WithField("function", "handleLocalReady").Debugf("Local description set:\n%s", msg.sdp)

	if p.config.Trickle {
		p.emitDescription(msg.sdp)
		p.flushPending()
		if p.eocDeferred && !p.holding() {
			p.sendEndOfCandidates()
		}
		return
	}
	if p.negotiationEnded {
		p.emitDescription(p.localSDP(msg.sdp))
	}
}

func (p *Peer) onCandidate(c ICECandidate) {
	if p.restarting() {
		p.onRestartCandidate(c)
		return
	}
	if p.negotiationEnded {
		p.log.WithFields(logrus.Fields{
			"function":  "onCandidate",
			"candidate": c.Candidate,
		}).Debug("Ignoring candidate after negotiation ended")
		return
	}
	p.candidates = append(p.candidates, c)

	if !p.config.Trickle {
		if c.FromServer() {
			p.settle.Arm(p.config.NegotiationTimeout)
		}
		return
	}

	p.settle.Arm(p.config.TrickleSettleTimeout)
	if p.holding() {
		p.pending = append(p.pending, c)
		return
	}
	p.emit(PeerEvent{Kind: PeerCandidate, Candidate: c})
}

func (p *Peer) onGatheringComplete() {
	if p.restarting() {
		p.onRestartGatheringComplete()
		return
	}
	if p.config.Trickle {
		p.sendEndOfCandidates()
		return
	}
	p.endNegotiation("gathering complete")
}

// holding reports whether local candidates must be queued: before the
// local description went out, and on the answering side until the ANSWER
// is confirmed sent.
func (p *Peer) holding() bool {
	return !p.localEmitted || (p.config.Answering && !p.answerSent)
}

func (p *Peer) flushPending() {
	if len(p.pending) == 0 || p.holding() {
		return
	}
	queued := p.pending
	p.pending = nil
	for _, c := range queued {
		p.emit(PeerEvent{Kind: PeerCandidate, Candidate: c})
	}
}

// endNegotiation finishes gather-then-send negotiation. The description is
// emitted now, or as soon as the local description is ready.
func (p *Peer) endNegotiation(why string) {
	if p.negotiationEnded {
		return
	}
	p.settle.Disarm()
	p.negotiationEnded = true
	p.log.WithFields(logrus.Fields{
		"function":   "endNegotiation",
		"reason":     why,
		"candidates": len(p.candidates),
	}).Debug("Negotiation ended")
	if !p.haveLocal {
		return
	}
	p.emitDescription(p.localSDP(""))
}

func (p *Peer) sendEndOfCandidates() {
	if p.eocSent {
		return
	}
	p.settle.Disarm()
	if p.holding() {
		p.eocDeferred = true
		return
	}
	p.eocSent = true
	p.eocDeferred = false
	p.negotiationEnded = true
	p.emit(PeerEvent{Kind: PeerEndOfCandidates})
}

func (p *Peer) emitDescription(sdp string) {
	if p.localEmitted {
		return
	}
	p.localEmitted = true
	p.emit(PeerEvent{Kind: PeerLocalDescription, SDP: p.outbound(sdp, !p.config.Answering)})
}

func (p *Peer) localSDP(fallback string) string {
	if sdp := p.transport.LocalDescription(); sdp != "" {
		return sdp
	}
	return fallback
}

// outbound prepares a local description for signaling. Hardening applies
// to offers only and validates before the trickle option is inserted.
func (p *Peer) outbound(sdp string, offer bool) string {
	if offer && p.config.Harden {
		hardened, issues := sdputil.Harden(sdp)
		if len(issues) > 0 {
			p.log.WithFields(logrus.Fields{
				"function": "outbound",
				"issues":   issues,
			}).Warn("Hardened SDP failed validation, sending original")
		}
		sdp = hardened
	}
	if p.bitrateCapped {
		sdp = sdputil.CapAudioBitrate(sdp, sdputil.HardenedBitrate)
	}
	if p.config.Trickle {
		sdp = sdputil.ForTrickle(sdp)
	}
	return sdp
}
