/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/quality"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// callDeps are the collaborators a Call is created with
type callDeps struct {
	send      func(msg *verto.Message) error
	sessionID func() string
	logger    *logrus.Logger
	metrics   *Metrics
	transport TransportFactory
	tones     TonePlayer
	audio     *AudioResetter
	device    *TransportAudioDevice
	onDone    func(*Call)
}

type notice struct {
	key  CallEventKey
	data interface{}
}

// callSnapshot is the state readable from any goroutine
type callSnapshot struct {
	state           CallState
	direction       CallDirection
	reason          *TerminationReason
	remoteSDP       string
	telnyxSessionID string
	telnyxLegID     string
	callerName      string
	callerNumber    string
	destination     string
	answerHeaders   map[string]string
	inviteHeaders   map[string]string
	restarting      bool
	rttWatch        bool
	muted           bool
	peer            *Peer
}

// Call is one call session. All call state is owned by a single loop
// goroutine; public methods post into it, and signaling messages for the
// call are processed in arrival order.
type Call struct {
	id      string
	config  Config
	deps    callDeps
	log     *logrus.Entry
	emitter *EventEmitter
	monitor *quality.Monitor

	inbox     chan func()
	notices   chan notice
	done      chan struct{}
	closeOnce sync.Once

	// loop-owned
	machine         *callStateMachine
	direction       CallDirection
	finished        bool
	peer            *Peer
	peerGen         uint64
	answering       bool
	attaching       bool
	inviteID        string
	remoteSDP       string
	remoteApplied   bool
	info            verto.CallInfo
	options         verto.CallOptions
	remoteName      string
	remoteNumber    string
	telnyxSessionID string
	telnyxLegID     string
	inviteHeaders   map[string]string
	answerHeaders   map[string]string
	reason          *TerminationReason
	muted           bool
	restart         callRestart
	restartEpoch    uint64
	restartAnswer   *edgeTimer
	updateGen       uint64
	recovery        recoveryState
	debug           debugReport
	watchdog        *edgeTimer
	statsCancel     context.CancelFunc
	resetCtx        context.Context
	resetCancel     context.CancelFunc

	mu   sync.RWMutex
	snap callSnapshot
}

func newCall(id string, direction CallDirection, config Config, deps callDeps) *Call {
	id = strings.ToLower(id)
	if deps.tones == nil {
		deps.tones = NopTonePlayer{}
	}
	log := vertosdk.ComponentLogger(deps.logger, "call").WithField("call_id", id)

	c := &Call{
		id:        id,
		config:    config,
		deps:      deps,
		log:       log,
		emitter:   NewEventEmitter(),
		inbox:     make(chan func(), 128),
		notices:   make(chan notice, 256),
		done:      make(chan struct{}),
		direction: direction,
		info:      verto.CallInfo{CallID: id},
		options:   verto.CallOptions{Trickle: config.TrickleICE},
	}
	c.resetCtx, c.resetCancel = context.WithCancel(context.Background())
	c.machine = newCallStateMachine(c.onStateChange)
	c.watchdog = newEdgeTimer(func(gen uint64) {
		c.post(func() { c.onWatchdog(gen) })
	})
	c.restartAnswer = newEdgeTimer(func(gen uint64) {
		c.post(func() { c.onRestartAnswerTimeout(gen) })
	})

	monitorConfig := quality.DefaultMonitorConfig()
	monitorConfig.MinInterval = config.ImprovementMinInterval
	c.monitor = quality.NewMonitor(monitorConfig, log)
	// monitor callbacks may run off the loop, so they re-enter it
	c.monitor.OnImprovement(func() {
		go c.post(c.onImprovement)
	})
	c.monitor.OnQualityChange(func(q quality.Quality) {
		go c.post(func() { c.notify(CallEventQualityChanged, q) })
	})

	c.publish()
	deps.metrics.callCreated(direction)
	go c.run()
	go c.dispatch()
	return c
}

// ---- Loop ----

func (c *Call) run() {
	defer close(c.notices)
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.inbox:
			fn()
			c.publish()
			if c.finished {
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		}
	}
}

func (c *Call) dispatch() {
	for n := range c.notices {
		c.emitter.Emit(string(n.key), n.data)
	}
}

func (c *Call) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (c *Call) do(op string, fn func() error) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		return c.endedError(op)
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return c.endedError(op)
		}
	}
}

func (c *Call) endedError(op string) error {
	return vertosdk.NewPreconditionError(op, c.id, "cannot %s: call is in state %s", strings.ToLower(op), CallStateDone)
}

// notify queues an event for the dispatcher. Only the loop calls it.
func (c *Call) notify(key CallEventKey, data interface{}) {
	c.notices <- notice{key: key, data: data}
}

func (c *Call) publish() {
	snap := callSnapshot{
		state:           c.machine.Current(),
		direction:       c.direction,
		reason:          c.reason,
		remoteSDP:       c.remoteSDP,
		telnyxSessionID: c.telnyxSessionID,
		telnyxLegID:     c.telnyxLegID,
		callerName:      c.info.CallerName,
		callerNumber:    c.info.CallerNumber,
		destination:     c.options.DestinationNumber,
		answerHeaders:   c.answerHeaders,
		inviteHeaders:   c.inviteHeaders,
		restarting:      c.restart.active,
		rttWatch:        c.watchdog.Armed(),
		muted:           c.muted,
		peer:            c.peer,
	}
	if c.direction != CallDirectionOutbound {
		snap.callerName = c.remoteName
		snap.callerNumber = c.remoteNumber
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

func (c *Call) snapshot() callSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// ---- Getters ----

// ID returns the call id
func (c *Call) ID() string {
	return c.id
}

// Direction returns the call direction
func (c *Call) Direction() CallDirection {
	return c.snapshot().direction
}

// State returns the current call state
func (c *Call) State() CallState {
	return c.snapshot().state
}

// Reason returns the reason attached to the current state, if any
func (c *Call) Reason() *TerminationReason {
	return c.snapshot().reason
}

// RemoteSDP returns the last remote description received
func (c *Call) RemoteSDP() string {
	return c.snapshot().remoteSDP
}

// TelnyxLegID returns the server-assigned leg id
func (c *Call) TelnyxLegID() string {
	return c.snapshot().telnyxLegID
}

// TelnyxSessionID returns the server-assigned session id
func (c *Call) TelnyxSessionID() string {
	return c.snapshot().telnyxSessionID
}

// CallerName returns the local caller name for outbound calls and the
// remote caller name otherwise
func (c *Call) CallerName() string {
	return c.snapshot().callerName
}

// CallerNumber returns the caller number, see CallerName
func (c *Call) CallerNumber() string {
	return c.snapshot().callerNumber
}

// DestinationNumber returns the dialed number of an outbound call
func (c *Call) DestinationNumber() string {
	return c.snapshot().destination
}

// InviteHeaders returns the custom headers of an inbound INVITE
func (c *Call) InviteHeaders() map[string]string {
	return c.snapshot().inviteHeaders
}

// AnswerHeaders returns the custom headers of the remote ANSWER
func (c *Call) AnswerHeaders() map[string]string {
	return c.snapshot().answerHeaders
}

// IsRestarting reports whether an ICE restart is in progress
func (c *Call) IsRestarting() bool {
	return c.snapshot().restarting
}

// IsMuted returns whether the local audio is muted
func (c *Call) IsMuted() bool {
	return c.snapshot().muted
}

// Peer returns the current negotiation engine, nil when there is none
func (c *Call) Peer() *Peer {
	return c.snapshot().peer
}

// Transport returns the media transport of the current session, nil when
// there is none
func (c *Call) Transport() MediaTransport {
	if peer := c.Peer(); peer != nil {
		return peer.Transport()
	}
	return nil
}

// Done is closed once the call reached DONE and released its resources
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// On registers a handler for a call event
func (c *Call) On(event CallEventKey, handler EventHandler) {
	c.emitter.On(string(event), handler)
}

// ---- Operations ----

// Dial starts an outbound call. It is valid only in NEW. An empty
// destination is rejected without creating a Peer. The call moves to
// CONNECTING once the INVITE is sent.
func (c *Call) Dial(opts DialOptions) error {
	const op = "Dial"
	if strings.TrimSpace(opts.DestinationNumber) == "" {
		c.log.WithField("function", op).Warn("Dial ignored: empty destination number")
		return vertosdk.NewPreconditionError(op, c.id, "destination number is required")
	}
	return c.do(op, func() error {
		if state := c.machine.Current(); state != CallStateNew {
			return vertosdk.NewPreconditionError(op, c.id, "cannot dial: call is in state %s", state)
		}
		c.info.CallerName = opts.CallerName
		c.info.CallerNumber = opts.CallerNumber
		c.options.DestinationNumber = opts.DestinationNumber
		c.options.CustomHeaders = opts.CustomHeaders
		c.options.PreferredCodecs = opts.PreferredCodecs
		c.options.ClientState = opts.ClientState

		if err := c.newPeer(false); err != nil {
			return err
		}
		c.peer.StartOffer()
		c.log.WithFields(logrus.Fields{
			"function":    op,
			"destination": opts.DestinationNumber,
			"trickle":     c.config.TrickleICE,
		}).Info("Dialing")
		return nil
	})
}

// Answer accepts an inbound call. The call moves to ACTIVE once the
// ANSWER is sent.
func (c *Call) Answer(customHeaders map[string]string) error {
	const op = "Answer"
	return c.do(op, func() error {
		state := c.machine.Current()
		if state != CallStateNew && state != CallStateRinging {
			return vertosdk.NewPreconditionError(op, c.id, "cannot answer: call is in state %s", state)
		}
		if c.answering {
			return vertosdk.NewPreconditionError(op, c.id, "answer already in progress")
		}
		c.options.CustomHeaders = customHeaders
		return c.startAnswer(op)
	})
}

// Hangup sends BYE with a cause derived from the current state, releases
// the media session and moves the call to DONE. Hanging up a finished call
// is a no-op.
func (c *Call) Hangup() error {
	const op = "Hangup"
	err := c.do(op, func() error {
		cause := verto.CauseNormalClearing
		switch c.machine.Current() {
		case CallStateRinging, CallStateConnecting:
			cause = verto.CauseUserBusy
		}
		c.hangup(cause)
		return nil
	})
	if err != nil && c.State() == CallStateDone {
		return nil
	}
	return err
}

// Hold puts the call on hold. The MODIFY is sent every time; the local
// state is set to HELD without waiting for the server.
func (c *Call) Hold() error {
	return c.modify("Hold", verto.ActionHold)
}

// Unhold resumes a held call.
func (c *Call) Unhold() error {
	return c.modify("Unhold", verto.ActionUnhold)
}

// ToggleHold flips between HELD and ACTIVE.
func (c *Call) ToggleHold() error {
	return c.modify("ToggleHold", verto.ActionToggleHold)
}

func (c *Call) modify(op string, action verto.ModifyAction) error {
	return c.do(op, func() error {
		state := c.machine.Current()
		if state != CallStateActive && state != CallStateHeld {
			return vertosdk.NewPreconditionError(op, c.id, "cannot %s: call is in state %s", strings.ToLower(op), state)
		}
		msg, err := verto.NewModify(c.deps.sessionID(), c.id, action)
		if err != nil {
			return err
		}
		if err := c.send(msg); err != nil {
			return vertosdk.NewTransportError(op, c.id, err)
		}

		event := eventHold
		switch action {
		case verto.ActionUnhold:
			event = eventUnhold
		case verto.ActionToggleHold:
			if state == CallStateHeld {
				event = eventUnhold
			}
		}
		c.fire(event)
		return nil
	})
}

// SendDigit sends a DTMF tone. No local state changes.
func (c *Call) SendDigit(tone string) error {
	const op = "SendDigit"
	return c.do(op, func() error {
		if c.deps.sessionID() == "" || c.id == "" {
			return vertosdk.NewPreconditionError(op, c.id, "cannot send digit: missing session or call id")
		}
		if tone == "" {
			return vertosdk.NewPreconditionError(op, c.id, "tone is required")
		}
		msg, err := verto.NewInfo(c.deps.sessionID(), tone, c.info, c.options)
		if err != nil {
			return err
		}
		if err := c.send(msg); err != nil {
			return vertosdk.NewTransportError(op, c.id, err)
		}
		return nil
	})
}

// Mute stops sending local audio.
func (c *Call) Mute() error {
	return c.setMuted("Mute", true)
}

// Unmute resumes sending local audio.
func (c *Call) Unmute() error {
	return c.setMuted("Unmute", false)
}

func (c *Call) setMuted(op string, muted bool) error {
	return c.do(op, func() error {
		if c.peer == nil {
			return vertosdk.NewPreconditionError(op, c.id, "cannot %s: no media session", strings.ToLower(op))
		}
		c.peer.SetMuted(muted)
		c.muted = muted
		return nil
	})
}

// Close tears the call down locally without sending BYE. Used for forced
// teardown when the session is re-established.
func (c *Call) Close() {
	c.post(func() {
		c.terminate(&TerminationReason{Cause: "LOCAL_TEARDOWN"})
	})
}

// ---- Internals ----

func (c *Call) send(msg *verto.Message) error {
	return c.deps.send(msg)
}

// fire runs a state machine event, logging invalid transitions.
func (c *Call) fire(event string) bool {
	changed, err := c.machine.Fire(event)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "fire",
			"event":    event,
		}).WithError(err).Warn("Invalid state transition")
		return false
	}
	return changed
}

func (c *Call) onStateChange(from, to CallState) {
	c.log.WithFields(logrus.Fields{
		"function": "onStateChange",
		"from":     from,
		"to":       to,
	}).Info("Call state changed")
	c.deps.metrics.transition(to)

	switch to {
	case CallStateActive:
		c.reason = nil
		c.deps.tones.Stop(c.id)
		c.armMonitoring()
		if c.peer != nil {
			c.peer.AdjustBitrate()
		}
	case CallStateHeld, CallStateDropped, CallStateDone:
		c.disarmMonitoring()
	}

	c.publish()
	c.notify(CallEventStateChanged, StateChange{CallID: c.id, From: from, To: to, Reason: c.reason})
}

// newPeer replaces the Peer slot with a fresh engine. The old one is
// disposed first.
func (c *Call) newPeer(answering bool) error {
	c.closePeer()
	transport, err := c.deps.transport(&c.config, c.log)
	if err != nil {
		return vertosdk.NewNegotiationError("newPeer", c.id, err)
	}
	c.peerGen++
	c.peer = NewPeer(c.peerGen, c.config.peerConfig(answering), transport, c.onPeerEvent, c.log)
	if c.deps.device != nil {
		c.deps.device.Attach(c.id, transport)
	}
	return nil
}

func (c *Call) closePeer() {
	if c.peer == nil {
		return
	}
	if c.deps.device != nil {
		c.deps.device.Detach(c.id)
	}
	c.peer.Close()
	c.peer = nil
	c.remoteApplied = false
	c.answering = false
	c.attaching = false
}

func (c *Call) onPeerEvent(ev PeerEvent) {
	c.post(func() { c.handlePeerEvent(ev) })
}

func (c *Call) handlePeerEvent(ev PeerEvent) {
	if c.peer == nil || ev.Gen != c.peer.Gen() {
		c.log.WithFields(logrus.Fields{
			"function": "handlePeerEvent",
			"gen":      ev.Gen,
		}).Debug("Dropping event from a replaced peer")
		return
	}
	switch ev.Kind {
	case PeerLocalDescription:
		c.onLocalDescription(ev.SDP)
	case PeerCandidate:
		c.sendCandidate(ev.Candidate)
	case PeerEndOfCandidates:
		c.sendEndOfCandidates()
	case PeerICEState:
		c.onICEState(ev.ICEState)
	case PeerRemoteApplied:
		c.onRemoteApplied(ev)
	case PeerRestartOffer:
		c.onRestartOffer(ev)
	case PeerError:
		c.onNegotiationError(ev.Err)
	}
}

func (c *Call) startAnswer(op string) error {
	if c.remoteSDP == "" {
		return vertosdk.NewPreconditionError(op, c.id, "cannot answer: no remote offer")
	}
	if err := c.newPeer(true); err != nil {
		return err
	}
	c.answering = true
	c.peer.StartAnswer(c.remoteSDP)
	c.deps.tones.Stop(c.id)
	return nil
}

func (c *Call) onLocalDescription(sdp string) {
	const op = "onLocalDescription"
	log := c.log.WithField("function", op)
	log.Debugf("Local description ready:\n%s", sdp)

	if c.answering {
		build := verto.NewAnswer
		if c.attaching {
			build = verto.NewAttach
		}
		info := c.info
		if c.direction != CallDirectionOutbound {
			info = verto.CallInfo{CallID: c.id, CallerName: c.remoteName, CallerNumber: c.remoteNumber}
		}
		msg, err := build(c.deps.sessionID(), sdp, info, c.options)
		if err == nil {
			err = c.send(msg)
		}
		if err != nil {
			c.closePeer()
			c.notify(CallEventError, vertosdk.NewTransportError("Answer", c.id, err))
			log.WithError(err).Error("Failed to send answer")
			return
		}
		c.answering = false
		c.attaching = false
		c.peer.MarkAnswerSent()
		c.fire(eventActivate)
		return
	}

	if c.machine.Current() != CallStateNew {
		return
	}
	msg, err := verto.NewInvite(c.deps.sessionID(), sdp, c.info, c.options)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.notify(CallEventError, vertosdk.NewTransportError("Dial", c.id, err))
		log.WithError(err).Error("Failed to send invite")
		c.terminate(reasonFromCause(verto.CauseNormalTemporaryFailure))
		return
	}
	c.inviteID = msg.ID
	c.fire(eventDial)
}

func (c *Call) sendCandidate(cand ICECandidate) {
	msg, err := verto.NewCandidate(c.id, c.deps.sessionID(), cand.Candidate, cand.SDPMid, cand.SDPMLineIndex)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.log.WithField("function", "sendCandidate").WithError(err).Warn("Failed to send candidate")
		return
	}
	c.deps.metrics.candidateSent()
}

func (c *Call) sendEndOfCandidates() {
	msg, err := verto.NewEndOfCandidates(c.id)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.log.WithField("function", "sendEndOfCandidates").WithError(err).Warn("Failed to send end of candidates")
	}
}

// onNegotiationError handles a failed offer or answer. A failed answer
// leaves the call in its prior state; a failed outbound offer ends it.
func (c *Call) onNegotiationError(err error) {
	wrapped := vertosdk.NewNegotiationError("negotiate", c.id, err)
	c.log.WithField("function", "onNegotiationError").WithError(err).Error("Negotiation failed")
	c.notify(CallEventError, wrapped)

	if c.answering {
		c.closePeer()
		return
	}
	if c.direction == CallDirectionOutbound && c.machine.Current() == CallStateNew {
		c.terminate(reasonFromCause(verto.CauseNormalTemporaryFailure))
	}
}

func (c *Call) onRemoteApplied(ev PeerEvent) {
	log := c.log.WithField("function", "onRemoteApplied")
	switch ev.Purpose {
	case RemoteProvisional:
		if ev.Err != nil {
			log.WithError(ev.Err).Warn("Failed to apply early media description")
			return
		}
		c.remoteApplied = true
	case RemoteAnswer:
		if ev.Err != nil {
			c.notify(CallEventError, vertosdk.NewNegotiationError("Answer", c.id, ev.Err))
			c.hangup(verto.CauseIncompatibleDestination)
			return
		}
		c.remoteApplied = true
		c.fire(eventActivate)
	case RemoteRestart:
		c.onRestartAnswerApplied(ev)
	case RemoteUpdate:
		c.onRemoteUpdateApplied(ev)
	}
}

func (c *Call) hangup(cause verto.CauseCode) {
	if c.machine.Current() == CallStateDone {
		return
	}
	msg, err := verto.NewBye(c.deps.sessionID(), c.id, cause, 0, "")
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		c.log.WithField("function", "hangup").WithError(err).Warn("Failed to send bye")
	}
	c.terminate(reasonFromCause(cause))
}

// terminate releases every resource and moves the call to DONE. The loop
// exits after the current message.
func (c *Call) terminate(reason *TerminationReason) {
	if c.finished {
		return
	}
	c.failRestart(vertosdk.NewPreconditionError("ICERestart", c.id, "call ended"))
	c.closePeer()
	c.watchdog.Disarm()
	c.resetCancel()
	c.deps.tones.Stop(c.id)
	c.stopDebugReport()

	c.reason = reason
	c.fire(eventEnd)
	c.finished = true
	c.deps.metrics.callEnded()

	c.log.WithFields(logrus.Fields{
		"function": "terminate",
		"cause":    reason.Cause,
	}).Info("Call ended")

	if c.deps.onDone != nil {
		c.deps.onDone(c)
	}
}
