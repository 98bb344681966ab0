/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ICEState mirrors the ICE connection state names of the media transport
type ICEState string

const (
	ICEStateNew          ICEState = "new"
	ICEStateChecking     ICEState = "checking"
	ICEStateConnected    ICEState = "connected"
	ICEStateCompleted    ICEState = "completed"
	ICEStateDisconnected ICEState = "disconnected"
	ICEStateFailed       ICEState = "failed"
	ICEStateClosed       ICEState = "closed"
)

// Up reports whether media can flow in this state.
func (s ICEState) Up() bool {
	return s == ICEStateConnected || s == ICEStateCompleted
}

// SDPType is the type of a session description
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// ICECandidate is one local or remote candidate in signaling form
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
	// Type is host, srflx, prflx or relay. Empty for remote candidates.
	Type string
}

// FromServer reports whether the candidate was learned from a configured
// STUN or TURN server.
func (c ICECandidate) FromServer() bool {
	return c.Type == "srflx" || c.Type == "relay"
}

// TransportEventKind tags a TransportEvent
type TransportEventKind int

const (
	TransportCandidate TransportEventKind = iota
	TransportGatheringComplete
	TransportICEState
	TransportPeerState
	TransportSignalingState
)

// TransportEvent is a single callback from the media transport. Only the
// field matching Kind is set.
type TransportEvent struct {
	Kind           TransportEventKind
	Candidate      ICECandidate
	ICEState       ICEState
	PeerState      string
	SignalingState string
}

// StatsSnapshot is one sample of media statistics
type StatsSnapshot struct {
	Jitter          time.Duration
	RTT             time.Duration
	PacketsLost     int64
	PacketsReceived int64

	InboundAudioLevel  float64
	OutboundAudioLevel float64

	Inbound        map[string]any
	Outbound       map[string]any
	RemoteInbound  map[string]any
	RemoteOutbound map[string]any
}

// MediaTransport is the narrow interface the negotiation engine drives.
// Description methods set the created description locally before
// returning it. Implementations must be safe for concurrent use and
// deliver events on their own goroutines.
type MediaTransport interface {
	// CreateLocalOffer creates and applies an offer. With iceRestart set,
	// new credentials force fresh candidate gathering on a live session.
	CreateLocalOffer(iceRestart bool) (string, error)
	CreateLocalAnswer() (string, error)
	SetRemoteDescription(typ SDPType, sdp string) error
	// LocalDescription returns the current local SDP including gathered
	// candidates, or "" before one is set.
	LocalDescription() string

	AddICECandidate(c ICECandidate) error
	EndOfRemoteCandidates() error

	// SetMuted drops outbound audio without renegotiating.
	SetMuted(muted bool)
	// SetAudioEnabled detaches or reattaches the outbound audio path.
	SetAudioEnabled(enabled bool) error

	Stats(ctx context.Context) (StatsSnapshot, error)

	// SetEventHandler replaces the event callback. nil detaches it.
	SetEventHandler(handler func(TransportEvent))
	Close() error
}

// TransportFactory creates the media transport for a new Peer
type TransportFactory func(cfg *Config, log *logrus.Entry) (MediaTransport, error)
