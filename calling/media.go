/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/sdputil"
)

// pcmuSilence is one 20 ms frame of PCMU silence
var pcmuSilence = func() []byte {
	b := make([]byte, 160)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}()

// silenceClock numbers consecutive PCMU silence frames
type silenceClock struct {
	seq       uint16
	timestamp uint32
}

func (s *silenceClock) next() *rtp.Packet {
	s.seq++
	s.timestamp += 160 // 20 ms at 8 kHz
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			Marker:         s.seq == 1,
		},
		Payload: pcmuSilence,
	}
}

// PionTransport is the MediaTransport backed by a pion PeerConnection with
// a single sendrecv audio transceiver.
type PionTransport struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	sender         *webrtc.RTPSender
	localTrack     *webrtc.TrackLocalStaticRTP
	remoteTrack    *webrtc.TrackRemote
	handler        func(TransportEvent)
	muted          bool
	audioEnabled   bool
	appAudio       bool
	stopSilence    chan struct{}
	silence        silenceClock
	log            *logrus.Entry
}

// NewPionTransport is a TransportFactory creating a PionTransport.
func NewPionTransport(cfg *Config, log *logrus.Entry) (MediaTransport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	// Opus is preferred by the gateway; PCMU stays as the fallback that
	// hardened offers are validated for, and telephone-event carries DTMF.
	m := &webrtc.MediaEngine{}
	codecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
			PayloadType:        0,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
			PayloadType:        8,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "audio/telephone-event", ClockRate: 8000, SDPFmtpLine: "0-16"},
			PayloadType:        101,
		},
	}
	for _, codec := range codecs {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", codec.MimeType, err)
		}
	}

	// The gateway may send RTP before the answer is processed.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	// Default interceptors (RTCP reports, NACK) are required with a custom
	// MediaEngine, otherwise incoming SRTP is not processed and stats stay
	// empty.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pcConfig := webrtc.Configuration{ICEServers: iceServers(cfg)}
	if cfg.ForceRelay {
		pcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PionTransport{
		peerConnection: pc,
		audioEnabled:   true,
		log:            log.WithField("component", "pion_transport"),
	}
	if err := t.addAudioTrack(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	t.registerHandlers()
	return t, nil
}

func iceServers(cfg *Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn") {
			server.Username = cfg.ICEUsername
			server.Credential = cfg.ICECredential
		}
		servers = append(servers, server)
	}
	return servers
}

func (t *PionTransport) registerHandlers() {
	pc := t.peerConnection

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.emit(TransportEvent{Kind: TransportGatheringComplete})
			return
		}
		candidateInit := c.ToJSON()
		candidate := ICECandidate{
			Candidate: candidateInit.Candidate,
			Type:      c.Typ.String(),
		}
		if candidateInit.SDPMid != nil {
			candidate.SDPMid = *candidateInit.SDPMid
		}
		if candidateInit.SDPMLineIndex != nil {
			candidate.SDPMLineIndex = *candidateInit.SDPMLineIndex
		}
		t.log.WithField("function", "OnICECandidate").Debugf("ICE candidate gathered: %s", c.String())
		t.emit(TransportEvent{Kind: TransportCandidate, Candidate: candidate})
	})

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		if s == webrtc.ICEGatheringStateComplete {
			t.emit(TransportEvent{Kind: TransportGatheringComplete})
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.log.WithField("function", "OnICEConnectionStateChange").Infof("ICE connection state → %s", s.String())
		if s == webrtc.ICEConnectionStateConnected {
			t.startSilence()
		}
		t.emit(TransportEvent{Kind: TransportICEState, ICEState: ICEState(s.String())})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.emit(TransportEvent{Kind: TransportPeerState, PeerState: s.String()})
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		t.emit(TransportEvent{Kind: TransportSignalingState, SignalingState: s.String()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.WithFields(logrus.Fields{
			"function": "OnTrack",
			"codec":    track.Codec().MimeType,
			"ssrc":     track.SSRC(),
		}).Info("Remote audio track received")
		t.mu.Lock()
		t.remoteTrack = track
		t.mu.Unlock()
	})
}

// addAudioTrack adds a PCMU track on a sendrecv transceiver so OnTrack
// fires for the remote audio.
func (t *PionTransport) addAudioTrack() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"verto-go-sdk",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := t.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// Read RTCP from the sender so interceptors keep producing reports
	sender := transceiver.Sender()
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	t.localTrack = track
	t.sender = sender
	return nil
}

func (t *PionTransport) emit(ev TransportEvent) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// SetEventHandler replaces the event callback.
func (t *PionTransport) SetEventHandler(handler func(TransportEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// CreateLocalOffer creates an offer, sets it locally and returns it.
func (t *PionTransport) CreateLocalOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := t.peerConnection.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.peerConnection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return t.LocalDescription(), nil
}

// CreateLocalAnswer creates an answer, sets it locally and returns it.
func (t *PionTransport) CreateLocalAnswer() (string, error) {
	answer, err := t.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.peerConnection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return t.LocalDescription(), nil
}

// SetRemoteDescription applies a remote offer or answer. A duplicate
// answer arriving when signaling is already stable is ignored.
func (t *PionTransport) SetRemoteDescription(typ SDPType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdputil.EnsureMid(sdputil.NormalizeClockRates(sdputil.FilterIPv6Candidates(sdp)))}
	switch typ {
	case SDPTypeOffer:
		desc.Type = webrtc.SDPTypeOffer
	case SDPTypeAnswer:
		if t.peerConnection.SignalingState() == webrtc.SignalingStateStable {
			t.log.WithField("function", "SetRemoteDescription").Debug("Ignoring answer, signaling state already stable")
			return nil
		}
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", typ)
	}
	return t.peerConnection.SetRemoteDescription(desc)
}

// LocalDescription returns the current local SDP, or "" before one is set.
func (t *PionTransport) LocalDescription() string {
	desc := t.peerConnection.LocalDescription()
	if desc == nil {
		return ""
	}
	return desc.SDP
}

// AddICECandidate applies a remote candidate. IPv6 candidates are skipped
// the same way they are filtered from remote descriptions.
func (t *PionTransport) AddICECandidate(c ICECandidate) error {
	if sdputil.IsIPv6Candidate(c.Candidate) {
		return nil
	}
	mid := c.SDPMid
	index := c.SDPMLineIndex
	return t.peerConnection.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
}

// EndOfRemoteCandidates signals the end of remote candidates.
func (t *PionTransport) EndOfRemoteCandidates() error {
	return t.peerConnection.AddICECandidate(webrtc.ICECandidateInit{Candidate: ""})
}

// SetMuted drops outbound audio while muted.
func (t *PionTransport) SetMuted(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
}

// IsMuted returns whether the local audio is muted
func (t *PionTransport) IsMuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

// SetAudioEnabled detaches the local track from the sender, or reattaches
// it. This resets the outbound audio path without renegotiation.
func (t *PionTransport) SetAudioEnabled(enabled bool) error {
	t.mu.Lock()
	if t.audioEnabled == enabled {
		t.mu.Unlock()
		return nil
	}
	t.audioEnabled = enabled
	t.mu.Unlock()

	var track webrtc.TrackLocal
	if enabled {
		track = t.localTrack
	}
	if err := t.sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("failed to replace audio track: %w", err)
	}
	return nil
}

// WriteRTP writes application audio to the local track. The first write
// stops the silence keepalive. Packets are dropped while muted.
func (t *PionTransport) WriteRTP(pkt *rtp.Packet) error {
	t.mu.Lock()
	if !t.appAudio {
		t.appAudio = true
		if t.stopSilence != nil {
			close(t.stopSilence)
			t.stopSilence = nil
		}
	}
	muted := t.muted
	t.mu.Unlock()
	if muted {
		return nil
	}
	return t.localTrack.WriteRTP(pkt)
}

// RemoteTrack returns the remote audio track, nil before it arrives.
func (t *PionTransport) RemoteTrack() *webrtc.TrackRemote {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteTrack
}

// startSilence sends PCMU silence every 20 ms until application audio is
// written or the transport closes. It keeps NAT bindings and the remote
// jitter buffer alive right after connect and after an audio reset.
func (t *PionTransport) startSilence() {
	t.mu.Lock()
	if t.appAudio || t.stopSilence != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stopSilence = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.mu.Lock()
				skip := t.muted || !t.audioEnabled
				pkt := t.silence.next()
				t.mu.Unlock()
				if skip {
					continue
				}
				if err := t.localTrack.WriteRTP(pkt); err != nil {
					t.log.WithField("function", "startSilence").WithError(err).Debug("Silence write failed")
					return
				}
			}
		}
	}()
}

// Stats collects jitter, RTT and loss from the pion stats report.
func (t *PionTransport) Stats(ctx context.Context) (StatsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return StatsSnapshot{}, err
	}

	var snap StatsSnapshot
	var pairRTT float64
	for _, s := range t.peerConnection.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if st.Kind != "audio" {
				continue
			}
			snap.Jitter = secondsToDuration(st.Jitter)
			snap.PacketsLost = int64(st.PacketsLost)
			snap.PacketsReceived = int64(st.PacketsReceived)
			snap.Inbound = map[string]any{
				"packetsReceived": st.PacketsReceived,
				"packetsLost":     st.PacketsLost,
				"jitter":          st.Jitter,
				"bytesReceived":   st.BytesReceived,
			}
		case webrtc.OutboundRTPStreamStats:
			if st.Kind != "audio" {
				continue
			}
			snap.Outbound = map[string]any{
				"packetsSent": st.PacketsSent,
				"bytesSent":   st.BytesSent,
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if st.Kind != "audio" {
				continue
			}
			if st.RoundTripTime > 0 {
				snap.RTT = secondsToDuration(st.RoundTripTime)
			}
			snap.RemoteInbound = map[string]any{
				"roundTripTime": st.RoundTripTime,
				"packetsLost":   st.PacketsLost,
				"jitter":        st.Jitter,
			}
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				pairRTT = st.CurrentRoundTripTime
			}
		}
	}
	if snap.RTT == 0 && pairRTT > 0 {
		snap.RTT = secondsToDuration(pairRTT)
	}
	return snap, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Close stops the keepalive and closes the peer connection.
func (t *PionTransport) Close() error {
	t.mu.Lock()
	t.handler = nil
	if t.stopSilence != nil {
		close(t.stopSilence)
		t.stopSilence = nil
	}
	t.appAudio = true
	t.mu.Unlock()

	if err := t.peerConnection.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
