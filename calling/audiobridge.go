/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// BridgeSignaling carries the bridge's offer/answer exchange with a
// browser, typically over a websocket.
type BridgeSignaling interface {
	// Receive blocks until a message arrives or the channel closes.
	Receive() ([]byte, error)
	Send(data []byte) error
}

// BridgeSignalKind is the type of a BridgeSignal
type BridgeSignalKind string

const (
	BridgeSignalOffer     BridgeSignalKind = "offer"
	BridgeSignalAnswer    BridgeSignalKind = "answer"
	BridgeSignalCandidate BridgeSignalKind = "ice-candidate"
)

// BridgeSignal is one JSON signaling message
type BridgeSignal struct {
	Kind      BridgeSignalKind `json:"type"`
	SDP       string           `json:"sdp,omitempty"`
	Candidate json.RawMessage  `json:"candidate,omitempty"`
}

// RTPEndpoint is a media transport that exposes its raw audio. The pion
// transport implements it.
type RTPEndpoint interface {
	WriteRTP(pkt *rtp.Packet) error
	RemoteTrack() *webrtc.TrackRemote
}

const (
	bridgeTrackPoll = 200 * time.Millisecond
	rtpMTU          = 1500
)

// AudioBridge relays call audio to and from a browser over a second
// PeerConnection, so a headless client can be used as a softphone backend.
// Packets are relayed as-is: the browser side only offers PCMU and PCMA.
type AudioBridge struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP
	log   *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	// callAudio is closed by the first packet relayed from the call
	callAudio     chan struct{}
	callAudioOnce sync.Once

	mu     sync.RWMutex
	call   *Call
	signal BridgeSignaling
}

// NewAudioBridge creates a bridge whose browser-facing PeerConnection uses
// the ICE servers of cfg. A nil cfg means DefaultConfig.
func NewAudioBridge(cfg *Config, log *logrus.Entry) (*AudioBridge, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	api, err := bridgeAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
		"call-audio",
		"verto-bridge",
	)
	if err == nil {
		_, err = pc.AddTrack(track)
	}
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add bridge track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ab := &AudioBridge{
		pc:        pc,
		track:     track,
		log:       log.WithField("component", "audio_bridge"),
		ctx:       ctx,
		cancel:    cancel,
		callAudio: make(chan struct{}),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ab.log.WithField("codec", remote.Codec().MimeType).Info("Browser track received")
		go ab.relay("browser", remote, ab.writeToCall, nil)
	})
	pc.OnICECandidate(ab.sendCandidate)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		ab.log.WithField("state", s.String()).Debug("Browser connection state changed")
	})

	go ab.sendSilence()
	go ab.relayCall()
	return ab, nil
}

func bridgeAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for pt, mime := range map[webrtc.PayloadType]string{0: webrtc.MimeTypePCMU, 8: webrtc.MimeTypePCMA} {
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 8000, Channels: 1},
			PayloadType:        pt,
		}
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", mime, err)
		}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)), nil
}

// AttachCall binds a call to the bridge. Audio flows once the call is
// ACTIVE.
func (ab *AudioBridge) AttachCall(call *Call) {
	ab.mu.Lock()
	ab.call = call
	ab.mu.Unlock()
	ab.log.WithField("call_id", call.ID()).Info("Call attached")
}

func (ab *AudioBridge) DetachCall() {
	ab.mu.Lock()
	ab.call = nil
	ab.mu.Unlock()
}

// Call returns the attached call, or nil.
func (ab *AudioBridge) Call() *Call {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	return ab.call
}

// endpoint is the RTP endpoint of the attached call while it is ACTIVE
func (ab *AudioBridge) endpoint() RTPEndpoint {
	call := ab.Call()
	if call == nil || call.State() != CallStateActive {
		return nil
	}
	endpoint, _ := call.Transport().(RTPEndpoint)
	return endpoint
}

// HandleSignaling serves one browser until its signaling channel fails.
// Answers carry every gathered candidate; later candidates trickle.
func (ab *AudioBridge) HandleSignaling(signal BridgeSignaling) error {
	ab.mu.Lock()
	ab.signal = signal
	ab.mu.Unlock()
	defer func() {
		ab.mu.Lock()
		if ab.signal == signal {
			ab.signal = nil
		}
		ab.mu.Unlock()
	}()

	for {
		data, err := signal.Receive()
		if err != nil {
			return fmt.Errorf("bridge signaling receive: %w", err)
		}
		var msg BridgeSignal
		if err := json.Unmarshal(data, &msg); err != nil {
			ab.log.WithError(err).Warn("Invalid bridge signal")
			continue
		}
		switch msg.Kind {
		case BridgeSignalOffer:
			answer, err := ab.answer(msg.SDP)
			if err != nil {
				ab.log.WithError(err).Warn("Failed to answer browser offer")
				continue
			}
			if err := ab.emit(signal, BridgeSignal{Kind: BridgeSignalAnswer, SDP: answer}); err != nil {
				return fmt.Errorf("bridge signaling send: %w", err)
			}
		case BridgeSignalCandidate:
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Candidate, &candidate); err == nil {
				err = ab.pc.AddICECandidate(candidate)
			}
			if err != nil {
				ab.log.WithError(err).Warn("Failed to add browser candidate")
			}
		default:
			ab.log.WithField("kind", msg.Kind).Debug("Ignoring bridge signal")
		}
	}
}

func (ab *AudioBridge) emit(signal BridgeSignaling, msg BridgeSignal) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return signal.Send(data)
}

func (ab *AudioBridge) sendCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	ab.mu.RLock()
	signal := ab.signal
	ab.mu.RUnlock()
	if signal == nil {
		return
	}
	candidate, err := json.Marshal(c.ToJSON())
	if err == nil {
		err = ab.emit(signal, BridgeSignal{Kind: BridgeSignalCandidate, Candidate: candidate})
	}
	if err != nil {
		ab.log.WithError(err).Warn("Failed to send candidate to browser")
	}
}

func (ab *AudioBridge) answer(offer string) (string, error) {
	if err := ab.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := ab.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(ab.pc)
	if err := ab.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ab.ctx.Done():
		return "", ab.ctx.Err()
	}
	return ab.pc.LocalDescription().SDP, nil
}

// Close stops the relays and closes the browser PeerConnection.
func (ab *AudioBridge) Close() error {
	ab.closeOnce.Do(func() {
		ab.cancel()
		ab.closeErr = ab.pc.Close()
	})
	return ab.closeErr
}

// writeToCall drops browser audio until the call is ACTIVE.
func (ab *AudioBridge) writeToCall(pkt *rtp.Packet) error {
	endpoint := ab.endpoint()
	if endpoint == nil {
		return nil
	}
	return endpoint.WriteRTP(pkt)
}

func (ab *AudioBridge) writeToBrowser(pkt *rtp.Packet) error {
	ab.callAudioOnce.Do(func() { close(ab.callAudio) })
	return ab.track.WriteRTP(pkt)
}

// relay copies packets from src to dst until src ends or the bridge
// closes. A dst failure ends the relay when fatal is set.
func (ab *AudioBridge) relay(from string, src *webrtc.TrackRemote, dst func(*rtp.Packet) error, fatal func(error) bool) {
	log := ab.log.WithField("from", from)
	buf := make([]byte, rtpMTU)
	var relayed int
	for ab.ctx.Err() == nil {
		n, _, err := src.Read(buf)
		if err != nil {
			log.WithError(err).WithField("relayed", relayed).Info("Track ended")
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := dst(pkt); err != nil {
			if fatal != nil && fatal(err) {
				log.WithError(err).Warn("Relay stopped")
				return
			}
			log.WithError(err).Debug("Relay write failed")
			continue
		}
		relayed++
	}
}

// relayCall waits for the call's remote track and relays it to the browser.
func (ab *AudioBridge) relayCall() {
	remote := ab.waitRemoteTrack()
	if remote == nil {
		return
	}
	ab.relay("call", remote, ab.writeToBrowser, func(error) bool { return true })
}

func (ab *AudioBridge) waitRemoteTrack() *webrtc.TrackRemote {
	ticker := time.NewTicker(bridgeTrackPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ab.ctx.Done():
			return nil
		case <-ticker.C:
			if endpoint := ab.endpoint(); endpoint != nil {
				if remote := endpoint.RemoteTrack(); remote != nil {
					return remote
				}
			}
		}
	}
}

// sendSilence feeds the browser PCMU silence until call audio arrives.
func (ab *AudioBridge) sendSilence() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var clock silenceClock
	for {
		select {
		case <-ab.ctx.Done():
			return
		case <-ab.callAudio:
			return
		case <-ticker.C:
			if err := ab.track.WriteRTP(clock.next()); err != nil {
				ab.log.WithError(err).Debug("Silence write failed")
				return
			}
		}
	}
}
