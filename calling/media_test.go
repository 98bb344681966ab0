/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"strings"
	"testing"

	"github.com/tejzpr/verto-go-sdk/sdputil"
)

func newTestPionTransport(t *testing.T) MediaTransport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	mt, err := NewPionTransport(cfg, testLogger().WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("NewPionTransport failed: %v", err)
	}
	t.Cleanup(func() { _ = mt.Close() })
	return mt
}

func TestPionTransport(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		mt := newTestPionTransport(t)
		if mt.LocalDescription() != "" {
			t.Error("expected no local description before an offer")
		}
	})

	t.Run("Nil config uses defaults", func(t *testing.T) {
		mt, err := NewPionTransport(nil, nil)
		if err != nil {
			t.Fatalf("NewPionTransport failed: %v", err)
		}
		_ = mt.Close()
	})

	t.Run("CreateLocalOffer", func(t *testing.T) {
		mt := newTestPionTransport(t)
		sdp, err := mt.CreateLocalOffer(false)
		if err != nil {
			t.Fatalf("CreateLocalOffer failed: %v", err)
		}
		if len(sdp) < 50 {
			t.Errorf("expected a substantial SDP, got %d bytes", len(sdp))
		}
		for _, want := range []string{"m=audio", "opus/48000", "PCMU/8000", "telephone-event/8000"} {
			if !strings.Contains(sdp, want) {
				t.Errorf("expected offer to contain %q", want)
			}
		}
	})

	t.Run("Offer and answer between transports", func(t *testing.T) {
		caller := newTestPionTransport(t)
		callee := newTestPionTransport(t)

		offer, err := caller.CreateLocalOffer(false)
		if err != nil {
			t.Fatalf("CreateLocalOffer failed: %v", err)
		}
		if err := callee.SetRemoteDescription(SDPTypeOffer, offer); err != nil {
			t.Fatalf("SetRemoteDescription(offer) failed: %v", err)
		}
		answer, err := callee.CreateLocalAnswer()
		if err != nil {
			t.Fatalf("CreateLocalAnswer failed: %v", err)
		}
		if !strings.Contains(answer, "m=audio") {
			t.Error("expected answer to carry an audio section")
		}
		if err := caller.SetRemoteDescription(SDPTypeAnswer, answer); err != nil {
			t.Fatalf("SetRemoteDescription(answer) failed: %v", err)
		}
		// a duplicate answer in stable state is ignored
		if err := caller.SetRemoteDescription(SDPTypeAnswer, answer); err != nil {
			t.Errorf("expected duplicate answer to be ignored, got %v", err)
		}
	})

	t.Run("Answer mirroring a hardened offer", func(t *testing.T) {
		caller := newTestPionTransport(t)
		callee := newTestPionTransport(t)

		local, err := caller.CreateLocalOffer(false)
		if err != nil {
			t.Fatalf("CreateLocalOffer failed: %v", err)
		}
		offer, issues := sdputil.Harden(local)
		if len(issues) > 0 {
			t.Fatalf("expected the pion offer to harden cleanly, got %v", issues)
		}
		if !strings.Contains(offer, "opus/16000") {
			t.Fatal("expected the hardened offer to carry opus/16000")
		}
		if err := callee.SetRemoteDescription(SDPTypeOffer, offer); err != nil {
			t.Fatalf("SetRemoteDescription(offer) failed: %v", err)
		}
		answer, err := callee.CreateLocalAnswer()
		if err != nil {
			t.Fatalf("CreateLocalAnswer failed: %v", err)
		}
		answer = strings.ReplaceAll(answer, "opus/48000", "opus/16000")
		if err := caller.SetRemoteDescription(SDPTypeAnswer, answer); err != nil {
			t.Fatalf("SetRemoteDescription(answer) failed: %v", err)
		}

		found := false
		for _, codec := range caller.(*PionTransport).sender.GetParameters().Codecs {
			if strings.EqualFold(codec.MimeType, "audio/opus") {
				found = true
			}
		}
		if !found {
			t.Error("expected opus to stay negotiated")
		}
	})

	t.Run("Unsupported description type", func(t *testing.T) {
		mt := newTestPionTransport(t)
		if err := mt.SetRemoteDescription(SDPType("pranswer"), testSDP); err == nil {
			t.Error("expected an error for an unsupported type")
		}
	})

	t.Run("Mute and Unmute", func(t *testing.T) {
		mt := newTestPionTransport(t).(*PionTransport)
		mt.SetMuted(true)
		if !mt.IsMuted() {
			t.Error("expected muted")
		}
		mt.SetMuted(false)
		if mt.IsMuted() {
			t.Error("expected unmuted")
		}
	})

	t.Run("Audio path toggle", func(t *testing.T) {
		mt := newTestPionTransport(t)
		if err := mt.SetAudioEnabled(false); err != nil {
			t.Fatalf("disable failed: %v", err)
		}
		if err := mt.SetAudioEnabled(false); err != nil {
			t.Fatalf("repeated disable failed: %v", err)
		}
		if err := mt.SetAudioEnabled(true); err != nil {
			t.Fatalf("enable failed: %v", err)
		}
	})

	t.Run("Stats before media", func(t *testing.T) {
		mt := newTestPionTransport(t)
		snap, err := mt.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if snap.PacketsReceived != 0 || snap.RTT != 0 {
			t.Errorf("expected empty stats, got %+v", snap)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := mt.Stats(ctx); err == nil {
			t.Error("expected an error for a cancelled context")
		}
	})

	t.Run("Close", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ICEServers = nil
		mt, err := NewPionTransport(cfg, nil)
		if err != nil {
			t.Fatalf("NewPionTransport failed: %v", err)
		}
		if err := mt.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
}
