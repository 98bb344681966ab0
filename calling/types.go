/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"time"

	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// ---- Enums / Constants ----

// CallDirection indicates how a call was created
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
	// CallDirectionAttach is a call re-established after a socket reconnect
	CallDirectionAttach CallDirection = "attach"
)

// ImprovementAction selects what a detected network improvement triggers
type ImprovementAction string

const (
	ImprovementAudioReset ImprovementAction = "audio_reset"
	ImprovementICERestart ImprovementAction = "ice_restart"
)

// ---- Call Types ----

// TerminationReason explains why a call left the ACTIVE path. All fields
// are optional.
type TerminationReason struct {
	Cause     string          `json:"cause,omitempty"`
	CauseCode verto.CauseCode `json:"causeCode,omitempty"`
	SIPCode   int             `json:"sipCode,omitempty"`
	SIPReason string          `json:"sipReason,omitempty"`
}

func reasonFromBye(r verto.ByeReason) *TerminationReason {
	return &TerminationReason{
		Cause:     r.Cause,
		CauseCode: r.CauseCode,
		SIPCode:   r.SIPCode,
		SIPReason: r.SIPReason,
	}
}

func reasonFromCause(code verto.CauseCode) *TerminationReason {
	return &TerminationReason{Cause: code.String(), CauseCode: code}
}

// DialOptions are the parameters of an outbound call
type DialOptions struct {
	CallerName        string
	CallerNumber      string
	DestinationNumber string
	CustomHeaders     map[string]string
	PreferredCodecs   []string
	ClientState       string
}

// ---- Config Types ----

// Config holds configuration for the calling core
type Config struct {
	// ICEServers are STUN/TURN URLs handed to the media transport
	ICEServers    []string
	ICEUsername   string
	ICECredential string

	// TrickleICE, ForceRelay and HardenSDP are captured per call at
	// construction and never change for that call
	TrickleICE bool
	ForceRelay bool
	HardenSDP  bool

	// Debug attaches the raw stats maps to quality metrics events and
	// streams a debug report to the gateway while the call is up
	Debug bool

	NegotiationTimeout   time.Duration
	TrickleSettleTimeout time.Duration
	RestartTimeout       time.Duration
	RestartPollInterval  time.Duration
	RestartStableChecks  int

	// StatsInterval is the media stats sampling period while ACTIVE
	StatsInterval time.Duration

	// ImprovementMinInterval rate-limits improvement remediation
	ImprovementMinInterval time.Duration
	ImprovementAction      ImprovementAction

	// RTT watchdog: an RTT at or above RTTWatchThreshold arms a one-shot
	// timer of RTTWatchDelay; if RTT is still at or above RTTResetThreshold
	// when it fires, the audio path is reset
	RTTWatchThreshold time.Duration
	RTTResetThreshold time.Duration
	RTTWatchDelay     time.Duration

	// ResetStepDelay is the base pause of the staged audio reset
	ResetStepDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ICEServers:             []string{"stun:stun.telnyx.com:3478"},
		NegotiationTimeout:     300 * time.Millisecond,
		TrickleSettleTimeout:   3 * time.Second,
		RestartTimeout:         5 * time.Second,
		RestartPollInterval:    200 * time.Millisecond,
		RestartStableChecks:    3,
		StatsInterval:          2 * time.Second,
		ImprovementMinInterval: 30 * time.Second,
		ImprovementAction:      ImprovementAudioReset,
		RTTWatchThreshold:      500 * time.Millisecond,
		RTTResetThreshold:      1000 * time.Millisecond,
		RTTWatchDelay:          5 * time.Second,
		ResetStepDelay:         100 * time.Millisecond,
	}
}

// ConfigFromSDK derives the calling config from the top-level SDK config.
// Knobs the SDK config does not carry keep their defaults.
func ConfigFromSDK(sdk *vertosdk.Config) *Config {
	cfg := DefaultConfig()
	if sdk == nil {
		return cfg
	}
	if len(sdk.ICEServers) > 0 {
		cfg.ICEServers = sdk.ICEServers
	}
	cfg.ICEUsername = sdk.ICEUsername
	cfg.ICECredential = sdk.ICECredential
	cfg.TrickleICE = sdk.TrickleICE
	cfg.ForceRelay = sdk.ForceRelay
	cfg.HardenSDP = sdk.HardenSDP
	cfg.Debug = sdk.LogLevel == "debug" || sdk.LogLevel == "trace"
	if sdk.NegotiationTimeout > 0 {
		cfg.NegotiationTimeout = sdk.NegotiationTimeout
	}
	if sdk.TrickleSettleTimeout > 0 {
		cfg.TrickleSettleTimeout = sdk.TrickleSettleTimeout
	}
	if sdk.RestartTimeout > 0 {
		cfg.RestartTimeout = sdk.RestartTimeout
	}
	if sdk.RestartPollInterval > 0 {
		cfg.RestartPollInterval = sdk.RestartPollInterval
	}
	if sdk.RestartStableChecks > 0 {
		cfg.RestartStableChecks = sdk.RestartStableChecks
	}
	if sdk.StatsInterval > 0 {
		cfg.StatsInterval = sdk.StatsInterval
	}
	if sdk.ImprovementMinInterval > 0 {
		cfg.ImprovementMinInterval = sdk.ImprovementMinInterval
	}
	return cfg
}

func (c *Config) peerConfig(answering bool) PeerConfig {
	return PeerConfig{
		Trickle:              c.TrickleICE,
		Answering:            answering,
		Harden:               c.HardenSDP,
		NegotiationTimeout:   c.NegotiationTimeout,
		TrickleSettleTimeout: c.TrickleSettleTimeout,
		RestartTimeout:       c.RestartTimeout,
		RestartPollInterval:  c.RestartPollInterval,
		RestartStableChecks:  c.RestartStableChecks,
	}
}
