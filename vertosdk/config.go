/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package vertosdk

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the configuration for the Verto client
type Config struct {
	// SignalingURL is the websocket URL of the Verto gateway
	SignalingURL string

	// LoginToken authenticates the session during login
	LoginToken string

	// ICEServers are STUN/TURN URLs handed to the media transport
	ICEServers []string

	// ICEUsername and ICECredential are used for TURN servers
	ICEUsername   string
	ICECredential string

	// TrickleICE streams candidates as separate messages instead of
	// waiting for gathering to settle
	TrickleICE bool

	// ForceRelay restricts ICE to relay candidates
	ForceRelay bool

	// HardenSDP clamps outgoing offers to conservative codec parameters
	HardenSDP bool

	// NegotiationTimeout is the settle time after a server candidate in
	// gather-then-send mode
	NegotiationTimeout time.Duration

	// TrickleSettleTimeout is the quiet period after which end of
	// candidates is sent in trickle mode
	TrickleSettleTimeout time.Duration

	// RestartTimeout bounds candidate gathering during an ICE restart
	RestartTimeout time.Duration

	// RestartPollInterval is the candidate count poll period during restart
	RestartPollInterval time.Duration

	// RestartStableChecks is the number of unchanged polls that end
	// restart gathering
	RestartStableChecks int

	// ImprovementMinInterval rate-limits network improvement remediation
	ImprovementMinInterval time.Duration

	// StatsInterval is the period of media stats sampling
	StatsInterval time.Duration

	// LogLevel is a logrus level name (debug, info, warn, error)
	LogLevel string

	// LogFormat is either "text" or "json"
	LogFormat string

	// MetricsNamespace prefixes all prometheus metric names
	MetricsNamespace string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		SignalingURL:           "wss://rtc.telnyx.com",
		ICEServers:             []string{"stun:stun.telnyx.com:3478"},
		NegotiationTimeout:     300 * time.Millisecond,
		TrickleSettleTimeout:   3 * time.Second,
		RestartTimeout:         5 * time.Second,
		RestartPollInterval:    200 * time.Millisecond,
		RestartStableChecks:    3,
		ImprovementMinInterval: 30 * time.Second,
		StatsInterval:          2 * time.Second,
		LogLevel:               "info",
		LogFormat:              "text",
		MetricsNamespace:       "verto",
	}
}

// LoadConfig builds a Config from VERTO_* environment variables on top of
// DefaultConfig. A .env file in the working directory is loaded first if
// present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.SignalingURL = getEnv("VERTO_SIGNALING_URL", cfg.SignalingURL)
	cfg.LoginToken = getEnv("VERTO_LOGIN_TOKEN", "")
	cfg.ICEUsername = getEnv("VERTO_ICE_USERNAME", "")
	cfg.ICECredential = getEnv("VERTO_ICE_CREDENTIAL", "")
	cfg.LogLevel = getEnv("VERTO_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("VERTO_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsNamespace = getEnv("VERTO_METRICS_NAMESPACE", cfg.MetricsNamespace)

	if servers := getEnv("VERTO_ICE_SERVERS", ""); servers != "" {
		cfg.ICEServers = splitList(servers)
	}

	var err error
	if cfg.TrickleICE, err = envBool("VERTO_TRICKLE_ICE", false); err != nil {
		return nil, err
	}
	if cfg.ForceRelay, err = envBool("VERTO_FORCE_RELAY", false); err != nil {
		return nil, err
	}
	if cfg.HardenSDP, err = envBool("VERTO_HARDEN_SDP", false); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"VERTO_NEGOTIATION_TIMEOUT", &cfg.NegotiationTimeout},
		{"VERTO_TRICKLE_SETTLE_TIMEOUT", &cfg.TrickleSettleTimeout},
		{"VERTO_RESTART_TIMEOUT", &cfg.RestartTimeout},
		{"VERTO_RESTART_POLL_INTERVAL", &cfg.RestartPollInterval},
		{"VERTO_IMPROVEMENT_MIN_INTERVAL", &cfg.ImprovementMinInterval},
		{"VERTO_STATS_INTERVAL", &cfg.StatsInterval},
	}
	for _, d := range durations {
		raw, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	checks, err := strconv.Atoi(getEnv("VERTO_RESTART_STABLE_CHECKS", strconv.Itoa(cfg.RestartStableChecks)))
	if err != nil {
		return nil, fmt.Errorf("invalid VERTO_RESTART_STABLE_CHECKS: %w", err)
	}
	cfg.RestartStableChecks = checks

	return cfg, nil
}

// getEnv reads an environment variable, returning fallback when unset.
func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
