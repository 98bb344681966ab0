/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tejzpr/verto-go-sdk/verto"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// Sender delivers signaling messages to the gateway
type Sender interface {
	Send(msg *verto.Message) error
}

// CallingClient is the main orchestrator for call control. It owns the
// registry of live calls, routes inbound signaling to them by call id and
// creates inbound calls on INVITE and ATTACH.
type CallingClient struct {
	mu sync.RWMutex

	sender Sender
	config *Config
	log    *logrus.Entry

	// Live calls keyed by lowercase call id
	activeCalls map[string]*Call

	// Outstanding requests keyed by JSON-RPC id, valued by call id
	pending map[string]string

	sessionID string

	logger    *logrus.Logger
	metrics   *Metrics
	transport TransportFactory
	tones     TonePlayer
	device    *TransportAudioDevice
	resetter  *AudioResetter

	// Events
	Emitter *EventEmitter
}

// ClientOption customizes a CallingClient
type ClientOption func(*CallingClient)

// WithTransportFactory replaces the pion media transport, mainly for tests.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(cc *CallingClient) {
		cc.transport = factory
	}
}

// WithTonePlayer sets the ringtone/ringback player.
func WithTonePlayer(tones TonePlayer) ClientOption {
	return func(cc *CallingClient) {
		cc.tones = tones
	}
}

// WithAudioDevice sets the process audio device reset by remediation. By
// default the outbound audio path of the live transports is used.
func WithAudioDevice(device AudioDevice) ClientOption {
	return func(cc *CallingClient) {
		cc.resetter = NewAudioResetter(device, cc.config.ResetStepDelay, cc.log)
	}
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(metrics *Metrics) ClientOption {
	return func(cc *CallingClient) {
		cc.metrics = metrics
	}
}

// WithLogger sets the logger used by the client and its calls.
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(cc *CallingClient) {
		cc.logger = logger
		cc.log = vertosdk.ComponentLogger(logger, "calling_client")
	}
}

// NewCallingClient creates a CallingClient that sends through sender
func NewCallingClient(sender Sender, config *Config, opts ...ClientOption) *CallingClient {
	if config == nil {
		config = DefaultConfig()
	}
	logger := logrus.StandardLogger()

	cc := &CallingClient{
		sender:      sender,
		config:      config,
		logger:      logger,
		log:         vertosdk.ComponentLogger(logger, "calling_client"),
		activeCalls: make(map[string]*Call),
		pending:     make(map[string]string),
		transport:   NewPionTransport,
		tones:       NopTonePlayer{},
		device:      NewTransportAudioDevice(),
		Emitter:     NewEventEmitter(),
	}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.resetter == nil {
		cc.resetter = NewAudioResetter(cc.device, config.ResetStepDelay, cc.log)
	}
	return cc
}

// On registers a handler for a client event
func (cc *CallingClient) On(event ClientEventKey, handler EventHandler) {
	cc.Emitter.On(string(event), handler)
}

// SetSessionID sets the Verto session id used by every call
func (cc *CallingClient) SetSessionID(sessionID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.sessionID = sessionID
}

// SessionID returns the Verto session id
func (cc *CallingClient) SessionID() string {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.sessionID
}

// AudioResetter returns the resetter shared by all calls
func (cc *CallingClient) AudioResetter() *AudioResetter {
	return cc.resetter
}

// Config returns the configuration calls are created with.
func (cc *CallingClient) Config() *Config {
	return cc.config
}

// MakeCall creates and dials an outbound call
func (cc *CallingClient) MakeCall(opts DialOptions) (*Call, error) {
	call := cc.newCall(uuid.New().String(), CallDirectionOutbound)
	if err := call.Dial(opts); err != nil {
		call.Close()
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return call, nil
}

// GetCall returns the live call with the given id, or nil
func (cc *CallingClient) GetCall(callID string) *Call {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.activeCalls[strings.ToLower(callID)]
}

// GetActiveCalls returns all live calls
func (cc *CallingClient) GetActiveCalls() map[string]*Call {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	result := make(map[string]*Call, len(cc.activeCalls))
	for k, v := range cc.activeCalls {
		result[k] = v
	}
	return result
}

// GetConnectedCall returns an ACTIVE call, if any
func (cc *CallingClient) GetConnectedCall() *Call {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	for _, call := range cc.activeCalls {
		if call.State() == CallStateActive {
			return call
		}
	}
	return nil
}

func (cc *CallingClient) newCall(id string, direction CallDirection) *Call {
	id = strings.ToLower(id)
	call := newCall(id, direction, *cc.config, callDeps{
		send:      cc.sendFor(id),
		sessionID: cc.SessionID,
		logger:    cc.logger,
		metrics:   cc.metrics,
		transport: cc.transport,
		tones:     cc.tones,
		audio:     cc.resetter,
		device:    cc.device,
		onDone:    cc.onCallDone,
	})

	cc.mu.Lock()
	cc.activeCalls[id] = call
	cc.mu.Unlock()
	return call
}

// sendFor returns the send function of one call. Requests are recorded so
// their responses can be routed back to the call.
func (cc *CallingClient) sendFor(callID string) func(*verto.Message) error {
	return func(msg *verto.Message) error {
		track := msg.Method != "" && msg.ID != ""
		if track {
			cc.mu.Lock()
			cc.pending[msg.ID] = callID
			cc.mu.Unlock()
		}
		if err := cc.sender.Send(msg); err != nil {
			if track {
				cc.mu.Lock()
				delete(cc.pending, msg.ID)
				cc.mu.Unlock()
			}
			return err
		}
		return nil
	}
}

// onCallDone runs on the call's loop once it reached DONE.
func (cc *CallingClient) onCallDone(call *Call) {
	cc.mu.Lock()
	delete(cc.activeCalls, call.ID())
	for id, callID := range cc.pending {
		if callID == call.ID() {
			delete(cc.pending, id)
		}
	}
	cc.mu.Unlock()

	go cc.Emitter.Emit(string(ClientEventCallEnded), call)
}

// HandleMessage routes one inbound signaling message. Responses go to the
// call that sent the request, INVITE and ATTACH for unknown calls create
// one, everything else is routed by call id.
func (cc *CallingClient) HandleMessage(msg *verto.Message) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.IsResponse() {
		return cc.handleResponse(msg)
	}

	log := cc.log.WithFields(logrus.Fields{
		"function": "HandleMessage",
		"method":   msg.Method,
	})

	switch msg.Method {
	case verto.MethodPing:
		if err := cc.sender.Send(verto.NewPingResponse(msg.ID)); err != nil {
			return vertosdk.NewTransportError("ping", "", err)
		}
		return nil
	case verto.MethodClientReady, verto.MethodGatewayState:
		log.Debug("Gateway session update")
		cc.Emitter.Emit(string(ClientEventSession), msg)
		return nil
	case verto.MethodInvite:
		return cc.handleInbound(msg, CallDirectionInbound)
	case verto.MethodAttach:
		return cc.handleInbound(msg, CallDirectionAttach)
	}

	callID := msg.CallID()
	call := cc.GetCall(callID)
	if call == nil {
		log.WithField("call_id", callID).Debug("No call for message")
		return nil
	}
	call.HandleMessage(msg)
	return nil
}

func (cc *CallingClient) handleResponse(msg *verto.Message) error {
	cc.mu.Lock()
	callID, ok := cc.pending[msg.ID]
	delete(cc.pending, msg.ID)
	cc.mu.Unlock()

	if ok {
		if call := cc.GetCall(callID); call != nil {
			call.HandleMessage(msg)
		}
		return nil
	}
	if sessionID := msg.SessionID(); sessionID != "" {
		cc.SetSessionID(sessionID)
		cc.log.WithFields(logrus.Fields{
			"function":   "handleResponse",
			"session_id": sessionID,
		}).Info("Signaling session established")
		cc.Emitter.Emit(string(ClientEventSession), sessionID)
		return nil
	}
	if err := msg.ServerError(); err != nil {
		cc.log.WithField("function", "handleResponse").WithError(err).Warn("Gateway returned an error")
		cc.Emitter.Emit(string(ClientEventError), err)
		return err
	}
	return nil
}

// handleInbound creates a call for an INVITE or ATTACH of an unknown call
// id. Known calls get the message routed to them.
func (cc *CallingClient) handleInbound(msg *verto.Message, direction CallDirection) error {
	params, err := msg.Inbound()
	if err != nil {
		return err
	}
	callID := params.ResolvedCallID()
	if callID == "" {
		return &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: string(msg.Method), Message: "missing call id"}}
	}

	if call := cc.GetCall(callID); call != nil {
		call.HandleMessage(msg)
		return nil
	}

	call := cc.newCall(callID, direction)
	call.HandleMessage(msg)

	cc.log.WithFields(logrus.Fields{
		"function":  "handleInbound",
		"call_id":   callID,
		"direction": direction,
		"caller":    params.CallerIDNumber,
	}).Info("New call from gateway")
	if direction == CallDirectionInbound {
		cc.Emitter.Emit(string(ClientEventIncomingCall), call)
	}
	return nil
}

// ReAttach asks the gateway to re-send ATTACH for calls that were live
// before the signaling connection dropped.
func (cc *CallingClient) ReAttach() error {
	msg, err := verto.NewReAttach()
	if err != nil {
		return err
	}
	if err := cc.sender.Send(msg); err != nil {
		return vertosdk.NewTransportError("ReAttach", "", err)
	}
	return nil
}

// Shutdown hangs up every live call
func (cc *CallingClient) Shutdown() error {
	cc.mu.RLock()
	calls := make([]*Call, 0, len(cc.activeCalls))
	for _, call := range cc.activeCalls {
		calls = append(calls, call)
	}
	cc.mu.RUnlock()

	var errs []error
	for _, call := range calls {
		if err := call.Hangup(); err != nil {
			errs = append(errs, fmt.Errorf("error ending call %s: %w", call.ID(), err))
		}
	}
	return errors.Join(errs...)
}
