/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// ---- Call State & Event Enums ----

// CallState represents the state of a call in the state machine
type CallState string

const (
	CallStateNew          CallState = "NEW"
	CallStateConnecting   CallState = "CONNECTING"
	CallStateRinging      CallState = "RINGING"
	CallStateActive       CallState = "ACTIVE"
	CallStateHeld         CallState = "HELD"
	CallStateReconnecting CallState = "RECONNECTING"
	CallStateDropped      CallState = "DROPPED"
	CallStateDone         CallState = "DONE"
)

// CallEventKey identifies the type of call event
type CallEventKey string

const (
	CallEventStateChanged   CallEventKey = "state_changed"
	CallEventQualityMetrics CallEventKey = "quality_metrics"
	CallEventQualityChanged CallEventKey = "network_quality"
	CallEventRestartStarted CallEventKey = "restart_started"
	CallEventRestarted      CallEventKey = "restarted"
	CallEventRestartFailed  CallEventKey = "restart_failed"
	CallEventAudioReset     CallEventKey = "audio_reset"
	CallEventCustomHeaders  CallEventKey = "custom_headers"
	CallEventError          CallEventKey = "call_error"
)

// ClientEventKey identifies the type of client-level event
type ClientEventKey string

const (
	ClientEventIncomingCall ClientEventKey = "incoming_call"
	ClientEventCallEnded    ClientEventKey = "call_ended"
	ClientEventSession      ClientEventKey = "session"
	ClientEventError        ClientEventKey = "error"
)

// StateChange is the payload of CallEventStateChanged
type StateChange struct {
	CallID string
	From   CallState
	To     CallState
	Reason *TerminationReason
}

// AudioResetResult is the payload of CallEventAudioReset
type AudioResetResult struct {
	Trigger string
	Err     error
	Skipped bool
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Clear removes every handler
func (e *EventEmitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]EventHandler)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
