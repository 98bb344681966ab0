/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package vertosdk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CallError is the base error type for all call-control errors.
// It records the operation that failed, the call it failed for, and an
// optional wrapped cause. All specific error sub-types embed this struct,
// so consumers can use errors.As(err, &base) to access common fields
// regardless of the specific error type.
type CallError struct {
	// Op is the operation that failed (e.g., "dial", "ice_restart").
	Op string

	// CallID is the call the operation was running for. Empty for
	// errors raised outside a call.
	CallID string

	// Message is a human readable description of the failure.
	Message string

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	msg := e.Op
	if msg == "" {
		msg = "call error"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CallID != "" {
		msg += " (callId: " + e.CallID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *CallError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// PreconditionError is returned when an operation is rejected before any
// work starts: missing identifiers or a call in the wrong state.
type PreconditionError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *PreconditionError) Unwrap() error { return e.CallError }

// NegotiationError is returned when the media transport fails to create or
// apply a session description.
type NegotiationError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *NegotiationError) Unwrap() error { return e.CallError }

// TimeoutError is returned when ICE gathering exceeds its bound and no
// usable description could be produced.
type TimeoutError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *TimeoutError) Unwrap() error { return e.CallError }

// TransportError is returned when a signaling message cannot be delivered.
type TransportError struct {
	*CallError
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *TransportError) Unwrap() error { return e.CallError }

// ProtocolError is returned for malformed signaling messages and for
// JSON-RPC error objects sent back by the server.
type ProtocolError struct {
	*CallError

	// Code is the JSON-RPC error code, zero for local decode failures.
	Code int
}

// Unwrap returns the underlying CallError for errors.As traversal.
func (e *ProtocolError) Unwrap() error { return e.CallError }

// --- Factory ---

// NewPreconditionError builds a PreconditionError.
func NewPreconditionError(op, callID, format string, args ...any) error {
	return &PreconditionError{CallError: &CallError{Op: op, CallID: callID, Message: fmt.Sprintf(format, args...)}}
}

// NewNegotiationError wraps a media transport failure.
func NewNegotiationError(op, callID string, err error) error {
	return &NegotiationError{CallError: &CallError{Op: op, CallID: callID, Message: "negotiation failed", Err: err}}
}

// NewTimeoutError builds a TimeoutError.
func NewTimeoutError(op, callID, format string, args ...any) error {
	return &TimeoutError{CallError: &CallError{Op: op, CallID: callID, Message: fmt.Sprintf(format, args...)}}
}

// NewTransportError wraps a send failure.
func NewTransportError(op, callID string, err error) error {
	return &TransportError{CallError: &CallError{Op: op, CallID: callID, Message: "signaling send failed", Err: err}}
}

// rpcErrorBody is used to parse the JSON-RPC error object.
type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPCError creates a structured error from a JSON-RPC error object.
// If the body cannot be parsed the raw bytes are kept as the message.
func NewRPCError(op string, body []byte) error {
	base := &CallError{Op: op}
	var parsed rpcErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		base.Message = parsed.Message
	} else {
		base.Message = string(body)
	}
	return &ProtocolError{CallError: base, Code: parsed.Code}
}

// --- Convenience functions ---

// IsPrecondition reports whether err is a precondition error.
func IsPrecondition(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}

// IsNegotiation reports whether err is a negotiation error.
func IsNegotiation(err error) bool {
	var e *NegotiationError
	return errors.As(err, &e)
}

// IsTimeout reports whether err is a gathering timeout.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsTransport reports whether err is a signaling transport error.
func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}
