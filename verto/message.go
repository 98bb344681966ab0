/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package verto implements the Verto JSON-RPC 2.0 signaling messages used
// to set up, control and tear down calls.
package verto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tejzpr/verto-go-sdk/vertosdk"
)

// ProtocolVersion is the JSON-RPC version carried by every message
const ProtocolVersion = "2.0"

// UserAgent identifies this client in INVITE, ANSWER and login params
const UserAgent = "Go-verto-sdk-1.0.0"

// Method is a Verto JSON-RPC method name
type Method string

const (
	MethodPing            Method = "telnyx_rtc.ping"
	MethodLogin           Method = "login"
	MethodInvite          Method = "telnyx_rtc.invite"
	MethodAnswer          Method = "telnyx_rtc.answer"
	MethodRinging         Method = "telnyx_rtc.ringing"
	MethodRingingAck      Method = "telnyx_rtc.ringing_ack"
	MethodClientReady     Method = "telnyx_rtc.clientReady"
	MethodBye             Method = "telnyx_rtc.bye"
	MethodModify          Method = "telnyx_rtc.modify"
	MethodMedia           Method = "telnyx_rtc.media"
	MethodInfo            Method = "telnyx_rtc.info"
	MethodGatewayState    Method = "telnyx_rtc.gatewayState"
	MethodAttach          Method = "telnyx_rtc.attach"
	MethodAttachCalls     Method = "telnyx_rtc.attachCalls"
	MethodCandidate       Method = "telnyx_rtc.candidate"
	MethodEndOfCandidates Method = "telnyx_rtc.endOfCandidates"
)

// Message is a single JSON-RPC envelope. Requests carry Method and Params;
// responses carry Result or Error. Params and Result stay raw until a
// caller asks for a typed view.
type Message struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         string          `json:"id"`
	Method     Method          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	VoiceSDKID string          `json:"voice_sdk_id,omitempty"`

	// Debug report envelopes carry no method; see NewDebugReportData.
	Type               DebugReportType `json:"type,omitempty"`
	DebugReportID      string          `json:"debug_report_id,omitempty"`
	DebugReportVersion int             `json:"debug_report_version,omitempty"`
	DebugReportData    json.RawMessage `json:"debug_report_data,omitempty"`
}

// NewMessage builds a request with a fresh lowercase UUID id.
func NewMessage(method Method, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: ProtocolVersion,
		ID:      strings.ToLower(uuid.New().String()),
		Method:  method,
		Params:  raw,
	}, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = ProtocolVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("error encoding message: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Anything that is not a JSON object is a
// protocol error.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: "decode", Message: "malformed message", Err: err}}
	}
	return &m, nil
}

// ServerError returns the JSON-RPC error object as a ProtocolError, or nil
// when the message carries no error.
func (m *Message) ServerError() error {
	if len(m.Error) == 0 || string(m.Error) == "null" {
		return nil
	}
	return vertosdk.NewRPCError(string(m.Method), m.Error)
}

// IsResponse reports whether the message is a response to one of ours.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || len(m.Error) > 0)
}

// DecodeParams unmarshals the params object into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: string(m.Method), Message: "missing params"}}
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: string(m.Method), Message: "malformed params", Err: err}}
	}
	return nil
}

// DecodeResult unmarshals the result object into v.
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: "result", Message: "missing result"}}
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return &vertosdk.ProtocolError{CallError: &vertosdk.CallError{Op: "result", Message: "malformed result", Err: err}}
	}
	return nil
}
