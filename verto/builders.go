/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package verto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModifyAction is the action carried by a MODIFY request
type ModifyAction string

const (
	ActionHold        ModifyAction = "hold"
	ActionUnhold      ModifyAction = "unhold"
	ActionToggleHold  ModifyAction = "toggleHold"
	ActionUpdateMedia ModifyAction = "updateMedia"
)

// Header is a single custom SIP header (X-*) passed through dialogParams
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CallInfo identifies the local side of a call
type CallInfo struct {
	CallID       string
	CallerName   string
	CallerNumber string
}

// CallOptions are the per-call dialog settings
type CallOptions struct {
	DestinationNumber string
	RemoteCallerName  string
	UseStereo         bool
	Attach            bool
	UserVariables     map[string]any
	ClientState       string
	PreferredCodecs   []string
	Trickle           bool
	CustomHeaders     map[string]string
}

// DialogParams is the dialogParams object of INVITE, ANSWER, ATTACH and INFO
type DialogParams struct {
	CallID             string         `json:"callID"`
	DestinationNumber  string         `json:"destination_number"`
	RemoteCallerIDName string         `json:"remote_caller_id_name"`
	CallerIDName       string         `json:"caller_id_name"`
	CallerIDNumber     string         `json:"caller_id_number"`
	Audio              bool           `json:"audio"`
	Video              bool           `json:"video"`
	UseStereo          bool           `json:"useStereo"`
	Attach             bool           `json:"attach"`
	ScreenShare        bool           `json:"screenShare"`
	UserVariables      map[string]any `json:"userVariables"`
	CustomHeaders      []Header       `json:"custom_headers,omitempty"`
	ClientState        string         `json:"clientState,omitempty"`
	PreferredCodecs    []string       `json:"preferred_codecs,omitempty"`
	Trickle            bool           `json:"trickle,omitempty"`
}

type dialogRef struct {
	CallID string `json:"callID"`
}

// SessionParams are the params of INVITE, ANSWER and ATTACH
type SessionParams struct {
	UserAgent    string       `json:"User-Agent"`
	SessionID    string       `json:"sessionId"`
	SDP          string       `json:"sdp"`
	DialogParams DialogParams `json:"dialogParams"`
}

type modifyParams struct {
	SessionID    string       `json:"sessionId"`
	Action       ModifyAction `json:"action"`
	SDP          string       `json:"sdp,omitempty"`
	DialogParams dialogRef    `json:"dialogParams"`
}

type byeParams struct {
	SessID       string    `json:"sessId"`
	CauseCode    CauseCode `json:"causeCode"`
	Cause        string    `json:"cause"`
	SIPCode      int       `json:"sipCode,omitempty"`
	SIPReason    string    `json:"sipReason,omitempty"`
	DialogParams dialogRef `json:"dialogParams"`
}

type infoParams struct {
	SessID       string       `json:"sessid"`
	DTMF         string       `json:"dtmf"`
	DialogParams DialogParams `json:"dialogParams"`
}

// CandidateParams are the params of a CANDIDATE message
type CandidateParams struct {
	Candidate     string    `json:"candidate"`
	SDPMid        string    `json:"sdpMid"`
	SDPMLineIndex uint16    `json:"sdpMLineIndex"`
	SessID        string    `json:"sessid,omitempty"`
	DialogParams  dialogRef `json:"dialogParams"`
}

type ringingAckParams struct {
	CallID string `json:"callID"`
	SessID string `json:"sessid"`
}

type loginParams struct {
	LoginToken    string            `json:"login_token"`
	UserAgent     string            `json:"User-Agent"`
	FromPush      bool              `json:"from_push"`
	SessID        string            `json:"sessid"`
	LoginParams   map[string]string `json:"loginParams"`
	UserVariables map[string]any    `json:"userVariables"`
}

type reattachParams struct {
	LoginParams   map[string]string `json:"loginParams"`
	UserVariables map[string]any    `json:"userVariables"`
}

// headerList flattens a header map into a name-sorted list so encoded
// messages are stable.
func headerList(headers map[string]string) []Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]Header, 0, len(headers))
	for name, value := range headers {
		out = append(out, Header{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func dialogParams(info CallInfo, opts CallOptions) DialogParams {
	vars := opts.UserVariables
	if vars == nil {
		vars = map[string]any{}
	}
	return DialogParams{
		CallID:             strings.ToLower(info.CallID),
		DestinationNumber:  opts.DestinationNumber,
		RemoteCallerIDName: opts.RemoteCallerName,
		CallerIDName:       info.CallerName,
		CallerIDNumber:     info.CallerNumber,
		Audio:              true,
		UseStereo:          opts.UseStereo,
		Attach:             opts.Attach,
		UserVariables:      vars,
		CustomHeaders:      headerList(opts.CustomHeaders),
		ClientState:        opts.ClientState,
		PreferredCodecs:    opts.PreferredCodecs,
		Trickle:            opts.Trickle,
	}
}

func sessionMessage(method Method, sessionID, sdp string, info CallInfo, opts CallOptions) (*Message, error) {
	return NewMessage(method, SessionParams{
		UserAgent:    UserAgent,
		SessionID:    sessionID,
		SDP:          sdp,
		DialogParams: dialogParams(info, opts),
	})
}

// NewInvite builds the INVITE that starts an outbound call.
func NewInvite(sessionID, sdp string, info CallInfo, opts CallOptions) (*Message, error) {
	return sessionMessage(MethodInvite, sessionID, sdp, info, opts)
}

// NewAnswer builds the ANSWER for an inbound call.
func NewAnswer(sessionID, sdp string, info CallInfo, opts CallOptions) (*Message, error) {
	return sessionMessage(MethodAnswer, sessionID, sdp, info, opts)
}

// NewAttach builds the ATTACH re-offer sent after a reconnect.
func NewAttach(sessionID, sdp string, info CallInfo, opts CallOptions) (*Message, error) {
	opts.Attach = true
	return sessionMessage(MethodAttach, sessionID, sdp, info, opts)
}

// NewReAttach asks the gateway to re-send ATTACH for calls that were live
// before the socket dropped.
func NewReAttach() (*Message, error) {
	return NewMessage(MethodAttachCalls, reattachParams{
		LoginParams:   map[string]string{},
		UserVariables: map[string]any{},
	})
}

// NewModify builds a hold/unhold/toggleHold request.
func NewModify(sessionID, callID string, action ModifyAction) (*Message, error) {
	return NewMessage(MethodModify, modifyParams{
		SessionID:    sessionID,
		Action:       action,
		DialogParams: dialogRef{CallID: strings.ToLower(callID)},
	})
}

// NewICERestart builds the MODIFY(updateMedia) request carrying a restart
// offer.
func NewICERestart(sessionID, callID, sdp string) (*Message, error) {
	return NewMessage(MethodModify, modifyParams{
		SessionID:    sessionID,
		Action:       ActionUpdateMedia,
		SDP:          sdp,
		DialogParams: dialogRef{CallID: strings.ToLower(callID)},
	})
}

// NewBye builds a BYE. sipCode and sipReason are omitted when zero.
func NewBye(sessionID, callID string, cause CauseCode, sipCode int, sipReason string) (*Message, error) {
	return NewMessage(MethodBye, byeParams{
		SessID:       sessionID,
		CauseCode:    cause,
		Cause:        cause.String(),
		SIPCode:      sipCode,
		SIPReason:    sipReason,
		DialogParams: dialogRef{CallID: strings.ToLower(callID)},
	})
}

// NewInfo builds an INFO carrying a DTMF digit.
func NewInfo(sessionID, dtmf string, info CallInfo, opts CallOptions) (*Message, error) {
	return NewMessage(MethodInfo, infoParams{
		SessID:       sessionID,
		DTMF:         dtmf,
		DialogParams: dialogParams(info, opts),
	})
}

// NewCandidate builds a trickled CANDIDATE message.
func NewCandidate(callID, sessionID, candidate, sdpMid string, sdpMLineIndex uint16) (*Message, error) {
	return NewMessage(MethodCandidate, CandidateParams{
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		SessID:        sessionID,
		DialogParams:  dialogRef{CallID: strings.ToLower(callID)},
	})
}

// NewEndOfCandidates builds the END_OF_CANDIDATES marker.
func NewEndOfCandidates(callID string) (*Message, error) {
	return NewMessage(MethodEndOfCandidates, struct {
		DialogParams dialogRef `json:"dialogParams"`
	}{dialogRef{CallID: strings.ToLower(callID)}})
}

// NewRingingAck acknowledges a RINGING notification.
func NewRingingAck(callID, sessionID string) (*Message, error) {
	return NewMessage(MethodRingingAck, ringingAckParams{CallID: callID, SessID: sessionID})
}

// NewLogin builds a token login request.
func NewLogin(token, sessionID string) (*Message, error) {
	return NewMessage(MethodLogin, loginParams{
		LoginToken:    token,
		UserAgent:     UserAgent,
		SessID:        sessionID,
		LoginParams:   map[string]string{"attach_call": "true"},
		UserVariables: map[string]any{},
	})
}

// NewPingResponse answers a server keepalive ping with the same id.
func NewPingResponse(id string) *Message {
	result, _ := json.Marshal(map[string]string{"method": string(MethodPing)})
	return &Message{JSONRPC: ProtocolVersion, ID: id, Result: result}
}

// DebugReportVersion is the version of the debug report format
const DebugReportVersion = 1

// DebugReportType is the type of a debug report envelope
type DebugReportType string

const (
	DebugReportStart DebugReportType = "debug_report_start"
	DebugReportData  DebugReportType = "debug_report_data"
	DebugReportStop  DebugReportType = "debug_report_stop"
)

func debugReport(typ DebugReportType, reportID string) *Message {
	return &Message{
		JSONRPC:            ProtocolVersion,
		ID:                 uuid.NewString(),
		Type:               typ,
		DebugReportID:      strings.ToLower(reportID),
		DebugReportVersion: DebugReportVersion,
	}
}

// NewDebugReportStart opens a debug report on the gateway.
func NewDebugReportStart(reportID string) *Message {
	return debugReport(DebugReportStart, reportID)
}

// NewDebugReportStop closes a debug report.
func NewDebugReportStop(reportID string) *Message {
	return debugReport(DebugReportStop, reportID)
}

// NewDebugReportData builds one debug report entry. timeTaken and an
// RFC 3339 timestamp with milliseconds are added to data.
func NewDebugReportData(reportID string, data map[string]any, now time.Time) (*Message, error) {
	body := make(map[string]any, len(data)+2)
	for k, v := range data {
		body[k] = v
	}
	body["timeTaken"] = 1
	body["timestamp"] = now.UTC().Format("2006-01-02T15:04:05.000Z07:00")

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling debug report data: %w", err)
	}
	msg := debugReport(DebugReportData, reportID)
	msg.DebugReportData = raw
	return msg, nil
}
