/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package verto

import (
	"strings"
)

// InboundParams is the union of params fields the gateway sends with
// call-scoped requests. Fields absent from a given message stay zero.
type InboundParams struct {
	CallID          string `json:"callID"`
	SDP             string `json:"sdp"`
	CallerIDName    string `json:"caller_id_name"`
	CallerIDNumber  string `json:"caller_id_number"`
	TelnyxSessionID string `json:"telnyx_session_id"`
	TelnyxLegID     string `json:"telnyx_leg_id"`

	Cause     string    `json:"cause"`
	CauseCode CauseCode `json:"causeCode"`
	SIPCode   int       `json:"sipCode"`
	SIPReason string    `json:"sipReason"`

	Action string `json:"action"`

	Candidate     string  `json:"candidate"`
	SDPMid        string  `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`

	DialogParams struct {
		CallID        string   `json:"callID"`
		CustomHeaders []Header `json:"custom_headers"`
	} `json:"dialogParams"`
}

// ByeReason is the structured hangup reason parsed from a BYE
type ByeReason struct {
	Cause     string
	CauseCode CauseCode
	SIPCode   int
	SIPReason string
}

// Inbound returns the typed view of a request's params.
func (m *Message) Inbound() (*InboundParams, error) {
	var p InboundParams
	if err := m.DecodeParams(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ResolvedCallID returns the call id from params, falling back to
// dialogParams, lowercased for registry lookups.
func (p *InboundParams) ResolvedCallID() string {
	id := p.CallID
	if id == "" {
		id = p.DialogParams.CallID
	}
	return strings.ToLower(id)
}

// Headers returns the custom headers as a map.
func (p *InboundParams) Headers() map[string]string {
	if len(p.DialogParams.CustomHeaders) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.DialogParams.CustomHeaders))
	for _, h := range p.DialogParams.CustomHeaders {
		out[h.Name] = h.Value
	}
	return out
}

// ByeReason extracts the hangup reason. A missing cause name is filled in
// from the code, and unknown codes are kept as-is.
func (p *InboundParams) ByeReason() ByeReason {
	r := ByeReason{
		Cause:     p.Cause,
		CauseCode: p.CauseCode,
		SIPCode:   p.SIPCode,
		SIPReason: p.SIPReason,
	}
	if r.Cause == "" && r.CauseCode != 0 {
		r.Cause = r.CauseCode.String()
	}
	if r.CauseCode == 0 && r.Cause != "" {
		if code, ok := CauseCodeFromName(r.Cause); ok {
			r.CauseCode = code
		}
	}
	return r
}

// CallID returns the call a message belongs to, looking at params and
// then at the result object. Empty when neither carries one.
func (m *Message) CallID() string {
	if len(m.Params) > 0 {
		if p, err := m.Inbound(); err == nil {
			if id := p.ResolvedCallID(); id != "" {
				return id
			}
		}
	}
	if len(m.Result) > 0 {
		var p InboundParams
		if err := m.DecodeResult(&p); err == nil {
			return p.ResolvedCallID()
		}
	}
	return ""
}

// UpdateMedia extracts the SDP of an ICE restart answer. The gateway sends
// it either as the result of our MODIFY or as a MODIFY request of its own.
func (m *Message) UpdateMedia() (string, bool) {
	var p InboundParams
	switch {
	case len(m.Result) > 0:
		if err := m.DecodeResult(&p); err != nil {
			return "", false
		}
	case m.Method == MethodModify:
		if err := m.DecodeParams(&p); err != nil {
			return "", false
		}
	default:
		return "", false
	}
	if p.Action != string(ActionUpdateMedia) || p.SDP == "" {
		return "", false
	}
	return p.SDP, true
}

// SessionID returns the sessid of a login result, if present.
func (m *Message) SessionID() string {
	var r struct {
		SessID string `json:"sessid"`
	}
	if len(m.Result) == 0 || m.DecodeResult(&r) != nil {
		return ""
	}
	return r.SessID
}
