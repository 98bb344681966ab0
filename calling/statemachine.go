/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State machine events
const (
	eventDial      = "dial"
	eventRing      = "ring"
	eventActivate  = "activate"
	eventHold      = "hold"
	eventUnhold    = "unhold"
	eventReconnect = "reconnect"
	eventDrop      = "drop"
	eventEnd       = "end"
)

var allStates = []string{
	string(CallStateNew),
	string(CallStateConnecting),
	string(CallStateRinging),
	string(CallStateActive),
	string(CallStateHeld),
	string(CallStateReconnecting),
	string(CallStateDropped),
	string(CallStateDone),
}

// callStateMachine wraps the transition table of a call. It is not safe
// for concurrent use: only the owning call loop fires events. A transition
// to the current state is not a change and does not run onChange.
type callStateMachine struct {
	fsm      *fsm.FSM
	onChange func(from, to CallState)
}

func newCallStateMachine(onChange func(from, to CallState)) *callStateMachine {
	m := &callStateMachine{onChange: onChange}
	m.fsm = fsm.NewFSM(
		string(CallStateNew),
		fsm.Events{
			{Name: eventDial, Src: []string{string(CallStateNew)}, Dst: string(CallStateConnecting)},
			{Name: eventRing, Src: []string{string(CallStateNew), string(CallStateConnecting), string(CallStateRinging)}, Dst: string(CallStateRinging)},
			{Name: eventActivate, Src: []string{
				string(CallStateNew),
				string(CallStateConnecting),
				string(CallStateRinging),
				string(CallStateActive),
				string(CallStateReconnecting),
				string(CallStateDropped),
			}, Dst: string(CallStateActive)},
			{Name: eventHold, Src: []string{string(CallStateActive), string(CallStateHeld)}, Dst: string(CallStateHeld)},
			{Name: eventUnhold, Src: []string{string(CallStateHeld), string(CallStateActive)}, Dst: string(CallStateActive)},
			{Name: eventReconnect, Src: []string{string(CallStateActive), string(CallStateHeld), string(CallStateReconnecting)}, Dst: string(CallStateReconnecting)},
			{Name: eventDrop, Src: []string{string(CallStateActive), string(CallStateHeld), string(CallStateReconnecting), string(CallStateDropped)}, Dst: string(CallStateDropped)},
			{Name: eventEnd, Src: allStates, Dst: string(CallStateDone)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if m.onChange != nil {
					m.onChange(CallState(e.Src), CallState(e.Dst))
				}
			},
		},
	)
	return m
}

// Current returns the current state.
func (m *callStateMachine) Current() CallState {
	return CallState(m.fsm.Current())
}

// Can reports whether the event is valid in the current state.
func (m *callStateMachine) Can(event string) bool {
	return m.fsm.Can(event)
}

// Fire runs an event. It reports whether the state changed; a valid event
// that leaves the state unchanged is not an error.
func (m *callStateMachine) Fire(event string) (bool, error) {
	err := m.fsm.Event(context.Background(), event)
	if err == nil {
		return true, nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false, nil
	}
	return false, fmt.Errorf("cannot %s: call is in state %s", event, m.Current())
}
