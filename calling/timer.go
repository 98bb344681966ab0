/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

type timerState int

const (
	timerDisarmed timerState = iota
	timerArmed
	timerFired
)

// edgeTimer is a one-shot timer owned by a single loop goroutine. Expiry is
// not acted on directly: the fire is posted back to the owner with the arm
// generation, and the owner calls Fire to accept it. A fire from an earlier
// arm, or one that raced a Disarm, is rejected.
type edgeTimer struct {
	state timerState
	gen   uint64
	timer *time.Timer
	post  func(gen uint64)
}

func newEdgeTimer(post func(gen uint64)) *edgeTimer {
	return &edgeTimer{post: post}
}

// Arm starts the timer, cancelling any pending expiry.
func (t *edgeTimer) Arm(d time.Duration) {
	t.stop()
	t.gen++
	t.state = timerArmed
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.post(gen) })
}

// Disarm cancels a pending expiry. Calling it when not armed is a no-op.
func (t *edgeTimer) Disarm() {
	if t.state != timerArmed {
		return
	}
	t.stop()
	t.state = timerDisarmed
}

// Fire accepts a posted expiry. It reports false for stale generations and
// for timers that are no longer armed.
func (t *edgeTimer) Fire(gen uint64) bool {
	if t.state != timerArmed || gen != t.gen {
		return false
	}
	t.state = timerFired
	t.timer = nil
	return true
}

// Armed reports whether an expiry is pending.
func (t *edgeTimer) Armed() bool {
	return t.state == timerArmed
}

func (t *edgeTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
