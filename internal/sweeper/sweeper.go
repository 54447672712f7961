// Copyright 2024 The RouteGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sweeper provides the [Alarm] that idle-connection pools use to
// schedule their next sweep. Unlike [time.Timer], an Alarm can be re-armed
// freely from any goroutine, and any number of listeners may wait on the
// same expiry channel:
//
//	a := sweeper.NewAlarm()
//	defer a.Disarm()
//	a.Arm(time.Now().Add(idleTimeout))
//	<-a.Expired()
package sweeper

import (
	"sync"
	"time"
)

// Alarm fires a channel close when a configurable point in time passes.
// Re-arming replaces the pending expiry; an Alarm that was never armed, or
// was disarmed, never fires. Safe for concurrent use.
type Alarm struct {
	mu sync.Mutex

	when    time.Time
	timer   *time.Timer
	expired chan struct{}
}

// NewAlarm returns an unarmed [Alarm].
func NewAlarm() *Alarm {
	return &Alarm{expired: make(chan struct{})}
}

// Expired returns the channel that closes once the armed time passes. The
// same channel serves every caller until the Alarm fires and is re-armed.
func (a *Alarm) Expired() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expired
}

// Arm schedules the alarm to fire at t, replacing any pending expiry. A
// time at or before now fires immediately; a zero time disarms.
func (a *Alarm) Arm(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// If the pending timer already fired, its channel is closed and spent;
	// rotate in a fresh one for the new expiry.
	if a.timer != nil && !a.timer.Stop() {
		a.expired = make(chan struct{})
	}
	a.timer = nil

	// Arming after an immediate (past-time) fire also needs a fresh
	// channel: the old one was closed without a timer involved.
	select {
	case <-a.expired:
		a.expired = make(chan struct{})
	default:
	}

	a.when = t
	if t.IsZero() {
		return
	}
	wait := time.Until(t)
	if wait <= 0 {
		close(a.expired)
		return
	}
	// Pin the channel: a later Arm may rotate a.expired while this
	// callback is pending, and the close must hit the channel the timer
	// was armed against.
	expired := a.expired
	a.timer = time.AfterFunc(wait, func() {
		close(expired)
	})
}

// Disarm cancels any pending expiry. Equivalent to Arm with a zero time.
func (a *Alarm) Disarm() {
	a.Arm(time.Time{})
}

// When returns the currently armed expiry, or the zero time when the Alarm
// is not armed.
func (a *Alarm) When() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.when
}
