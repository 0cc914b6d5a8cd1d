// fetcher.go - single block fetcher state machine.
// Copyright (C) 2019  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package fetcher implements the per-key fetch state machine:
// register, retry, cooldown, succeed, fail.
package fetcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/cooldown"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
	"github.com/007pig/fred-sub002/scheduler"
)

// State is a fetcher lifecycle state.
type State int

const (
	// Fresh is the state before Schedule.
	Fresh State = iota

	// Registered means the fetcher is eligible to run.
	Registered

	// Cooldown means the key is parked awaiting its wakeup.
	Cooldown

	// Succeeded is terminal.
	Succeeded

	// PermanentlyFailed is terminal.
	PermanentlyFailed

	// Cancelled is terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Registered:
		return "registered"
	case Cooldown:
		return "cooldown"
	case Succeeded:
		return "succeeded"
	case PermanentlyFailed:
		return "permanently-failed"
	case Cancelled:
		return "cancelled"
	}
	return "invalid"
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == Succeeded || s == PermanentlyFailed || s == Cancelled
}

// Delegate receives the fetcher's terminal events.
type Delegate interface {
	// OnBlockSucceeded delivers the decoded plaintext of the
	// fetcher's key.
	OnBlockSucceeded(f *Single, key keys.RoutingKey, data []byte, fromStore bool)

	// OnBlockFailed reports the fetcher's permanent failure.
	OnBlockFailed(f *Single, kind fetcherr.Kind)
}

// BlockScheduler is what the fetcher needs from the request
// scheduler.
type BlockScheduler interface {
	Register(f scheduler.SendableRequest)
	Unregister(f scheduler.SendableRequest)
	Reregister(f scheduler.SendableRequest)
	EnterCooldown(f scheduler.SendableRequest, key keys.RoutingKey) (time.Time, error)
	Succeeded(client interface{})
	CooldownRetries() int
}

// Single fetches one client key, retrying and cooling down per
// policy, and hands the outcome to its delegate exactly once.
type Single struct {
	log   *logging.Logger
	sched BlockScheduler

	key      keys.ClientKey
	client   interface{}
	delegate Delegate

	maxRetries int

	sync.Mutex
	prio           constants.Priority
	retryCount     int
	cooldownWakeup time.Time
	state          State
}

// NewSingle creates a fetcher for key. maxRetries < 0 means retry
// forever. client is the owning ClientRequest identity used for
// scheduler fairness.
func NewSingle(logBackend *log.Backend, sched BlockScheduler, key keys.ClientKey, prio constants.Priority, maxRetries int, client interface{}, delegate Delegate) *Single {
	return &Single{
		log:        logBackend.GetLogger(fmt.Sprintf("Fetcher-%v", key.NodeKey())),
		sched:      sched,
		key:        key,
		client:     client,
		delegate:   delegate,
		maxRetries: maxRetries,
		prio:       prio,
	}
}

// Schedule registers the fetcher with the scheduler. Only valid from
// Fresh; anything else is a no-op.
func (f *Single) Schedule() {
	f.Lock()
	if f.state != Fresh {
		f.Unlock()
		return
	}
	f.state = Registered
	f.Unlock()
	f.sched.Register(f)
}

// State returns the current state.
func (f *Single) State() State {
	f.Lock()
	defer f.Unlock()
	return f.state
}

// Keys returns the fetcher's single client key.
func (f *Single) Keys() []keys.ClientKey {
	return []keys.ClientKey{f.key}
}

// PriorityClass returns the fetcher's priority.
func (f *Single) PriorityClass() constants.Priority {
	f.Lock()
	defer f.Unlock()
	return f.prio
}

// SetPriority reclasses the fetcher; the grab array re-files it on
// the next grab that encounters it.
func (f *Single) SetPriority(p constants.Priority) {
	f.Lock()
	defer f.Unlock()
	f.prio = p
}

// RetryCount returns the raw retry count.
func (f *Single) RetryCount() int {
	f.Lock()
	defer f.Unlock()
	return f.retryCount
}

// Client returns the fairness identity.
func (f *Single) Client() interface{} {
	return f.client
}

// Finished reports whether the fetcher reached a terminal state.
func (f *Single) Finished() bool {
	f.Lock()
	defer f.Unlock()
	return f.state.Terminal()
}

// CooldownWakeup returns the pending cooldown wakeup time, zero when
// not cooling down.
func (f *Single) CooldownWakeup() time.Time {
	f.Lock()
	defer f.Unlock()
	return f.cooldownWakeup
}

// OnGotKey delivers an arrived block. A key that does not match the
// fetcher's own is a mis-delivery and ignored; so is delivery after a
// terminal state, which happens legitimately when a key is tripped by
// both a direct reply and an unsolicited arrival.
func (f *Single) OnGotKey(key keys.RoutingKey, b *block.Block, fromStore bool) {
	if key != f.key.NodeKey() {
		f.log.Debugf("ignoring mis-delivered key %v", key)
		return
	}
	f.Lock()
	if f.state.Terminal() {
		f.log.Debugf("ignoring block for already %s fetcher", f.state)
		f.Unlock()
		return
	}
	data, err := f.key.DecodeBlock(b)
	if err != nil {
		f.Unlock()
		f.log.Warningf("block decode failed: %s", err)
		f.OnFailure(fetcherr.BlockDecodeError)
		return
	}
	f.state = Succeeded
	f.Unlock()
	f.sched.Unregister(f)
	f.sched.Succeeded(f.client)
	f.delegate.OnBlockSucceeded(f, key, data, fromStore)
}

// OnFailure consumes a failure of the given kind: fatal kinds and an
// exhausted retry budget terminate the fetcher, a retry count hitting
// a multiple of the cooldown period parks the key, anything else
// re-files the fetcher at its new retry count.
func (f *Single) OnFailure(kind fetcherr.Kind) {
	f.Lock()
	if f.state.Terminal() {
		f.Unlock()
		return
	}
	if kind.Fatal() {
		f.state = PermanentlyFailed
		f.Unlock()
		f.sched.Unregister(f)
		f.delegate.OnBlockFailed(f, kind)
		return
	}
	if f.maxRetries >= 0 && f.retryCount+1 > f.maxRetries {
		f.state = PermanentlyFailed
		f.Unlock()
		f.sched.Unregister(f)
		f.delegate.OnBlockFailed(f, kind)
		return
	}
	f.retryCount++
	if f.retryCount%f.sched.CooldownRetries() == 0 {
		f.state = Cooldown
		f.Unlock()
		wakeup, err := f.sched.EnterCooldown(f, f.key.NodeKey())
		if err == cooldown.ErrAlreadyQueued {
			f.log.Debugf("cooldown enqueue raced: %s", err)
		}
		f.Lock()
		f.cooldownWakeup = wakeup
		f.Unlock()
		return
	}
	f.Unlock()
	f.sched.Reregister(f)
}

// RequeueAfterCooldown reschedules the fetcher when its cooldown for
// key has expired at time t. Stale wakeups and foreign keys are
// ignored.
func (f *Single) RequeueAfterCooldown(key keys.RoutingKey, t time.Time) {
	f.Lock()
	if f.state != Cooldown || key != f.key.NodeKey() || f.cooldownWakeup.After(t) {
		f.Unlock()
		return
	}
	f.state = Registered
	f.cooldownWakeup = time.Time{}
	f.Unlock()
	f.sched.Reregister(f)
}

// Cancel terminates the fetcher and removes it everywhere. Data
// received after cancel is discarded without delivery.
func (f *Single) Cancel() {
	f.Lock()
	if f.state.Terminal() {
		f.Unlock()
		return
	}
	f.state = Cancelled
	f.Unlock()
	f.sched.Unregister(f)
}
