// scheduler.go - block request scheduler.
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

// Package scheduler selects which block request the node layer sends
// next, across every concurrent download, by priority, retry count
// and per-client fairness, with pending key deduplication and
// cooldown handling.
package scheduler

import (
	mrand "math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/cooldown"
	"github.com/007pig/fred-sub002/grabarray"
	"github.com/007pig/fred-sub002/keys"
	"github.com/007pig/fred-sub002/pending"
)

const (
	// sweepInterval is how often the cooldown queue is pumped when no
	// earlier wakeup is pending.
	sweepInterval = time.Second

	// maxCooldownDrain bounds how many cooldown entries one sweep
	// releases.
	maxCooldownDrain = 1024
)

// KeyStore is the local block store consulted before any key goes on
// the wire.
type KeyStore interface {
	Fetch(routingKey keys.RoutingKey, dontPromote bool) (*block.Block, error)
	Has(routingKey keys.RoutingKey) bool
}

// SendableRequest is a fetcher as the scheduler sees it.
type SendableRequest interface {
	grabarray.Request

	// Keys returns the client keys this request still needs.
	Keys() []keys.ClientKey

	// OnGotKey delivers an arrived block for key. fromStore is set
	// when the block came from the local store during register.
	OnGotKey(key keys.RoutingKey, b *block.Block, fromStore bool)

	// RequeueAfterCooldown asks the request to reschedule key once
	// its cooldown expired at time t.
	RequeueAfterCooldown(key keys.RoutingKey, t time.Time)

	// Finished reports whether the request has reached a terminal
	// state; finished requests are never delivered to.
	Finished() bool
}

// Selected is the outcome of RemoveFirst: either a request to send,
// or a synthetic offered-keys selection for the node layer to claim.
type Selected struct {
	Request    SendableRequest
	Offered    bool
	OfferedKey keys.RoutingKey
	Priority   constants.Priority
}

type offer struct {
	key  keys.RoutingKey
	prio constants.Priority
}

// Scheduler drives the grab array, pending key map and cooldown
// queue. Its mutex guards only the offered key bookkeeping; the
// component structures carry their own locks, and callbacks are
// always invoked with no scheduler lock held.
type Scheduler struct {
	worker.Worker

	log *logging.Logger

	store           KeyStore
	grab            *grabarray.Array
	pendings        *pending.Map
	cooldownQ       *cooldown.Queue
	cooldownRetries int

	sync.Mutex // guards offers and rng
	offers []offer
	rng    *mrand.Rand
}

// New creates a Scheduler. cooldownRetries is the consecutive
// failure count after which a key is parked.
func New(logBackend *log.Backend, store KeyStore, policy grabarray.Policy, cooldownTime time.Duration, cooldownRetries int) *Scheduler {
	if cooldownRetries < 1 {
		cooldownRetries = constants.CooldownRetries
	}
	s := &Scheduler{
		log:             logBackend.GetLogger("Scheduler"),
		store:           store,
		grab:            grabarray.New(policy),
		pendings:        pending.New(),
		cooldownQ:       cooldown.New(cooldownTime),
		cooldownRetries: cooldownRetries,
		rng:             rand.NewMath(),
	}
	return s
}

// CooldownRetries returns the cooldown trigger count fetchers apply.
func (s *Scheduler) CooldownRetries() int {
	return s.cooldownRetries
}

// Start launches the periodic cooldown sweep.
func (s *Scheduler) Start() {
	s.Go(s.sweepWorker)
}

// Pending returns the pending key map, the probe surface for the
// node layer's offered key gossip.
func (s *Scheduler) Pending() *pending.Map {
	return s.pendings
}

// Cooldown returns the cooldown queue.
func (s *Scheduler) Cooldown() *cooldown.Queue {
	return s.cooldownQ
}

// Register files f with the scheduler. Each of f's keys is first
// checked against the local store; hits are delivered immediately
// with fromStore set and are not enqueued. If any key still needs
// the network the request enters the grab array and each remaining
// key is recorded in the pending key map. Register is idempotent for
// the same request.
func (s *Scheduler) Register(f SendableRequest) {
	remaining := make([]keys.ClientKey, 0, len(f.Keys()))
	belowImmediate := f.PriorityClass() > constants.PriorityImmediateSplitfile
	for _, ck := range f.Keys() {
		if f.Finished() {
			return
		}
		nk := ck.NodeKey()
		if s.store != nil {
			b, err := s.store.Fetch(nk, false)
			if err != nil {
				s.log.Warningf("store fetch %v failed: %s", nk, err)
			}
			if b != nil {
				f.OnGotKey(nk, b, true)
				if belowImmediate {
					// Yield so datastore hits of bulk requests do
					// not starve the reactor.
					runtime.Gosched()
				}
				continue
			}
		}
		remaining = append(remaining, ck)
	}
	if len(remaining) == 0 || f.Finished() {
		return
	}
	for _, ck := range remaining {
		s.pendings.Add(ck.NodeKey(), f)
	}
	s.grab.Add(f)
}

// Unregister removes f from the grab array, the pending key map and
// the cooldown queue.
func (s *Scheduler) Unregister(f SendableRequest) {
	s.grab.Remove(f)
	s.pendings.RemoveAll(f)
	s.cooldownQ.RemoveOwner(f)
}

// Reregister re-files f in the grab array at its current retry count
// without touching its pending key records.
func (s *Scheduler) Reregister(f SendableRequest) {
	s.grab.Remove(f)
	if !f.Finished() {
		s.grab.Add(f)
	}
}

// EnterCooldown parks key for f: the request leaves the grab array
// (its pending key records stay so an unsolicited arrival can still
// satisfy it) and the key is enqueued on the cooldown queue. The
// wakeup time is returned. cooldown.ErrAlreadyQueued is harmless and
// logged by the caller.
func (s *Scheduler) EnterCooldown(f SendableRequest, key keys.RoutingKey) (time.Time, error) {
	s.grab.Remove(f)
	return s.cooldownQ.Enqueue(key, f, time.Now())
}

// OfferKey records an unsolicited offer for key at the given
// priority, if anyone wants it.
func (s *Scheduler) OfferKey(key keys.RoutingKey, prio constants.Priority) {
	if !s.pendings.AnyWant(key) {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.offers = append(s.offers, offer{key: key, prio: prio})
}

// RemoveFirst selects the next block request to hand to the node
// layer, choosing randomly between an offered key and the grab array
// when they tie on priority. Returns nil when nothing is runnable.
func (s *Scheduler) RemoveFirst() *Selected {
	req := s.grab.RemoveRandom()
	off := s.takeOffer(req)
	if off != nil {
		if req != nil {
			// The offer won the coin toss; the grabbed request goes
			// back for the next poll.
			s.grab.Add(req)
		}
		return &Selected{Offered: true, OfferedKey: off.key, Priority: off.prio}
	}
	if req == nil {
		return nil
	}
	sreq := req.(SendableRequest)
	return &Selected{Request: sreq, Priority: sreq.PriorityClass()}
}

// takeOffer pops a live offer that beats, or fairly ties, the
// grabbed request.
func (s *Scheduler) takeOffer(req grabarray.Request) *offer {
	s.Lock()
	defer s.Unlock()
	for len(s.offers) > 0 {
		o := s.offers[0]
		s.offers = s.offers[1:]
		if !s.pendings.AnyWant(o.key) {
			continue
		}
		if req == nil {
			return &o
		}
		rp := req.PriorityClass()
		if o.prio < rp {
			return &o
		}
		if o.prio == rp && s.rng.Intn(2) == 0 {
			return &o
		}
		// Grabbed request wins; keep the offer for later.
		s.offers = append(s.offers, o)
		return nil
	}
	return nil
}

// Succeeded records the client of a completed request in the recent
// success history.
func (s *Scheduler) Succeeded(client interface{}) {
	s.grab.Succeeded(client)
}

// TripPending is called when any block arrives, solicited or not. It
// atomically takes the subscribers of the block's key, drops the
// key's cooldown entries, and delivers the block to each subscriber
// in priority order, outside every scheduler lock. Finished
// subscribers are skipped.
func (s *Scheduler) TripPending(key keys.RoutingKey, b *block.Block) {
	subs := s.pendings.Take(key)
	if len(subs) == 0 {
		return
	}
	s.cooldownQ.RemoveKey(key)
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].PriorityClass() < subs[j].PriorityClass()
	})
	go func() {
		for _, sub := range subs {
			f, ok := sub.(SendableRequest)
			if !ok {
				continue
			}
			if f.Finished() {
				s.log.Debugf("tripPending: skipping finished subscriber for %v", key)
				continue
			}
			f.OnGotKey(key, b, false)
		}
	}()
}

// MoveKeysFromCooldown pumps the cooldown queue until it is empty or
// its head is in the future, delivering RequeueAfterCooldown for each
// released key to its owner and to every pending subscriber of the
// key.
func (s *Scheduler) MoveKeysFromCooldown() int {
	now := time.Now()
	entries := s.cooldownQ.DrainBefore(now, maxCooldownDrain)
	for _, e := range entries {
		delivered := map[interface{}]bool{}
		if e.Owner != nil {
			e.Owner.RequeueAfterCooldown(e.Key, now)
			delivered[e.Owner] = true
		}
		for _, sub := range s.pendings.Get(e.Key) {
			o, ok := sub.(cooldown.Owner)
			if !ok || delivered[o] {
				continue
			}
			o.RequeueAfterCooldown(e.Key, now)
			delivered[o] = true
		}
	}
	return len(entries)
}

// sweepWorker periodically releases expired cooldown entries.
func (s *Scheduler) sweepWorker() {
	timer := time.NewTimer(sweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-timer.C:
		}
		n := s.MoveKeysFromCooldown()
		if n > 0 {
			s.log.Debugf("released %d keys from cooldown", n)
		}
		d := sweepInterval
		if next := s.cooldownQ.NextWakeup(); !next.IsZero() {
			if until := time.Until(next); until < d {
				d = until
				if d <= 0 {
					d = time.Millisecond
				}
			}
		}
		timer.Reset(d)
	}
}
