// pending.go - pending key map.
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

// Package pending maps routing keys to the fetchers waiting on them,
// so an arriving block, solicited or not, can satisfy every waiting
// request for its key.
package pending

import (
	"sync"

	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/keys"
)

// Subscriber is anything waiting on a key. Subscribers are compared
// by identity.
type Subscriber interface {
	// PriorityClass returns the subscriber's current priority class;
	// lower is more urgent. Used to order deliveries.
	PriorityClass() constants.Priority
}

// Map is the pending key map. All operations are atomic under one
// mutex. Subscriber lists have set semantics: adding a subscriber
// twice is a no-op and it is delivered to at most once per take.
type Map struct {
	sync.Mutex

	byKey  map[keys.RoutingKey]map[Subscriber]struct{}
	bySubs map[Subscriber]map[keys.RoutingKey]struct{}
}

// New creates an empty Map.
func New() *Map {
	return &Map{
		byKey:  make(map[keys.RoutingKey]map[Subscriber]struct{}),
		bySubs: make(map[Subscriber]map[keys.RoutingKey]struct{}),
	}
}

// Add subscribes s to key. Idempotent.
func (m *Map) Add(key keys.RoutingKey, s Subscriber) {
	m.Lock()
	defer m.Unlock()
	subs, ok := m.byKey[key]
	if !ok {
		subs = make(map[Subscriber]struct{})
		m.byKey[key] = subs
	}
	subs[s] = struct{}{}
	ks, ok := m.bySubs[s]
	if !ok {
		ks = make(map[keys.RoutingKey]struct{})
		m.bySubs[s] = ks
	}
	ks[key] = struct{}{}
}

// Remove unsubscribes s from key. It reports whether the entry
// existed and whether the key now has no subscribers at all; the
// caller uses the latter to evict offered key records.
func (m *Map) Remove(key keys.RoutingKey, s Subscriber) (existed, empty bool) {
	m.Lock()
	defer m.Unlock()
	subs, ok := m.byKey[key]
	if !ok {
		return false, true
	}
	if _, ok = subs[s]; !ok {
		return false, len(subs) == 0
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(m.byKey, key)
		empty = true
	}
	if ks, ok := m.bySubs[s]; ok {
		delete(ks, key)
		if len(ks) == 0 {
			delete(m.bySubs, s)
		}
	}
	return true, empty
}

// RemoveAll unsubscribes s from every key it is waiting on and
// returns those keys.
func (m *Map) RemoveAll(s Subscriber) []keys.RoutingKey {
	m.Lock()
	defer m.Unlock()
	ks, ok := m.bySubs[s]
	if !ok {
		return nil
	}
	removed := make([]keys.RoutingKey, 0, len(ks))
	for key := range ks {
		removed = append(removed, key)
		if subs, ok := m.byKey[key]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(m.byKey, key)
			}
		}
	}
	delete(m.bySubs, s)
	return removed
}

// Take atomically removes and returns the subscribers of key.
func (m *Map) Take(key keys.RoutingKey) []Subscriber {
	m.Lock()
	defer m.Unlock()
	subs, ok := m.byKey[key]
	if !ok {
		return nil
	}
	delete(m.byKey, key)
	out := make([]Subscriber, 0, len(subs))
	for s := range subs {
		out = append(out, s)
		if ks, ok := m.bySubs[s]; ok {
			delete(ks, key)
			if len(ks) == 0 {
				delete(m.bySubs, s)
			}
		}
	}
	return out
}

// Get returns the current subscribers of key without removing them.
func (m *Map) Get(key keys.RoutingKey) []Subscriber {
	m.Lock()
	defer m.Unlock()
	subs, ok := m.byKey[key]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// AnyWant probes whether any subscriber is waiting on key. Used by
// the node layer when it receives offered key gossip.
func (m *Map) AnyWant(key keys.RoutingKey) bool {
	m.Lock()
	defer m.Unlock()
	return len(m.byKey[key]) > 0
}
