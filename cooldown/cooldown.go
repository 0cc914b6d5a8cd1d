// cooldown.go - cooldown queue.
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

// Package cooldown parks keys that have failed repeatedly and
// releases them once their wakeup time passes.
package cooldown

import (
	"errors"
	"sync"
	"time"

	"github.com/katzenpost/core/queue"

	"github.com/007pig/fred-sub002/keys"
)

// ErrAlreadyQueued is returned when the same (key, owner) pair is
// enqueued while an entry for it is still waiting on a future wakeup.
// Callers log it and treat it as harmless.
var ErrAlreadyQueued = errors.New("cooldown: already queued")

// Owner is the fetcher owning a cooldown entry. Entries are matched
// by owner identity.
type Owner interface {
	// RequeueAfterCooldown asks the owner to reschedule key once its
	// cooldown has expired at time t.
	RequeueAfterCooldown(key keys.RoutingKey, t time.Time)
}

// Entry is a drained cooldown record.
type Entry struct {
	Key    keys.RoutingKey
	Owner  Owner
	Wakeup time.Time
}

type pair struct {
	key   keys.RoutingKey
	owner Owner
}

// Queue is the time ordered cooldown store. Earlier wakeups drain
// before later ones; ties break arbitrarily.
type Queue struct {
	sync.Mutex

	period time.Duration
	heap   *queue.PriorityQueue
	live   map[pair]time.Time
}

// New creates a Queue with the given cooldown period.
func New(period time.Duration) *Queue {
	return &Queue{
		period: period,
		heap:   queue.New(),
		live:   make(map[pair]time.Time),
	}
}

// Enqueue parks (key, owner) until now+period and returns the wakeup
// time. ErrAlreadyQueued is returned when an entry for the pair is
// still pending with a wakeup in the future.
func (q *Queue) Enqueue(key keys.RoutingKey, owner Owner, now time.Time) (time.Time, error) {
	q.Lock()
	defer q.Unlock()
	p := pair{key: key, owner: owner}
	if wakeup, ok := q.live[p]; ok && wakeup.After(now) {
		return wakeup, ErrAlreadyQueued
	}
	wakeup := now.Add(q.period)
	q.live[p] = wakeup
	q.heap.Enqueue(uint64(wakeup.UnixNano()), &Entry{Key: key, Owner: owner, Wakeup: wakeup})
	return wakeup, nil
}

// Remove discards entries for key whose wakeup is before the given
// time. Used when the key was fetched via another path so the
// sleeping entries must not fire.
func (q *Queue) Remove(key keys.RoutingKey, before time.Time) {
	q.Lock()
	defer q.Unlock()
	for p, wakeup := range q.live {
		if p.key == key && wakeup.Before(before) {
			delete(q.live, p)
		}
	}
}

// RemoveKey discards every entry for key regardless of wakeup. Used
// when the key arrived via another path.
func (q *Queue) RemoveKey(key keys.RoutingKey) {
	q.Lock()
	defer q.Unlock()
	for p := range q.live {
		if p.key == key {
			delete(q.live, p)
		}
	}
}

// RemoveOwner discards every entry owned by owner. Used on cancel.
func (q *Queue) RemoveOwner(owner Owner) {
	q.Lock()
	defer q.Unlock()
	for p := range q.live {
		if p.owner == owner {
			delete(q.live, p)
		}
	}
}

// DrainBefore pops up to maxCount entries whose wakeup is not after
// now, earliest first. Heap entries whose live record was removed or
// superseded are skipped.
func (q *Queue) DrainBefore(now time.Time, maxCount int) []*Entry {
	q.Lock()
	defer q.Unlock()
	var out []*Entry
	for len(out) < maxCount {
		head := q.heap.Peek()
		if head == nil {
			break
		}
		e := head.Value.(*Entry)
		if e.Wakeup.After(now) {
			break
		}
		q.heap.Pop()
		p := pair{key: e.Key, owner: e.Owner}
		wakeup, ok := q.live[p]
		if !ok || !wakeup.Equal(e.Wakeup) {
			// Removed or re-enqueued with a later wakeup.
			continue
		}
		delete(q.live, p)
		out = append(out, e)
	}
	return out
}

// Len returns the number of live entries.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.live)
}

// NextWakeup returns the earliest pending wakeup, or zero time when
// the queue is empty.
func (q *Queue) NextWakeup() time.Time {
	q.Lock()
	defer q.Unlock()
	var earliest time.Time
	for _, wakeup := range q.live {
		if earliest.IsZero() || wakeup.Before(earliest) {
			earliest = wakeup
		}
	}
	return earliest
}
