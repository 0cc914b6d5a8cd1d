// grabarray.go - nested random request selection.
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

// Package grabarray selects the next runnable request fairly across
// clients, biased by priority class and retry count. The structure is
// three levels deep: priority class, then effective retry count, then
// a per-client sector holding the client's requests.
package grabarray

import (
	mrand "math/rand"
	"sort"
	"sync"

	equeue "github.com/eapache/queue"
	"github.com/katzenpost/core/crypto/rand"

	"github.com/007pig/fred-sub002/constants"
)

// Policy selects how priorities are traversed.
type Policy int

const (
	// Hard iterates priority classes in strict order.
	Hard Policy = iota

	// Soft picks the starting class by weighted random selection, so
	// low priority classes still make progress under load.
	Soft
)

// softWeights gives higher priority classes more slots in the soft
// selection lookup table.
var softWeights = [constants.NumPriorities]int{64, 32, 16, 8, 4, 2, 1}

// Request is an entry in the grab array.
type Request interface {
	// PriorityClass returns the request's current priority. A request
	// whose priority changed since insertion is re-filed on the next
	// grab that encounters it.
	PriorityClass() constants.Priority

	// RetryCount returns the raw retry count.
	RetryCount() int

	// Client returns the identity used for round robin fairness,
	// normally the owning ClientRequest.
	Client() interface{}
}

// EffectiveRetryCount maps a raw retry count to its scheduler bucket.
// Below the floor the retry count is ignored so untried requests do
// not starve thrice tried ones.
func EffectiveRetryCount(raw int) int {
	if raw <= constants.MinRetryCount {
		return 0
	}
	return raw - constants.MinRetryCount
}

type slot struct {
	req    Request
	prio   constants.Priority
	retry  int // effective
	client interface{}
	index  int // position in its sector's slice
}

// sector holds one client's requests within a retry bucket.
type sector struct {
	slots []*slot
}

func (s *sector) removeAt(i int) {
	last := len(s.slots) - 1
	s.slots[i] = s.slots[last]
	s.slots[i].index = i
	s.slots = s.slots[:last]
}

// retryBucket holds the per-client sectors of one effective retry
// count, plus the client list for uniform random client selection.
type retryBucket struct {
	sectors map[interface{}]*sector
	clients []interface{}
	count   int
}

func newRetryBucket() *retryBucket {
	return &retryBucket{sectors: make(map[interface{}]*sector)}
}

func (b *retryBucket) removeClient(client interface{}) {
	delete(b.sectors, client)
	for i, c := range b.clients {
		if c == client {
			b.clients[i] = b.clients[len(b.clients)-1]
			b.clients = b.clients[:len(b.clients)-1]
			return
		}
	}
}

// priorityLevel holds the retry buckets of one priority class.
type priorityLevel struct {
	buckets map[int]*retryBucket
	count   int
}

// Array is the priority grab array.
type Array struct {
	sync.Mutex

	policy  Policy
	rng     *mrand.Rand
	levels  [constants.NumPriorities]*priorityLevel
	members map[Request]*slot
	total   int

	// recent is a bounded FIFO of client identities whose requests
	// recently completed; with probability one half a grab prefers a
	// request of a recent client when it is no worse.
	recent *equeue.Queue
}

// New creates an empty Array with the given selection policy.
func New(policy Policy) *Array {
	a := &Array{
		policy:  policy,
		rng:     rand.NewMath(),
		members: make(map[Request]*slot),
		recent:  equeue.New(),
	}
	for i := range a.levels {
		a.levels[i] = &priorityLevel{buckets: make(map[int]*retryBucket)}
	}
	return a
}

// Len returns the number of requests in the array.
func (a *Array) Len() int {
	a.Lock()
	defer a.Unlock()
	return a.total
}

// Add files req under its current priority, retry bucket and client.
// Adding a request that is already present is a no-op.
func (a *Array) Add(req Request) {
	a.Lock()
	defer a.Unlock()
	a.addLocked(req)
}

func (a *Array) addLocked(req Request) {
	if _, ok := a.members[req]; ok {
		return
	}
	prio := req.PriorityClass()
	if !prio.Valid() {
		prio = constants.PriorityMinimum
	}
	retry := EffectiveRetryCount(req.RetryCount())
	client := req.Client()
	level := a.levels[int(prio)]
	b, ok := level.buckets[retry]
	if !ok {
		b = newRetryBucket()
		level.buckets[retry] = b
	}
	sec, ok := b.sectors[client]
	if !ok {
		sec = &sector{}
		b.sectors[client] = sec
		b.clients = append(b.clients, client)
	}
	sl := &slot{req: req, prio: prio, retry: retry, client: client, index: len(sec.slots)}
	sec.slots = append(sec.slots, sl)
	a.members[req] = sl
	b.count++
	level.count++
	a.total++
}

// Remove unfiles req. Returns false when req was not present.
func (a *Array) Remove(req Request) bool {
	a.Lock()
	defer a.Unlock()
	return a.removeLocked(req)
}

func (a *Array) removeLocked(req Request) bool {
	sl, ok := a.members[req]
	if !ok {
		return false
	}
	delete(a.members, req)
	level := a.levels[int(sl.prio)]
	b := level.buckets[sl.retry]
	sec := b.sectors[sl.client]
	sec.removeAt(sl.index)
	if len(sec.slots) == 0 {
		b.removeClient(sl.client)
	}
	b.count--
	level.count--
	a.total--
	if b.count == 0 {
		delete(level.buckets, sl.retry)
	}
	return true
}

// Succeeded records the client of a completed request in the recent
// success history.
func (a *Array) Succeeded(client interface{}) {
	a.Lock()
	defer a.Unlock()
	a.recent.Add(client)
	for a.recent.Length() > constants.RecentSuccessHistory {
		a.recent.Remove()
	}
}

// RemoveRandom grabs the next runnable request: a priority class per
// the policy, the lowest nonempty retry bucket within it, a uniform
// random client sector, and a uniform random request of that client.
// Requests whose priority changed underneath are re-filed and the
// grab continues. Returns nil when the array is empty.
func (a *Array) RemoveRandom() Request {
	a.Lock()
	defer a.Unlock()
	for i := 0; i < constants.NumPriorities+1; i++ {
		if a.total == 0 {
			return nil
		}
		prio := a.choosePriority()
		if prio < 0 {
			return nil
		}
		req := a.grabAtPriority(prio)
		if req == nil {
			continue
		}
		// Reject entries whose priority changed underneath; re-file
		// and continue.
		if req.PriorityClass() != a.members[req].prio {
			a.removeLocked(req)
			a.addLocked(req)
			continue
		}
		sl := a.members[req]
		if biased := a.recentBias(sl); biased != nil {
			a.removeLocked(biased)
			return biased
		}
		a.removeLocked(req)
		return req
	}
	return nil
}

// choosePriority returns the priority class to grab from, or -1 when
// empty.
func (a *Array) choosePriority() int {
	switch a.policy {
	case Soft:
		totalWeight := 0
		for p, level := range a.levels {
			if level.count > 0 {
				totalWeight += softWeights[p]
			}
		}
		if totalWeight == 0 {
			return -1
		}
		pick := a.rng.Intn(totalWeight)
		for p, level := range a.levels {
			if level.count == 0 {
				continue
			}
			pick -= softWeights[p]
			if pick < 0 {
				return p
			}
		}
	default:
		for p, level := range a.levels {
			if level.count > 0 {
				return p
			}
		}
	}
	return -1
}

// grabAtPriority picks from the lowest nonempty retry bucket at prio.
func (a *Array) grabAtPriority(prio int) Request {
	level := a.levels[prio]
	if level.count == 0 {
		return nil
	}
	retries := make([]int, 0, len(level.buckets))
	for r := range level.buckets {
		retries = append(retries, r)
	}
	sort.Ints(retries)
	b := level.buckets[retries[0]]
	client := b.clients[a.rng.Intn(len(b.clients))]
	sec := b.sectors[client]
	return sec.slots[a.rng.Intn(len(sec.slots))].req
}

// recentBias returns, with probability one half, a request of a
// recently successful client whose priority and retry count are no
// worse than the candidate's. Returns nil to keep the candidate.
func (a *Array) recentBias(candidate *slot) Request {
	if a.recent.Length() == 0 || a.rng.Intn(2) == 0 {
		return nil
	}
	for i := 0; i < a.recent.Length(); i++ {
		client := a.recent.Get(i)
		for p := 0; p <= int(candidate.prio); p++ {
			level := a.levels[p]
			for r, b := range level.buckets {
				if p == int(candidate.prio) && r > candidate.retry {
					continue
				}
				sec, ok := b.sectors[client]
				if !ok || len(sec.slots) == 0 {
					continue
				}
				sl := sec.slots[a.rng.Intn(len(sec.slots))]
				if sl.req == candidate.req {
					continue
				}
				return sl.req
			}
		}
	}
	return nil
}
