// healing.go - best effort block reinsertion.
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

// Package healing reinserts blocks that were hard to fetch, to
// improve their future availability. Healing is best effort: on
// backpressure inserts are silently dropped.
package healing

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/keys"
)

const (
	// queueDepth bounds pending heal inserts.
	queueDepth = 128

	// cacheEntries bounds the decoded block cache fed by segment
	// decodes so heal encodes need not re-read the storage file.
	cacheEntries = 64
)

// Inserter pushes one block's plaintext back into the network. The
// node layer provides it.
type Inserter interface {
	Insert(key keys.ClientKey, data []byte) error
}

type healJob struct {
	key  keys.ClientKey
	data []byte
}

// Queue is the healing queue.
type Queue struct {
	worker.Worker

	log      *logging.Logger
	inserter Inserter
	jobs     chan *healJob
}

// NewQueue creates a healing queue draining into inserter.
func NewQueue(logBackend *log.Backend, inserter Inserter) *Queue {
	q := &Queue{
		log:      logBackend.GetLogger("HealingQueue"),
		inserter: inserter,
		jobs:     make(chan *healJob, queueDepth),
	}
	q.Go(q.drain)
	return q
}

// Offer queues a heal insert, dropping it when the queue is full.
func (q *Queue) Offer(key keys.ClientKey, data []byte) {
	select {
	case q.jobs <- &healJob{key: key, data: data}:
	default:
		q.log.Debugf("dropped heal insert for %v", key.NodeKey())
	}
}

func (q *Queue) drain() {
	for {
		select {
		case <-q.HaltCh():
			return
		case j := <-q.jobs:
			if err := q.inserter.Insert(j.key, j.data); err != nil {
				q.log.Debugf("heal insert %v failed: %s", j.key.NodeKey(), err)
			}
		}
	}
}

// BlockCache is a bounded cache of decoded block plaintexts keyed by
// (owner id, slot), replacing soft references with an explicit LRU.
type BlockCache struct {
	cache *lru.Cache
}

type cacheKey struct {
	owner uint64
	slot  int
}

// NewBlockCache creates a BlockCache.
func NewBlockCache() *BlockCache {
	c, err := lru.New(cacheEntries)
	if err != nil {
		panic("healing: lru.New: " + err.Error())
	}
	return &BlockCache{cache: c}
}

// Put caches data for (owner, slot).
func (c *BlockCache) Put(owner uint64, slot int, data []byte) {
	c.cache.Add(cacheKey{owner: owner, slot: slot}, data)
}

// Get returns the cached data for (owner, slot), nil on a miss.
func (c *BlockCache) Get(owner uint64, slot int) []byte {
	if v, ok := c.cache.Get(cacheKey{owner: owner, slot: slot}); ok {
		return v.([]byte)
	}
	return nil
}

// Drop evicts every slot of owner up to n.
func (c *BlockCache) Drop(owner uint64, n int) {
	for i := 0; i < n; i++ {
		c.cache.Remove(cacheKey{owner: owner, slot: i})
	}
}
