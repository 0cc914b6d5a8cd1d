// persister.go - serial persistence of storage mutations.
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

package splitfile

import (
	"sync"

	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"
)

// persister owns the storage file exclusively once the storage is
// live: every mutation that must survive a restart is posted here and
// executed serially. Adjacent jobs posted under the same non-empty
// fuse key are fused, the later closure replacing the earlier one, so
// bursts of status updates for one segment collapse into one write.
type persister struct {
	worker.Worker

	log *logging.Logger

	sync.Mutex
	queue   []*persistJob
	fused   map[string]*persistJob
	kick    chan struct{}
	idle    *sync.Cond
	pending int
}

type persistJob struct {
	fuseKey string
	run     func()
}

func newPersister(log *logging.Logger) *persister {
	p := &persister{
		log:   log,
		fused: make(map[string]*persistJob),
		kick:  make(chan struct{}, 1),
	}
	p.idle = sync.NewCond(&p.Mutex)
	p.Go(p.drain)
	return p
}

// post queues a closure. fuseKey may be empty for jobs that must not
// fuse.
func (p *persister) post(fuseKey string, run func()) {
	p.Lock()
	if fuseKey != "" {
		if j, ok := p.fused[fuseKey]; ok && p.queue[len(p.queue)-1] == j {
			j.run = run
			p.Unlock()
			return
		}
	}
	j := &persistJob{fuseKey: fuseKey, run: run}
	p.queue = append(p.queue, j)
	if fuseKey != "" {
		p.fused[fuseKey] = j
	}
	p.pending++
	p.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// flush blocks until every queued job has run.
func (p *persister) flush() {
	p.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.Unlock()
}

func (p *persister) drain() {
	for {
		p.Lock()
		for len(p.queue) > 0 {
			j := p.queue[0]
			p.queue = p.queue[1:]
			if j.fuseKey != "" && p.fused[j.fuseKey] == j {
				delete(p.fused, j.fuseKey)
			}
			run := j.run
			p.Unlock()
			run()
			p.Lock()
			p.pending--
		}
		p.idle.Broadcast()
		p.Unlock()
		select {
		case <-p.HaltCh():
			return
		case <-p.kick:
		}
	}
}

// shutdown drains outstanding jobs and stops the worker.
func (p *persister) shutdown() {
	p.flush()
	p.Halt()
}
