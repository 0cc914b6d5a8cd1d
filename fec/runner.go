// runner.go - bounded FEC job execution.
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

package fec

import (
	"sync"

	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/constants"
)

// Job is a unit of FEC work with a declared buffer footprint.
type Job struct {
	// SizeBytes is the decode buffer footprint used for memory
	// gating.
	SizeBytes int64

	// Run does the work. It is called on a pool goroutine.
	Run func()
}

// Runner executes FEC jobs on a bounded worker pool behind a byte
// budget: jobs queue until the budget permits their buffers. A job
// larger than the whole budget runs alone rather than never.
type Runner struct {
	worker.Worker

	log    *logging.Logger
	jobs   chan *Job
	budget int64

	memLock sync.Mutex
	memCond *sync.Cond
	memUsed int64
	halted  bool
}

// NewRunner creates a Runner with the given concurrency (clamped to
// constants.MaxRunningFEC) and byte budget, and starts its workers.
func NewRunner(logBackend *log.Backend, workers int, budget int64) *Runner {
	if workers < 1 {
		workers = 1
	}
	if workers > constants.MaxRunningFEC {
		workers = constants.MaxRunningFEC
	}
	r := &Runner{
		log:    logBackend.GetLogger("FECRunner"),
		jobs:   make(chan *Job, 64),
		budget: budget,
	}
	r.memCond = sync.NewCond(&r.memLock)
	for i := 0; i < workers; i++ {
		r.Go(r.jobWorker)
	}
	return r
}

// Submit queues a job. Blocks when the queue is full; returns false
// once the runner is halted.
func (r *Runner) Submit(j *Job) bool {
	select {
	case <-r.HaltCh():
		return false
	case r.jobs <- j:
		return true
	}
}

func (r *Runner) jobWorker() {
	for {
		var j *Job
		select {
		case <-r.HaltCh():
			return
		case j = <-r.jobs:
		}
		r.acquire(j.SizeBytes)
		j.Run()
		r.release(j.SizeBytes)
	}
}

func (r *Runner) acquire(size int64) {
	if size > r.budget {
		size = r.budget
	}
	r.memLock.Lock()
	for !r.halted && r.memUsed+size > r.budget && r.memUsed > 0 {
		r.memCond.Wait()
	}
	r.memUsed += size
	r.memLock.Unlock()
}

func (r *Runner) release(size int64) {
	if size > r.budget {
		size = r.budget
	}
	r.memLock.Lock()
	r.memUsed -= size
	r.memLock.Unlock()
	r.memCond.Broadcast()
}

// Shutdown halts the workers and wakes any memory waiters.
func (r *Runner) Shutdown() {
	r.memLock.Lock()
	r.halted = true
	r.memLock.Unlock()
	r.memCond.Broadcast()
	r.Halt()
}
