// segment.go - per segment fetch and decode state.
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
	"encoding/binary"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fec"
	"github.com/007pig/fred-sub002/fetcher"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
)

// Slot states as persisted in the segment status section.
const (
	slotEmpty     = byte(0)
	slotFetching  = byte(1)
	slotCooldown  = byte(2)
	slotSucceeded = byte(3)
	slotFailed    = byte(4)

	noStoredSlot = uint16(0xffff)
)

type segState int

const (
	segFetching segState = iota
	segDecoding
	segEncoding
	segFinished
	segFailed
	segCancelled
)

type slotStatus struct {
	state      byte
	retryCount uint16
	storedSlot uint16
}

// Segment tracks the k data and n-k check blocks of one FEC decoding
// unit: per slot retry and cooldown state, the decode trigger, and
// the heal pass after decode. Locking is per segment; the parent
// storage takes segment locks in index order when it needs more than
// one.
type Segment struct {
	log    *logging.Logger
	parent *Storage
	idx    int
	shape  SegmentShape
	keys   []keys.ClientKey

	sync.Mutex
	state      segState
	slots      []slotStatus
	nextStore  int
	succeeded  int
	permFailed int
	fetchers   map[*fetcher.Single]int
	tally      *fetcherr.SplitfileError
}

func newSegment(parent *Storage, idx int, shape SegmentShape, segKeys []keys.ClientKey) *Segment {
	return &Segment{
		log:      parent.logBackend.GetLogger(fmt.Sprintf("Segment-%d/%d", parent.id, idx)),
		parent:   parent,
		idx:      idx,
		shape:    shape,
		keys:     segKeys,
		slots:    make([]slotStatus, shape.N),
		fetchers: make(map[*fetcher.Single]int),
		tally:    fetcherr.NewSplitfileError(),
	}
}

// blockDataLen returns the meaningful plaintext length of data block
// i; check blocks always carry a full block of parity.
func (s *Segment) blockDataLen(i int) int {
	if i >= s.shape.K {
		return constants.BlockSize
	}
	remaining := s.shape.DataLength - int64(i)*int64(constants.BlockSize)
	if remaining >= int64(constants.BlockSize) {
		return constants.BlockSize
	}
	return int(remaining)
}

// start schedules fetchers for every slot not already succeeded.
func (s *Segment) start() {
	s.Lock()
	if s.state != segFetching {
		s.Unlock()
		return
	}
	if s.succeeded >= s.shape.K {
		s.Unlock()
		s.triggerDecode()
		return
	}
	var created []*fetcher.Single
	for i := range s.slots {
		if s.slots[i].state == slotSucceeded || s.slots[i].state == slotFailed {
			continue
		}
		s.slots[i].state = slotFetching
		f := fetcher.NewSingle(s.parent.logBackend, s.parent.sched, s.keys[i],
			s.parent.priority, s.parent.maxRetries, s.parent.client, s)
		s.fetchers[f] = i
		created = append(created, f)
	}
	s.Unlock()
	for _, f := range created {
		f.Schedule()
	}
}

// cancel aborts all outstanding fetchers.
func (s *Segment) cancel() {
	s.Lock()
	if s.state == segFinished || s.state == segCancelled {
		s.Unlock()
		return
	}
	s.state = segCancelled
	fetchers := s.takeFetchersLocked()
	s.Unlock()
	for _, f := range fetchers {
		f.Cancel()
	}
}

func (s *Segment) takeFetchersLocked() []*fetcher.Single {
	out := make([]*fetcher.Single, 0, len(s.fetchers))
	for f := range s.fetchers {
		out = append(out, f)
	}
	s.fetchers = make(map[*fetcher.Single]int)
	return out
}

// OnBlockSucceeded stores an arrived block in the next free storage
// slot and triggers decode at the threshold. Arrivals once the
// segment is decoding are dropped and their data freed.
func (s *Segment) OnBlockSucceeded(f *fetcher.Single, key keys.RoutingKey, data []byte, fromStore bool) {
	s.Lock()
	if s.state != segFetching {
		s.Unlock()
		return
	}
	slot, ok := s.fetchers[f]
	if !ok {
		s.Unlock()
		return
	}
	delete(s.fetchers, f)
	if s.slots[slot].state == slotSucceeded {
		s.Unlock()
		return
	}
	store := s.nextStore
	s.nextStore++
	s.slots[slot].state = slotSucceeded
	s.slots[slot].storedSlot = uint16(store)
	s.slots[slot].retryCount = uint16(f.RetryCount())
	s.succeeded++
	decode := s.succeeded >= s.shape.K
	var leftover []*fetcher.Single
	if decode {
		s.state = segDecoding
		leftover = s.takeFetchersLocked()
	}
	s.Unlock()

	s.parent.cache.Put(s.cacheOwner(), slot, data)
	s.persistBlock(slot, store, data)
	s.persistStatus()

	if decode {
		for _, lf := range leftover {
			lf.Cancel()
		}
		s.triggerDecode()
	}
}

// OnBlockFailed tallies a permanent block failure; once more than
// n-k slots have failed the segment cannot decode and fails the
// whole splitfile.
func (s *Segment) OnBlockFailed(f *fetcher.Single, kind fetcherr.Kind) {
	s.Lock()
	if s.state != segFetching {
		s.Unlock()
		return
	}
	slot, ok := s.fetchers[f]
	if !ok {
		s.Unlock()
		return
	}
	delete(s.fetchers, f)
	s.slots[slot].state = slotFailed
	s.slots[slot].retryCount = uint16(f.RetryCount())
	s.permFailed++
	s.tally.Record(kind)
	failed := s.permFailed > s.shape.N-s.shape.K
	var leftover []*fetcher.Single
	if failed {
		s.state = segFailed
		leftover = s.takeFetchersLocked()
	}
	s.Unlock()

	s.persistStatus()
	if failed {
		for _, lf := range leftover {
			lf.Cancel()
		}
		s.log.Warningf("segment failed: %s", s.tally)
		s.parent.onSegmentFailed(s, s.tally)
	}
}

func (s *Segment) cacheOwner() uint64 {
	return s.parent.id<<16 | uint64(s.idx)
}

// persistBlock posts the serialized block to the persister. Block
// writes are never fused so they always land before the status write
// that records them.
func (s *Segment) persistBlock(slot, store int, data []byte) {
	b, err := s.keys[slot].EncodeBlock(data)
	if err != nil {
		s.log.Errorf("re-encode of slot %d failed: %s", slot, err)
		return
	}
	raw, err := b.ToBytes()
	if err != nil {
		s.log.Errorf("serialize of slot %d failed: %s", slot, err)
		return
	}
	off := s.parent.layout.slotOffset(s.idx, store)
	s.parent.persist.post("", func() {
		if err := s.parent.raf.Pwrite(raw, off); err != nil {
			s.parent.storageError(err)
		}
	})
}

// persistStatus posts a checksummed status write, fused per segment.
func (s *Segment) persistStatus() {
	s.Lock()
	raw := s.serializeStatusLocked()
	s.Unlock()
	off := s.parent.layout.offsetSegStatus + int64(s.idx)*s.parent.layout.segStatusStride
	s.parent.persist.post(fmt.Sprintf("segstatus-%d", s.idx), func() {
		if err := s.parent.raf.Pwrite(raw, off); err != nil {
			s.parent.storageError(err)
		}
	})
}

// serializeStatusLocked renders the padded, checksummed status
// section for this segment.
func (s *Segment) serializeStatusLocked() []byte {
	body := make([]byte, int64(len(s.slots))*perSlotStatusLen)
	for i, sl := range s.slots {
		o := i * perSlotStatusLen
		body[o] = sl.state
		binary.BigEndian.PutUint16(body[o+1:], sl.retryCount)
		st := sl.storedSlot
		if sl.state != slotSucceeded {
			st = noStoredSlot
		}
		binary.BigEndian.PutUint16(body[o+3:], st)
	}
	out := make([]byte, s.parent.layout.segStatusStride)
	copy(out, checksummed(body))
	return out
}

// restoreStatus applies a persisted status section. It returns false
// when the recorded slot assignments are inconsistent, in which case
// the caller falls back to a block store scan.
func (s *Segment) restoreStatus(body []byte) bool {
	s.Lock()
	defer s.Unlock()
	if len(body) < len(s.slots)*perSlotStatusLen {
		return false
	}
	seen := make(map[uint16]bool)
	succeeded, failed, next := 0, 0, 0
	restored := make([]slotStatus, len(s.slots))
	for i := range s.slots {
		o := i * perSlotStatusLen
		st := slotStatus{
			state:      body[o],
			retryCount: binary.BigEndian.Uint16(body[o+1:]),
			storedSlot: binary.BigEndian.Uint16(body[o+3:]),
		}
		switch st.state {
		case slotSucceeded:
			if int(st.storedSlot) >= len(s.slots) || seen[st.storedSlot] {
				return false
			}
			seen[st.storedSlot] = true
			succeeded++
			if int(st.storedSlot) >= next {
				next = int(st.storedSlot) + 1
			}
		case slotFailed:
			failed++
		case slotFetching, slotCooldown:
			// In-flight states do not survive a restart.
			st.state = slotEmpty
			st.storedSlot = noStoredSlot
		case slotEmpty:
			st.storedSlot = noStoredSlot
		default:
			return false
		}
		restored[i] = st
	}
	s.slots = restored
	s.succeeded = succeeded
	s.permFailed = failed
	s.nextStore = next
	return true
}

// scanFromBlockStore rebuilds slot state by validating the block
// store region against the segment's keys. Used when the persisted
// status section failed its checksum.
func (s *Segment) scanFromBlockStore() {
	s.Lock()
	defer s.Unlock()
	byKey := make(map[keys.RoutingKey]int, len(s.keys))
	for i, ck := range s.keys {
		byKey[ck.NodeKey()] = i
	}
	s.succeeded = 0
	s.nextStore = 0
	for i := range s.slots {
		s.slots[i] = slotStatus{storedSlot: noStoredSlot}
	}
	raw := make([]byte, slotSize)
	for store := 0; store < s.shape.N; store++ {
		if err := s.parent.raf.Pread(raw, s.parent.layout.slotOffset(s.idx, store)); err != nil {
			break
		}
		b, err := block.FromBytes(raw)
		if err != nil {
			continue
		}
		slot, ok := byKey[keys.RoutingKey(b.Digest())]
		if !ok || s.slots[slot].state == slotSucceeded {
			continue
		}
		if _, err = s.keys[slot].DecodeBlock(b); err != nil {
			continue
		}
		s.slots[slot].state = slotSucceeded
		s.slots[slot].storedSlot = uint16(store)
		s.succeeded++
		if store >= s.nextStore {
			s.nextStore = store + 1
		}
	}
	s.log.Noticef("block store scan recovered %d of %d blocks", s.succeeded, s.shape.N)
}

// needsDecodeOnly reports whether the segment already holds enough
// blocks and only awaits a decode.
func (s *Segment) needsDecodeOnly() bool {
	s.Lock()
	defer s.Unlock()
	return s.state == segFetching && s.succeeded >= s.shape.K
}

// finished reports terminal success.
func (s *Segment) finished() bool {
	s.Lock()
	defer s.Unlock()
	return s.state == segFinished
}

// triggerDecode submits the FEC decode job.
func (s *Segment) triggerDecode() {
	size := int64(s.shape.N) * int64(constants.BlockSize)
	ok := s.parent.runner.Submit(&fec.Job{
		SizeBytes: size,
		Run:       s.decode,
	})
	if !ok {
		s.log.Warningf("FEC runner rejected decode job")
	}
}

// decode runs on the FEC pool: gather present blocks, reconstruct,
// persist in canonical slot order, then heal.
func (s *Segment) decode() {
	// Arrived blocks may still sit in the persistence queue; the
	// gather below reads the file for anything the cache evicted.
	s.parent.persist.flush()
	s.Lock()
	if s.state != segDecoding {
		if s.state == segFetching && s.succeeded >= s.shape.K {
			s.state = segDecoding
		} else {
			s.Unlock()
			return
		}
	}
	slots := make([]slotStatus, len(s.slots))
	copy(slots, s.slots)
	s.Unlock()

	blocks := make([][]byte, s.shape.N)
	present := 0
	for i, sl := range slots {
		if sl.state != slotSucceeded {
			continue
		}
		data := s.readStoredBlock(i, int(sl.storedSlot))
		if data == nil {
			continue
		}
		padded := make([]byte, constants.BlockSize)
		copy(padded, data)
		blocks[i] = padded
		present++
	}
	if present < s.shape.K {
		s.log.Errorf("decode aborted: only %d of %d blocks readable", present, s.shape.K)
		s.fail(fetcherr.ChecksumFailed)
		return
	}
	if err := s.parent.codec.Decode(blocks, s.shape.K); err != nil {
		s.log.Errorf("FEC decode failed: %s", err)
		s.fail(fetcherr.InternalError)
		return
	}

	// Canonical persistence: block i of the segment goes to slot i
	// regardless of which slot originally held it, then the status
	// write records the new order.
	for i := 0; i < s.shape.N; i++ {
		data := blocks[i][:s.blockDataLen(i)]
		s.persistBlock(i, i, data)
	}
	s.Lock()
	if s.state != segDecoding {
		s.Unlock()
		return
	}
	healSlots := make([]int, 0)
	for i := range s.slots {
		if s.slots[i].retryCount > 0 {
			healSlots = append(healSlots, i)
		}
		s.slots[i].state = slotSucceeded
		s.slots[i].storedSlot = uint16(i)
	}
	s.succeeded = s.shape.N
	s.state = segFinished
	s.Unlock()
	s.persistStatus()

	// Heal: reinsert every block that was hard to fetch. Best
	// effort; drops under backpressure.
	for _, i := range healSlots {
		s.parent.healer.Offer(s.keys[i], blocks[i][:s.blockDataLen(i)])
	}

	s.parent.cache.Drop(s.cacheOwner(), s.shape.N)
	s.parent.onSegmentFinished(s)
}

// readStoredBlock fetches the plaintext of slot (by its stored
// position), preferring the decoded block cache over the disk.
func (s *Segment) readStoredBlock(slot, store int) []byte {
	if data := s.parent.cache.Get(s.cacheOwner(), slot); data != nil {
		return data
	}
	if store < 0 || store >= s.shape.N {
		return nil
	}
	raw := make([]byte, slotSize)
	if err := s.parent.raf.Pread(raw, s.parent.layout.slotOffset(s.idx, store)); err != nil {
		return nil
	}
	b, err := block.FromBytes(raw)
	if err != nil {
		return nil
	}
	data, err := s.keys[slot].DecodeBlock(b)
	if err != nil {
		return nil
	}
	return data
}

func (s *Segment) fail(kind fetcherr.Kind) {
	s.Lock()
	if s.state == segFailed || s.state == segCancelled {
		s.Unlock()
		return
	}
	s.state = segFailed
	s.tally.Record(kind)
	s.Unlock()
	s.parent.onSegmentFailed(s, s.tally)
}

// readDataBlock returns the plaintext of data block i after the
// segment has finished (canonical order).
func (s *Segment) readDataBlock(i int) ([]byte, error) {
	data := s.readStoredBlock(i, i)
	if data == nil {
		return nil, fetcherr.New(fetcherr.ChecksumFailed, "segment %d block %d unreadable", s.idx, i)
	}
	return data, nil
}
