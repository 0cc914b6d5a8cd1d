// storage.go - file wide splitfile fetch storage.
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

// Package splitfile implements the splitfile fetcher storage: the
// on-disk layout of blocks, keys, segment status, bloom filters and
// footer, the FEC decode pipeline, healing reinserts, and resume.
package splitfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/bucket"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/decompress"
	"github.com/007pig/fred-sub002/fec"
	"github.com/007pig/fred-sub002/fetcher"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/healing"
	"github.com/007pig/fred-sub002/keys"
)

var storageIDCounter uint64

// Listener receives the storage's terminal and progress events.
type Listener interface {
	// OnSplitfileSuccess delivers the reassembled, decompressed
	// file.
	OnSplitfileSuccess(s *Storage, data []byte, mime string)

	// OnSplitfileFailure reports unrecoverable failure.
	OnSplitfileFailure(s *Storage, err error)

	// OnBlockSetFinished fires once every block request is
	// registered.
	OnBlockSetFinished(s *Storage)
}

// Deps bundles the collaborators a storage needs.
type Deps struct {
	LogBackend      *log.Backend
	Scheduler       fetcher.BlockScheduler
	Runner          *fec.Runner
	Codec           fec.Codec
	Healer          *healing.Queue
	Cache           *healing.BlockCache
	MaxOutputLength int64
}

// Storage is the file wide state of one splitfile download.
type Storage struct {
	log        *logging.Logger
	logBackend *log.Backend
	id         uint64

	sched      fetcher.BlockScheduler
	runner     *fec.Runner
	codec      fec.Codec
	healer     *healing.Queue
	cache      *healing.BlockCache
	maxOutput  int64

	params   *Params
	layout   *layout
	raf      bucket.RandomAccessThing
	persist  *persister
	segments []*Segment

	priority   constants.Priority
	maxRetries int
	client     interface{}
	listener   Listener

	bloomLock sync.Mutex
	mainBloom *bloomFilter
	segBlooms []*bloomFilter

	sync.Mutex
	finishedSegs        int
	terminal            bool
	started             bool
	hasCheckedDatastore bool
}

// RequiredLength returns the file size a storage for params needs.
func RequiredLength(params *Params) (int64, error) {
	shapes, err := params.shapes()
	if err != nil {
		return 0, err
	}
	origDet := renderOriginalDetails(params)
	l := computeLayout(shapes, len(params.OriginalMetadata), len(origDet), 0)
	basic := serializeBasicSettings(params, l)
	l = computeLayout(shapes, len(params.OriginalMetadata), len(origDet), len(basic))
	return l.totalLength, nil
}

// New creates a splitfile storage for a fresh download, writing the
// full on-disk skeleton before returning.
func New(deps *Deps, params *Params, raf bucket.RandomAccessThing, prio constants.Priority, client interface{}, listener Listener) (*Storage, error) {
	shapes, err := params.shapes()
	if err != nil {
		return nil, err
	}
	origDet := renderOriginalDetails(params)
	// Offsets do not depend on the settings length, so a first pass
	// with zero length yields the final offsets.
	l := computeLayout(shapes, len(params.OriginalMetadata), len(origDet), 0)
	basic := serializeBasicSettings(params, l)
	l = computeLayout(shapes, len(params.OriginalMetadata), len(origDet), len(basic))
	if int64(len(basic)) > constants.BasicSettingsMaxLength {
		return nil, fetcherr.New(fetcherr.StorageFormat, "basic settings of %d bytes", len(basic))
	}
	if raf.Length() < l.totalLength {
		return nil, fetcherr.New(fetcherr.StorageFormat, "file of %d for layout of %d", raf.Length(), l.totalLength)
	}
	s := newStorage(deps, params, l, raf, prio, client, listener)
	for i := range shapes {
		s.segments[i] = newSegment(s, i, shapes[i], params.SegKeys[i])
	}
	var salt [bloomSaltLength]byte
	if _, err := rand.Reader.Read(salt[:]); err != nil {
		return nil, err
	}
	s.buildBlooms(salt)
	if err := s.writeSkeleton(basic, origDet, salt); err != nil {
		return nil, err
	}
	return s, nil
}

func newStorage(deps *Deps, params *Params, l *layout, raf bucket.RandomAccessThing, prio constants.Priority, client interface{}, listener Listener) *Storage {
	id := atomic.AddUint64(&storageIDCounter, 1)
	s := &Storage{
		log:        deps.LogBackend.GetLogger(fmt.Sprintf("Splitfile-%d", id)),
		logBackend: deps.LogBackend,
		id:         id,
		sched:      deps.Scheduler,
		runner:     deps.Runner,
		codec:      deps.Codec,
		healer:     deps.Healer,
		cache:      deps.Cache,
		maxOutput:  deps.MaxOutputLength,
		params:     params,
		layout:     l,
		raf:        raf,
		priority:   prio,
		maxRetries: params.MaxRetries,
		client:     client,
		listener:   listener,
		segments:   make([]*Segment, len(l.shapes)),
	}
	s.persist = newPersister(deps.LogBackend.GetLogger(fmt.Sprintf("SplitfilePersist-%d", id)))
	return s
}

// renderOriginalDetails renders the human readable details section.
func renderOriginalDetails(p *Params) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "thiskey=%s\n", p.ThisURI)
	fmt.Fprintf(&b, "origkey=%s\n", p.OrigURI)
	fmt.Fprintf(&b, "maxretries=%d\n", p.MaxRetries)
	fmt.Fprintf(&b, "cooldownms=%d\n", p.CooldownMs)
	return b.Bytes()
}

// writeSkeleton lays down every section of a fresh storage file.
func (s *Storage) writeSkeleton(basic, origDet []byte, salt [bloomSaltLength]byte) error {
	l := s.layout
	w := func(data []byte, off int64) error {
		return s.raf.Pwrite(data, off)
	}
	// Segment key lists, each checksummed.
	off := l.offsetKeyList
	for i, segKeys := range s.params.SegKeys {
		body := make([]byte, 4, 4+len(segKeys)*keys.ClientKeyLength)
		binary.BigEndian.PutUint16(body[0:], uint16(l.shapes[i].K))
		binary.BigEndian.PutUint16(body[2:], uint16(l.shapes[i].N))
		for _, ck := range segKeys {
			body = append(body, ck.ToBytes()...)
		}
		if err := w(checksummed(body), off); err != nil {
			return err
		}
		off += l.keyListStride[i]
	}
	// Initial segment statuses.
	for _, seg := range s.segments {
		seg.persistStatus()
	}
	// General progress.
	if err := s.writeGeneralProgress(); err != nil {
		return err
	}
	// Bloom filters.
	if err := s.writeBlooms(salt); err != nil {
		return err
	}
	// Original metadata and details.
	if err := w(checksummed(s.params.OriginalMetadata), l.offsetOrigMeta); err != nil {
		return err
	}
	if err := w(checksummed(origDet), l.offsetOrigDet); err != nil {
		return err
	}
	// Basic settings and footer.
	if err := w(checksummed(basic), l.offsetBasicSet); err != nil {
		return err
	}
	if err := writeFooter(s.raf, l, 0); err != nil {
		return err
	}
	s.persist.flush()
	return nil
}

func (s *Storage) writeGeneralProgress() error {
	s.Lock()
	flags := uint32(0)
	if s.hasCheckedDatastore {
		flags |= flagHasCheckedDatastore
	}
	s.Unlock()
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, flags)
	return s.raf.Pwrite(checksummed(body), s.layout.offsetGenProg)
}

// buildBlooms regenerates the main and per segment filters from the
// key lists under the given salt. Scheduling is blocked until this
// has run.
func (s *Storage) buildBlooms(salt [bloomSaltLength]byte) {
	k0 := binary.BigEndian.Uint64(salt[0:])
	k1 := binary.BigEndian.Uint64(salt[8:])
	main := newBloomFilter(s.layout.totalBlocks(), k0, k1)
	segs := make([]*bloomFilter, len(s.params.SegKeys))
	for i, segKeys := range s.params.SegKeys {
		sf := newBloomFilter(s.layout.maxN(), k0, k1)
		for _, ck := range segKeys {
			nk := ck.NodeKey()
			main.add(nk)
			sf.add(nk)
		}
		segs[i] = sf
	}
	s.bloomLock.Lock()
	s.mainBloom = main
	s.segBlooms = segs
	s.bloomLock.Unlock()
}

// writeBlooms persists the filters.
func (s *Storage) writeBlooms(salt [bloomSaltLength]byte) error {
	s.bloomLock.Lock()
	defer s.bloomLock.Unlock()
	body := make([]byte, 0, int(s.layout.mainBloomLength))
	body = append(body, salt[:]...)
	body = append(body, s.mainBloom.bits...)
	if err := s.raf.Pwrite(checksummed(body), s.layout.offsetMainBloom); err != nil {
		return err
	}
	off := s.layout.offsetSegBloom
	for _, sf := range s.segBlooms {
		if err := s.raf.Pwrite(checksummed(sf.bits), off); err != nil {
			return err
		}
		off += s.layout.segBloomStride
	}
	return nil
}

// WantKey probes whether this storage may still be interested in
// key: main filter, then per segment filters, then the exact key
// list of candidate segments. Filters only ever over-report.
func (s *Storage) WantKey(key keys.RoutingKey) bool {
	s.bloomLock.Lock()
	if s.mainBloom == nil || !s.mainBloom.test(key) {
		s.bloomLock.Unlock()
		return false
	}
	candidates := make([]int, 0, 2)
	for i, sf := range s.segBlooms {
		if sf.test(key) {
			candidates = append(candidates, i)
		}
	}
	s.bloomLock.Unlock()
	for _, i := range candidates {
		if s.segments[i] == nil || s.segments[i].finished() {
			continue
		}
		for _, ck := range s.params.SegKeys[i] {
			if ck.NodeKey() == key {
				return true
			}
		}
	}
	return false
}

// Start schedules every segment. The first start also records that
// the datastore pass happened (register consults it) and fires
// OnBlockSetFinished once all requests are registered.
func (s *Storage) Start() {
	s.Lock()
	if s.started || s.terminal {
		s.Unlock()
		return
	}
	s.started = true
	s.Unlock()
	for _, seg := range s.segments {
		if seg.needsDecodeOnly() {
			seg.triggerDecode()
			continue
		}
		seg.start()
	}
	s.Lock()
	s.hasCheckedDatastore = true
	s.Unlock()
	s.persist.post("genprog", func() {
		if err := s.writeGeneralProgress(); err != nil {
			s.storageError(err)
		}
	})
	s.listener.OnBlockSetFinished(s)
}

// Cancel aborts the download: every segment cancels its fetchers,
// then the persister drains its queue and stops. Cancel does not free
// or close the storage file.
func (s *Storage) Cancel() {
	s.Lock()
	if s.terminal {
		s.Unlock()
		return
	}
	s.terminal = true
	s.Unlock()
	for _, seg := range s.segments {
		seg.cancel()
	}
	s.persist.shutdown()
}

// Close flushes and closes the storage file, keeping it for resume.
func (s *Storage) Close() error {
	s.persist.shutdown()
	return s.raf.Close()
}

// Free discards the storage file.
func (s *Storage) Free() {
	s.persist.shutdown()
	s.raf.Free()
}

// storageError handles a failed persistence write.
func (s *Storage) storageError(err error) {
	s.log.Errorf("storage write failed: %s", err)
	s.Lock()
	if s.terminal {
		s.Unlock()
		return
	}
	s.terminal = true
	s.Unlock()
	for _, seg := range s.segments {
		seg.cancel()
	}
	se := fetcherr.NewSplitfileError()
	se.Record(fetcherr.KindOf(fetcherr.Wrap(fetcherr.DiskFull, err)))
	s.listener.OnSplitfileFailure(s, se)
}

// onSegmentFinished counts down segments; when the last one decodes
// the file is reassembled, decompressed and delivered.
func (s *Storage) onSegmentFinished(seg *Segment) {
	s.Lock()
	if s.terminal {
		s.Unlock()
		return
	}
	s.finishedSegs++
	done := s.finishedSegs == len(s.segments)
	if done {
		s.terminal = true
	}
	s.Unlock()
	s.log.Debugf("segment %d finished", seg.idx)
	if !done {
		return
	}
	// Canonical writes must be on disk before assembly reads them.
	s.persist.flush()
	data, err := s.assemble()
	if err != nil {
		se := fetcherr.NewSplitfileError()
		se.Record(fetcherr.KindOf(err))
		s.listener.OnSplitfileFailure(s, se)
		return
	}
	s.listener.OnSplitfileSuccess(s, data, s.params.MIMEType)
}

// onSegmentFailed fails the whole splitfile, folding every segment's
// tally into the surfaced error.
func (s *Storage) onSegmentFailed(seg *Segment, tally *fetcherr.SplitfileError) {
	s.Lock()
	if s.terminal {
		s.Unlock()
		return
	}
	s.terminal = true
	s.Unlock()
	for _, other := range s.segments {
		if other != seg {
			other.cancel()
		}
	}
	agg := fetcherr.NewSplitfileError()
	for _, sg := range s.segments {
		sg.Lock()
		agg.Merge(sg.tally)
		sg.Unlock()
	}
	s.listener.OnSplitfileFailure(s, agg)
}

// assemble concatenates the data blocks in order, truncates to the
// declared length and applies the decompressor chain.
func (s *Storage) assemble() ([]byte, error) {
	out := make([]byte, 0, s.params.DataLength)
	for _, seg := range s.segments {
		for i := 0; i < seg.shape.K; i++ {
			data, err := seg.readDataBlock(i)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
	}
	if int64(len(out)) != s.params.DataLength {
		return nil, fetcherr.New(fetcherr.StorageFormat, "assembled %d of %d bytes", len(out), s.params.DataLength)
	}
	return decompress.Apply(out, s.params.Codecs, s.maxOutput)
}

// Segments exposes the segment list to tests and the resume path.
func (s *Storage) Segments() []*Segment {
	return s.segments
}

// Params returns the storage parameters.
func (s *Storage) Params() *Params {
	return s.params
}
