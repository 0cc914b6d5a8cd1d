// request.go - user facing fetch requests.
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

package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/bucket"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fetcher"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
	"github.com/007pig/fred-sub002/metadata"
	"github.com/007pig/fred-sub002/splitfile"
)

var requestIDCounter uint64

// Callback is the parent's view of a fetch: exactly one of
// OnSuccess, OnFailure or OnCancelled terminates it, preceded by any
// number of progress notifications.
type Callback interface {
	OnSuccess(data []byte, mime string, size int64)
	OnFailure(err error, newURI string, expectedSize int64)
	OnCancelled()

	OnBlockSetFinished()
	OnExpectedMIME(mime string)
	OnExpectedSize(size int64)
	OnFinalizedMetadata()
}

// ClientRequest is one user facing fetch job. It owns every fetcher
// and storage spawned on its behalf; cancelling it propagates to all
// of them.
type ClientRequest struct {
	c   *Client
	log *logging.Logger
	id  uint64

	uri  *keys.URI
	prio constants.Priority
	cb   Callback

	sync.Mutex
	walker   *metadata.Walker
	terminal bool
	fetchers []*fetcher.Single
	storages []*splitfile.Storage
}

// Fetch starts a fetch of uri at the given priority. The callback
// fires off thread.
func (c *Client) Fetch(uriStr string, prio constants.Priority, cb Callback) (*ClientRequest, error) {
	uri, err := keys.ParseURI(uriStr)
	if err != nil {
		return nil, err
	}
	if !prio.Valid() {
		prio = constants.PriorityBulkSplitfile
	}
	id := atomic.AddUint64(&requestIDCounter, 1)
	cr := &ClientRequest{
		c:    c,
		log:  c.logBackend.GetLogger(fmt.Sprintf("Request-%d", id)),
		id:   id,
		uri:  uri,
		prio: prio,
		cb:   cb,
	}
	cr.walker = metadata.NewWalker(c.logBackend, cr.limits(), uri)
	cr.fetchMeta(uri.Key, metadata.ChildMetadata)
	return cr, nil
}

func (cr *ClientRequest) limits() *metadata.Limits {
	fCfg := cr.c.cfg.Fetch
	return &metadata.Limits{
		MaxRecursionLevel:           fCfg.MaxRecursionLevel,
		MaxMetadataSize:             fCfg.MaxMetadataSize,
		MaxOutputLength:             fCfg.MaxOutputLength,
		AllowedMIMETypes:            fCfg.AllowedMIMETypes,
		IgnoreTooManyPathComponents: fCfg.IgnoreTooManyPathComponents,
		ReturnZipManifests:          fCfg.ReturnZipManifests,
	}
}

// Cancel aborts the request and everything it spawned.
func (cr *ClientRequest) Cancel() {
	cr.Lock()
	if cr.terminal {
		cr.Unlock()
		return
	}
	cr.terminal = true
	fetchers := cr.fetchers
	storages := cr.storages
	cr.fetchers, cr.storages = nil, nil
	cr.Unlock()
	for _, f := range fetchers {
		f.Cancel()
	}
	for _, s := range storages {
		s.Cancel()
	}
	cr.cb.OnCancelled()
}

func (cr *ClientRequest) finishSuccess(data []byte, mime string, size int64) {
	cr.Lock()
	if cr.terminal {
		cr.Unlock()
		return
	}
	cr.terminal = true
	cr.Unlock()
	cr.cb.OnSuccess(data, mime, size)
}

func (cr *ClientRequest) finishFailure(err error) {
	cr.Lock()
	if cr.terminal {
		cr.Unlock()
		return
	}
	cr.terminal = true
	cr.Unlock()
	newURI := ""
	size := int64(0)
	if fe, ok := err.(*fetcherr.Error); ok {
		newURI = fe.NewURI
		size = fe.ExpectedSize
	}
	cr.cb.OnFailure(err, newURI, size)
}

// fetchMeta schedules a single block fetch whose payload feeds back
// into the walker according to kind.
func (cr *ClientRequest) fetchMeta(key keys.ClientKey, kind metadata.ChildKind) {
	cr.Lock()
	if cr.terminal {
		cr.Unlock()
		return
	}
	d := &metaDelegate{cr: cr, kind: kind}
	f := fetcher.NewSingle(cr.c.logBackend, cr.c.sched, key, cr.prio,
		cr.c.cfg.Fetch.MaxRetries, cr, d)
	cr.fetchers = append(cr.fetchers, f)
	cr.Unlock()
	f.Schedule()
}

// metaDelegate feeds one fetched block back into the walk.
type metaDelegate struct {
	cr   *ClientRequest
	kind metadata.ChildKind
}

func (d *metaDelegate) OnBlockSucceeded(f *fetcher.Single, key keys.RoutingKey, data []byte, fromStore bool) {
	d.cr.onMetaBlock(d.kind, data)
}

func (d *metaDelegate) OnBlockFailed(f *fetcher.Single, kind fetcherr.Kind) {
	d.cr.finishFailure(fetcherr.New(kind, "fetch of %v failed", f.Keys()[0].NodeKey()))
}

// onMetaBlock interprets a fetched bucket per the child kind and
// advances the walk.
func (cr *ClientRequest) onMetaBlock(kind metadata.ChildKind, data []byte) {
	fCfg := cr.c.cfg.Fetch
	var doc *metadata.Document
	var err error
	switch kind {
	case metadata.ChildArchive:
		if int64(len(data)) > fCfg.MaxTempLength {
			cr.finishFailure(fetcherr.New(fetcherr.TooBig, "archive of %d bytes", len(data)))
			return
		}
		var arch metadata.Archive
		arch, err = metadata.ParseArchive(data)
		if err == nil {
			cr.Lock()
			cr.walker.SetArchive(arch)
			cr.Unlock()
			raw, ok := arch[".metadata"]
			if !ok {
				err = fetcherr.New(fetcherr.NotInArchive, "archive without .metadata")
			} else {
				doc, err = metadata.Parse(raw, fCfg.MaxMetadataSize)
			}
		}
	default:
		doc, err = metadata.Parse(data, fCfg.MaxMetadataSize)
	}
	if err != nil {
		cr.finishFailure(err)
		return
	}
	cr.Lock()
	w := cr.walker
	cr.Unlock()
	cr.handleStep(w.Walk(doc))
}

// handleStep executes one walker outcome.
func (cr *ClientRequest) handleStep(step *metadata.Step) {
	switch step.Kind {
	case metadata.StepData:
		cr.finishSuccess(step.Data, step.MIME, int64(len(step.Data)))

	case metadata.StepFail:
		cr.finishFailure(step.Err)

	case metadata.StepSpawn:
		if step.Child == metadata.ChildRedirect {
			// Restart the walk at the new URI, keeping the depth
			// already spent.
			cr.Lock()
			old := cr.walker
			cr.walker = metadata.NewWalker(cr.c.logBackend, cr.limits(), step.ChildURI)
			cr.walker.SetLevel(old.Level())
			cr.Unlock()
		}
		cr.fetchMeta(step.ChildURI.Key, step.Child)

	case metadata.StepSplitfile:
		cr.startSplitfile(step.SF, step.SFMIME)
	}
}

// startSplitfile constructs the storage and segment set for a
// splitfile document and starts fetching.
func (cr *ClientRequest) startSplitfile(sf *metadata.SplitfileDesc, mime string) {
	segKeys, err := sf.SplitfileKeys()
	if err != nil {
		cr.finishFailure(err)
		return
	}
	fCfg := cr.c.cfg.Fetch
	params := &splitfile.Params{
		SplitfileType: 1,
		CryptoAlgo:    1,
		ThisURI:       cr.uri.String(),
		OrigURI:       cr.uri.String(),
		DataLength:    sf.DataLength,
		Codecs:        sf.Codecs,
		MaxRetries:    fCfg.MaxSplitfileBlockRetries,
		CooldownMs:    fCfg.CooldownTimeMs,
		MIMEType:      mime,
		SegKeys:       segKeys,
		SegK:          sf.SegK,
	}
	length, err := splitfile.RequiredLength(params)
	if err != nil {
		cr.finishFailure(err)
		return
	}
	raf, err := cr.c.factory.MakeNamedRAF(fmt.Sprintf("request-%d.sfs", cr.id), length)
	if err != nil {
		cr.finishFailure(fetcherr.Wrap(fetcherr.BucketError, err))
		return
	}
	storage, err := splitfile.New(cr.splitfileDeps(), params, raf, cr.splitfilePriority(), cr, cr)
	if err != nil {
		raf.Free()
		cr.finishFailure(err)
		return
	}
	cr.Lock()
	if cr.terminal {
		cr.Unlock()
		storage.Free()
		return
	}
	cr.storages = append(cr.storages, storage)
	cr.Unlock()
	if mime != "" {
		cr.cb.OnExpectedMIME(mime)
	}
	cr.cb.OnExpectedSize(sf.DataLength)
	cr.cb.OnFinalizedMetadata()
	storage.Start()
}

func (cr *ClientRequest) splitfileDeps() *splitfile.Deps {
	return &splitfile.Deps{
		LogBackend:      cr.c.logBackend,
		Scheduler:       cr.c.sched,
		Runner:          cr.c.runner,
		Codec:           cr.c.codec,
		Healer:          cr.c.healer,
		Cache:           cr.c.cache,
		MaxOutputLength: cr.c.cfg.Fetch.MaxOutputLength,
	}
}

// splitfilePriority maps the request priority onto the splitfile
// block classes.
func (cr *ClientRequest) splitfilePriority() constants.Priority {
	if cr.prio <= constants.PriorityInteractive {
		return constants.PriorityImmediateSplitfile
	}
	return constants.PriorityBulkSplitfile
}

// OnSplitfileSuccess implements splitfile.Listener.
func (cr *ClientRequest) OnSplitfileSuccess(s *splitfile.Storage, data []byte, mime string) {
	cr.finishSuccess(data, mime, int64(len(data)))
}

// OnSplitfileFailure implements splitfile.Listener.
func (cr *ClientRequest) OnSplitfileFailure(s *splitfile.Storage, err error) {
	cr.finishFailure(err)
}

// OnBlockSetFinished implements splitfile.Listener.
func (cr *ClientRequest) OnBlockSetFinished(s *splitfile.Storage) {
	cr.cb.OnBlockSetFinished()
}

// ResumeSplitfile reopens a splitfile storage file and continues the
// download under a fresh request.
func (c *Client) ResumeSplitfile(path string, prio constants.Priority, cb Callback) (*ClientRequest, error) {
	raf, err := bucket.OpenRAF(path)
	if err != nil {
		return nil, fetcherr.Wrap(fetcherr.BucketError, err)
	}
	id := atomic.AddUint64(&requestIDCounter, 1)
	cr := &ClientRequest{
		c:    c,
		log:  c.logBackend.GetLogger(fmt.Sprintf("Request-%d", id)),
		id:   id,
		prio: prio,
		cb:   cb,
	}
	storage, err := splitfile.Open(cr.splitfileDeps(), raf, cr.splitfilePriority(), cr, cr)
	if err != nil {
		raf.Close()
		return nil, err
	}
	cr.uri, _ = keys.ParseURI(storage.Params().ThisURI)
	cr.Lock()
	cr.storages = append(cr.storages, storage)
	cr.Unlock()
	storage.Start()
	return cr, nil
}
