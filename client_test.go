// client_test.go - client layer end to end tests.
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
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/config"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fec"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/keys"
	"github.com/007pig/fred-sub002/metadata"
)

// fakeNode serves blocks from a map, with optional scripted
// failures.
type fakeNode struct {
	sync.Mutex
	blocks   map[keys.RoutingKey]*block.Block
	failures map[keys.RoutingKey]int
	gets     map[keys.RoutingKey]int
	inserts  int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		blocks:   make(map[keys.RoutingKey]*block.Block),
		failures: make(map[keys.RoutingKey]int),
		gets:     make(map[keys.RoutingKey]int),
	}
}

func (n *fakeNode) add(ck keys.ClientKey, b *block.Block) {
	n.Lock()
	defer n.Unlock()
	n.blocks[ck.NodeKey()] = b
}

func (n *fakeNode) RealGet(key keys.ClientKey, dontCache, ignoreStore bool, h ResultHandler) {
	go func() {
		nk := key.NodeKey()
		n.Lock()
		n.gets[nk]++
		if n.failures[nk] > 0 {
			n.failures[nk]--
			n.Unlock()
			h.OnFailure(fetcherr.RouteNotFound)
			return
		}
		b := n.blocks[nk]
		n.Unlock()
		if b == nil {
			h.OnFailure(fetcherr.DataNotFound)
			return
		}
		h.OnSuccess(b)
	}()
}

func (n *fakeNode) GetOffered(key keys.RoutingKey, h ResultHandler) {
	go func() {
		n.Lock()
		b := n.blocks[key]
		n.Unlock()
		if b == nil {
			h.OnFailure(fetcherr.DataNotFound)
			return
		}
		h.OnSuccess(b)
	}()
}

func (n *fakeNode) Insert(key keys.ClientKey, data []byte) error {
	n.Lock()
	defer n.Unlock()
	n.inserts++
	return nil
}

func (n *fakeNode) getCount(key keys.RoutingKey) int {
	n.Lock()
	defer n.Unlock()
	return n.gets[key]
}

// testCallback records the terminal outcome.
type testCallback struct {
	sync.Mutex
	data   []byte
	mime   string
	size   int64
	err    error
	doneCh chan struct{}
}

func newTestCallback() *testCallback {
	return &testCallback{doneCh: make(chan struct{}, 1)}
}

func (c *testCallback) OnSuccess(data []byte, mime string, size int64) {
	c.Lock()
	c.data, c.mime, c.size = data, mime, size
	c.Unlock()
	c.doneCh <- struct{}{}
}

func (c *testCallback) OnFailure(err error, newURI string, expectedSize int64) {
	c.Lock()
	c.err = err
	c.Unlock()
	c.doneCh <- struct{}{}
}

func (c *testCallback) OnCancelled() {
	c.Lock()
	c.err = fetcherr.New(fetcherr.Cancelled, "cancelled")
	c.Unlock()
	c.doneCh <- struct{}{}
}

func (c *testCallback) OnBlockSetFinished()        {}
func (c *testCallback) OnExpectedMIME(mime string) {}
func (c *testCallback) OnExpectedSize(size int64)  {}
func (c *testCallback) OnFinalizedMetadata()       {}

func (c *testCallback) wait(t *testing.T) {
	select {
	case <-c.doneCh:
	case <-time.After(30 * time.Second):
		t.Fatal("timeout awaiting fetch completion")
	}
}

func testClient(t *testing.T, node NodeLayer) (*Client, func()) {
	dir, err := ioutil.TempDir("", "client")
	require.NoError(t, err)
	cfg, err := config.Load([]byte(fmt.Sprintf(`
[Logging]
Level = "DEBUG"

[Fetch]
CacheLocalRequests = true
CooldownTimeMs = 50

[Storage]
DataDir = "%s"
`, dir)))
	require.NoError(t, err)
	c, err := New(cfg, node)
	require.NoError(t, err)
	return c, func() {
		c.Shutdown()
		os.RemoveAll(dir)
	}
}

// simpleDataURI builds a one block fetch whose metadata is a
// SimpleData document.
func simpleDataURI(t *testing.T, node *fakeNode, payload []byte, mime string) *keys.URI {
	doc := &metadata.Document{Type: metadata.SimpleData, Data: payload, MIMEType: mime}
	raw, err := doc.ToBytes()
	require.NoError(t, err)
	var cryptoKey [32]byte
	cryptoKey[0] = 1
	ck, b, err := keys.EncodeCHKBlock(raw, cryptoKey)
	require.NoError(t, err)
	node.add(ck, b)
	return &keys.URI{Key: ck}
}

func TestSimpleFetch(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	want := []byte("sixteen kilobytes of highly important documentation")
	uri := simpleDataURI(t, node, want, "text/plain")

	cb := newTestCallback()
	_, err := c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.NoError(cb.err)
	require.Equal(want, cb.data)
	require.Equal("text/plain", cb.mime)
	require.Equal(int64(len(want)), cb.size)
}

// A block cached by an earlier fetch is served from the local store
// without touching the network again.
func TestFetchFromStore(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	want := []byte("cache me")
	uri := simpleDataURI(t, node, want, "")

	cb := newTestCallback()
	_, err := c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.NoError(cb.err)
	netGets := node.getCount(uri.Key.NodeKey())

	cb = newTestCallback()
	_, err = c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.NoError(cb.err)
	require.Equal(want, cb.data)
	require.Equal(netGets, node.getCount(uri.Key.NodeKey()))
}

// Transient route failures are retried until the block arrives.
func TestFetchWithRetries(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	want := []byte("third time lucky")
	uri := simpleDataURI(t, node, want, "")
	node.Lock()
	node.failures[uri.Key.NodeKey()] = 2
	node.Unlock()

	cb := newTestCallback()
	_, err := c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.NoError(cb.err)
	require.Equal(want, cb.data)
	require.Equal(3, node.getCount(uri.Key.NodeKey()))
}

func TestFetchNotFound(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	var cryptoKey [32]byte
	ck, _, err := keys.EncodeCHKBlock([]byte("never published"), cryptoKey)
	require.NoError(err)
	uri := &keys.URI{Key: ck}

	cb := newTestCallback()
	_, err = c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.Error(cb.err)
}

// The whole pipeline: a manifest leading to a splitfile document,
// FEC coded blocks served by the node, reassembled back to the
// original bytes.
func TestSplitfilePipeline(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	const k, n = 2, 3
	dataLen := int64(k*constants.BlockSize - 333)
	want := make([]byte, dataLen)
	for i := range want {
		want[i] = byte(i * 13)
	}

	// FEC encode.
	shards := make([][]byte, n)
	for i := 0; i < k; i++ {
		shards[i] = make([]byte, constants.BlockSize)
		lo := i * constants.BlockSize
		hi := int64(lo + constants.BlockSize)
		if hi > dataLen {
			hi = dataLen
		}
		copy(shards[i], want[lo:int(hi)])
	}
	require.NoError(fec.NewReedSolomon().Encode(shards, k))

	var cryptoKey [32]byte
	cryptoKey[5] = 9
	segKeys := make([][]byte, n)
	for i := 0; i < n; i++ {
		dl := constants.BlockSize
		if i < k {
			if remaining := dataLen - int64(i*constants.BlockSize); remaining < int64(dl) {
				dl = int(remaining)
			}
		}
		ck, b, err := keys.EncodeCHKBlock(shards[i][:dl], cryptoKey)
		require.NoError(err)
		node.add(ck, b)
		segKeys[i] = ck.ToBytes()
	}

	doc := &metadata.Document{
		Type: metadata.SimpleManifest,
		Children: map[string]*metadata.Document{
			"file.bin": {
				Type:     metadata.Splitfile,
				MIMEType: "application/octet-stream",
				SF: &metadata.SplitfileDesc{
					DataLength: dataLen,
					SegK:       []int{k},
					SegKeys:    [][][]byte{segKeys},
				},
			},
		},
	}
	raw, err := doc.ToBytes()
	require.NoError(err)
	rootKey, rootBlock, err := keys.EncodeCHKBlock(raw, cryptoKey)
	require.NoError(err)
	node.add(rootKey, rootBlock)

	uri := &keys.URI{Key: rootKey, MetaStrings: []string{"file.bin"}}
	cb := newTestCallback()
	_, err = c.Fetch(uri.String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	cb.wait(t)
	require.NoError(cb.err)
	require.Equal(want, cb.data)
	require.Equal("application/octet-stream", cb.mime)
}

// Cancel propagates to spawned fetchers and surfaces OnCancelled
// exactly once.
func TestCancelPropagates(t *testing.T) {
	require := require.New(t)

	node := newFakeNode()
	c, cleanup := testClient(t, node)
	defer cleanup()

	var cryptoKey [32]byte
	ck, _, err := keys.EncodeCHKBlock([]byte("slow"), cryptoKey)
	require.NoError(err)
	// The node never answers for this key: no block, endless
	// failures.
	node.Lock()
	node.failures[ck.NodeKey()] = 1 << 30
	node.Unlock()

	cb := newTestCallback()
	cr, err := c.Fetch((&keys.URI{Key: ck}).String(), constants.PriorityInteractive, cb)
	require.NoError(err)
	time.Sleep(50 * time.Millisecond)
	cr.Cancel()
	cb.wait(t)
	require.Equal(fetcherr.Cancelled, fetcherr.KindOf(cb.err))
	cr.Cancel()
}
