// client.go - client layer assembly.
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

// Package client turns content addressed keys into complete files
// over an unreliable best effort network: it wires the request
// scheduler, cooldown machinery, splitfile storage and metadata
// walker together and drives the node layer.
package client

import (
	"errors"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/bucket"
	"github.com/007pig/fred-sub002/config"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/fec"
	"github.com/007pig/fred-sub002/fetcherr"
	"github.com/007pig/fred-sub002/grabarray"
	"github.com/007pig/fred-sub002/healing"
	"github.com/007pig/fred-sub002/keys"
	"github.com/007pig/fred-sub002/keystore"
	"github.com/007pig/fred-sub002/scheduler"
)

const sendPollInterval = 10 * time.Millisecond

// ResultHandler receives the asynchronous outcome of one node layer
// get.
type ResultHandler interface {
	OnSuccess(b *block.Block)
	OnFailure(kind fetcherr.Kind)
}

// NodeLayer is the routing layer below the client. It owns peer
// selection, timeouts and the wire protocol.
type NodeLayer interface {
	// RealGet routes a fetch for key. The handler is invoked once,
	// off thread.
	RealGet(key keys.ClientKey, dontCache, ignoreStore bool, h ResultHandler)

	// GetOffered claims a previously offered key.
	GetOffered(key keys.RoutingKey, h ResultHandler)

	// Insert routes a block insert; used by healing.
	Insert(key keys.ClientKey, data []byte) error
}

// Client is the client layer root. It owns every context object the
// fetch pipeline needs; nothing in the pipeline is process global.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	sched   *scheduler.Scheduler
	store   *keystore.Store
	factory *bucket.DiskFactory
	runner  *fec.Runner
	codec   fec.Codec
	healer  *healing.Queue
	cache   *healing.BlockCache
	node    NodeLayer

	fatalErrCh chan error
}

// New constructs a Client from a validated configuration and a node
// layer.
func New(cfg *config.Config, node NodeLayer) (*Client, error) {
	if node == nil {
		return nil, errors.New("client: no node layer")
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	factory, err := bucket.NewDiskFactory(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := keystore.New(cfg.Storage.KeystoreFile)
	if err != nil {
		return nil, err
	}
	policy := grabarray.Hard
	if cfg.Scheduler.PriorityPolicy == config.PolicySoft {
		policy = grabarray.Soft
	}
	c := &Client{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("client"),
		store:      store,
		factory:    factory,
		node:       node,
		fatalErrCh: make(chan error, 1),
	}
	c.sched = scheduler.New(logBackend, store, policy, cfg.Fetch.CooldownTime(), cfg.Fetch.CooldownRetries)
	c.runner = fec.NewRunner(logBackend, cfg.Scheduler.FECWorkers, cfg.Scheduler.FECMemoryBytes)
	c.codec = fec.NewReedSolomon()
	c.healer = healing.NewQueue(logBackend, node)
	c.cache = healing.NewBlockCache()
	c.sched.Start()
	c.Go(c.sendWorker)
	return c, nil
}

// LogBackend returns the client's logging backend.
func (c *Client) LogBackend() *log.Backend {
	return c.logBackend
}

// Scheduler returns the request scheduler.
func (c *Client) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// Shutdown stops the workers and closes the stores.
func (c *Client) Shutdown() {
	c.Halt()
	c.sched.Halt()
	c.runner.Shutdown()
	c.healer.Halt()
	if err := c.store.Close(); err != nil {
		c.log.Warningf("keystore close: %s", err)
	}
}

// OnBlockArrived is the node layer's entry point for any arriving
// block, solicited or not: verify, optionally cache, and trip every
// pending fetcher of its key.
func (c *Client) OnBlockArrived(routingKey keys.RoutingKey, b *block.Block) {
	if err := b.Verify(); err != nil {
		c.log.Warningf("discarding arriving block %v: %s", routingKey, err)
		return
	}
	if c.cfg.Fetch.CacheLocalRequests {
		if err := c.store.Put(routingKey, b); err != nil {
			c.log.Warningf("keystore put %v: %s", routingKey, err)
		}
	}
	c.sched.TripPending(routingKey, b)
}

// AnyWantKey is the probe the node layer uses when it receives
// offered key gossip.
func (c *Client) AnyWantKey(key keys.RoutingKey) bool {
	return c.sched.Pending().AnyWant(key)
}

// OfferKey records an offered key so the scheduler can claim it.
func (c *Client) OfferKey(key keys.RoutingKey, prio constants.Priority) {
	c.sched.OfferKey(key, prio)
}

// sendWorker hands the node layer one selected request per wakeup.
func (c *Client) sendWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case err := <-c.fatalErrCh:
			c.log.Errorf("fatal client error: %s", err)
			return
		default:
		}
		sel := c.sched.RemoveFirst()
		if sel == nil {
			select {
			case <-c.HaltCh():
				return
			case <-time.After(sendPollInterval):
			}
			continue
		}
		c.dispatch(sel)
	}
}

// dispatch routes one selection.
func (c *Client) dispatch(sel *scheduler.Selected) {
	if sel.Offered {
		key := sel.OfferedKey
		c.node.GetOffered(key, &getHandler{client: c, routingKey: key})
		return
	}
	req := sel.Request
	ks := req.Keys()
	if len(ks) == 0 || req.Finished() {
		return
	}
	ck := ks[0]
	c.node.RealGet(ck, !c.cfg.Fetch.CacheLocalRequests, false,
		&getHandler{client: c, routingKey: ck.NodeKey(), req: req})
}

// getHandler funnels a node layer result back into the engine. The
// success path goes through TripPending so every waiting fetcher of
// the key is satisfied, not just the one that sent.
type getHandler struct {
	client     *Client
	routingKey keys.RoutingKey
	req        scheduler.SendableRequest
}

func (h *getHandler) OnSuccess(b *block.Block) {
	h.client.OnBlockArrived(h.routingKey, b)
}

func (h *getHandler) OnFailure(kind fetcherr.Kind) {
	if h.req == nil {
		return
	}
	fc, ok := h.req.(interface {
		OnFailure(kind fetcherr.Kind)
	})
	if !ok {
		return
	}
	fc.OnFailure(kind)
}
