// keystore.go - local block store.
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

// Package keystore provides the local block store consulted before
// any request goes to the network.
package keystore

import (
	"encoding/binary"
	"errors"

	bolt "github.com/coreos/bbolt"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/keys"
)

const (
	// BlocksBucketName is the boltdb bucket holding block bodies
	// keyed by routing key.
	BlocksBucketName = "blocks"

	// AccessBucketName is the boltdb bucket holding access counters
	// used for promotion.
	AccessBucketName = "access"
)

// Store is the bbolt backed local block store.
type Store struct {
	db *bolt.DB
}

// New opens (creating if necessary) the block store database.
func New(dbFile string) (*Store, error) {
	var err error
	s := Store{}
	s.db, err = bolt.Open(dbFile, 0600, &bolt.Options{Timeout: constants.DatabaseConnectTimeout})
	if err != nil {
		return nil, err
	}
	transaction := func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BlocksBucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(AccessBucketName))
		return err
	}
	if err = s.db.Update(transaction); err != nil {
		s.db.Close()
		return nil, err
	}
	return &s, nil
}

// Close closes the store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a verified block under its routing key.
func (s *Store) Put(routingKey keys.RoutingKey, b *block.Block) error {
	raw, err := b.ToBytes()
	if err != nil {
		return err
	}
	transaction := func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BlocksBucketName))
		if bucket == nil {
			return errors.New("keystore: blocks bucket missing")
		}
		return bucket.Put(routingKey[:], raw)
	}
	return s.db.Update(transaction)
}

// Fetch returns the block stored under routingKey, or nil if the
// store has no valid block for it. Unless dontPromote is set the
// block's access counter is bumped.
func (s *Store) Fetch(routingKey keys.RoutingKey, dontPromote bool) (*block.Block, error) {
	var raw []byte
	transaction := func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BlocksBucketName))
		if bucket == nil {
			return errors.New("keystore: blocks bucket missing")
		}
		v := bucket.Get(routingKey[:])
		if v == nil {
			return nil
		}
		raw = make([]byte, len(v))
		copy(raw, v)
		if dontPromote {
			return nil
		}
		access := tx.Bucket([]byte(AccessBucketName))
		count := uint64(0)
		if c := access.Get(routingKey[:]); c != nil {
			count = binary.BigEndian.Uint64(c)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], count+1)
		return access.Put(routingKey[:], buf[:])
	}
	if err := s.db.Update(transaction); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	b, err := block.FromBytes(raw)
	if err != nil {
		// A corrupt store entry is treated as a miss; the network
		// fetch will replace it.
		return nil, nil
	}
	return b, nil
}

// Has probes for the presence of routingKey without promotion.
func (s *Store) Has(routingKey keys.RoutingKey) bool {
	found := false
	transaction := func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BlocksBucketName))
		if bucket == nil {
			return nil
		}
		found = bucket.Get(routingKey[:]) != nil
		return nil
	}
	if err := s.db.View(transaction); err != nil {
		return false
	}
	return found
}
