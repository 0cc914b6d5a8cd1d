// keys.go - routing and client keys.
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

// Package keys provides routing keys and the client keys which carry
// the material needed to decode a fetched block.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/007pig/fred-sub002/block"
	"github.com/007pig/fred-sub002/constants"
)

const (
	// TypeCHK identifies a content hash key.
	TypeCHK = 1

	// TypeSSK identifies a signed, mutable key.
	TypeSSK = 2

	// ClientKeyLength is the serialized length of a client key.
	ClientKeyLength = 2 + constants.RoutingKeyLength + cryptoKeyLength

	cryptoKeyLength = 32
)

var (
	// ErrKeyFormat is returned for malformed serialized keys.
	ErrKeyFormat = errors.New("keys: malformed key")

	// ErrKeyType is returned for unknown key type identifiers.
	ErrKeyType = errors.New("keys: unknown key type")
)

// RoutingKey is the opaque identifier used for on-wire routing and
// pending-key lookup.
type RoutingKey [constants.RoutingKeyLength]byte

func (k RoutingKey) String() string {
	return hex.EncodeToString(k[:8])
}

// ClientKey is a routing key plus the material needed to turn a
// fetched block into plaintext.
type ClientKey interface {
	// NodeKey projects the client key onto its routing key.
	NodeKey() RoutingKey

	// Type returns TypeCHK or TypeSSK.
	Type() uint16

	// DecodeBlock verifies b against this key and returns the
	// plaintext it carries.
	DecodeBlock(b *block.Block) ([]byte, error)

	// EncodeBlock is the inverse of DecodeBlock: it pads and
	// enciphers up to one block of plaintext. Re-encoding the output
	// of DecodeBlock reproduces the original block.
	EncodeBlock(data []byte) (*block.Block, error)

	// ToBytes serializes the key to its fixed length form.
	ToBytes() []byte
}

// CHK is a content hash key: the routing key is the digest of the
// block payload, so the block is static and self-certifying.
type CHK struct {
	routingKey RoutingKey
	cryptoKey  [cryptoKeyLength]byte
}

// NodeKey returns the routing key.
func (k *CHK) NodeKey() RoutingKey { return k.routingKey }

// Type returns TypeCHK.
func (k *CHK) Type() uint16 { return TypeCHK }

// DecodeBlock checks the payload digest against the routing key and
// strips the keystream and padding.
func (k *CHK) DecodeBlock(b *block.Block) ([]byte, error) {
	if b.Digest() != [32]byte(k.routingKey) {
		return nil, block.ErrVerify
	}
	if int(b.DataLen) > constants.BlockSize {
		return nil, block.ErrVerify
	}
	pt := applyKeystream(k.cryptoKey, b.Payload)
	return pt[:b.DataLen], nil
}

// EncodeBlock enciphers data into a block fetchable by this key.
func (k *CHK) EncodeBlock(data []byte) (*block.Block, error) {
	if len(data) > constants.BlockSize {
		return nil, ErrKeyFormat
	}
	padded := make([]byte, constants.BlockSize)
	copy(padded, data)
	ct := applyKeystream(k.cryptoKey, padded)
	return block.New(TypeCHK, uint32(len(data)), ct)
}

// ToBytes serializes the CHK.
func (k *CHK) ToBytes() []byte {
	out := make([]byte, ClientKeyLength)
	binary.BigEndian.PutUint16(out, TypeCHK)
	copy(out[2:], k.routingKey[:])
	copy(out[2+constants.RoutingKeyLength:], k.cryptoKey[:])
	return out
}

// SSK is a signed key: the routing key is derived from a public key
// and a document name, so the block content may change over time.
type SSK struct {
	routingKey RoutingKey
	cryptoKey  [cryptoKeyLength]byte
}

// NodeKey returns the routing key.
func (k *SSK) NodeKey() RoutingKey { return k.routingKey }

// Type returns TypeSSK.
func (k *SSK) Type() uint16 { return TypeSSK }

// DecodeBlock strips the keystream and padding. Signature checking is
// the block layer's concern; by the time a block reaches us it has
// been verified against the routing key.
func (k *SSK) DecodeBlock(b *block.Block) ([]byte, error) {
	if int(b.DataLen) > constants.BlockSize {
		return nil, block.ErrVerify
	}
	pt := applyKeystream(k.cryptoKey, b.Payload)
	return pt[:b.DataLen], nil
}

// EncodeBlock enciphers data into a block publishable under this key.
func (k *SSK) EncodeBlock(data []byte) (*block.Block, error) {
	if len(data) > constants.BlockSize {
		return nil, ErrKeyFormat
	}
	padded := make([]byte, constants.BlockSize)
	copy(padded, data)
	ct := applyKeystream(k.cryptoKey, padded)
	return block.New(TypeSSK, uint32(len(data)), ct)
}

// ToBytes serializes the SSK.
func (k *SSK) ToBytes() []byte {
	out := make([]byte, ClientKeyLength)
	binary.BigEndian.PutUint16(out, TypeSSK)
	copy(out[2:], k.routingKey[:])
	copy(out[2+constants.RoutingKeyLength:], k.cryptoKey[:])
	return out
}

// NewSSK builds a signed key from a public key digest and document
// name.
func NewSSK(pubKeyDigest [32]byte, docName string, cryptoKey [32]byte) *SSK {
	h := sha256.New()
	h.Write(pubKeyDigest[:])
	h.Write([]byte(docName))
	var rk RoutingKey
	copy(rk[:], h.Sum(nil))
	return &SSK{routingKey: rk, cryptoKey: cryptoKey}
}

// FromBytes deserializes a client key.
func FromBytes(raw []byte) (ClientKey, error) {
	if len(raw) != ClientKeyLength {
		return nil, ErrKeyFormat
	}
	var rk RoutingKey
	var ck [cryptoKeyLength]byte
	copy(rk[:], raw[2:])
	copy(ck[:], raw[2+constants.RoutingKeyLength:])
	switch binary.BigEndian.Uint16(raw) {
	case TypeCHK:
		return &CHK{routingKey: rk, cryptoKey: ck}, nil
	case TypeSSK:
		return &SSK{routingKey: rk, cryptoKey: ck}, nil
	}
	return nil, ErrKeyType
}

// EncodeCHKBlock turns up to constants.BlockSize bytes of plaintext
// into a block and the CHK that fetches it back. The plaintext is
// padded to the fixed block size before the keystream is applied.
func EncodeCHKBlock(data []byte, cryptoKey [32]byte) (*CHK, *block.Block, error) {
	if len(data) > constants.BlockSize {
		return nil, nil, ErrKeyFormat
	}
	padded := make([]byte, constants.BlockSize)
	copy(padded, data)
	ct := applyKeystream(cryptoKey, padded)
	b, err := block.New(TypeCHK, uint32(len(data)), ct)
	if err != nil {
		return nil, nil, err
	}
	k := &CHK{routingKey: RoutingKey(b.Digest()), cryptoKey: cryptoKey}
	return k, b, nil
}

// applyKeystream XORs data with a SHA256 derived keystream. The real
// block ciphers live below the node layer; this engine only needs the
// encode and decode operations to be inverses of one another.
func applyKeystream(key [cryptoKeyLength]byte, data []byte) []byte {
	out := make([]byte, len(data))
	var ctr [8]byte
	var ks []byte
	for i := range data {
		if i%sha256.Size == 0 {
			binary.BigEndian.PutUint64(ctr[:], uint64(i/sha256.Size))
			h := sha256.New()
			h.Write(key[:])
			h.Write(ctr[:])
			ks = h.Sum(nil)
		}
		out[i] = data[i] ^ ks[i%sha256.Size]
	}
	return out
}
