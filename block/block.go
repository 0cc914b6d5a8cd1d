// block.go - fixed size network block.
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

// Package block provides the fixed size block that is the unit of
// transfer on the wire and in the local store.
package block

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/007pig/fred-sub002/constants"
)

const (
	versionOff = 0
	keyTypeOff = 2
	dataLenOff = 4
	digestOff  = 8

	// Version is the block wire format version.
	Version = 1

	digestPrefixLen = constants.BlockHeaderLength - digestOff
)

var (
	// ErrSize is returned when a serialized block has the wrong length.
	ErrSize = errors.New("block: invalid block size")

	// ErrVerify is returned when a block fails verification against
	// its header digest or its routing key.
	ErrVerify = errors.New("block: verification failure")
)

// Block is one fixed size unit of ciphertext plus its header. Payload
// is always exactly constants.BlockSize bytes; DataLen records how
// much of the decoded plaintext is meaningful (the last block of a
// file may be shorter).
type Block struct {
	Version uint16
	KeyType uint16
	DataLen uint32
	Payload []byte
}

// New builds a block around a full size payload.
func New(keyType uint16, dataLen uint32, payload []byte) (*Block, error) {
	if len(payload) != constants.BlockSize {
		return nil, ErrSize
	}
	return &Block{
		Version: Version,
		KeyType: keyType,
		DataLen: dataLen,
		Payload: payload,
	}, nil
}

// Digest returns the SHA256 digest of the payload. Content hash keys
// use this as their routing key.
func (b *Block) Digest() [32]byte {
	return sha256.Sum256(b.Payload)
}

// Verify checks that the payload is exactly one block long. It does
// not check the header digest; FromBytes does that.
func (b *Block) Verify() error {
	if len(b.Payload) != constants.BlockSize {
		return ErrSize
	}
	return nil
}

// ToBytes serializes the block, header first.
func (b *Block) ToBytes() ([]byte, error) {
	if len(b.Payload) != constants.BlockSize {
		return nil, ErrSize
	}
	out := make([]byte, constants.BlockHeaderLength+constants.BlockSize)
	binary.BigEndian.PutUint16(out[versionOff:], b.Version)
	binary.BigEndian.PutUint16(out[keyTypeOff:], b.KeyType)
	binary.BigEndian.PutUint32(out[dataLenOff:], b.DataLen)
	d := b.Digest()
	copy(out[digestOff:constants.BlockHeaderLength], d[:digestPrefixLen])
	copy(out[constants.BlockHeaderLength:], b.Payload)
	return out, nil
}

// FromBytes deserializes a block and verifies its header digest.
func FromBytes(raw []byte) (*Block, error) {
	if len(raw) != constants.BlockHeaderLength+constants.BlockSize {
		return nil, ErrSize
	}
	b := &Block{
		Version: binary.BigEndian.Uint16(raw[versionOff:]),
		KeyType: binary.BigEndian.Uint16(raw[keyTypeOff:]),
		DataLen: binary.BigEndian.Uint32(raw[dataLenOff:]),
		Payload: append([]byte{}, raw[constants.BlockHeaderLength:]...),
	}
	if b.Version != Version {
		return nil, ErrVerify
	}
	d := b.Digest()
	if !bytes.Equal(raw[digestOff:constants.BlockHeaderLength], d[:digestPrefixLen]) {
		return nil, ErrVerify
	}
	return b, nil
}
