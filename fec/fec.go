// fec.go - forward error correction codec.
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

// Package fec wraps the forward error correction codec and provides
// the bounded job runners the decode and heal encode paths go
// through.
package fec

import (
	"errors"

	"github.com/klauspost/reedsolomon"

	"github.com/007pig/fred-sub002/constants"
)

var (
	// ErrNotEnoughBlocks is returned when fewer than k blocks are
	// present for a decode.
	ErrNotEnoughBlocks = errors.New("fec: not enough blocks to decode")

	// ErrShape is returned for inconsistent k/n parameters.
	ErrShape = errors.New("fec: invalid segment shape")
)

// Codec turns any k of n blocks back into the k data blocks, and the
// reverse for heal encodes. Implementations are trusted primitives.
type Codec interface {
	// Decode fills in the missing entries of blocks, a slice of n
	// per-slot buffers where absent slots are nil. On return the
	// first k entries are the data blocks in canonical order.
	Decode(blocks [][]byte, k int) error

	// Encode recomputes the n-k check blocks from the k data blocks.
	// blocks has n entries; the first k must be present.
	Encode(blocks [][]byte, k int) error
}

// ReedSolomon is the standard codec.
type ReedSolomon struct{}

// NewReedSolomon creates a ReedSolomon codec.
func NewReedSolomon() *ReedSolomon {
	return &ReedSolomon{}
}

// Decode reconstructs the missing blocks in place.
func (c *ReedSolomon) Decode(blocks [][]byte, k int) error {
	n := len(blocks)
	if err := checkShape(n, k); err != nil {
		return err
	}
	present := 0
	for _, b := range blocks {
		if b != nil {
			present++
		}
	}
	if present < k {
		return ErrNotEnoughBlocks
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return err
	}
	return enc.Reconstruct(blocks)
}

// Encode recomputes the check blocks from the data blocks.
func (c *ReedSolomon) Encode(blocks [][]byte, k int) error {
	n := len(blocks)
	if err := checkShape(n, k); err != nil {
		return err
	}
	for i := 0; i < k; i++ {
		if blocks[i] == nil {
			return ErrNotEnoughBlocks
		}
	}
	for i := k; i < n; i++ {
		if blocks[i] == nil {
			blocks[i] = make([]byte, len(blocks[0]))
		}
	}
	enc, err := reedsolomon.New(k, n-k)
	if err != nil {
		return err
	}
	return enc.Encode(blocks)
}

func checkShape(n, k int) error {
	if k <= 0 || n <= k {
		return ErrShape
	}
	if k > constants.MaxDataBlocksPerSegment || n-k > constants.MaxCheckBlocksPerSegment {
		return ErrShape
	}
	return nil
}
