// bloom.go - salted key membership filters.
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
	"github.com/dchest/siphash"

	"github.com/007pig/fred-sub002/keys"
)

const (
	// bloomBitsPerKey sizes the filters; with 7 hashes this gives
	// roughly a one percent false positive rate.
	bloomBitsPerKey = 10

	bloomHashes = 7
)

// bloomFilter is an add-only membership filter over routing keys,
// salted with a siphash key pair so an attacker cannot precompute
// collisions. It never reports false negatives; once a key is added
// it tests positive until the filter is regenerated, so the filter
// only ever over-reports the remaining key set.
type bloomFilter struct {
	k0, k1 uint64
	bits   []byte
}

// newBloomFilter sizes a filter for n keys under the given salt.
func newBloomFilter(n int, k0, k1 uint64) *bloomFilter {
	if n < 1 {
		n = 1
	}
	nbits := n * bloomBitsPerKey
	return &bloomFilter{
		k0:   k0,
		k1:   k1,
		bits: make([]byte, (nbits+7)/8),
	}
}

// bloomFilterFromBits wraps persisted filter bits.
func bloomFilterFromBits(bits []byte, k0, k1 uint64) *bloomFilter {
	return &bloomFilter{k0: k0, k1: k1, bits: bits}
}

func (f *bloomFilter) nbits() uint64 {
	return uint64(len(f.bits)) * 8
}

func (f *bloomFilter) indices(key keys.RoutingKey) [bloomHashes]uint64 {
	var out [bloomHashes]uint64
	h1 := siphash.Hash(f.k0, f.k1, key[:])
	h2 := siphash.Hash(f.k1, f.k0, key[:])
	m := f.nbits()
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % m
	}
	return out
}

// add sets the key's bits.
func (f *bloomFilter) add(key keys.RoutingKey) {
	for _, idx := range f.indices(key) {
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// test reports possible membership.
func (f *bloomFilter) test(key keys.RoutingKey) bool {
	for _, idx := range f.indices(key) {
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}
