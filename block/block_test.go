// block_test.go - block tests.
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

package block

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub002/constants"
)

func TestBlockSerialization(t *testing.T) {
	require := require.New(t)

	payload := make([]byte, constants.BlockSize)
	payload[17] = 0x2a
	b, err := New(1, 16384, payload)
	require.NoError(err)

	raw, err := b.ToBytes()
	require.NoError(err)
	require.Equal(constants.BlockHeaderLength+constants.BlockSize, len(raw))

	back, err := FromBytes(raw)
	require.NoError(err)
	require.Equal(b.DataLen, back.DataLen)
	require.Equal(b.Payload, back.Payload)
	require.Equal(b.Digest(), back.Digest())
}

func TestBlockCorruption(t *testing.T) {
	require := require.New(t)

	b, err := New(1, 1, make([]byte, constants.BlockSize))
	require.NoError(err)
	raw, err := b.ToBytes()
	require.NoError(err)

	// Flip a payload byte; the header digest no longer matches.
	raw[constants.BlockHeaderLength+100] ^= 0xff
	_, err = FromBytes(raw)
	require.Equal(ErrVerify, err)

	_, err = FromBytes(raw[:100])
	require.Equal(ErrSize, err)

	_, err = New(1, 0, make([]byte, 100))
	require.Equal(ErrSize, err)
}
