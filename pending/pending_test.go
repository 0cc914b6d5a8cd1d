// pending_test.go - pending key map tests.
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

package pending

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub002/constants"
	"github.com/007pig/fred-sub002/keys"
)

type stubSub struct {
	prio constants.Priority
}

func (s *stubSub) PriorityClass() constants.Priority {
	return s.prio
}

func rk(b byte) keys.RoutingKey {
	var k keys.RoutingKey
	k[0] = b
	return k
}

func TestAddIsIdempotent(t *testing.T) {
	require := require.New(t)

	m := New()
	sub := &stubSub{}
	m.Add(rk(1), sub)
	m.Add(rk(1), sub)
	require.Equal(1, len(m.Take(rk(1))))
	require.Nil(m.Take(rk(1)))
}

func TestRemoveReportsEmpty(t *testing.T) {
	require := require.New(t)

	m := New()
	a, b := &stubSub{}, &stubSub{}
	m.Add(rk(1), a)
	m.Add(rk(1), b)

	existed, empty := m.Remove(rk(1), a)
	require.True(existed)
	require.False(empty)

	existed, empty = m.Remove(rk(1), b)
	require.True(existed)
	require.True(empty)

	existed, _ = m.Remove(rk(1), b)
	require.False(existed)
}

func TestTakeIsAtomic(t *testing.T) {
	require := require.New(t)

	m := New()
	a, b := &stubSub{}, &stubSub{}
	m.Add(rk(1), a)
	m.Add(rk(1), b)
	m.Add(rk(2), a)

	subs := m.Take(rk(1))
	require.Equal(2, len(subs))
	require.False(m.AnyWant(rk(1)))
	require.True(m.AnyWant(rk(2)))
}

func TestRemoveAll(t *testing.T) {
	require := require.New(t)

	m := New()
	a := &stubSub{}
	m.Add(rk(1), a)
	m.Add(rk(2), a)
	m.Add(rk(3), a)

	removed := m.RemoveAll(a)
	require.Equal(3, len(removed))
	for _, k := range removed {
		require.False(m.AnyWant(k))
	}
	require.Nil(m.RemoveAll(a))
}

func TestGetDoesNotRemove(t *testing.T) {
	require := require.New(t)

	m := New()
	a := &stubSub{}
	m.Add(rk(1), a)
	require.Equal(1, len(m.Get(rk(1))))
	require.True(m.AnyWant(rk(1)))
}
