// grabarray_test.go - grab array tests.
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

package grabarray

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/007pig/fred-sub002/constants"
)

type stubRequest struct {
	prio   constants.Priority
	retry  int
	client interface{}
}

func (r *stubRequest) PriorityClass() constants.Priority { return r.prio }
func (r *stubRequest) RetryCount() int                   { return r.retry }
func (r *stubRequest) Client() interface{}               { return r.client }

func TestEffectiveRetryCount(t *testing.T) {
	require := require.New(t)

	require.Equal(0, EffectiveRetryCount(0))
	require.Equal(0, EffectiveRetryCount(3))
	require.Equal(1, EffectiveRetryCount(4))
	require.Equal(7, EffectiveRetryCount(10))
}

func TestAddRemove(t *testing.T) {
	require := require.New(t)

	a := New(Hard)
	r := &stubRequest{prio: constants.PriorityBulkSplitfile, client: "c"}
	a.Add(r)
	a.Add(r)
	require.Equal(1, a.Len())
	require.True(a.Remove(r))
	require.False(a.Remove(r))
	require.Equal(0, a.Len())
	require.Nil(a.RemoveRandom())
}

// Under the hard policy a nonempty higher priority class is never
// starved by a lower one.
func TestHardPriorityOrdering(t *testing.T) {
	require := require.New(t)

	a := New(Hard)
	low := &stubRequest{prio: constants.PriorityMinimum, client: "c1"}
	high := &stubRequest{prio: constants.PriorityInteractive, client: "c2"}
	a.Add(low)
	a.Add(high)

	got := a.RemoveRandom()
	require.Equal(high, got)
	got = a.RemoveRandom()
	require.Equal(low, got)
}

// The lowest nonempty effective retry bucket is always preferred.
func TestRetryBucketPreference(t *testing.T) {
	require := require.New(t)

	a := New(Hard)
	tried := &stubRequest{prio: constants.PriorityUpdate, retry: 9, client: "c"}
	fresh := &stubRequest{prio: constants.PriorityUpdate, retry: 0, client: "c"}
	thrice := &stubRequest{prio: constants.PriorityUpdate, retry: 3, client: "c"}
	a.Add(tried)
	a.Add(fresh)
	a.Add(thrice)

	// retry 0 and retry 3 share the floor bucket; both beat retry 9.
	first := a.RemoveRandom()
	second := a.RemoveRandom()
	require.NotEqual(tried, first)
	require.NotEqual(tried, second)
	require.Equal(tried, a.RemoveRandom())
}

// With m clients at equal priority and retry count, selections are
// fair to within a few standard deviations.
func TestClientFairness(t *testing.T) {
	require := require.New(t)

	const m = 4
	const polls = 4000
	a := New(Hard)
	counts := make(map[interface{}]int)
	for i := 0; i < polls; i++ {
		for c := 0; c < m; c++ {
			a.Add(&stubRequest{prio: constants.PriorityBulkSplitfile, client: c})
		}
		got := a.RemoveRandom()
		require.NotNil(got)
		counts[got.Client()]++
		// Drain the rest so the next round starts clean.
		for a.RemoveRandom() != nil {
		}
	}
	expected := float64(polls) / m
	slack := 6 * math.Sqrt(float64(polls))
	for c := 0; c < m; c++ {
		diff := math.Abs(float64(counts[c]) - expected)
		require.True(diff < slack, "client %d selected %d times, expected %.0f±%.0f", c, counts[c], expected, slack)
	}
}

// A request whose priority changed after insertion is re-filed, not
// returned under its stale class.
func TestStalePriorityRefiled(t *testing.T) {
	require := require.New(t)

	a := New(Hard)
	r := &stubRequest{prio: constants.PriorityInteractive, client: "c"}
	other := &stubRequest{prio: constants.PriorityUpdate, client: "c2"}
	a.Add(r)
	a.Add(other)

	// Demote r underneath the array.
	r.prio = constants.PriorityMinimum

	got := a.RemoveRandom()
	require.Equal(other, got)
	got = a.RemoveRandom()
	require.Equal(r, got)
}

func TestSoftPolicyReachesAllClasses(t *testing.T) {
	require := require.New(t)

	a := New(Soft)
	for i := 0; i < 64; i++ {
		a.Add(&stubRequest{prio: constants.PriorityMinimum, client: i})
	}
	// Even the minimum class makes progress under soft selection.
	require.NotNil(a.RemoveRandom())
}

func TestRecentSuccessBias(t *testing.T) {
	require := require.New(t)

	a := New(Hard)
	for i := 0; i < 64; i++ {
		a.Add(&stubRequest{prio: constants.PriorityBulkSplitfile, client: "lucky"})
		a.Add(&stubRequest{prio: constants.PriorityBulkSplitfile, client: "other"})
	}
	a.Succeeded("lucky")

	lucky := 0
	for i := 0; i < 64; i++ {
		got := a.RemoveRandom()
		require.NotNil(got)
		if got.Client() == "lucky" {
			lucky++
		}
	}
	// The biased half of grabs prefers the recent client, so it must
	// win clearly more than a fair split.
	require.True(lucky > 32, "lucky client selected %d of 64", lucky)
}
