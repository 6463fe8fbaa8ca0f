// SPDX-License-Identifier: BSD-2-Clause

package rtpsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReorderWithinThreshold exercises spec §8 scenario 2: seqs
// [100,102,101,103] fed within 10ms must be delivered in order
// [100,101,102,103] with no loss reported.
func TestReorderWithinThreshold(t *testing.T) {
	b := newReorderBuffer(100 * time.Millisecond)
	base := time.Now()

	var delivered []uint16
	feed := func(seq uint16, at time.Time) {
		for _, p := range b.Push(seq, []byte{byte(seq)}, at, false, at) {
			delivered = append(delivered, p.seq)
		}
	}

	feed(100, base)
	feed(102, base.Add(2*time.Millisecond))
	feed(101, base.Add(5*time.Millisecond))
	feed(103, base.Add(8*time.Millisecond))

	require.Equal(t, []uint16{100, 101, 102, 103}, delivered)
	assert.EqualValues(t, 0, b.CumulativeLost())
}

// TestReorderPastThreshold exercises spec §8 scenario 3: seqs [100,102]
// with a 200ms gap before 101 must deliver [100,102,101-rejected], with
// cumulative_lost==1.
func TestReorderPastThreshold(t *testing.T) {
	b := newReorderBuffer(100 * time.Millisecond)
	base := time.Now()

	var delivered []uint16
	feed := func(seq uint16, at time.Time) {
		for _, p := range b.Push(seq, []byte{byte(seq)}, at, false, at) {
			delivered = append(delivered, p.seq)
		}
	}

	feed(100, base)
	feed(102, base.Add(2*time.Millisecond))
	feed(101, base.Add(202*time.Millisecond))

	require.Equal(t, []uint16{100, 102}, delivered)
	assert.EqualValues(t, 1, b.CumulativeLost())
}

func TestReorderCheckTimeoutsWithoutNewArrival(t *testing.T) {
	b := newReorderBuffer(100 * time.Millisecond)
	base := time.Now()

	b.Push(100, []byte{1}, base, false, base)
	b.Push(102, []byte{2}, base.Add(2*time.Millisecond), false, base.Add(2*time.Millisecond))

	delivered := b.CheckTimeouts(base.Add(150 * time.Millisecond))
	require.Len(t, delivered, 1)
	assert.EqualValues(t, 102, delivered[0].seq)
}

func TestReorderDropsDuplicate(t *testing.T) {
	b := newReorderBuffer(100 * time.Millisecond)
	base := time.Now()

	d1 := b.Push(100, []byte{1}, base, false, base)
	require.Len(t, d1, 1)

	d2 := b.Push(100, []byte{1}, base, false, base)
	assert.Empty(t, d2)
}

func TestReorderResetClearsState(t *testing.T) {
	b := newReorderBuffer(100 * time.Millisecond)
	base := time.Now()
	b.Push(100, []byte{1}, base, false, base)
	b.Reset()
	assert.False(t, b.haveNext)
	assert.EqualValues(t, 0, b.Expected())
}
