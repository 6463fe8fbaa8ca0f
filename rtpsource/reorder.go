// SPDX-License-Identifier: BSD-2-Clause

package rtpsource

import "time"

// PacketReorderingThreshold is the default §6.3 packet_reordering_threshold
// (100 ms): the longest a source will hold a gap open waiting for a missing
// sequence number before giving up on it.
var PacketReorderingThreshold = 100 * time.Millisecond

// reorderedPacket is one entry in the reordering buffer.
type reorderedPacket struct {
	seq        uint16
	payload    []byte
	pts        time.Time
	marker     bool
	receivedAt time.Time
}

// reorderBuffer implements the §4.6 reordering buffer: a sorted queue keyed
// by 16-bit sequence number, wrap-aware-compared against next_expected, that
// releases packets either in order or after packet_reordering_threshold has
// elapsed since the oldest held packet arrived.
type reorderBuffer struct {
	threshold time.Duration

	pending []*reorderedPacket

	haveNext     bool
	nextExpected uint16
	baseSeq      uint16

	expectedCount int64
	receivedCount int64
	lossPreceded  bool

	out []*reorderedPacket // packets ready for delivery, FIFO
}

func newReorderBuffer(threshold time.Duration) *reorderBuffer {
	return &reorderBuffer{threshold: threshold}
}

// seqDiff returns a-b interpreted wrap-aware in (-2^15, 2^15].
func seqDiff(a, b uint16) int32 {
	d := int32(int16(a - b))
	if d == -1<<15 {
		d = 1 << 15
	}
	return d
}

// Push inserts one newly-received packet and returns any packets now ready
// for delivery, in order. now is the packet's arrival time, also used to
// evaluate pending timeouts on this call (matching the scenario where the
// late packet's own arrival is what notices the earlier packets timed out).
func (b *reorderBuffer) Push(seq uint16, payload []byte, pts time.Time, marker bool, now time.Time) []*reorderedPacket {
	delivered := b.drain(now)
	if b.haveNext && seqDiff(seq, b.nextExpected) < 0 {
		return delivered // excessively delayed, drop
	}
	for _, p := range b.pending {
		if p.seq == seq {
			return delivered // duplicate
		}
	}

	pkt := &reorderedPacket{seq: seq, payload: payload, pts: pts, marker: marker, receivedAt: now}
	i := 0
	for i < len(b.pending) && seqDiff(b.pending[i].seq, seq) < 0 {
		i++
	}
	b.pending = append(b.pending, nil)
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = pkt

	return append(delivered, b.drain(now)...)
}

// CheckTimeouts evaluates the head-of-buffer timeout independent of any new
// arrival — intended to be driven by a periodic scheduler task so a gap is
// noticed even if no further packet ever arrives.
func (b *reorderBuffer) CheckTimeouts(now time.Time) []*reorderedPacket {
	return b.drain(now)
}

func (b *reorderBuffer) drain(now time.Time) []*reorderedPacket {
	var delivered []*reorderedPacket
	for len(b.pending) > 0 {
		head := b.pending[0]
		if !b.haveNext {
			b.nextExpected = head.seq
			b.baseSeq = head.seq
			b.haveNext = true
			b.lossPreceded = true
		}

		if head.seq == b.nextExpected {
			b.pending = b.pending[1:]
			delivered = append(delivered, head)
			b.expectedCount++
			b.receivedCount++
			b.nextExpected++
			continue
		}

		if now.Sub(head.receivedAt) > b.threshold {
			advance := int64(uint16(head.seq - b.nextExpected))
			b.expectedCount += advance
			b.nextExpected = head.seq
			b.lossPreceded = true
			continue
		}
		break
	}
	return delivered
}

// CumulativeLost reports stats.expected - stats.received, per §3/§8.
func (b *reorderBuffer) CumulativeLost() int64 {
	return b.expectedCount - b.receivedCount
}

func (b *reorderBuffer) Expected() int64 { return b.expectedCount }
func (b *reorderBuffer) Received() int64 { return b.receivedCount }

// Reset clears all reordering state, used on SSRC change per §4.6 step 4.
func (b *reorderBuffer) Reset() {
	*b = reorderBuffer{threshold: b.threshold}
}
