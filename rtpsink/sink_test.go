// SPDX-License-Identifier: BSD-2-Clause

package rtpsink

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFrame struct {
	data []byte
	pts  time.Duration
	dur  time.Duration
}

type mockSource struct {
	frames  []mockFrame
	idx     int
	stopped bool
}

func (m *mockSource) NextFrame(buf []byte) (int, int, time.Duration, time.Duration, error) {
	if m.idx >= len(m.frames) {
		return 0, 0, 0, 0, io.EOF
	}
	f := m.frames[m.idx]
	m.idx++
	n := copy(buf, f.data)
	return n, len(f.data) - n, f.pts, f.dur, nil
}

func (m *mockSource) StopGettingFrames() { m.stopped = true }
func (m *mockSource) MimeType() string   { return "test/mock" }

type mockTransport struct {
	sent [][]byte
	err  error
}

func (t *mockTransport) Output(buf []byte) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, append([]byte(nil), buf...))
	return nil
}

// TestSinkSingleFrameWireFormat exercises spec §8 scenario 1 exactly.
func TestSinkSingleFrameWireFormat(t *testing.T) {
	transport := &mockTransport{}
	sink := NewSink(transport, 96, 0x11223344, 90000, WithBaseSeqAndTimestamp(1000, 500000))

	src := &mockSource{frames: []mockFrame{
		{data: bytes.Repeat([]byte{0xAB}, 100), pts: 0, dur: 20 * time.Millisecond},
	}}

	done := make(chan struct{})
	sink.StartPlaying(src, func() { close(done) })
	<-done

	require.Len(t, transport.sent, 1)
	pkt := transport.sent[0]
	require.Len(t, pkt, 112)
	assert.Equal(t, []byte{0x80, 0x60, 0x03, 0xE8, 0x00, 0x07, 0xA1, 0x20, 0x11, 0x22, 0x33, 0x44}, pkt[:12])
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 100), pkt[12:])
	assert.True(t, src.stopped == false)
}

func TestSinkSequenceIncrementsPerPacket(t *testing.T) {
	transport := &mockTransport{}
	sink := NewSink(transport, 96, 1, 8000, WithBaseSeqAndTimestamp(1000, 0), WithMaxPacketSize(24))

	src := &mockSource{frames: []mockFrame{
		{data: []byte("aaaaaaaaaa"), pts: 0},
		{data: []byte("bbbbbbbbbb"), pts: 0},
		{data: []byte("cccccccccc"), pts: 0},
	}}

	done := make(chan struct{})
	sink.StartPlaying(src, func() { close(done) })
	<-done

	require.Len(t, transport.sent, 3)
	for i, pkt := range transport.sent {
		seq := uint16(pkt[2])<<8 | uint16(pkt[3])
		assert.Equal(t, uint16(1000+i), seq)
	}
}

// fragmentingFormat always reports frames as too big, fragmenting every
// frame into 8-byte chunks, marking the final fragment.
type fragmentingFormat struct{}

func (fragmentingFormat) SpecialHeaderSize() int { return 1 }
func (fragmentingFormat) WriteSpecialHeader(special []byte, fragOffset, fragSize, frameSize, numFrames int) bool {
	last := fragOffset+fragSize == frameSize
	if last {
		special[0] = 1
	} else {
		special[0] = 0
	}
	return last
}
func (fragmentingFormat) IsTooBigForAPacket(frameSize int) bool        { return true }
func (fragmentingFormat) AllowFragmentationAfterStart() bool           { return true }
func (fragmentingFormat) AllowOtherFramesAfterLastFragment() bool      { return false }
func (fragmentingFormat) ComputeOverflowForNewFrame(avail, size int) int {
	if avail > 8 {
		return 8
	}
	return avail
}

func TestSinkFragmentsOversizedFrame(t *testing.T) {
	transport := &mockTransport{}
	sink := NewSink(transport, 96, 1, 8000,
		WithBaseSeqAndTimestamp(0, 0),
		WithMaxPacketSize(21), // 12 header + 1 special + 8 payload
		WithFormat(fragmentingFormat{}),
	)

	src := &mockSource{frames: []mockFrame{
		{data: bytes.Repeat([]byte{0x01}, 20), pts: 0},
	}}

	done := make(chan struct{})
	sink.StartPlaying(src, func() { close(done) })
	<-done

	require.Len(t, transport.sent, 3)
	assert.Equal(t, byte(0), transport.sent[0][12])
	assert.Equal(t, byte(0), transport.sent[1][12])
	assert.Equal(t, byte(1), transport.sent[2][12])
	assert.Equal(t, 21, len(transport.sent[0]))
	assert.Equal(t, 21, len(transport.sent[1]))
	assert.Equal(t, 4+12+1, len(transport.sent[2]))
}

func TestStopPlayingCancelsSource(t *testing.T) {
	transport := &mockTransport{}
	sink := NewSink(transport, 96, 1, 8000)
	src := &mockSource{}
	sink.playing = true
	sink.source = src
	sink.StopPlaying()
	assert.True(t, src.stopped)
	assert.False(t, sink.playing)
}

func TestSinkReportsSendError(t *testing.T) {
	wantErr := io.ErrClosedPipe
	transport := &mockTransport{err: wantErr}
	var gotErr error
	sink := NewSink(transport, 96, 1, 8000, WithOnSendError(func(err error) { gotErr = err }))

	src := &mockSource{frames: []mockFrame{{data: []byte("x"), pts: 0}}}
	done := make(chan struct{})
	sink.StartPlaying(src, func() { close(done) })
	<-done
	assert.ErrorIs(t, gotErr, wantErr)
}
