// SPDX-License-Identifier: BSD-2-Clause

package rtcpstats

import (
	"testing"
	"time"

	"github.com/liveedge/rtscore/rtpsink"
	"github.com/liveedge/rtscore/rtpsource"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	sent [][]byte
}

func (m *mockTransport) Output(buf []byte) error {
	m.sent = append(m.sent, append([]byte(nil), buf...))
	return nil
}

type fixedSender struct{ stats rtpsink.TransmissionStats }

func (f fixedSender) Stats() rtpsink.TransmissionStats { return f.stats }

type fixedReceiver struct{ stats rtpsource.ReceptionStats }

func (f fixedReceiver) Stats() rtpsource.ReceptionStats { return f.stats }

func TestSendReportBuildsSenderReportAndSDES(t *testing.T) {
	tr := &mockTransport{}
	sender := fixedSender{stats: rtpsink.TransmissionStats{
		SSRC: 42, PacketsSent: 10, OctetsSent: 1600, LastRTPTime: 8000,
	}}
	inst := NewInstance(tr, 42, "test@host", WithSender(sender))

	require.NoError(t, inst.SendReport())
	require.Len(t, tr.sent, 1)

	pkts, err := rtcp.Unmarshal(tr.sent[0])
	require.NoError(t, err)
	require.Len(t, pkts, 2)

	sr, ok := pkts[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.EqualValues(t, 42, sr.SSRC)
	assert.EqualValues(t, 10, sr.PacketCount)
	assert.EqualValues(t, 1600, sr.OctetCount)

	sdes, ok := pkts[1].(*rtcp.SourceDescription)
	require.True(t, ok)
	require.Len(t, sdes.Chunks, 1)
	assert.Equal(t, "test@host", sdes.Chunks[0].Items[0].Text)
}

func TestSendReportBuildsReceiverReportWhenNotSending(t *testing.T) {
	tr := &mockTransport{}
	receiver := fixedReceiver{stats: rtpsource.ReceptionStats{
		SSRC: 7, Expected: 100, Received: 95, CumulativeLost: 5,
	}}
	inst := NewInstance(tr, 99, "recv@host", WithReceiver(receiver))

	require.NoError(t, inst.SendReport())
	pkts, err := rtcp.Unmarshal(tr.sent[0])
	require.NoError(t, err)

	rr, ok := pkts[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Len(t, rr.Reports, 1)
	assert.EqualValues(t, 5, rr.Reports[0].TotalLost)
}

func TestHandleRTCPPacketDispatchesBye(t *testing.T) {
	tr := &mockTransport{}
	var gotReason string
	inst := NewInstance(tr, 1, "x", WithOnBye(func(reason string) { gotReason = reason }))

	bye := &rtcp.Goodbye{Sources: []uint32{1}, Reason: "session ended"}
	buf, err := bye.Marshal()
	require.NoError(t, err)

	inst.HandleRTCPPacket(buf)
	assert.Equal(t, "session ended", gotReason)
}

func TestHandleRTCPPacketDispatchesApp(t *testing.T) {
	tr := &mockTransport{}
	var gotName [4]byte
	var gotData []byte
	inst := NewInstance(tr, 1, "x", WithOnApp(func(name [4]byte, subtype uint8, data []byte) {
		gotName = name
		gotData = data
	}))

	app := &rtcp.ApplicationDefined{SubType: 3, SSRC: 1, Name: [4]byte{'T', 'E', 'S', 'T'}, Data: []byte("hello")}
	buf, err := app.Marshal()
	require.NoError(t, err)

	inst.HandleRTCPPacket(buf)
	assert.Equal(t, [4]byte{'T', 'E', 'S', 'T'}, gotName)
	assert.Equal(t, []byte("hello"), gotData)
}

func TestRTTComputedFromLSRDLSR(t *testing.T) {
	tr := &mockTransport{}
	sender := fixedSender{stats: rtpsink.TransmissionStats{SSRC: 1}}
	inst := NewInstance(tr, 1, "x", WithSender(sender))

	require.NoError(t, inst.SendReport())
	lsr := inst.rr.lastSRMiddle32

	time.Sleep(10 * time.Millisecond)
	now := time.Now()
	nowNTP := NTPTimestamp(now)
	now32 := uint32(nowNTP >> 16)
	// simulate a peer that replied with ~5ms of its own processing delay
	dlsr := uint32(0.005 * 65536)
	rr := &rtcp.ReceiverReport{
		SSRC: 2,
		Reports: []rtcp.ReceptionReport{{
			SSRC: 1, LastSenderReport: lsr, Delay: dlsr,
		}},
	}
	buf, err := rr.Marshal()
	require.NoError(t, err)
	_ = now32

	inst.HandleRTCPPacket(buf)
	assert.Greater(t, inst.RTT, time.Duration(0))
	assert.Less(t, inst.RTT, 500*time.Millisecond)
}

func TestHandleRTCPPacketRecordsSyncAnchorFromSenderReport(t *testing.T) {
	tr := &mockTransport{}
	inst := NewInstance(tr, 1, "x")

	_, _, ok := inst.SyncAnchor()
	assert.False(t, ok, "no SR seen yet")

	srTime := time.Now()
	sr := &rtcp.SenderReport{SSRC: 2, NTPTime: NTPTimestamp(srTime), RTPTime: 160000}
	buf, err := sr.Marshal()
	require.NoError(t, err)

	inst.HandleRTCPPacket(buf)

	wallClock, rtpTimestamp, ok := inst.SyncAnchor()
	require.True(t, ok)
	assert.EqualValues(t, 160000, rtpTimestamp)
	assert.WithinDuration(t, srTime, wallClock, time.Millisecond)
}

func TestSendByeIncludesReasonAndSources(t *testing.T) {
	tr := &mockTransport{}
	inst := NewInstance(tr, 55, "bye@host")

	require.NoError(t, inst.SendBye("normal shutdown"))
	pkts, err := rtcp.Unmarshal(tr.sent[0])
	require.NoError(t, err)

	var found bool
	for _, p := range pkts {
		if bye, ok := p.(*rtcp.Goodbye); ok {
			found = true
			assert.Equal(t, "normal shutdown", bye.Reason)
			assert.Equal(t, []uint32{55}, bye.Sources)
		}
	}
	assert.True(t, found)
}
