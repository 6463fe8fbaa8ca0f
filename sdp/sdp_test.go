// SPDX-License-Identifier: BSD-2-Clause

package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=Example Stream\r\n" +
	"i=A sample description\r\n" +
	"c=IN IP4 224.1.1.1/16\r\n" +
	"t=0 0\r\n" +
	"a=control:*\r\n" +
	"a=range:npt=0-\r\n" +
	"m=audio 5004 RTP/AVP 0 96\r\n" +
	"a=rtpmap:96 L16/16000/2\r\n" +
	"a=fmtp:96 emphasis=50-15\r\n" +
	"a=control:trackID=0\r\n" +
	"m=video 5006 RTP/AVP 26\r\n" +
	"a=rtcp-mux\r\n" +
	"a=control:trackID=1\r\n" +
	"b=AS:500\r\n" +
	"a=framerate:30\r\n"

func TestParseSessionLevelFields(t *testing.T) {
	sd, err := Parse([]byte(exampleSDP))
	require.NoError(t, err)

	assert.Equal(t, "Example Stream", sd.Name)
	assert.Equal(t, "A sample description", sd.Info)
	require.NotNil(t, sd.Connection)
	assert.Equal(t, "224.1.1.1", sd.Connection.Address)
	assert.Equal(t, 16, sd.Connection.TTL)
	assert.Equal(t, "*", sd.Control)
	require.NotNil(t, sd.RangeNPT)
	assert.True(t, sd.RangeNPT.Open)
}

func TestParseSubsessions(t *testing.T) {
	sd, err := Parse([]byte(exampleSDP))
	require.NoError(t, err)
	require.Len(t, sd.Subsessions, 2)

	audio := sd.Subsessions[0]
	assert.Equal(t, "audio", audio.MediaType)
	assert.Equal(t, 5004, audio.Port)
	assert.Equal(t, []int{0, 96}, audio.Formats)
	assert.Equal(t, "trackID=0", audio.Control)

	m, err := audio.ResolvePayloadType(96)
	require.NoError(t, err)
	assert.Equal(t, "L16", m.EncodingName)
	assert.EqualValues(t, 16000, m.ClockRate)
	assert.Equal(t, 2, m.Channels)
	assert.Equal(t, "emphasis=50-15", audio.FMTP[96])

	video := sd.Subsessions[1]
	assert.True(t, video.RTCPMux)
	assert.Equal(t, 500, video.BandwidthAS)
	assert.Equal(t, 30.0, video.FrameRate)

	m0, err := audio.ResolvePayloadType(0)
	require.NoError(t, err)
	assert.Equal(t, "PCMU", m0.EncodingName)
}

func TestResolveDynamicPayloadWithoutRTPMapFails(t *testing.T) {
	md := &MediaDescription{}
	_, err := md.ResolvePayloadType(96)
	assert.Error(t, err)
}

func TestParseRejectsPayloadTypeOver127(t *testing.T) {
	_, err := Parse([]byte("m=audio 5004 RTP/AVP 200\r\n"))
	assert.Error(t, err)
}

func TestParseKeyMgmtMikey(t *testing.T) {
	sd, err := Parse([]byte("a=key-mgmt:mikey AQAFAKkAAAAAAAA=\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "AQAFAKkAAAAAAAA=", sd.KeyMgmtMIKEY)
}
