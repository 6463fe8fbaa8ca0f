// SPDX-License-Identifier: BSD-2-Clause

package mediasession

import (
	"testing"

	"github.com/liveedge/rtscore/mikey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMikeyBase64(t *testing.T) string {
	t.Helper()
	return mikey.NewState(true).EncodeBase64()
}

const unicastSDP = "v=0\r\n" +
	"s=Unicast Stream\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"m=audio 0 RTP/AVP 0\r\n" +
	"a=control:trackID=0\r\n"

func TestParseSessionDescriptionBuildsSubsessions(t *testing.T) {
	ms, err := ParseSessionDescription([]byte(unicastSDP))
	require.NoError(t, err)
	require.Len(t, ms.Subsessions, 1)

	sub := ms.Subsessions[0]
	assert.Equal(t, "audio", sub.MediaType)
	assert.Equal(t, "PCMU", sub.EncodingName)
	assert.EqualValues(t, 8000, sub.ClockRate)
	assert.Equal(t, "trackID=0", sub.Control)
}

func TestInitiateAllocatesUnicastSockets(t *testing.T) {
	ms, err := ParseSessionDescription([]byte(unicastSDP))
	require.NoError(t, err)
	sub := ms.Subsessions[0]

	require.NoError(t, sub.Initiate(ms.Connection))
	defer sub.Close()

	assert.NotNil(t, sub.rtpSock)
	assert.NotNil(t, sub.rtcpSock)
}

func TestInitiateSkipsRTCPSocketWhenMuxed(t *testing.T) {
	sdpData := "v=0\r\nc=IN IP4 127.0.0.1\r\nm=video 0 RTP/AVP 26\r\na=rtcp-mux\r\n"
	ms, err := ParseSessionDescription([]byte(sdpData))
	require.NoError(t, err)
	sub := ms.Subsessions[0]

	require.NoError(t, sub.Initiate(ms.Connection))
	defer sub.Close()

	assert.NotNil(t, sub.rtpSock)
	assert.Nil(t, sub.rtcpSock)
}

func TestMikeyKeyMgmtBuildsSRTPContext(t *testing.T) {
	sdpData := "v=0\r\nc=IN IP4 127.0.0.1\r\n" +
		"a=key-mgmt:mikey " + testMikeyBase64(t) + "\r\n" +
		"m=audio 0 RTP/AVP 0\r\n"

	ms, err := ParseSessionDescription([]byte(sdpData))
	require.NoError(t, err)
	require.NotNil(t, ms.Subsessions[0].srtpCtx)
}
