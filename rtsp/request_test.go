package rtsp

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestReadsRequestLineAndHeaders(t *testing.T) {
	raw := "SETUP rtsp://example.com/stream/trackID=0 RTSP/1.0\r\n" +
		"CSeq: 2\r\n" +
		"Transport: RTP/AVP;unicast;client_port=8000-8001\r\n" +
		"\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)

	assert.Equal(t, "SETUP", req.Method)
	assert.Equal(t, "rtsp://example.com/stream/trackID=0", req.URL)
	assert.Equal(t, 2, req.CSeq)
	assert.Equal(t, "RTP/AVP;unicast;client_port=8000-8001", req.Headers.Get("Transport"))
}

func TestParseRequestReadsBody(t *testing.T) {
	raw := "ANNOUNCE rtsp://x/y RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 5\r\n\r\nhello"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), req.Body)
}

func TestParseResponseReadsStatusLine(t *testing.T) {
	raw := "RTSP/1.0 454 Session Not Found\r\nCSeq: 9\r\n\r\n"
	res, err := ParseResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, 454, res.StatusCode)
	assert.Equal(t, 9, res.CSeq)
}

func TestResponseWriteToRoundTrips(t *testing.T) {
	res := &Response{StatusCode: 200, CSeq: 4, Headers: Header{}}
	res.Headers.Set("Session", "1A2B3C4D")

	var buf bytes.Buffer
	_, err := res.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := ParseResponse(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, 200, parsed.StatusCode)
	assert.Equal(t, "1A2B3C4D", parsed.Headers.Get("Session"))
}
