package rtsp

import (
	"testing"

	"github.com/liveedge/rtscore/mediasession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMediaSession(t *testing.T) *mediasession.MediaSession {
	t.Helper()
	ms, err := mediasession.ParseSessionDescription([]byte(testSDP))
	require.NoError(t, err)
	return ms
}

func TestRemoveKeepsActiveSessionStreamingUntilRefcountZero(t *testing.T) {
	r := newMediaRegistry()
	r.AddServerMediaSession("stream", newTestMediaSession(t))
	r.retain("stream")

	r.Remove("stream")

	var got *ServerMediaSessionEntry
	r.Lookup("stream", func(e *ServerMediaSessionEntry, err error) { got = e }, false)
	assert.NotNil(t, got, "unlisted-but-active session must remain reachable by existing holders")

	r.release("stream")

	var got2 *ServerMediaSessionEntry
	var err2 error
	r.Lookup("stream", func(e *ServerMediaSessionEntry, err error) { got2, err2 = e, err }, false)
	assert.Nil(t, got2)
	assert.Error(t, err2)
}

func TestRemoveWithNoActiveHoldersDeletesImmediately(t *testing.T) {
	r := newMediaRegistry()
	r.AddServerMediaSession("stream", newTestMediaSession(t))

	r.Remove("stream")

	var err error
	r.Lookup("stream", func(e *ServerMediaSessionEntry, lookupErr error) { err = lookupErr }, false)
	assert.Error(t, err)
}

func TestDeleteMediaClosesReferencingSessions(t *testing.T) {
	s := newTestServer(t, 0)

	req := &Request{Method: "SETUP", URL: "rtsp://localhost/stream/trackID=0", CSeq: 1, Headers: Header{}}
	req.Headers.Set("Transport", "RTP/AVP;unicast;client_port=8000-8001")
	res := s.HandleRequest(req)
	require.Equal(t, 200, res.StatusCode)

	id, err := parseSessionHeader(res.Headers.Get("Session"))
	require.NoError(t, err)
	_, ok := s.Sessions.get(id)
	require.True(t, ok)

	s.DeleteMedia("stream")

	_, ok = s.Sessions.get(id)
	assert.False(t, ok, "delete_server_media_session must close client sessions referencing it")
}
