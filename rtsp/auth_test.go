package rtsp

import (
	"testing"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizeChallengesWithoutAuthorizationHeader(t *testing.T) {
	srv := NewDigestAuthServer("testrealm", UserAuthenticationDatabase{"alice": "secret"})
	req := &Request{Method: "DESCRIBE", URL: "rtsp://x/y", CSeq: 1, Headers: Header{}}

	res, err := srv.Authorize(req)
	require.ErrorIs(t, err, ErrAuthNoChallenge)
	assert.Equal(t, 401, res.StatusCode)
	assert.NotEmpty(t, res.Headers.Get("WWW-Authenticate"))
}

func TestAuthorizeAcceptsCorrectDigestResponse(t *testing.T) {
	srv := NewDigestAuthServer("testrealm", UserAuthenticationDatabase{"alice": "secret"})
	req := &Request{Method: "DESCRIBE", URL: "rtsp://x/y", CSeq: 1, Headers: Header{}}

	challenge, err := srv.Authorize(req)
	require.ErrorIs(t, err, ErrAuthNoChallenge)

	chal, err := digest.ParseChallenge(challenge.Headers.Get("WWW-Authenticate"))
	require.NoError(t, err)

	cred, err := digest.Digest(chal, digest.Options{
		Method:   "DESCRIBE",
		URI:      "rtsp://x/y",
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	authedReq := &Request{Method: "DESCRIBE", URL: "rtsp://x/y", CSeq: 2, Headers: Header{}}
	authedReq.Headers.Set("Authorization", cred.String())

	res, err := srv.Authorize(authedReq)
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestAuthorizeRejectsWrongPassword(t *testing.T) {
	srv := NewDigestAuthServer("testrealm", UserAuthenticationDatabase{"alice": "secret"})
	req := &Request{Method: "DESCRIBE", URL: "rtsp://x/y", CSeq: 1, Headers: Header{}}

	challenge, _ := srv.Authorize(req)
	chal, err := digest.ParseChallenge(challenge.Headers.Get("WWW-Authenticate"))
	require.NoError(t, err)

	cred, err := digest.Digest(chal, digest.Options{
		Method:   "DESCRIBE",
		URI:      "rtsp://x/y",
		Username: "alice",
		Password: "wrong",
	})
	require.NoError(t, err)

	authedReq := &Request{Method: "DESCRIBE", URL: "rtsp://x/y", CSeq: 2, Headers: Header{}}
	authedReq.Headers.Set("Authorization", cred.String())

	_, err = srv.Authorize(authedReq)
	assert.ErrorIs(t, err, ErrAuthBadCreds)
}
