package rtsp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/icholy/digest"
)

// UserAuthenticationDatabase maps username -> password, per §4.10. A real
// deployment may instead store an MD5 digest of username:realm:password;
// this simple map covers the PSK-style deployments the spec targets.
type UserAuthenticationDatabase map[string]string

var (
	ErrAuthNoChallenge = errors.New("rtsp: no matching challenge")
	ErrAuthBadCreds    = errors.New("rtsp: bad credentials")
)

// DigestAuthServer issues RFC 2617 Digest challenges and verifies
// responses. Grounded directly on the teacher's DigestAuthServer
// (digest_auth.go): same nonce-cache-with-expiry shape and the same
// icholy/digest library, generalized from SIP's Authorization header onto
// RTSP's (identical) Authorization/WWW-Authenticate headers.
type DigestAuthServer struct {
	Realm  string
	Users  UserAuthenticationDatabase
	Expire time.Duration

	mu    sync.Mutex
	cache map[string]*digest.Challenge
}

func NewDigestAuthServer(realm string, users UserAuthenticationDatabase) *DigestAuthServer {
	return &DigestAuthServer{
		Realm: realm,
		Users: users,
		cache: make(map[string]*digest.Challenge),
	}
}

func (s *DigestAuthServer) expire() time.Duration {
	if s.Expire > 0 {
		return s.Expire
	}
	return 60 * time.Second
}

// Authorize challenges or verifies req. It returns (nil, nil) when req
// carries valid credentials, so the request proceeds normally; otherwise it
// returns the response the server should send (401, or 400/403/500) and a
// non-nil error to short-circuit the request.
func (s *DigestAuthServer) Authorize(req *Request) (*Response, error) {
	realm := s.Realm
	if realm == "" {
		realm = "rtsp"
	}

	h := req.Headers.Get("Authorization")
	if h == "" {
		nonce, err := generateNonce()
		if err != nil {
			return &Response{StatusCode: 500, CSeq: req.CSeq, Headers: Header{}}, err
		}

		chal := &digest.Challenge{Realm: realm, Nonce: nonce, Algorithm: "MD5"}
		res := &Response{StatusCode: 401, CSeq: req.CSeq, Headers: Header{}}
		res.Headers.Set("WWW-Authenticate", chal.String())

		s.mu.Lock()
		s.cache[nonce] = chal
		s.mu.Unlock()
		time.AfterFunc(s.expire(), func() {
			s.mu.Lock()
			delete(s.cache, nonce)
			s.mu.Unlock()
		})

		return res, ErrAuthNoChallenge
	}

	cred, err := digest.ParseCredentials(h)
	if err != nil {
		return &Response{StatusCode: 400, CSeq: req.CSeq, Headers: Header{}}, err
	}

	s.mu.Lock()
	chal, exists := s.cache[cred.Nonce]
	s.mu.Unlock()
	if !exists {
		return &Response{StatusCode: 401, CSeq: req.CSeq, Headers: Header{}}, ErrAuthNoChallenge
	}

	password, ok := s.Users[cred.Username]
	if !ok {
		return &Response{StatusCode: 401, CSeq: req.CSeq, Headers: Header{}}, ErrAuthBadCreds
	}

	digCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		return &Response{StatusCode: 403, CSeq: req.CSeq, Headers: Header{}}, err
	}

	if cred.Response != digCred.Response {
		return &Response{StatusCode: 401, CSeq: req.CSeq, Headers: Header{}}, ErrAuthBadCreds
	}

	return nil, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rtsp: could not generate nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
