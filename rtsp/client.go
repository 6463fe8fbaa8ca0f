package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/icholy/digest"
	"github.com/liveedge/rtscore/mediasession"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is one node of the client state machine described in §4.11:
// idle -> describing -> described -> setting-up(per subsession) -> playing
// -> paused <-> playing -> tearing-down -> done.
type State int32

const (
	StateIdle State = iota
	StateDescribing
	StateDescribed
	StateSettingUp
	StatePlaying
	StatePaused
	StateTearingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDescribing:
		return "describing"
	case StateDescribed:
		return "described"
	case StateSettingUp:
		return "setting-up"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTearingDown:
		return "tearing-down"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Client is the RTSP client of §4.11. Method calls are synchronous from
// the caller's point of view (they block on ctx/the network round trip)
// but internally register a per-CSeq response callback exactly as the
// teacher's RegisterTransaction (register_transaction.go) keys responses
// by transaction rather than by read order, and retries once on a Digest
// challenge the same way client.DoDigestAuth does.
type Client struct {
	URL      string
	Username string
	Password string

	conn net.Conn
	br   *bufio.Reader

	mu        sync.Mutex
	cseq      int
	pending   map[int]chan *Response
	sessionID string

	state atomic.Int32

	lastChallenge *digest.Challenge

	log zerolog.Logger
}

// Dial connects to rawURL's host (default port 554) and starts the
// background response reader.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	host := hostFromURL(rawURL)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("rtsp: dial %s: %w", host, err)
	}

	c := &Client{
		URL:     rawURL,
		conn:    conn,
		br:      bufio.NewReaderSize(conn, ResponseBufferSize),
		pending: make(map[int]chan *Response),
		log:     log.With().Str("caller", "rtsp-client").Logger(),
	}
	c.state.Store(int32(StateIdle))
	go c.readLoop()
	return c, nil
}

func hostFromURL(rawURL string) string {
	u := rawURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	if !strings.Contains(u, ":") {
		u += ":554"
	}
	return u
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// readLoop delivers each parsed response to its CSeq's waiting channel,
// running until the connection closes.
func (c *Client) readLoop() {
	for {
		res, err := ParseResponse(c.br)
		if err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = map[int]chan *Response{}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[res.CSeq]
		if ok {
			delete(c.pending, res.CSeq)
		}
		c.mu.Unlock()

		if ok {
			ch <- res
			close(ch)
		}
	}
}

// do sends req (assigning the next CSeq) and waits for its matching
// response, or ctx's cancellation.
func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.cseq++
	req.CSeq = c.cseq
	ch := make(chan *Response, 1)
	c.pending[req.CSeq] = ch
	c.mu.Unlock()

	if _, err := req.WriteTo(c.conn); err != nil {
		return nil, fmt.Errorf("rtsp: write request: %w", err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rtsp: connection closed waiting for response")
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doAuth sends req, transparently retrying exactly once with Digest
// credentials if the first response is a 401 challenge, per §4.11.
func (c *Client) doAuth(ctx context.Context, req *Request) (*Response, error) {
	res, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 401 || c.Username == "" {
		return res, nil
	}

	chalHdr := res.Headers.Get("WWW-Authenticate")
	chal, err := digest.ParseChallenge(chalHdr)
	if err != nil {
		return res, fmt.Errorf("rtsp: parse digest challenge: %w", err)
	}
	c.lastChallenge = chal

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      req.URL,
		Username: c.Username,
		Password: c.Password,
	})
	if err != nil {
		return res, fmt.Errorf("rtsp: compute digest response: %w", err)
	}

	retry := &Request{Method: req.Method, URL: req.URL, Version: req.Version, Headers: Header{}, Body: req.Body}
	for k, v := range req.Headers {
		retry.Headers[k] = v
	}
	retry.Headers.Set("Authorization", cred.String())

	return c.do(ctx, retry)
}

func (c *Client) newRequest(method string) *Request {
	return &Request{Method: method, URL: c.URL, Version: "RTSP/1.0", Headers: Header{}}
}

// Describe sends DESCRIBE and parses the returned SDP into a MediaSession.
func (c *Client) Describe(ctx context.Context) (*mediasession.MediaSession, error) {
	c.setState(StateDescribing)
	req := c.newRequest("DESCRIBE")
	req.Headers.Set("Accept", "application/sdp")

	res, err := c.doAuth(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("rtsp: DESCRIBE failed: %d %s", res.StatusCode, res.Reason)
	}

	ms, err := mediasession.ParseSessionDescription(res.Body)
	if err != nil {
		return nil, err
	}
	c.setState(StateDescribed)
	return ms, nil
}

// sessionHeader is the Session header value negotiated by the first
// successful SETUP, shared across subsequent SETUP/PLAY/PAUSE/TEARDOWN
// calls on this client.
func (c *Client) sessionHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Setup sends SETUP for one subsession's control URL, folding in the
// Session header once the server has assigned one.
func (c *Client) Setup(ctx context.Context, controlURL, transport string) (*Response, error) {
	c.setState(StateSettingUp)
	req := c.newRequest("SETUP")
	req.URL = controlURL
	req.Headers.Set("Transport", transport)
	if sid := c.sessionHeader(); sid != "" {
		req.Headers.Set("Session", sid)
	}

	res, err := c.doAuth(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == 200 {
		if sid := res.Headers.Get("Session"); sid != "" {
			c.mu.Lock()
			c.sessionID = strings.SplitN(sid, ";", 2)[0]
			c.mu.Unlock()
		}
	}
	return res, nil
}

func (c *Client) sessionedRequest(ctx context.Context, method string, extraHeaders map[string]string) (*Response, error) {
	req := c.newRequest(method)
	if sid := c.sessionHeader(); sid != "" {
		req.Headers.Set("Session", sid)
	}
	for k, v := range extraHeaders {
		req.Headers.Set(k, v)
	}
	return c.doAuth(ctx, req)
}

// Play sends PLAY, optionally with a Range header (e.g. "npt=0-").
func (c *Client) Play(ctx context.Context, rng string) (*Response, error) {
	c.setState(StatePlaying)
	headers := map[string]string{}
	if rng != "" {
		headers["Range"] = rng
	}
	return c.sessionedRequest(ctx, "PLAY", headers)
}

// Pause sends PAUSE; a subsequent Play resumes, per §4.11's playing <-> paused loop.
func (c *Client) Pause(ctx context.Context) (*Response, error) {
	c.setState(StatePaused)
	return c.sessionedRequest(ctx, "PAUSE", nil)
}

// GetParameter sends a bodyless GET_PARAMETER, commonly used as a
// keep-alive to reset the server's reclamation timer.
func (c *Client) GetParameter(ctx context.Context) (*Response, error) {
	return c.sessionedRequest(ctx, "GET_PARAMETER", nil)
}

// Teardown sends TEARDOWN and transitions to done.
func (c *Client) Teardown(ctx context.Context) (*Response, error) {
	c.setState(StateTearingDown)
	res, err := c.sessionedRequest(ctx, "TEARDOWN", nil)
	c.setState(StateDone)
	return res, err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
