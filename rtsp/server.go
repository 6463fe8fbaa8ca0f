package rtsp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/liveedge/rtscore/mediasession"
	"github.com/liveedge/rtscore/netio"
	"github.com/liveedge/rtscore/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServerOption configures a Server, mirroring the teacher's DiagoOption
// functional-option style (diago.go).
type ServerOption func(s *Server)

// WithRealm sets the Digest auth realm.
func WithRealm(realm string) ServerOption {
	return func(s *Server) { s.realm = realm }
}

// WithUserAuthenticationDatabase enables Digest authentication against db;
// a nil/empty db (the default) leaves the server unauthenticated.
func WithUserAuthenticationDatabase(db UserAuthenticationDatabase) ServerOption {
	return func(s *Server) {
		if len(db) == 0 {
			s.auth = nil
			return
		}
		s.auth = NewDigestAuthServer(s.realm, db)
	}
}

// WithReclamationSeconds sets how long an idle client session survives
// before being reclaimed; 0 (the default) disables reclamation.
func WithReclamationSeconds(seconds int) ServerOption {
	return func(s *Server) { s.reclamationSeconds = seconds }
}

// WithTLS stores certificate/key-derived tls.Config for the optional TLS
// listener, per §4.10.
func WithTLS(conf *tls.Config) ServerOption {
	return func(s *Server) { s.tlsConf = conf }
}

// WithScheduler supplies a pre-existing scheduler.Handle (e.g. shared with
// an RTP/RTCP pipeline) instead of letting the server allocate its own.
func WithScheduler(h *scheduler.Handle) ServerOption {
	return func(s *Server) { s.sched = h }
}

// Server is the RTSP server of §4.10: connection lifecycle, session table
// with reclamation, ServerMediaSession registry, optional Digest auth and
// TLS. Grounded on the teacher's Diago struct (diago.go) for its
// functional-option construction and transport-list shape, and on
// DialogServerSession/DigestAuthServer (dialog_server_session.go,
// digest_auth.go) for per-connection session handling and auth.
type Server struct {
	realm              string
	auth               *DigestAuthServer
	reclamationSeconds int
	tlsConf            *tls.Config

	sched    *scheduler.Handle
	Sessions *sessionTable
	Media    *MediaRegistry

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
	tunnels   *tunnelRegistry

	log zerolog.Logger
}

// NewServer constructs a Server. Callers add listen sockets with
// Listen/ListenTLS/ListenHTTPTunnel and name streamable content with
// Media.AddServerMediaSession before accepting connections.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		sched:    scheduler.NewHandle(),
		Sessions: newSessionTable(),
		Media:    newMediaRegistry(),
		log:      log.With().Str("caller", "rtsp").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheduler exposes the server's scheduler.Handle, e.g. so a caller can run
// DoEventLoop alongside other scheduler-driven subsystems.
func (s *Server) Scheduler() *scheduler.Handle { return s.sched }

// Listen binds a plain-TCP RTSP listen socket on port for the given
// family, via netio.ListenStream (§4.1's setup_stream), accepting
// connections in the background until Close is called. Calling this twice
// (v6 false then true) gives the IPv4 + IPv6 dual listen socket §4.10
// describes.
func (s *Server) Listen(port uint16, v6 bool) error {
	ln, err := netio.ListenStream(port, v6)
	if err != nil {
		return fmt.Errorf("rtsp: listen port %d (v6=%v): %w", port, v6, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	go s.acceptLoop(ln, false)
	return nil
}

// ListenTLS is like Listen but wraps accepted connections with the
// server's configured tls.Config, per §4.10's optional TLS transport.
func (s *Server) ListenTLS(network, addr string) error {
	if s.tlsConf == nil {
		return fmt.Errorf("rtsp: ListenTLS called without WithTLS configured")
	}
	ln, err := tls.Listen(network, addr, s.tlsConf)
	if err != nil {
		return fmt.Errorf("rtsp: listen tls %s %s: %w", network, addr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	go s.acceptLoop(ln, true)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, isTLS bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn().Err(err).Bool("tls", isTLS).Msg("rtsp accept failed")
			return
		}
		go s.handleConnection(conn)
	}
}

// Close stops accepting new connections, closes all current listen
// sockets and closes the server's scheduler, so DoEventLoop returns.
// Active ClientSessions are not closed; their reclamation tasks run only
// if the scheduler is still stepped with SingleStep.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.sched.Close()
}

// handleConnection runs one connection's request/response loop: a
// bufio.Reader of RequestBufferSize backs request parsing, and each
// response is serialized into one in-memory buffer and written with a
// single Write. ResponseBufferSize is not applied here; response size is
// not limited.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReaderSize(conn, RequestBufferSize)
	for {
		req, err := ParseRequest(r)
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("rtsp connection read ended")
			}
			return
		}

		res := s.HandleRequest(req)
		if _, err := res.WriteTo(conn); err != nil {
			s.log.Debug().Err(err).Msg("rtsp connection write failed")
			return
		}
	}
}

// HandleRequest dispatches req to the appropriate method handler and
// returns the response to send. It is transport-agnostic so tests (and the
// HTTP-tunnel path) can drive it directly without a live socket.
func (s *Server) HandleRequest(req *Request) *Response {
	if s.auth != nil {
		if challenge, err := s.auth.Authorize(req); err != nil {
			challenge.CSeq = req.CSeq
			return challenge
		}
	}

	switch strings.ToUpper(req.Method) {
	case "OPTIONS":
		return s.handleOptions(req)
	case "DESCRIBE":
		return s.handleDescribe(req)
	case "SETUP":
		return s.handleSetup(req)
	case "PLAY":
		return s.handlePlay(req)
	case "PAUSE":
		return s.handlePause(req)
	case "GET_PARAMETER":
		return s.handleGetParameter(req)
	case "TEARDOWN":
		return s.handleTeardown(req)
	default:
		res := notFoundOrMethodResponse(req, 501)
		return res
	}
}

func notFoundOrMethodResponse(req *Request, code int) *Response {
	return &Response{StatusCode: code, CSeq: req.CSeq, Headers: Header{}}
}

func (s *Server) handleOptions(req *Request) *Response {
	res := &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
	res.Headers.Set("Public", "OPTIONS, DESCRIBE, SETUP, PLAY, PAUSE, GET_PARAMETER, TEARDOWN")
	return res
}

// mediaNameFromURL extracts the stream name from an rtsp:// URL, treating
// everything after the host[:port] as the name (without any trailing
// /trackID=... control suffix, which SETUP strips separately).
func mediaNameFromURL(rawURL string) string {
	u := rawURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[i+1:]
	} else {
		return ""
	}
	return u
}

func (s *Server) handleDescribe(req *Request) *Response {
	name := mediaNameFromURL(req.URL)
	var entry *ServerMediaSessionEntry
	var lookupErr error
	s.Media.Lookup(name, func(e *ServerMediaSessionEntry, err error) {
		entry, lookupErr = e, err
	}, true)
	if lookupErr != nil {
		return notFoundOrMethodResponse(req, 404)
	}

	res := &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
	res.Headers.Set("Content-Type", "application/sdp")
	res.Headers.Set("Content-Base", req.URL+"/")
	res.Body = entry.Session.Describe()
	return res
}

func (s *Server) lookupMediaForRequest(req *Request) (*ServerMediaSessionEntry, string, error) {
	name := mediaNameFromURL(req.URL)
	var entry *ServerMediaSessionEntry
	var lookupErr error
	s.Media.Lookup(name, func(e *ServerMediaSessionEntry, err error) {
		entry, lookupErr = e, err
	}, false)
	if lookupErr != nil {
		// Per-track SETUP URL: drop the trailing control suffix and retry.
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			name = name[:i]
			s.Media.Lookup(name, func(e *ServerMediaSessionEntry, err error) {
				entry, lookupErr = e, err
			}, false)
		}
	}
	return entry, name, lookupErr
}

func (s *Server) handleSetup(req *Request) *Response {
	entry, name, err := s.lookupMediaForRequest(req)
	if err != nil {
		return notFoundOrMethodResponse(req, 404)
	}

	sessionID := req.Headers.Get("Session")
	cs, isNew, err := s.sessionFor(sessionID)
	if err != nil {
		return notFoundOrMethodResponse(req, 454)
	}

	track := trackFromURL(req.URL)
	sub := pickSubsession(entry.Session, track)
	if sub == nil {
		return notFoundOrMethodResponse(req, 404)
	}
	if err := sub.Initiate(entry.Session.Connection); err != nil {
		return notFoundOrMethodResponse(req, 500)
	}
	cs.addSubsession(track, sub)
	if cs.MediaName == "" {
		cs.MediaName = name
	}
	cs.touch()

	if isNew {
		s.Sessions.add(cs)
		s.Media.retain(name)
	}

	res := &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
	res.Headers.Set("Session", fmt.Sprintf("%08X", cs.ID))
	res.Headers.Set("Transport", req.Headers.Get("Transport"))
	return res
}

func trackFromURL(rawURL string) string {
	if i := strings.LastIndexByte(rawURL, '/'); i >= 0 {
		return rawURL[i+1:]
	}
	return rawURL
}

func pickSubsession(ms *mediasession.MediaSession, track string) *mediasession.MediaSubsession {
	for _, sub := range ms.Subsessions {
		if sub.Control == track {
			return sub
		}
	}
	if len(ms.Subsessions) == 1 {
		return ms.Subsessions[0]
	}
	return nil
}

// sessionFor resolves the Session header to an existing ClientSession, or
// allocates a new one if header is empty (the first SETUP of an
// aggregate). isNew reports whether a new session (not yet registered) was
// created, so the caller can defer its registration until the rest of the
// SETUP succeeds.
func (s *Server) sessionFor(header string) (cs *ClientSession, isNew bool, err error) {
	if header == "" {
		id := s.Sessions.generateID()
		cs = newClientSession(id, s.reclamationSeconds, s.sched, s.expireSession, s.log)
		return cs, true, nil
	}

	id, perr := parseSessionHeader(header)
	if perr != nil {
		return nil, false, perr
	}
	cs, ok := s.Sessions.get(id)
	if !ok {
		return nil, false, fmt.Errorf("rtsp: unknown session %08X", id)
	}
	return cs, false, nil
}

func parseSessionHeader(header string) (uint32, error) {
	field := header
	if i := strings.IndexByte(field, ';'); i >= 0 {
		field = field[:i]
	}
	var id uint32
	_, err := fmt.Sscanf(field, "%08X", &id)
	if err != nil {
		return 0, fmt.Errorf("rtsp: bad Session header %q: %w", header, err)
	}
	return id, nil
}

func (s *Server) handlePlay(req *Request) *Response {
	id, err := parseSessionHeader(req.Headers.Get("Session"))
	if err != nil {
		return notFoundOrMethodResponse(req, 454)
	}
	cs, ok := s.Sessions.get(id)
	if !ok {
		return notFoundOrMethodResponse(req, 454)
	}
	cs.mu.Lock()
	cs.playing = true
	cs.mu.Unlock()
	cs.touch()

	res := &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
	res.Headers.Set("Session", fmt.Sprintf("%08X", cs.ID))
	return res
}

func (s *Server) handlePause(req *Request) *Response {
	id, err := parseSessionHeader(req.Headers.Get("Session"))
	if err != nil {
		return notFoundOrMethodResponse(req, 454)
	}
	cs, ok := s.Sessions.get(id)
	if !ok {
		return notFoundOrMethodResponse(req, 454)
	}
	cs.mu.Lock()
	cs.playing = false
	cs.mu.Unlock()
	cs.touch()
	return &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
}

func (s *Server) handleGetParameter(req *Request) *Response {
	id, err := parseSessionHeader(req.Headers.Get("Session"))
	if err == nil {
		if cs, ok := s.Sessions.get(id); ok {
			cs.touch()
		}
	}
	return &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
}

func (s *Server) handleTeardown(req *Request) *Response {
	id, err := parseSessionHeader(req.Headers.Get("Session"))
	if err != nil {
		return notFoundOrMethodResponse(req, 454)
	}
	cs, ok := s.Sessions.remove(id)
	if !ok {
		return notFoundOrMethodResponse(req, 454)
	}
	cs.Close()
	s.Media.release(cs.MediaName)
	return &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
}

// expireSession is the reclamation-timer callback: it removes the session
// from the table and closes its subsessions, per §4.10/§5's "client-session
// reclamation uses a delayed task rescheduled on each liveness signal".
func (s *Server) expireSession(id uint32) {
	cs, ok := s.Sessions.remove(id)
	if !ok {
		return
	}
	for _, sub := range cs.allSubsessions() {
		sub.Close()
	}
	s.Media.release(cs.MediaName)
}

// RemoveMedia implements remove_server_media_session(name): see
// MediaRegistry.Remove.
func (s *Server) RemoveMedia(name string) { s.Media.Remove(name) }

// DeleteMedia implements delete_server_media_session(name): closes every
// ClientSession with a subsession from name before removing the listing.
func (s *Server) DeleteMedia(name string) {
	s.Sessions.mu.Lock()
	var victims []*ClientSession
	for _, cs := range s.Sessions.sessions {
		cs.mu.Lock()
		belongs := cs.MediaName == name
		cs.mu.Unlock()
		if belongs {
			victims = append(victims, cs)
		}
	}
	s.Sessions.mu.Unlock()

	for _, cs := range victims {
		s.Sessions.remove(cs.ID)
		cs.Close()
	}
	s.Media.Delete(name)
}
