package rtsp

import (
	"bufio"
	"net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RegisterHandler implements §4.11's handlerServerForREGISTERCommand: a
// listener that, instead of serving RTSP, expects an inbound device to
// open the connection and send a REGISTER request carrying the RTSP URL
// it wants streamed back through. Grounded on the teacher's reverse
// relationship between register.go (outbound REGISTER) and
// dialog_server.go (inbound connection handling) — here the same
// Request/Response plumbing serves the opposite direction.
type RegisterHandler struct {
	OnRegister func(url string, conn net.Conn)

	listener net.Listener
	log      zerolog.Logger
}

// NewRegisterHandler binds addr and invokes onRegister(url, conn) for each
// inbound REGISTER, leaving conn open (and otherwise untouched) so the
// caller can immediately start a normal Client/Server RTSP exchange over
// it.
func NewRegisterHandler(network, addr string, onRegister func(url string, conn net.Conn)) (*RegisterHandler, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	h := &RegisterHandler{
		OnRegister: onRegister,
		listener:   ln,
		log:        log.With().Str("caller", "rtsp-register").Logger(),
	}
	go h.acceptLoop()
	return h, nil
}

func (h *RegisterHandler) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.handle(conn)
	}
}

func (h *RegisterHandler) handle(conn net.Conn) {
	r := bufio.NewReaderSize(conn, RequestBufferSize)
	req, err := ParseRequest(r)
	if err != nil || req.Method != "REGISTER" {
		conn.Close()
		return
	}

	res := &Response{StatusCode: 200, CSeq: req.CSeq, Headers: Header{}}
	if _, err := res.WriteTo(conn); err != nil {
		conn.Close()
		return
	}

	url := req.Headers.Get("Location")
	if url == "" {
		url = req.URL
	}
	if h.OnRegister != nil {
		h.OnRegister(url, conn)
	}
}

func (h *RegisterHandler) Close() error { return h.listener.Close() }
