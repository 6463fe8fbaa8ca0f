// SPDX-License-Identifier: BSD-2-Clause

package rtptransport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sentinel bytes delivered to the alternative byte handler when the media
// phase on an interleaved TCP connection ends, per §4.4: 0xFF signals a
// read-error teardown, 0xFE signals an orderly handback so the RTSP layer
// can resume parsing control bytes.
const (
	SentinelReadError byte = 0xFF
	SentinelHandback  byte = 0xFE

	dollarByte byte = 0x24 // '$'
)

type frameState int

const (
	stateAwaitingDollar frameState = iota
	stateAwaitingChannelID
	stateAwaitingSize1
	stateAwaitingSize2
	stateAwaitingPacketData
)

// AlternativeByteHandler receives bytes that arrive on the TCP stream
// before the next '$' framing marker — used by the RTSP layer to parse
// control messages interleaved with media bytes — plus the sentinel bytes
// above on teardown/handback.
type AlternativeByteHandler func(b byte)

var (
	registryMu sync.Mutex
	registry   = map[*net.TCPConn]*SocketDescriptor{}
)

// LookupSocketDescriptor returns the (process-wide) SocketDescriptor for
// conn, creating one if none exists yet — mirroring §4.4's "process-wide:
// tcp-fd → SocketDescriptor" table. All RTP/RTCP interfaces bound to the
// same TCP connection must share this descriptor.
func LookupSocketDescriptor(conn *net.TCPConn) *SocketDescriptor {
	registryMu.Lock()
	defer registryMu.Unlock()
	if sd, ok := registry[conn]; ok {
		return sd
	}
	sd := newSocketDescriptor(conn)
	registry[conn] = sd
	return sd
}

// ForgetSocketDescriptor removes conn's entry, used when the connection is
// torn down.
func ForgetSocketDescriptor(conn *net.TCPConn) {
	registryMu.Lock()
	delete(registry, conn)
	registryMu.Unlock()
}

// SocketDescriptor is the per-TCP-socket de-framing state machine shared by
// every RTPInterface bound to that connection (§4.4).
type SocketDescriptor struct {
	conn *net.TCPConn

	mu       sync.Mutex
	channels map[uint8]*RTPInterface
	altMu    sync.Mutex
	alt      AlternativeByteHandler

	state     frameState
	channelID uint8
	size      int
	buf       bytes.Buffer

	writeMu sync.Mutex

	log zerolog.Logger
}

func newSocketDescriptor(conn *net.TCPConn) *SocketDescriptor {
	return &SocketDescriptor{
		conn:     conn,
		channels: make(map[uint8]*RTPInterface),
		log:      log.With().Str("caller", "rtptransport").Logger(),
	}
}

func (sd *SocketDescriptor) register(channelID uint8, ri *RTPInterface) {
	sd.mu.Lock()
	sd.channels[channelID] = ri
	sd.mu.Unlock()
}

// SetAlternativeByteHandler installs the handler used for bytes that
// precede the next '$' marker, and for the sentinel bytes on teardown.
func (sd *SocketDescriptor) SetAlternativeByteHandler(h AlternativeByteHandler) {
	sd.altMu.Lock()
	sd.alt = h
	sd.altMu.Unlock()
}

func (sd *SocketDescriptor) deliverAlt(b byte) {
	sd.altMu.Lock()
	h := sd.alt
	sd.altMu.Unlock()
	if h != nil {
		h(b)
	}
}

func (sd *SocketDescriptor) localAddr() (net.IP, uint16) {
	a := sd.conn.LocalAddr().(*net.TCPAddr)
	return a.IP, uint16(a.Port)
}

// ReadLoop consumes bytes from the TCP connection, de-framing interleaved
// RTP/RTCP packets and routing them to the registered channel, while
// forwarding any bytes outside of a frame (and the sentinel on exit) to the
// alternative byte handler. It runs until the connection errors or closes.
func (sd *SocketDescriptor) ReadLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := sd.conn.Read(buf)
		if n > 0 {
			sd.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sd.deliverAlt(SentinelHandback)
			} else {
				sd.deliverAlt(SentinelReadError)
			}
			ForgetSocketDescriptor(sd.conn)
			return
		}
	}
}

func (sd *SocketDescriptor) feed(data []byte) {
	for _, b := range data {
		switch sd.state {
		case stateAwaitingDollar:
			if b == dollarByte {
				sd.state = stateAwaitingChannelID
			} else {
				sd.deliverAlt(b)
			}
		case stateAwaitingChannelID:
			sd.channelID = b
			sd.state = stateAwaitingSize1
		case stateAwaitingSize1:
			sd.size = int(b) << 8
			sd.state = stateAwaitingSize2
		case stateAwaitingSize2:
			sd.size |= int(b)
			sd.buf.Reset()
			if sd.size == 0 {
				sd.dispatch(sd.channelID, nil)
				sd.state = stateAwaitingDollar
			} else {
				sd.state = stateAwaitingPacketData
			}
		case stateAwaitingPacketData:
			sd.buf.WriteByte(b)
			if sd.buf.Len() >= sd.size {
				pkt := append([]byte(nil), sd.buf.Bytes()...)
				sd.dispatch(sd.channelID, pkt)
				sd.state = stateAwaitingDollar
			}
		}
	}
}

func (sd *SocketDescriptor) dispatch(channelID uint8, pkt []byte) {
	sd.mu.Lock()
	ri, ok := sd.channels[channelID]
	sd.mu.Unlock()
	if !ok {
		return
	}
	ri.deliver(pkt)
}

// sendFramed writes one interleaved frame as a single Write. If that Write
// fails with any error other than net.ErrClosed, the whole frame is written
// once more; the socket's blocking mode is never changed.
func (sd *SocketDescriptor) sendFramed(channelID uint8, payload []byte) error {
	frame := make([]byte, 4+len(payload))
	frame[0] = dollarByte
	frame[1] = channelID
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)

	sd.writeMu.Lock()
	defer sd.writeMu.Unlock()

	_, err := sd.conn.Write(frame)
	if err == nil {
		return nil
	}
	if !errors.Is(err, net.ErrClosed) {
		// retry once blocking; net.TCPConn has no direct blocking toggle in
		// the standard library's portable API, so the retry here is a
		// plain synchronous re-send, which is sufficient since Go's netpoller
		// already multiplexes the connection without exposing O_NONBLOCK.
		_, err = sd.conn.Write(frame)
	}
	return err
}
