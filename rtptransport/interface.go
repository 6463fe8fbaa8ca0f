// SPDX-License-Identifier: BSD-2-Clause

// Package rtptransport implements the pluggable RTP/RTCP transport of
// spec §4.4: either direct UDP via groupsock, or RFC 2326 §10.12
// interleaved framing over one or more TCP sockets, demultiplexed by a
// per-socket channel-id registry.
package rtptransport

import (
	"fmt"
	"net"

	"github.com/liveedge/rtscore/groupsock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is the uniform send/receive surface (G)/(H) consume, hiding
// whether the packet travels over a GroupSock or an interleaved TCP socket.
type Transport interface {
	Output(buf []byte) error
	HandleRead(buf []byte) (n int, fromLoopback bool, err error)
}

// RTPInterface is the concrete Transport. Exactly one of gsock/tcp is set.
type RTPInterface struct {
	gsock *groupsock.GroupSock

	tcp       *SocketDescriptor
	channelID uint8
	incoming  chan []byte

	log zerolog.Logger
}

// NewDatagram wraps a GroupSock as a Transport.
func NewDatagram(g *groupsock.GroupSock) *RTPInterface {
	return &RTPInterface{gsock: g, log: log.With().Str("caller", "rtptransport").Logger()}
}

// NewInterleaved registers this interface on sd's channelID demux table and
// returns a Transport that frames outbound packets as
// $<channelID><len16><payload> and is fed inbound de-framed packets via
// sd's shared state machine.
func NewInterleaved(sd *SocketDescriptor, channelID uint8) *RTPInterface {
	ri := &RTPInterface{
		tcp:       sd,
		channelID: channelID,
		incoming:  make(chan []byte, 32),
		log:       log.With().Str("caller", "rtptransport").Logger(),
	}
	sd.register(channelID, ri)
	return ri
}

// deliver is called by the owning SocketDescriptor's read loop with each
// de-framed packet addressed to this interface's channel id.
func (r *RTPInterface) deliver(pkt []byte) {
	select {
	case r.incoming <- pkt:
	default:
		r.log.Warn().Msg("interleaved interface backlog full, dropping packet")
	}
}

func (r *RTPInterface) SetLogger(l zerolog.Logger) { r.log = l }

// Output sends buf over the underlying transport, applying RFC 2326 §10.12
// framing for the interleaved case.
func (r *RTPInterface) Output(buf []byte) error {
	if r.gsock != nil {
		return r.gsock.Output(buf)
	}
	return r.tcp.sendFramed(r.channelID, buf)
}

// HandleRead delivers the next de-framed packet addressed to this
// interface, blocking until one arrives. For the datagram case this reads
// directly off the socket; for the interleaved case packets are pushed by
// the SocketDescriptor's shared read loop via deliver().
func (r *RTPInterface) HandleRead(buf []byte) (int, bool, error) {
	if r.gsock != nil {
		n, _, loop, err := r.gsock.HandleRead(buf)
		return n, loop, err
	}
	pkt, ok := <-r.incoming
	if !ok {
		return 0, false, fmt.Errorf("rtptransport: interleaved interface closed")
	}
	n := copy(buf, pkt)
	return n, false, nil
}

// GroupSock exposes the underlying group socket, if this is a datagram
// transport (nil otherwise).
func (r *RTPInterface) GroupSock() *groupsock.GroupSock { return r.gsock }

// LocalAddr reports the local address for either transport kind, used by
// SDP generation (§4.9).
func (r *RTPInterface) LocalAddr() (net.IP, uint16) {
	if r.gsock != nil {
		la := r.gsock.LocalPort()
		return net.IPv4zero, la
	}
	return r.tcp.localAddr()
}
