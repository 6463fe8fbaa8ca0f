// SPDX-License-Identifier: BSD-2-Clause

// Package groupsock combines a UDP socket with optional multicast
// membership and a destination list keyed by session id, per spec §4.3.
package groupsock

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/liveedge/rtscore/netio"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// statsIncoming/statsOutgoing are process-wide traffic counters, per
	// §4.3's "static counters" — grounded on the teacher's habit of a
	// package-level atomic counter (media.rtpPortOffset) rather than a
	// hidden global struct.
	statsIncoming atomic.Uint64
	statsOutgoing atomic.Uint64
)

// StatsIncoming returns the process-wide count of datagrams accepted
// (post loop-back filtering) across all GroupSocks.
func StatsIncoming() uint64 { return statsIncoming.Load() }

// StatsOutgoing returns the process-wide count of datagrams written across
// all GroupSocks.
func StatsOutgoing() uint64 { return statsOutgoing.Load() }

// destination is the (GroupEndpointID, session-id) list node of §3.
type destination struct {
	id        netio.GroupEndpointID
	sessionID uint32
	next      *destination
}

// GroupSock owns one UDP socket plus its multicast membership and
// destination list.
type GroupSock struct {
	mu sync.Mutex

	sock       *netio.Socket
	group      net.IP // nil if not a multicast group
	isSSM      bool
	ssmSource  net.IP
	dests      *destination
	ourAddr    netio.Endpoint // for loopback detection
	ourPort    uint16

	incomingCount uint64
	outgoingCount uint64

	log zerolog.Logger
}

// NewISM creates an any-source-multicast GroupSock: joins group and creates
// the default destination (group, port, ttl, session-id=0).
func NewISM(group net.IP, port uint16, ttl uint8) (*GroupSock, error) {
	g, err := newGroupSock(port)
	if err != nil {
		return nil, err
	}
	if err := g.sock.JoinMulticast(group); err != nil {
		g.sock.Close()
		return nil, fmt.Errorf("groupsock: join ism: %w", err)
	}
	g.group = group
	g.AddDestination(netio.GroupEndpointID{GroupAddr: netio.NewEndpoint(group, port), Port: port, TTL: ttl}, 0)
	return g, nil
}

// NewSSM attempts a source-specific-multicast join; on failure it falls
// back to an any-source join, per §4.3.
func NewSSM(group, source net.IP, port uint16) (*GroupSock, error) {
	g, err := newGroupSock(port)
	if err != nil {
		return nil, err
	}
	if err := g.sock.JoinSSM(group, source); err != nil {
		g.log.Warn().Err(err).Msg("SSM join failed, falling back to ISM")
		if err := g.sock.JoinMulticast(group); err != nil {
			g.sock.Close()
			return nil, fmt.Errorf("groupsock: ism fallback: %w", err)
		}
	} else {
		g.isSSM = true
		g.ssmSource = source
	}
	g.group = group
	g.AddDestination(netio.GroupEndpointID{
		GroupAddr:    netio.NewEndpoint(group, port),
		SourceFilter: netio.NewEndpoint(source, 0),
		Port:         port,
	}, 0)
	return g, nil
}

// NewUnicast creates a GroupSock with no multicast membership; destinations
// are added explicitly via AddDestination.
func NewUnicast(port uint16) (*GroupSock, error) {
	return newGroupSock(port)
}

func newGroupSock(port uint16) (*GroupSock, error) {
	sock, err := netio.SetupDatagram(port, false)
	if err != nil {
		return nil, err
	}
	la := sock.LocalAddr()
	g := &GroupSock{
		sock:    sock,
		ourAddr: netio.NewEndpoint(la.IP, uint16(la.Port)),
		ourPort: uint16(la.Port),
		log:     log.With().Str("caller", "groupsock").Logger(),
	}
	return g, nil
}

func (g *GroupSock) SetLogger(l zerolog.Logger) { g.log = l }

func (g *GroupSock) LocalPort() uint16 { return g.ourPort }

// Close leaves any joined multicast group and closes the socket.
func (g *GroupSock) Close() error {
	if g.group != nil {
		if g.isSSM {
			_ = g.sock.LeaveSSM(g.group, g.ssmSource)
		} else {
			_ = g.sock.LeaveMulticast(g.group)
		}
	}
	return g.sock.Close()
}

// HasMultipleDestinations reports whether more than one destination record
// is registered.
func (g *GroupSock) HasMultipleDestinations() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for d := g.dests; d != nil; d = d.next {
		n++
	}
	return n > 1
}

// AddDestination adds (addr,port,sessionID) if no record with that identity
// tuple exists yet; it is idempotent on (address, port, session-id), per
// §4.3 and the Design Notes' open question (a).
func (g *GroupSock) AddDestination(id netio.GroupEndpointID, sessionID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for d := g.dests; d != nil; d = d.next {
		if d.sessionID == sessionID && d.id.GroupAddr.Equal(id.GroupAddr) && d.id.Port == id.Port {
			return
		}
	}
	g.dests = &destination{id: id, sessionID: sessionID, next: g.dests}
}

// RemoveDestination removes the record for sessionID, if any.
func (g *GroupSock) RemoveDestination(sessionID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var prev *destination
	for d := g.dests; d != nil; d = d.next {
		if d.sessionID == sessionID {
			if prev == nil {
				g.dests = d.next
			} else {
				prev.next = d.next
			}
			return
		}
		prev = d
	}
}

func (g *GroupSock) RemoveAllDestinations() {
	g.mu.Lock()
	g.dests = nil
	g.mu.Unlock()
}

// ChangeDestinationParameters updates (or inserts) the record for
// sessionID. Changing a multicast destination's group leaves the old group
// and joins the new one; any duplicate record for the same session is
// removed first.
func (g *GroupSock) ChangeDestinationParameters(addr net.IP, port uint16, ttl uint8, sessionID uint32) error {
	g.RemoveDestination(sessionID)

	ep := netio.NewEndpoint(addr, port)
	if ep.IsMulticast() && g.group != nil && !ep.IP().Equal(g.group) {
		if g.isSSM {
			_ = g.sock.LeaveSSM(g.group, g.ssmSource)
		} else {
			_ = g.sock.LeaveMulticast(g.group)
		}
		if err := g.sock.JoinMulticast(addr); err != nil {
			return err
		}
		g.group = addr
	}

	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep, Port: port, TTL: ttl}, sessionID)
	return nil
}

// Output writes buf to every destination, stopping and reporting failure at
// the first short write, per §4.3.
func (g *GroupSock) Output(buf []byte) error {
	g.mu.Lock()
	dests := make([]destination, 0, 4)
	for d := g.dests; d != nil; d = d.next {
		dests = append(dests, *d)
	}
	g.mu.Unlock()

	for _, d := range dests {
		n, err := g.sock.WriteDatagram(d.id.GroupAddr, d.id.TTL, buf)
		if err != nil {
			return fmt.Errorf("groupsock: output to %s: %w", d.id.GroupAddr, err)
		}
		if n != len(buf) {
			return fmt.Errorf("groupsock: short write %d/%d to %s", n, len(buf), d.id.GroupAddr)
		}
		statsOutgoing.Add(1)
		atomic.AddUint64(&g.outgoingCount, 1)
	}
	return nil
}

// HandleRead reads one datagram, rejecting SSM packets whose source does
// not match the filter and classifying (but still delivering) looped-back
// packets so callers can exclude them from inbound stats.
func (g *GroupSock) HandleRead(buf []byte) (n int, from netio.Endpoint, isLoopback bool, err error) {
	n, from, err = g.sock.ReadDatagram(buf)
	if err != nil || n == 0 {
		return n, from, false, err
	}

	g.mu.Lock()
	ssm, ssmSrc := g.isSSM, g.ssmSource
	our := g.ourAddr
	g.mu.Unlock()

	if ssm {
		srcEp := netio.NewEndpoint(ssmSrc, 0)
		if !from.Equal(srcEp) {
			return 0, from, false, nil // rejected: source != filter
		}
	}

	isLoopback = from.Equal(our) && from.Port == g.ourPort
	if !isLoopback {
		statsIncoming.Add(1)
		atomic.AddUint64(&g.incomingCount, 1)
	}
	return n, from, isLoopback, nil
}

// Conn exposes the underlying raw socket for registration with the
// scheduler's background-handling API.
func (g *GroupSock) Conn() (*netio.Socket, error) { return g.sock, nil }
