// SPDX-License-Identifier: BSD-2-Clause

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	ErrSocketCreateFailed = errors.New("netio: socket create failed")
	ErrBindFailed         = errors.New("netio: bind failed")
	ErrSetsockoptFailed   = errors.New("netio: setsockopt failed")
)

// Socket wraps a UDP PacketConn with the extra bookkeeping §4.1 requires:
// last-used TTL (to skip redundant setsockopt calls), multicast membership,
// and loopback classification for inbound stats.
type Socket struct {
	conn   *net.UDPConn
	laddr  *net.UDPAddr
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	isV6   bool
	lastTTL int
	ttlSet  bool
}

// AllowPortReuse, when false, leaves SO_REUSEADDR/SO_REUSEPORT unset on the
// datagram sockets SetupDatagram creates afterwards, matching the teacher's
// package-level override style (media.RTPPortStart/RTPPortEnd are similar
// package-level knobs).
var AllowPortReuse = true

// SetupDatagram creates and binds a UDP socket on port (0 for ephemeral),
// applying SO_REUSEADDR/SO_REUSEPORT (unless AllowPortReuse is false) and
// IPV6_V6ONLY for v6 sockets.
func SetupDatagram(port uint16, v6 bool) (*Socket, error) {
	network := "udp4"
	ip := net.IPv4zero
	if v6 {
		network = "udp6"
		ip = net.IPv6zero
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			if !AllowPortReuse {
				return nil
			}
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = setReuse(fd)
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, fmt.Sprintf("%s:%d", ip.String(), port))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	conn := pc.(*net.UDPConn)

	s := &Socket{conn: conn, laddr: conn.LocalAddr().(*net.UDPAddr), isV6: v6}
	if v6 {
		s.pc6 = ipv6.NewPacketConn(conn)
	} else {
		s.pc4 = ipv4.NewPacketConn(conn)
	}
	return s, nil
}

func (s *Socket) LocalAddr() *net.UDPAddr { return s.laddr }

func (s *Socket) Close() error { return s.conn.Close() }

// ReadDatagram reads one datagram, returning the sender's endpoint.
func (s *Socket) ReadDatagram(buf []byte) (int, Endpoint, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if isBenign(err) {
			return 0, Endpoint{}, nil
		}
		return 0, Endpoint{}, err
	}
	return n, NewEndpoint(addr.IP, uint16(addr.Port)), nil
}

// WriteDatagram writes buf to "to". If ttl is non-zero and differs from the
// last TTL used on this socket, the multicast TTL sockopt is updated first
// to avoid a redundant syscall on the hot path.
func (s *Socket) WriteDatagram(to Endpoint, ttl uint8, buf []byte) (int, error) {
	if ttl != 0 && (!s.ttlSet || s.lastTTL != int(ttl)) {
		if err := s.setMulticastTTL(int(ttl)); err != nil {
			return 0, fmt.Errorf("%w: multicast ttl: %w", ErrSetsockoptFailed, err)
		}
		s.lastTTL = int(ttl)
		s.ttlSet = true
	}
	addr := &net.UDPAddr{IP: to.IP(), Port: int(to.Port)}
	n, err := s.conn.WriteToUDP(buf, addr)
	if err != nil {
		return n, err
	}
	if n != len(buf) {
		return n, fmt.Errorf("netio: short write %d/%d", n, len(buf))
	}
	return n, nil
}

func (s *Socket) setMulticastTTL(ttl int) error {
	if s.isV6 {
		return s.pc6.SetMulticastHopLimit(ttl)
	}
	return s.pc4.SetMulticastTTL(ttl)
}

// JoinMulticast joins group on this socket's interface and, for IPv4,
// enables multicast loopback (left at the platform default for IPv6, per
// §4.1's contract).
func (s *Socket) JoinMulticast(group net.IP) error {
	ifi, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if s.isV6 {
		return s.pc6.JoinGroup(ifi, &net.UDPAddr{IP: group})
	}
	if err := s.pc4.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		return err
	}
	return s.pc4.SetMulticastLoopback(true)
}

func (s *Socket) LeaveMulticast(group net.IP) error {
	ifi, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if s.isV6 {
		return s.pc6.LeaveGroup(ifi, &net.UDPAddr{IP: group})
	}
	return s.pc4.LeaveGroup(ifi, &net.UDPAddr{IP: group})
}

// JoinSSM joins a source-specific multicast group (group, source). Callers
// should fall back to JoinMulticast (ISM) if this returns an error, per
// §4.3's new_ssm contract.
func (s *Socket) JoinSSM(group, source net.IP) error {
	ifi, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if s.isV6 {
		return s.pc6.JoinSourceSpecificGroup(ifi, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return s.pc4.JoinSourceSpecificGroup(ifi, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
}

func (s *Socket) LeaveSSM(group, source net.IP) error {
	ifi, err := defaultMulticastInterface()
	if err != nil {
		return err
	}
	if s.isV6 {
		return s.pc6.LeaveSourceSpecificGroup(ifi, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
	}
	return s.pc4.LeaveSourceSpecificGroup(ifi, &net.UDPAddr{IP: group}, &net.UDPAddr{IP: source})
}

// IncreaseRecvBuffer attempts to raise the socket's receive buffer to at
// least target bytes; it is best-effort and never returns an error the
// caller must act on, matching the "increase if possible" contract.
func (s *Socket) IncreaseRecvBuffer(target int) {
	_ = s.conn.SetReadBuffer(target)
}

func isBenign(err error) bool {
	var se syscall.Errno
	if errors.As(err, &se) {
		switch se {
		case syscall.ECONNREFUSED, syscall.EAGAIN, syscall.EHOSTUNREACH:
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func defaultMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		f := ifaces[i]
		if f.Flags&net.FlagMulticast != 0 && f.Flags&net.FlagUp != 0 {
			return &f, nil
		}
	}
	return nil, errors.New("netio: no multicast-capable interface found")
}

// SetReadDeadline is a helper retained for callers wiring Socket into the
// scheduler's fd-readiness model via deadlines rather than raw fd masks.
func (s *Socket) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *Socket) File() (*net.UDPConn, error) { return s.conn, nil }

// SyscallConn satisfies scheduler.RawConn so a Socket can be registered
// directly for background readiness handling.
func (s *Socket) SyscallConn() (syscall.RawConn, error) { return s.conn.SyscallConn() }
