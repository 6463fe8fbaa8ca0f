// SPDX-License-Identifier: BSD-2-Clause

package netio

import (
	"fmt"
	"net"
	"time"
)

// ListenStream binds a TCP listener on port (used by the RTSP server's
// accept loop, §4.10). The listener gets the net package's default socket
// options; AllowPortReuse is not consulted and SO_REUSEPORT is not set.
func ListenStream(port uint16, v6 bool) (*net.TCPListener, error) {
	network := "tcp4"
	ip := net.IPv4zero
	if v6 {
		network = "tcp6"
		ip = net.IPv6zero
	}
	addr := &net.TCPAddr{IP: ip, Port: int(port)}
	l, err := net.ListenTCP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	return l, nil
}

// SetKeepalive enables TCP keepalive with the given period on conn,
// matching §4.1's setup_stream(..., keepalive) contract.
func SetKeepalive(conn *net.TCPConn, period time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(period)
}

// SetNonblocking is a no-op placeholder under Go's netpoller-backed net
// package (every net.Conn is already non-blocking to the caller's
// goroutine); kept as an explicit operation so callers mirroring §4.1's
// setup_stream(nonblocking) signature have a single call site to read.
func SetNonblocking(_ *net.TCPConn) error { return nil }
