// SPDX-License-Identifier: BSD-2-Clause

// Package netio provides IPv4/IPv6-agnostic endpoint values and the
// datagram/stream socket primitives the rest of rtscore is built on.
package netio

import (
	"net"
)

// Family distinguishes the address family of an Endpoint.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Endpoint is a discriminated address value plus a port stored in host byte
// order and an optional TTL used for outgoing multicast writes.
//
// Equality (Equal) compares family and address bytes only, never the port,
// matching the teacher's convention of comparing connection endpoints by
// address for session/destination bookkeeping.
type Endpoint struct {
	Family Family
	Addr   [16]byte // IPv4 uses the first 4 bytes
	Port   uint16
	TTL    uint8
}

// NewEndpoint builds an Endpoint from a net.IP and port. IPv4 addresses in
// 16-byte form are detected and normalized to the 4-byte representation.
func NewEndpoint(ip net.IP, port uint16) Endpoint {
	e := Endpoint{Port: port}
	if v4 := ip.To4(); v4 != nil {
		e.Family = FamilyV4
		copy(e.Addr[:4], v4)
		return e
	}
	e.Family = FamilyV6
	copy(e.Addr[:], ip.To16())
	return e
}

// IP returns the net.IP this endpoint represents.
func (e Endpoint) IP() net.IP {
	if e.Family == FamilyV4 {
		return net.IP(e.Addr[:4])
	}
	return net.IP(e.Addr[:])
}

// IsNull reports whether the address bytes are all zero.
func (e Endpoint) IsNull() bool {
	n := 4
	if e.Family == FamilyV6 {
		n = 16
	}
	for i := 0; i < n; i++ {
		if e.Addr[i] != 0 {
			return false
		}
	}
	return true
}

// IsMulticast reports whether the address falls in the family's multicast
// range. For IPv4 this is 224.0.1.0-239.255.255.255 — the non-routable
// all-hosts block 224.0.0.0/24 is explicitly excluded, matching groupsock's
// historical treatment of link-local multicast as "not really multicast"
// for session bookkeeping purposes.
func (e Endpoint) IsMulticast() bool {
	if e.Family == FamilyV4 {
		a := e.Addr[0]
		if a < 224 || a > 239 {
			return false
		}
		if a == 224 && e.Addr[1] == 0 && e.Addr[2] == 0 {
			return false
		}
		return true
	}
	return e.Addr[0] == 0xFF
}

// Equal compares family and address bytes, ignoring port and TTL.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Family != o.Family {
		return false
	}
	n := 4
	if e.Family == FamilyV6 {
		n = 16
	}
	return e.Addr[:n] == o.Addr[:n]
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP().String(), itoa(int(e.Port)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// GroupEndpointID identifies a multicast (or unicast) group destination:
// the group address, an optional source-filter address for SSM, a port and
// a TTL. It is source-specific multicast iff SourceFilter is non-null.
type GroupEndpointID struct {
	GroupAddr    Endpoint
	SourceFilter Endpoint
	Port         uint16
	TTL          uint8
}

// IsSSM reports whether this group id carries a source filter.
func (g GroupEndpointID) IsSSM() bool {
	return !g.SourceFilter.IsNull()
}

// PickRandomSSMAddress draws an address uniformly from 232.0.1.0 -
// 232.255.255.254, the IANA SSM block groupsock's GroupsockHelper.cpp
// samples from for ad-hoc SSM sessions.
func PickRandomSSMAddress(randUint32 func() uint32) net.IP {
	r := randUint32()
	b2 := byte(r >> 16)
	b3 := byte(r >> 8)
	b4 := byte(r)
	if b2 == 0 && b3 == 0 {
		b3 = 1 // avoid 232.0.0.x and keep within .0.1.0 floor
	}
	if b2 == 255 && b3 == 255 && b4 == 255 {
		b4 = 254
	}
	return net.IPv4(232, b2, b3, b4)
}
