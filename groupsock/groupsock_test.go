// SPDX-License-Identifier: BSD-2-Clause

package groupsock

import (
	"net"
	"testing"

	"github.com/liveedge/rtscore/netio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDestinationIdempotent(t *testing.T) {
	g, err := NewUnicast(0)
	require.NoError(t, err)
	defer g.Close()

	ep := netio.NewEndpoint(net.ParseIP("127.0.0.1"), 6000)
	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep, Port: 6000}, 1)
	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep, Port: 6000}, 1)

	n := 0
	for d := g.dests; d != nil; d = d.next {
		n++
	}
	assert.Equal(t, 1, n)
}

func TestRemoveDestination(t *testing.T) {
	g, err := NewUnicast(0)
	require.NoError(t, err)
	defer g.Close()

	ep := netio.NewEndpoint(net.ParseIP("127.0.0.1"), 6000)
	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep, Port: 6000}, 1)
	assert.True(t, func() bool {
		for d := g.dests; d != nil; d = d.next {
			if d.sessionID == 1 {
				return true
			}
		}
		return false
	}())

	g.RemoveDestination(1)
	for d := g.dests; d != nil; d = d.next {
		assert.NotEqual(t, uint32(1), d.sessionID)
	}
}

func TestUnicastSendRecvLoopback(t *testing.T) {
	recv, err := NewUnicast(0)
	require.NoError(t, err)
	defer recv.Close()

	send, err := NewUnicast(0)
	require.NoError(t, err)
	defer send.Close()

	dest := netio.NewEndpoint(net.ParseIP("127.0.0.1"), recv.LocalPort())
	send.AddDestination(netio.GroupEndpointID{GroupAddr: dest, Port: recv.LocalPort()}, 0)

	payload := []byte("hello rtp")
	require.NoError(t, send.Output(payload))

	buf := make([]byte, 1500)
	n, _, loopback, err := recv.HandleRead(buf)
	require.NoError(t, err)
	assert.False(t, loopback) // different socket/port than recv's own
	assert.Equal(t, payload, buf[:n])
}

func TestHasMultipleDestinations(t *testing.T) {
	g, err := NewUnicast(0)
	require.NoError(t, err)
	defer g.Close()

	assert.False(t, g.HasMultipleDestinations())
	ep1 := netio.NewEndpoint(net.ParseIP("127.0.0.1"), 6000)
	ep2 := netio.NewEndpoint(net.ParseIP("127.0.0.2"), 6001)
	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep1, Port: 6000}, 1)
	g.AddDestination(netio.GroupEndpointID{GroupAddr: ep2, Port: 6001}, 2)
	assert.True(t, g.HasMultipleDestinations())
}
