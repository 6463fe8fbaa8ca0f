// SPDX-License-Identifier: BSD-2-Clause

package netio

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointEqualityIgnoresPort(t *testing.T) {
	a := NewEndpoint(net.ParseIP("10.0.0.1"), 5000)
	b := NewEndpoint(net.ParseIP("10.0.0.1"), 6000)
	assert.True(t, a.Equal(b))

	c := NewEndpoint(net.ParseIP("10.0.0.2"), 5000)
	assert.False(t, a.Equal(c))
}

func TestEndpointIsNull(t *testing.T) {
	var e Endpoint
	assert.True(t, e.IsNull())

	e = NewEndpoint(net.ParseIP("0.0.0.0"), 0)
	assert.True(t, e.IsNull())

	e = NewEndpoint(net.ParseIP("1.2.3.4"), 0)
	assert.False(t, e.IsNull())
}

func TestEndpointIsMulticast(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"224.0.0.1", false}, // excluded non-routable block
		{"224.0.1.1", true},
		{"239.255.255.255", true},
		{"232.1.2.3", true},
		{"10.0.0.1", false},
		{"ff02::1", true},
	}
	for _, c := range cases {
		e := NewEndpoint(net.ParseIP(c.ip), 0)
		assert.Equal(t, c.want, e.IsMulticast(), c.ip)
	}
}

func TestGroupEndpointIDSSM(t *testing.T) {
	g := GroupEndpointID{
		GroupAddr:    NewEndpoint(net.ParseIP("232.1.1.1"), 5004),
		SourceFilter: NewEndpoint(net.ParseIP("10.0.0.5"), 0),
	}
	assert.True(t, g.IsSSM())

	g.SourceFilter = Endpoint{}
	assert.False(t, g.IsSSM())
}

func TestPickRandomSSMAddressWithinBlock(t *testing.T) {
	seq := []uint32{0, 0xFFFFFFFF, 0x00010203}
	i := 0
	next := func() uint32 {
		v := seq[i%len(seq)]
		i++
		return v
	}
	for n := 0; n < len(seq); n++ {
		ip := PickRandomSSMAddress(next)
		require.NotNil(t, ip)
		v4 := ip.To4()
		require.NotNil(t, v4)
		assert.EqualValues(t, 232, v4[0])
	}
}
