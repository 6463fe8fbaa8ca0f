// SPDX-License-Identifier: BSD-2-Clause

// Package mediasession implements the media session & subsession
// component of spec §4.9 (J): turning a parsed SDP description into one
// MediaSession with an ordered list of MediaSubsessions, each owning the
// RTP/RTCP group-sockets, an RTP interface, and (once playing) a sink or
// source plus RTCP instance. Grounded on the teacher's
// media/media_session.go (subsession list, per-subsession socket
// allocation, destination wiring) generalized from the teacher's
// SDP-offer/answer negotiation to the spec's client-side SDP consumption.
package mediasession

import (
	"fmt"
	"net"

	"github.com/liveedge/rtscore/groupsock"
	"github.com/liveedge/rtscore/mikey"
	"github.com/liveedge/rtscore/netio"
	"github.com/liveedge/rtscore/rtcpstats"
	"github.com/liveedge/rtscore/rtpsink"
	"github.com/liveedge/rtscore/rtpsource"
	"github.com/liveedge/rtscore/rtptransport"
	"github.com/liveedge/rtscore/scheduler"
	"github.com/liveedge/rtscore/sdp"
	"github.com/liveedge/rtscore/srtp"
)

// MediaSession is a parsed SDP description plus its initiated
// subsessions, per §4.9.
type MediaSession struct {
	Name        string
	Info        string
	Connection  *sdp.ConnectionInfo
	RangeNPT    *sdp.NPTRange
	RangeClock  *sdp.ClockRange

	Subsessions []*MediaSubsession

	raw []byte
}

// Describe returns the original SDP message this session was parsed from,
// for the RTSP server's DESCRIBE response body (§4.10).
func (ms *MediaSession) Describe() []byte { return ms.raw }

// MediaSubsession is one `m=` line's resolved codec and the network
// resources allocated for it by initiate().
type MediaSubsession struct {
	MediaType    string
	Proto        string
	PayloadType  uint8
	EncodingName string
	ClockRate    uint32
	Channels     int
	Control      string
	RTCPMux      bool

	desc *sdp.MediaDescription

	rtpSock  *groupsock.GroupSock
	rtcpSock *groupsock.GroupSock
	rtpIface *rtptransport.RTPInterface

	srtpCtx *srtp.Context
	mikey   *mikey.State

	Sink *rtpsink.Sink
	Source *rtpsource.Source
	RTCP   *rtcpstats.Instance
}

// ParseSessionDescription reads an SDP message into a MediaSession (not
// yet initiated).
func ParseSessionDescription(data []byte) (*MediaSession, error) {
	sd, err := sdp.Parse(data)
	if err != nil {
		return nil, err
	}

	ms := &MediaSession{
		Name:       sd.Name,
		Info:       sd.Info,
		Connection: sd.Connection,
		RangeNPT:   sd.RangeNPT,
		RangeClock: sd.RangeClock,
		raw:        append([]byte(nil), data...),
	}

	for _, md := range sd.Subsessions {
		sub, err := newSubsession(sd, md)
		if err != nil {
			return nil, err
		}
		ms.Subsessions = append(ms.Subsessions, sub)
	}
	return ms, nil
}

func newSubsession(sd *sdp.SessionDescription, md *sdp.MediaDescription) (*MediaSubsession, error) {
	if len(md.Formats) == 0 {
		return nil, fmt.Errorf("mediasession: %s subsession has no payload types", md.MediaType)
	}
	pt := md.Formats[0]
	rtpmap, err := md.ResolvePayloadType(pt)
	if err != nil {
		return nil, err
	}

	sub := &MediaSubsession{
		MediaType:    md.MediaType,
		Proto:        md.Proto,
		PayloadType:  uint8(pt),
		EncodingName: rtpmap.EncodingName,
		ClockRate:    rtpmap.ClockRate,
		Channels:     rtpmap.Channels,
		Control:      md.Control,
		RTCPMux:      md.RTCPMux,
		desc:         md,
	}

	if sd.KeyMgmtMIKEY != "" {
		state, err := mikey.DecodeBase64(sd.KeyMgmtMIKEY)
		if err != nil {
			return nil, fmt.Errorf("mediasession: mikey: %w", err)
		}
		sub.mikey = state
		mki := []byte{byte(state.MKI >> 24), byte(state.MKI >> 16), byte(state.MKI >> 8), byte(state.MKI)}
		sub.srtpCtx, err = srtp.NewContext(state.Key(), state.Salt(), mki)
		if err != nil {
			return nil, fmt.Errorf("mediasession: srtp context: %w", err)
		}
	}

	return sub, nil
}

// Initiate allocates the RTP/RTCP group-sockets for sub, preferring an
// even RTP port with RTP+1 for RTCP unless rtcp-mux is in effect, per
// §4.9. connection is the session- or subsession-level `c=` address to
// bind against (subsession overrides session-level).
func (sub *MediaSubsession) Initiate(connection *sdp.ConnectionInfo) error {
	conn := sub.desc.Connection
	if conn == nil {
		conn = connection
	}
	if conn == nil {
		return fmt.Errorf("mediasession: no connection address for %s subsession", sub.MediaType)
	}

	ip := net.ParseIP(conn.Address)
	if ip == nil {
		return fmt.Errorf("mediasession: bad connection address %q", conn.Address)
	}

	port := uint16(sub.desc.Port)
	if port == 0 {
		port = nextEvenPort()
	}

	var rtpSock *groupsock.GroupSock
	var err error
	if ip.IsMulticast() {
		rtpSock, err = groupsock.NewISM(ip, port, uint8(conn.TTL))
	} else {
		rtpSock, err = groupsock.NewUnicast(port)
	}
	if err != nil {
		return fmt.Errorf("mediasession: rtp socket: %w", err)
	}
	sub.rtpSock = rtpSock
	sub.rtpIface = rtptransport.NewDatagram(rtpSock)

	if !sub.RTCPMux {
		rtcpSock, err := groupsock.NewUnicast(port + 1)
		if err != nil {
			rtpSock.Close()
			return fmt.Errorf("mediasession: rtcp socket: %w", err)
		}
		sub.rtcpSock = rtcpSock
	}

	return nil
}

// SetDestinations points sub's RTP (and, unless rtcp-mux, RTCP) sockets
// at addr, per §4.9's `set_destinations` ("the server uses this to point
// RTP/RTCP at the client address/port conveyed by the RTSP SETUP
// response").
func (sub *MediaSubsession) SetDestinations(addr net.IP, rtpPort, rtcpPort uint16, ttl uint8, sessionID uint32) {
	if sub.rtpSock != nil {
		sub.rtpSock.AddDestination(netio.GroupEndpointID{
			GroupAddr: netio.NewEndpoint(addr, rtpPort), Port: rtpPort, TTL: ttl,
		}, sessionID)
	}
	if sub.rtcpSock != nil {
		sub.rtcpSock.AddDestination(netio.GroupEndpointID{
			GroupAddr: netio.NewEndpoint(addr, rtcpPort), Port: rtcpPort, TTL: ttl,
		}, sessionID)
	}
}

// CreateSourceAndRTCP builds the (H) source and (I) RTCP instance for this
// subsession once it is ready to receive, wiring rtcp-mux if in effect. sched
// (optional) arms the source's periodic reorder-buffer timeout sweep
// (§4.6 step 6). The RTCP instance is attached as the source's sync anchor
// so (H) can convert RTP timestamps to wall-clock presentation times from
// (I)'s RTCP-SR anchor once synchronized (§4.6 step 5).
func (sub *MediaSubsession) CreateSourceAndRTCP(cname string, sched *scheduler.Handle) {
	ssrc := randomSSRC()

	var rtcpTransport rtcpstats.Transport = sub.rtpIface
	if sub.rtcpSock != nil {
		rtcpTransport = rtptransport.NewDatagram(sub.rtcpSock)
	}
	inst := rtcpstats.NewInstance(rtcpTransport, ssrc, cname)

	srcOpts := []rtpsource.Option{
		rtpsource.WithRTCPReceiver(inst),
		rtpsource.WithSyncSource(inst),
	}
	if sub.srtpCtx != nil {
		srcOpts = append(srcOpts, rtpsource.WithSRTP(sub.srtpCtx, true, true))
	}
	if sched != nil {
		srcOpts = append(srcOpts, rtpsource.WithScheduler(sched))
	}

	src := rtpsource.NewSource(sub.rtpIface, sub.PayloadType, sub.ClockRate, srcOpts...)
	src.StartTimeoutChecks()

	sub.Source = src
	sub.RTCP = inst
}

// CreateSinkAndRTCP builds the (G) sink and (I) RTCP instance for this
// subsession once it is ready to send.
func (sub *MediaSubsession) CreateSinkAndRTCP(cname string, ssrc uint32) {
	sinkOpts := []rtpsink.Option{}
	if sub.srtpCtx != nil {
		sinkOpts = append(sinkOpts, rtpsink.WithSRTP(sub.srtpCtx, true, true))
	}

	var rtcpTransport rtcpstats.Transport = sub.rtpIface
	if sub.rtcpSock != nil {
		rtcpTransport = rtptransport.NewDatagram(sub.rtcpSock)
	}

	sink := rtpsink.NewSink(sub.rtpIface, sub.PayloadType, ssrc, sub.ClockRate, sinkOpts...)

	inst := rtcpstats.NewInstance(rtcpTransport, ssrc, cname, rtcpstats.WithSender(sink))

	sub.Sink = sink
	sub.RTCP = inst
}

// Close releases sub's sockets and stops any active sink/source/RTCP.
func (sub *MediaSubsession) Close() {
	if sub.RTCP != nil {
		sub.RTCP.Stop()
	}
	if sub.Source != nil {
		sub.Source.StopGettingFrames()
	}
	if sub.Sink != nil {
		sub.Sink.StopPlaying()
	}
	if sub.rtcpSock != nil {
		sub.rtcpSock.Close()
	}
	if sub.rtpSock != nil {
		sub.rtpSock.Close()
	}
}
