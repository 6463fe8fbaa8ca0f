// SPDX-License-Identifier: BSD-2-Clause

// Package sdp parses the subset of SDP (RFC 4566) that spec §4.9's media
// session recognizes: session-level name/description/connection/control/
// range/source-filter/key-mgmt lines, and per-subsession m= lines with
// rtpmap/fmtp/rtcp-mux/control/range/bandwidth/framerate/dimensions
// attributes. Grounded on the teacher's media/sdp/sdp.go (line-scanning
// shape, ConnectionInformation parsing) generalized from its
// flat-map-of-values model into the typed session/subsession tree (J)
// needs.
package sdp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ConnectionInfo is a parsed `c=` line: nettype/addrtype/address[/ttl].
type ConnectionInfo struct {
	NetworkType string
	AddressType string
	Address     string
	TTL         int
}

// NPTRange is an `a=range:npt=A-B` play range, in seconds; Open is true
// when B was "now" (i.e. live, open-ended).
type NPTRange struct {
	Start float64
	End   float64
	Open  bool
}

// ClockRange is an `a=range:clock=A-B` absolute play range.
type ClockRange struct {
	Start string
	End   string
}

// SessionDescription is one parsed SDP description, per §4.9.
type SessionDescription struct {
	Name        string // s=
	Info        string // i=
	Connection  *ConnectionInfo
	Control     string // a=control:
	RangeNPT    *NPTRange
	RangeClock  *ClockRange
	SourceFilter string // a=source-filter: incl IN IP[46] * S
	KeyMgmtMIKEY string // a=key-mgmt:mikey B64

	Subsessions []*MediaDescription
}

// MediaDescription is one `m=` line plus the attributes that follow it,
// up to the next `m=` line or end of message.
type MediaDescription struct {
	MediaType string // e.g. "audio", "video"
	Port      int
	NumPorts  int
	Proto     string // RTP/AVP, RTP/SAVP, udp, RAW/RAW/UDP
	Formats   []int  // payload type numbers

	Connection *ConnectionInfo
	Control    string
	RangeNPT   *NPTRange
	RangeClock *ClockRange
	RTCPMux    bool
	BandwidthAS int // b=AS:<kbps>, 0 if absent
	FrameRate   float64
	Dimensions  string // a=x-dimensions:W,H

	// RTPMaps is keyed by dynamic (or overridden static) payload type.
	RTPMaps map[int]RTPMap
	// FMTP is keyed by payload type, holding the raw format-specific
	// parameter string.
	FMTP map[int]string
}

// RTPMap is one `a=rtpmap:<pt> <encoding>/<clockrate>[/<channels>]` entry.
type RTPMap struct {
	EncodingName string
	ClockRate    uint32
	Channels     int
}

// Parse parses an SDP message body into a SessionDescription.
func Parse(data []byte) (*SessionDescription, error) {
	sd := &SessionDescription{}
	var cur *MediaDescription

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		typ, value := line[0], line[2:]

		switch typ {
		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, err
			}
			sd.Subsessions = append(sd.Subsessions, md)
			cur = md
			continue
		}

		if cur == nil {
			if err := parseSessionLine(sd, typ, value); err != nil {
				return nil, err
			}
		} else {
			if err := parseSubsessionLine(cur, typ, value); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sd, nil
}

func parseSessionLine(sd *SessionDescription, typ byte, value string) error {
	switch typ {
	case 's':
		sd.Name = value
	case 'i':
		sd.Info = value
	case 'c':
		ci, err := parseConnection(value)
		if err != nil {
			return err
		}
		sd.Connection = ci
	case 'a':
		parseSessionAttribute(sd, value)
	}
	return nil
}

func parseSessionAttribute(sd *SessionDescription, value string) {
	switch {
	case strings.HasPrefix(value, "control:"):
		sd.Control = strings.TrimPrefix(value, "control:")
	case strings.HasPrefix(value, "range:npt="):
		if r, err := parseNPTRange(strings.TrimPrefix(value, "range:npt=")); err == nil {
			sd.RangeNPT = r
		}
	case strings.HasPrefix(value, "range:clock="):
		if r, err := parseClockRange(strings.TrimPrefix(value, "range:clock=")); err == nil {
			sd.RangeClock = r
		}
	case strings.HasPrefix(value, "source-filter:"):
		sd.SourceFilter = strings.TrimPrefix(value, "source-filter:")
	case strings.HasPrefix(value, "key-mgmt:mikey "):
		sd.KeyMgmtMIKEY = strings.TrimPrefix(value, "key-mgmt:mikey ")
	}
}

func parseSubsessionLine(md *MediaDescription, typ byte, value string) error {
	switch typ {
	case 'c':
		ci, err := parseConnection(value)
		if err != nil {
			return err
		}
		md.Connection = ci
	case 'b':
		if strings.HasPrefix(value, "AS:") {
			n, _ := strconv.Atoi(strings.TrimPrefix(value, "AS:"))
			md.BandwidthAS = n
		}
	case 'a':
		parseSubsessionAttribute(md, value)
	}
	return nil
}

func parseSubsessionAttribute(md *MediaDescription, value string) {
	switch {
	case strings.HasPrefix(value, "control:"):
		md.Control = strings.TrimPrefix(value, "control:")
	case strings.HasPrefix(value, "range:npt="):
		if r, err := parseNPTRange(strings.TrimPrefix(value, "range:npt=")); err == nil {
			md.RangeNPT = r
		}
	case strings.HasPrefix(value, "range:clock="):
		if r, err := parseClockRange(strings.TrimPrefix(value, "range:clock=")); err == nil {
			md.RangeClock = r
		}
	case value == "rtcp-mux":
		md.RTCPMux = true
	case strings.HasPrefix(value, "rtpmap:"):
		parseRTPMap(md, strings.TrimPrefix(value, "rtpmap:"))
	case strings.HasPrefix(value, "fmtp:"):
		parseFMTP(md, strings.TrimPrefix(value, "fmtp:"))
	case strings.HasPrefix(value, "framerate:"):
		f, _ := strconv.ParseFloat(strings.TrimPrefix(value, "framerate:"), 64)
		md.FrameRate = f
	case strings.HasPrefix(value, "x-dimensions:"):
		md.Dimensions = strings.TrimPrefix(value, "x-dimensions:")
	}
}

func parseRTPMap(md *MediaDescription, v string) {
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	parts := strings.Split(fields[1], "/")
	m := RTPMap{EncodingName: parts[0]}
	if len(parts) > 1 {
		if cr, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			m.ClockRate = uint32(cr)
		}
	}
	if len(parts) > 2 {
		m.Channels, _ = strconv.Atoi(parts[2])
	}
	if md.RTPMaps == nil {
		md.RTPMaps = map[int]RTPMap{}
	}
	md.RTPMaps[pt] = m
}

func parseFMTP(md *MediaDescription, v string) {
	fields := strings.SplitN(v, " ", 2)
	if len(fields) != 2 {
		return
	}
	pt, err := strconv.Atoi(fields[0])
	if err != nil {
		return
	}
	if md.FMTP == nil {
		md.FMTP = map[int]string{}
	}
	md.FMTP[pt] = fields[1]
}

func parseMediaLine(value string) (*MediaDescription, error) {
	fields := strings.Fields(value)
	if len(fields) < 4 {
		return nil, fmt.Errorf("sdp: malformed m= line: %q", value)
	}

	md := &MediaDescription{MediaType: fields[0], Proto: fields[2]}

	ports := strings.Split(fields[1], "/")
	port, err := strconv.Atoi(ports[0])
	if err != nil {
		return nil, fmt.Errorf("sdp: bad port in m= line: %w", err)
	}
	md.Port = port
	if len(ports) > 1 {
		md.NumPorts, _ = strconv.Atoi(ports[1])
	}

	switch md.Proto {
	case "RTP/AVP", "RTP/SAVP", "udp", "UDP", "RAW/RAW/UDP":
	default:
		return nil, fmt.Errorf("sdp: unrecognized media proto %q", md.Proto)
	}

	for _, f := range fields[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if pt > 127 {
			return nil, fmt.Errorf("sdp: payload type %d exceeds 127", pt)
		}
		md.Formats = append(md.Formats, pt)
	}
	return md, nil
}

func parseConnection(value string) (*ConnectionInfo, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return nil, fmt.Errorf("sdp: malformed c= line: %q", value)
	}
	ci := &ConnectionInfo{NetworkType: fields[0], AddressType: fields[1]}
	parts := strings.Split(fields[2], "/")
	ci.Address = parts[0]
	if net.ParseIP(ci.Address) == nil {
		return nil, fmt.Errorf("sdp: bad connection address %q", ci.Address)
	}
	if len(parts) > 1 {
		ci.TTL, _ = strconv.Atoi(parts[1])
	}
	return ci, nil
}

func parseNPTRange(v string) (*NPTRange, error) {
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("sdp: malformed npt range %q", v)
	}
	r := &NPTRange{}
	if parts[0] != "" {
		start, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, err
		}
		r.Start = start
	}
	if parts[1] == "" || parts[1] == "now" {
		r.Open = true
	} else {
		end, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, err
		}
		r.End = end
	}
	return r, nil
}

func parseClockRange(v string) (*ClockRange, error) {
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("sdp: malformed clock range %q", v)
	}
	return &ClockRange{Start: parts[0], End: parts[1]}, nil
}
