// SPDX-License-Identifier: BSD-2-Clause

package sdp

import "fmt"

// staticPayload describes one RFC 3551 static RTP payload-type assignment.
type staticPayload struct {
	EncodingName string
	ClockRate    uint32
	Channels     int
}

// staticPayloadTypes is the built-in static payload-type table §4.9
// requires subsessions without an rtpmap to resolve against.
var staticPayloadTypes = map[int]staticPayload{
	0:  {"PCMU", 8000, 1},
	3:  {"GSM", 8000, 1},
	4:  {"G723", 8000, 1},
	5:  {"DVI4", 8000, 1},
	6:  {"DVI4", 16000, 1},
	7:  {"LPC", 8000, 1},
	8:  {"PCMA", 8000, 1},
	9:  {"G722", 8000, 1},
	10: {"L16", 44100, 2},
	11: {"L16", 44100, 1},
	12: {"QCELP", 8000, 1},
	13: {"CN", 8000, 1},
	14: {"MPA", 90000, 1},
	15: {"G728", 8000, 1},
	16: {"DVI4", 11025, 1},
	17: {"DVI4", 22050, 1},
	18: {"G729", 8000, 1},
	25: {"CELB", 90000, 1},
	26: {"JPEG", 90000, 1},
	28: {"NV", 90000, 1},
	31: {"H261", 90000, 1},
	32: {"MPV", 90000, 1},
	33: {"MP2T", 90000, 1},
	34: {"H263", 90000, 1},
}

// ResolvePayloadType returns the codec name, clock rate, and channel count
// for payload type pt within md: its rtpmap if present (required for
// dynamic payloads, pt>=96), otherwise the static table entry.
func (md *MediaDescription) ResolvePayloadType(pt int) (RTPMap, error) {
	if m, ok := md.RTPMaps[pt]; ok {
		return m, nil
	}
	if pt >= 96 {
		return RTPMap{}, fmt.Errorf("sdp: dynamic payload type %d has no rtpmap", pt)
	}
	if s, ok := staticPayloadTypes[pt]; ok {
		return RTPMap{EncodingName: s.EncodingName, ClockRate: s.ClockRate, Channels: s.Channels}, nil
	}
	return RTPMap{}, fmt.Errorf("sdp: unknown static payload type %d", pt)
}
