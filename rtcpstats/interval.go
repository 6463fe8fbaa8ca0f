// SPDX-License-Identifier: BSD-2-Clause

package rtcpstats

import (
	"math/rand"
	"time"
)

// RTCPMinimumTime is the RFC 3550 §6.2 fixed minimum reporting interval.
var RTCPMinimumTime = 5 * time.Second

// BandwidthFraction is the default rtcp_bandwidth_fraction (§6.3's "5% of
// session bandwidth").
var BandwidthFraction = 0.05

// SendersFraction bounds how much of that 5% senders get before we fall
// back to splitting the full fraction across all members (RFC 3550 A.7:
// senders get their own share only while they're ≤25% of the membership).
const SendersFraction = 0.25

// rtcpCompensation is RFC 3550 Appendix A.7's e - 1/2 constant used to
// compensate for the interval being reconsidered on every report received,
// not only on timer expiry.
const rtcpCompensation = 1.21828

// reportInterval implements the RFC 3550 §6.3 / Appendix A.7 algorithm:
// the per-participant RTCP reporting interval is a deterministic base
// (derived from the estimated number of session members, the
// sender/receiver bandwidth split, and the running average compound
// packet size), randomized by a uniform [0.5, 1.5) factor and then
// divided by the A.7 compensation constant.
func reportInterval(members, senders int, rtcpBw float64, weSent bool, avgRTCPSize float64, initial bool) time.Duration {
	if members < 1 {
		members = 1
	}

	minInterval := RTCPMinimumTime
	if initial {
		minInterval /= 2
	}

	n := members
	if float64(senders) <= float64(members)*SendersFraction {
		if weSent {
			rtcpBw *= SendersFraction
			n = senders
		} else {
			rtcpBw *= 1 - SendersFraction
			n = members - senders
		}
	}
	if n < 1 {
		n = 1
	}

	t := avgRTCPSize * float64(n) / rtcpBw
	if t < minInterval.Seconds() {
		t = minInterval.Seconds()
	}

	t *= rand.Float64() + 0.5
	t /= rtcpCompensation

	return time.Duration(t * float64(time.Second))
}
