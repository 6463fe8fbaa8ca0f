// SPDX-License-Identifier: BSD-2-Clause

package rtcpstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReportIntervalRespectsMinimum(t *testing.T) {
	// Generous bandwidth drives the raw estimate below the floor, so the
	// minimum (not the bandwidth split) should dominate the result.
	d := reportInterval(2, 1, 10000, true, 128, false)
	floor := time.Duration(float64(RTCPMinimumTime) * 0.5 / rtcpCompensation)
	assert.GreaterOrEqual(t, d, floor)
}

func TestReportIntervalInitialUsesHalfMinimum(t *testing.T) {
	d := reportInterval(2, 1, 10000, true, 128, true)
	assert.Less(t, d, RTCPMinimumTime)
}

func TestReportIntervalScalesWithBandwidth(t *testing.T) {
	lowBW := reportInterval(2, 1, 10, true, 128, false)
	highBW := reportInterval(2, 1, 320000, true, 128, false)
	assert.Greater(t, lowBW, highBW)
}
