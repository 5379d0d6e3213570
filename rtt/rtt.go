// Package rtt pulls round-trip times out of ping output lines.
package rtt

import (
	"math"
	"regexp"
	"strconv"
)

// Typical ping output: "64 bytes from 8.8.8.8: icmp_seq=1 ttl=117 time=12.3 ms"
var timeMarker = regexp.MustCompile(`time=([0-9]+\.?[0-9]*)\s*ms`)

// Extract returns the RTT in milliseconds carried by line. ok is false when
// the line has no latency marker or its number does not parse, which callers
// treat as noise.
func Extract(line string) (ms float64, ok bool) {
	m := timeMarker.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}
