package bfd

import "time"

// RFC 7419 Section 3 defines a small set of "common" BFD timer interval
// values that every implementation SHOULD support, specifically so a
// software BFD stack and a hardware/ASIC-based one can always negotiate
// a mutually supported rate instead of falling back to the RFC 5880
// default. internal/config.Resolve snaps configured min_rx/min_tx
// values up to this set before a Session is ever built.

// CommonIntervals lists the RFC 7419 Section 3 common interval values,
// ascending: 3.3ms (MPLS-TP/GR-253-CORE), 10ms, 20ms, 50ms, 100ms, and
// the RFC 5880 slow rate of 1s.
//
//nolint:gochecknoglobals // lookup table, read-only after init
var CommonIntervals = [...]time.Duration{
	3300 * time.Microsecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

// GracefulRestartInterval is RFC 7419 Section 3's recommended interval
// for graceful-restart scenarios: paired with a multiplier of 255 it
// yields a 42.5-minute detection time, long enough to ride out a
// control-plane restart without flapping the session.
const GracefulRestartInterval = 10 * time.Second

// IsCommonInterval reports whether d is exactly one of CommonIntervals.
func IsCommonInterval(d time.Duration) bool {
	for _, candidate := range CommonIntervals {
		if candidate == d {
			return true
		}
	}
	return false
}

// AlignToCommonInterval rounds d up to the nearest value in
// CommonIntervals. A non-positive d is returned unchanged (not a valid
// interval to begin with), and a d already above the largest common
// value (1s) is also returned as-is: RFC 7419 permits implementations
// to support additional values beyond the common set at the slow end.
func AlignToCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	for _, candidate := range CommonIntervals {
		if d <= candidate {
			return candidate
		}
	}
	return d
}

// NearestCommonInterval returns whichever value in CommonIntervals is
// closest to d, breaking ties toward the smaller candidate. A
// non-positive d maps to the smallest common interval (3.3ms).
func NearestCommonInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return CommonIntervals[0]
	}

	nearest := CommonIntervals[0]
	smallestGap := gap(d, nearest)
	for _, candidate := range CommonIntervals[1:] {
		if g := gap(d, candidate); g < smallestGap {
			nearest, smallestGap = candidate, g
		}
	}
	return nearest
}

func gap(a, b time.Duration) time.Duration {
	if a < b {
		return b - a
	}
	return a - b
}
