package bfd_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

func TestCommonIntervalsShape(t *testing.T) {
	t.Parallel()

	if got := len(bfd.CommonIntervals); got != 6 {
		t.Fatalf("len(CommonIntervals) = %d, want 6 (RFC 7419 Section 3)", got)
	}
	for i := 1; i < len(bfd.CommonIntervals); i++ {
		if bfd.CommonIntervals[i] <= bfd.CommonIntervals[i-1] {
			t.Errorf("CommonIntervals[%d]=%v should be strictly greater than [%d]=%v",
				i, bfd.CommonIntervals[i], i-1, bfd.CommonIntervals[i-1])
		}
	}
	if bfd.GracefulRestartInterval != 10*time.Second {
		t.Errorf("GracefulRestartInterval = %v, want 10s", bfd.GracefulRestartInterval)
	}
}

func TestIsCommonInterval(t *testing.T) {
	t.Parallel()

	for _, d := range bfd.CommonIntervals {
		if !bfd.IsCommonInterval(d) {
			t.Errorf("IsCommonInterval(%v) = false, want true (listed value)", d)
		}
	}

	notCommon := []time.Duration{0, -time.Millisecond, 5 * time.Millisecond, 15 * time.Millisecond,
		30 * time.Millisecond, 200 * time.Millisecond, 2 * time.Second, bfd.GracefulRestartInterval}
	for _, d := range notCommon {
		if bfd.IsCommonInterval(d) {
			t.Errorf("IsCommonInterval(%v) = true, want false", d)
		}
	}
}

func TestAlignToCommonInterval(t *testing.T) {
	t.Parallel()

	// Exact values are fixed points.
	for _, d := range bfd.CommonIntervals {
		if got := bfd.AlignToCommonInterval(d); got != d {
			t.Errorf("AlignToCommonInterval(%v) = %v, want unchanged", d, got)
		}
	}

	roundsUpTo := map[time.Duration]time.Duration{
		time.Microsecond:       3300 * time.Microsecond,
		3 * time.Millisecond:   3300 * time.Microsecond,
		4 * time.Millisecond:   10 * time.Millisecond,
		15 * time.Millisecond:  20 * time.Millisecond,
		25 * time.Millisecond:  50 * time.Millisecond,
		75 * time.Millisecond:  100 * time.Millisecond,
		500 * time.Millisecond: time.Second,
		999 * time.Millisecond: time.Second,
	}
	for in, want := range roundsUpTo {
		if got := bfd.AlignToCommonInterval(in); got != want {
			t.Errorf("AlignToCommonInterval(%v) = %v, want %v", in, got, want)
		}
	}

	// Above the top of the common set, or non-positive: left as-is.
	passthrough := []time.Duration{1500 * time.Millisecond, 2 * time.Second, 10 * time.Second, 0, -time.Millisecond}
	for _, d := range passthrough {
		if got := bfd.AlignToCommonInterval(d); got != d {
			t.Errorf("AlignToCommonInterval(%v) = %v, want unchanged", d, got)
		}
	}
}

func TestNearestCommonInterval(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]time.Duration{
		3300 * time.Microsecond: 3300 * time.Microsecond, // exact
		50 * time.Millisecond:   50 * time.Millisecond,   // exact
		time.Second:             time.Second,             // exact
		time.Millisecond:        3300 * time.Microsecond,
		7 * time.Millisecond:    10 * time.Millisecond,  // closer to 10 than 3.3
		6 * time.Millisecond:    3300 * time.Microsecond, // closer to 3.3 than 10
		35 * time.Millisecond:   20 * time.Millisecond,   // equidistant, breaks toward smaller
		76 * time.Millisecond:   100 * time.Millisecond,
		600 * time.Millisecond:  time.Second,
		0:                       3300 * time.Microsecond,
		-5 * time.Millisecond:   3300 * time.Microsecond,
		10 * time.Second:        time.Second,
	}
	for in, want := range cases {
		if got := bfd.NearestCommonInterval(in); got != want {
			t.Errorf("NearestCommonInterval(%v) = %v, want %v", in, got, want)
		}
	}
}
