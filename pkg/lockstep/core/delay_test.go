package core

import "testing"

// TestCalculateDelay_MonotonicAndFloored covers spec.md §8 testable
// property 6: calculate_delay is monotonic non-decreasing in RTT and
// bottoms out at 1.
func TestCalculateDelay_MonotonicAndFloored(t *testing.T) {
	cases := []int64{-100, 0, 1, 31, 32, 33, 64, 1000, 5000}
	prev := -1
	for _, rtt := range cases {
		got := calculateDelay(rtt)
		if got < 1 {
			t.Fatalf("calculateDelay(%d) = %d, want >= 1", rtt, got)
		}
		if got < prev {
			t.Fatalf("calculateDelay(%d) = %d, not monotonic (prev %d)", rtt, got, prev)
		}
		prev = got
	}
}

func TestCalculateDelay_Formula(t *testing.T) {
	cases := map[int64]int{0: 1, 31: 1, 32: 2, 63: 2, 64: 3, 320: 11}
	for rtt, want := range cases {
		if got := calculateDelay(rtt); got != want {
			t.Errorf("calculateDelay(%d) = %d, want %d", rtt, got, want)
		}
	}
}

// TestProposedDelayFromRTT covers the join-side RTT-to-proposal step
// (spec.md §4.3.2 step 4): calculate_delay((rtt_max + rtt_max) / 1.5),
// not a bare calculateDelay(rtt_max).
func TestProposedDelayFromRTT(t *testing.T) {
	cases := map[int64]int{
		0:   1,
		32:  2, // (32+32)/1.5 = 42 -> 42/32+1 = 2
		48:  3, // (48+48)/1.5 = 64 -> 64/32+1 = 3
		100: 5, // (100+100)/1.5 = 133 -> 133/32+1 = 5
	}
	for rtt, want := range cases {
		if got := proposedDelayFromRTT(rtt); got != want {
			t.Errorf("proposedDelayFromRTT(%d) = %d, want %d", rtt, got, want)
		}
	}

	if got, bare := proposedDelayFromRTT(100), calculateDelay(100); got == bare {
		t.Errorf("proposedDelayFromRTT(100) = %d, should differ from bare calculateDelay(100) = %d", got, bare)
	}
}

func TestAverageDelay(t *testing.T) {
	if got := averageDelay([]int{2, 4, 6}, 3); got != 4 {
		t.Errorf("averageDelay = %d, want 4", got)
	}
	if got := averageDelay([]int{1, 2}, 2); got != 1 {
		t.Errorf("averageDelay = %d, want 1 (integer division)", got)
	}
	if got := averageDelay(nil, 0); got != 0 {
		t.Errorf("averageDelay(nil, 0) = %d, want 0", got)
	}
}
