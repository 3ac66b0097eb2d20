package relay

import "testing"

func TestRollingStatsWindow(t *testing.T) {
	var rs RollingStats
	rs.RecordRead(100, 10)
	rs.RecordRead(100, 5)
	rs.RecordSent(99, 20)
	rs.RecordRead(50, 1000) // far enough in the past to never appear in these windows

	pr, br, ps, bs := rs.Window(100, 1)
	if pr != 2 || br != 15 || ps != 0 || bs != 0 {
		t.Fatalf("1s window = %d,%d,%d,%d", pr, br, ps, bs)
	}

	pr, br, ps, bs = rs.Window(100, 10)
	if pr != 2 || br != 15 || ps != 1 || bs != 20 {
		t.Fatalf("10s window = %d,%d,%d,%d", pr, br, ps, bs)
	}
}

func TestRollingStatsBucketReuseAcrossWraparound(t *testing.T) {
	var rs RollingStats
	rs.RecordRead(0, 7)
	rs.RecordRead(intervalSeconds, 3) // same bucket index as second 0, one lap later
	pr, br, _, _ := rs.Window(intervalSeconds, 1)
	if pr != 1 || br != 3 {
		t.Fatalf("expected the stale second-0 sample to be evicted, got %d,%d", pr, br)
	}
}
