package quorum

import "testing"

// TestRequiredAcks checks the quorum formula against known values.
func TestRequiredAcks(t *testing.T) {
	tests := []struct {
		minCap     int
		n          int
		additional int
		want       int
	}{
		{5, 3, 0, 3},
		{5, 4, 0, 4},
		{5, 5, 0, 5},
		{5, 6, 0, 5},
		{5, 7, 0, 5},
		{5, 8, 0, 5},
		{5, 9, 0, 5},
		{5, 10, 0, 6},
		{5, 11, 0, 6},
		{5, 12, 0, 7},
		{0, 3, 1, 3},
		{0, 3, 2, 3},
		{0, 4, 1, 4},
		{0, 5, 1, 4},
		{0, 5, 2, 5},
		{0, 6, 1, 5},
		{0, 7, 1, 5},
		{0, 8, 1, 6},
		{0, 8, 2, 7},
		{0, 9, 1, 6},
		{0, 10, 1, 7},
		{0, 11, 1, 7},
		{0, 11, 3, 9},
		{5, 9, 1, 6},
		{7, 9, 1, 7},
		{10, 9, 1, 9},
		{0, 1, 0, 1},
		{0, 0, 0, 0},
	}

	for _, tt := range tests {
		got := RequiredAcks(tt.minCap, tt.n, tt.additional)
		if got != tt.want {
			t.Errorf("RequiredAcks(%d, %d, %d) = %d, want %d",
				tt.minCap, tt.n, tt.additional, got, tt.want)
		}
	}
}

// TestRequiredAcksBounds checks range and monotonicity in cluster size.
func TestRequiredAcksBounds(t *testing.T) {
	for minCap := 0; minCap <= 12; minCap++ {
		for additional := 0; additional <= 4; additional++ {
			prev := 0

			for n := 1; n <= 40; n++ {
				got := RequiredAcks(minCap, n, additional)

				if got < 1 || got > n {
					t.Fatalf("RequiredAcks(%d, %d, %d) = %d, out of [1, %d]",
						minCap, n, additional, got, n)
				}

				if got < prev {
					t.Fatalf("RequiredAcks(%d, %d, %d) = %d, decreased from %d",
						minCap, n, additional, got, prev)
				}

				prev = got
			}
		}
	}
}
