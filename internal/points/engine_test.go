package points

import "testing"

func TestRoundBonus(t *testing.T) {
	cases := []struct {
		base       int64
		multiplier float64
		want       int64
	}{
		{100, 0.5, 50},
		{100, 0.25, 25},
		{100, 0.1, 10},
		{100, 0.05, 5},
		{3, 0.1, 0},
		{0, 0.5, 0},
		{7, 1, 7},
	}
	for _, tc := range cases {
		if got := roundBonus(tc.base, tc.multiplier); got != tc.want {
			t.Errorf("roundBonus(%d, %v) = %d, want %d", tc.base, tc.multiplier, got, tc.want)
		}
	}
}
