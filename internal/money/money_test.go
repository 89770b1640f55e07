package money

import "testing"

func TestFromBTC(t *testing.T) {
	cases := []struct {
		btc  float64
		want Satoshi
	}{
		{1.5, 150000000},
		{0.25, 25000000},
		{0.00000001, 1},
		{0, 0},
		// Truncation, not rounding: 0.000000015 BTC floors to 1 satoshi.
		{0.000000015, 1},
	}

	for _, c := range cases {
		got := FromBTC(c.btc)
		if got != c.want {
			t.Errorf("FromBTC(%v) = %v, want %v", c.btc, got, c.want)
		}
	}
}
