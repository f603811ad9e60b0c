package core

import (
	"testing"
	"time"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/types"
)

func ist(hour, min int) time.Time {
	// Monday 2026-08-24.
	return time.Date(2026, 8, 24, hour, min, 0, 0, clock.IST)
}

func TestMarketOpenBoundariesInclusive(t *testing.T) {
	cases := []struct {
		ex   types.Exchange
		at   time.Time
		want bool
	}{
		{types.ExchangeNSE, ist(9, 14), false},
		{types.ExchangeNSE, ist(9, 15), true},
		{types.ExchangeNSE, ist(12, 0), true},
		{types.ExchangeNSE, ist(15, 30), true},
		{types.ExchangeNSE, ist(15, 31), false},
		{types.ExchangeBSE, ist(9, 15), true},
		{types.ExchangeMCX, ist(8, 59), false},
		{types.ExchangeMCX, ist(9, 0), true},
		{types.ExchangeMCX, ist(22, 0), true},
		{types.ExchangeMCX, ist(23, 30), true},
		{types.ExchangeMCX, ist(23, 31), false},
	}
	for _, tc := range cases {
		if got := MarketOpen(tc.ex, tc.at); got != tc.want {
			t.Errorf("MarketOpen(%s, %s) = %v, want %v", tc.ex, tc.at.Format("15:04"), got, tc.want)
		}
	}
}

func TestMarketClosedOnWeekends(t *testing.T) {
	saturday := time.Date(2026, 8, 22, 12, 0, 0, 0, clock.IST)
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, clock.IST)
	if MarketOpen(types.ExchangeNSE, saturday) || MarketOpen(types.ExchangeMCX, sunday) {
		t.Fatal("weekend reported open")
	}
}

// A UTC timestamp inside the IST session must count as open.
func TestMarketOpenConvertsToIST(t *testing.T) {
	// 05:00 UTC = 10:30 IST on the same Monday.
	utc := time.Date(2026, 8, 24, 5, 0, 0, 0, time.UTC)
	if !MarketOpen(types.ExchangeNSE, utc) {
		t.Fatal("UTC timestamp inside the session reported closed")
	}
}

func TestUnknownExchangeClosed(t *testing.T) {
	if MarketOpen(types.Exchange("NYSE"), ist(12, 0)) {
		t.Fatal("unknown exchange reported open")
	}
}
