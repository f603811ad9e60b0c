package core

import (
	"time"

	"github.com/quantgully/tradefabric/clock"
	"github.com/quantgully/tradefabric/types"
)

// Session hours in IST minutes from midnight, Monday through Friday.
// NSE/BSE cash: 09:15-15:30. MCX commodities: 09:00-23:30.
type session struct {
	openMin  int
	closeMin int
}

var sessions = map[types.Exchange]session{
	types.ExchangeNSE: {openMin: 9*60 + 15, closeMin: 15*60 + 30},
	types.ExchangeBSE: {openMin: 9*60 + 15, closeMin: 15*60 + 30},
	types.ExchangeMCX: {openMin: 9 * 60, closeMin: 23*60 + 30},
}

// MarketOpen reports whether the exchange is trading at t. Open and close
// minutes are inclusive; weekends never trade. Holidays are not modeled —
// the broker rejects those orders anyway.
func MarketOpen(ex types.Exchange, t time.Time) bool {
	s, ok := sessions[ex]
	if !ok {
		return false
	}

	ist := t.In(clock.IST)
	switch ist.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := ist.Hour()*60 + ist.Minute()
	return minutes >= s.openMin && minutes <= s.closeMin
}
