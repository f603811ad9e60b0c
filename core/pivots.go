package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/types"
)

// PivotBook holds classic daily pivot ladders computed from the previous
// session's OHLC. Only operator telemetry reads it; no trading decision
// depends on these levels.
type PivotBook struct {
	mu      sync.RWMutex
	byScrip map[string]types.Pivots
}

func NewPivotBook() *PivotBook {
	return &PivotBook{byScrip: make(map[string]types.Pivots)}
}

// SetFromOHLC computes and stores the classic pivot ladder.
func (b *PivotBook) SetFromOHLC(scrip string, high, low, close decimal.Decimal) {
	three := decimal.NewFromInt(3)
	two := decimal.NewFromInt(2)
	p := high.Add(low).Add(close).Div(three)
	rng := high.Sub(low)

	pivots := types.Pivots{
		Pivot: p.Round(2),
		R1:    p.Mul(two).Sub(low).Round(2),
		S1:    p.Mul(two).Sub(high).Round(2),
		R2:    p.Add(rng).Round(2),
		S2:    p.Sub(rng).Round(2),
		R3:    high.Add(two.Mul(p.Sub(low))).Round(2),
		S3:    low.Sub(two.Mul(high.Sub(p))).Round(2),
	}
	pivots.R4 = pivots.R3.Add(rng).Round(2)
	pivots.S4 = pivots.S3.Sub(rng).Round(2)

	b.mu.Lock()
	b.byScrip[scrip] = pivots
	b.mu.Unlock()
}

// DailyPivots returns the stored ladder for the scrip. The date argument is
// accepted for interface symmetry; the book always holds the current
// session's levels.
func (b *PivotBook) DailyPivots(scrip string, _ time.Time) (types.Pivots, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byScrip[scrip]
	return p, ok
}
