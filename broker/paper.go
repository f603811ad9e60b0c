package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantgully/tradefabric/types"
)

// Paper simulates the gateway for dry runs. Orders fill at the last seen
// price plus slippage after a configurable delay. Order ids and statuses
// follow the real gateway's vocabulary so the verifier exercises the same
// paths.
type Paper struct {
	mu       sync.Mutex
	now      func() time.Time
	fillLag  time.Duration
	slippage decimal.Decimal // fractional, applied against the trade
	seq      int64
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder

	// RejectNext forces the next N placements to land as REJECTED, for
	// exercising the retry path.
	RejectNext int
}

type paperOrder struct {
	req      types.OrderRequest
	placedAt time.Time
	rejected bool
	price    decimal.Decimal
}

// NewPaper creates a paper broker. fillLag is how long orders sit PENDING
// before completing.
func NewPaper(now func() time.Time, fillLag time.Duration, slippage decimal.Decimal) *Paper {
	log.Info().Dur("fill_lag", fillLag).Msg("📝 Paper broker active, no live orders will be placed")
	return &Paper{
		now:      now,
		fillLag:  fillLag,
		slippage: slippage,
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
	}
}

// SetPrice feeds the paper fill price for a scrip.
func (p *Paper) SetPrice(scrip string, px decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[scrip] = px
}

func (p *Paper) PlaceMarketOrder(req types.OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	orderID := fmt.Sprintf("PAPER_%d", p.seq)

	o := &paperOrder{req: req, placedAt: p.now()}
	if p.RejectNext > 0 {
		p.RejectNext--
		o.rejected = true
	} else {
		o.price = p.fillPrice(req)
	}
	p.orders[orderID] = o

	log.Info().
		Str("order_id", orderID).
		Str("scrip", req.ScripCode).
		Str("side", string(req.Side)).
		Int64("qty", req.Qty).
		Bool("rejected", o.rejected).
		Msg("📝 Paper order placed")
	return orderID, nil
}

// fillPrice applies slippage against the trade direction. Caller holds p.mu.
func (p *Paper) fillPrice(req types.OrderRequest) decimal.Decimal {
	px, ok := p.prices[req.ScripCode]
	if !ok || !px.IsPositive() {
		px = req.LimitPrice
	}
	if !px.IsPositive() {
		return decimal.Zero
	}
	slip := px.Mul(p.slippage)
	if req.Side == types.OrderBuy {
		return px.Add(slip).Round(2)
	}
	return px.Sub(slip).Round(2)
}

func (p *Paper) FetchOrderBook() ([]types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	book := make([]types.BrokerOrder, 0, len(p.orders))
	for id, o := range p.orders {
		row := types.BrokerOrder{OrderID: id, Qty: o.req.Qty}
		switch {
		case o.rejected:
			row.Status = "REJECTED"
			row.Message = "paper rejection"
			row.PendingQty = o.req.Qty
		case now.Sub(o.placedAt) < p.fillLag:
			row.Status = "PENDING"
			row.PendingQty = o.req.Qty
		default:
			row.Status = "COMPLETE"
			row.AvgPrice = o.price
		}
		book = append(book, row)
	}
	return book, nil
}
