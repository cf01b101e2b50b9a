// Package estimate prices hypothetical market orders against displayed depth.
package estimate

import (
	"errors"
	"fmt"

	"fillwatch/internal/book"
	"fillwatch/internal/common"

	"github.com/shopspring/decimal"
)

var ErrInvalidSize = errors.New("order size must be positive")

// Depth is the read side of an order book needed to walk liquidity.
type Depth interface {
	Depth(side common.Side) book.Depth
	Walk(side common.Side, fn func(level book.PriceLevel) bool)
}

// Result is the average execution price on one side. Sufficient is false when the
// side does not hold enough quantity to fill the order, in which case Price is
// meaningless.
type Result struct {
	Price      decimal.Decimal
	Sufficient bool
}

func (r Result) String() string {
	if !r.Sufficient {
		return "insufficient liquidity"
	}
	return r.Price.String()
}

// Fill holds both sides of an estimate. Sell is the average price received selling
// Size into the bids, Buy the average price paid buying Size from the asks.
type Fill struct {
	Size decimal.Decimal
	Sell Result
	Buy  Result
}

func (f Fill) String() string {
	return fmt.Sprintf("size=%s sell=%v buy=%v", f.Size, f.Sell, f.Buy)
}

// Estimate prices a market order of size on both sides of the book.
func Estimate(depth Depth, size decimal.Decimal) (Fill, error) {
	if !size.IsPositive() {
		return Fill{}, ErrInvalidSize
	}
	return Fill{
		Size: size,
		Sell: walk(depth, common.Buy, size),
		Buy:  walk(depth, common.Sell, size),
	}, nil
}

// EstimateSide prices a market order that takes liquidity from the given resting
// side: common.Buy for a sell order, common.Sell for a buy order.
func EstimateSide(depth Depth, side common.Side, size decimal.Decimal) (Result, error) {
	if !size.IsPositive() {
		return Result{}, ErrInvalidSize
	}
	if !side.Valid() {
		return Result{}, common.ErrInvalidSide
	}
	return walk(depth, side, size), nil
}

// walk sweeps the resting side best price first, consuming levels until size is
// reached. Only the needed part of the last level counts towards the notional.
func walk(depth Depth, side common.Side, size decimal.Decimal) Result {
	// Sanity check. We never report a partial average.
	if depth.Depth(side).Quantity.LessThan(size) {
		return Result{}
	}

	filled := decimal.Zero
	notional := decimal.Zero
	depth.Walk(side, func(level book.PriceLevel) bool {
		take := decimal.Min(size.Sub(filled), level.Quantity)
		notional = notional.Add(level.Price.Mul(take))
		filled = filled.Add(take)
		return filled.LessThan(size)
	})

	// Bookkeeping and levels disagreeing should not happen.
	if filled.LessThan(size) {
		return Result{}
	}
	return Result{Price: notional.Div(size), Sufficient: true}
}
