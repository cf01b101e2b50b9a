package book

import (
	"errors"
	"fmt"

	"fillwatch/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	ErrInvalidSide      = common.ErrInvalidSide
	ErrNegativeQuantity = errors.New("negative quantity")
)

// PriceLevel is the aggregated resting liquidity at one price. A price belongs to
// exactly one side at a time.
type PriceLevel struct {
	Price    decimal.Decimal
	Side     common.Side
	Quantity decimal.Decimal
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// Depth summarises one side of the book.
type Depth struct {
	Levels   int
	Quantity decimal.Decimal
}

// OrderBook is an L2 book: one price ordered map of levels plus the derived top
// of book. It is not safe for concurrent use.
type OrderBook struct {
	// Every level of both sides, sorted least price first.
	levels *PriceLevels

	// Top of book. The has* flags are false when the side is empty.
	bestBid decimal.Decimal
	bestAsk decimal.Decimal
	hasBid  bool
	hasAsk  bool

	// Sequence id of the last snapshot or diff applied.
	lastSequenceID uint64

	// Some book keeping
	nBids       int             // Track the number of bid levels in the book.
	nAsks       int             // Track the number of ask levels in the book.
	bidQuantity decimal.Decimal // Track the bid-side liquidity of the book.
	askQuantity decimal.Decimal // Track the ask-side liquidity of the book.
}

func newLevels() *PriceLevels {
	return btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})
}

func New() *OrderBook {
	return &OrderBook{levels: newLevels()}
}

// ApplySnapshot replaces the whole book with the snapshot contents. Pairs with a
// zero (or negative) quantity are skipped.
func (book *OrderBook) ApplySnapshot(snapshot common.Snapshot) {
	book.levels = newLevels()
	book.nBids, book.nAsks = 0, 0
	book.bidQuantity, book.askQuantity = decimal.Zero, decimal.Zero

	for _, level := range snapshot.Bids {
		if level.Quantity.IsPositive() {
			book.set(common.Buy, level.Price, level.Quantity)
		}
	}
	for _, level := range snapshot.Asks {
		if level.Quantity.IsPositive() {
			book.set(common.Sell, level.Price, level.Quantity)
		}
	}

	// Scanning rather than tracking extremes keeps the bests right when the
	// snapshot listed one price on both sides and the ask replaced the bid.
	book.hasBid = false
	book.hasAsk = false
	book.levels.Reverse(func(level *PriceLevel) bool {
		if level.Side == common.Buy {
			book.bestBid, book.hasBid = level.Price, true
			return false
		}
		return true
	})
	book.levels.Scan(func(level *PriceLevel) bool {
		if level.Side == common.Sell {
			book.bestAsk, book.hasAsk = level.Price, true
			return false
		}
		return true
	})

	book.lastSequenceID = snapshot.LastUpdateID
}

// ApplyUpdate applies a single level change stamped with sequenceID. See ApplyDiff.
func (book *OrderBook) ApplyUpdate(sequenceID uint64, side common.Side, price, quantity decimal.Decimal) (bool, error) {
	return book.ApplyDiff(common.Diff{
		FinalUpdateID: sequenceID,
		Updates:       []common.Update{{Side: side, Price: price, Quantity: quantity}},
	})
}

// ApplyDiff applies every update of the diff and advances the last sequence id to
// diff.FinalUpdateID. Diffs that do not advance the sequence id are ignored and
// reported as not applied.
//
// Malformed updates are skipped without touching the book; the rest of the diff
// still applies. Their errors are returned joined. A diff whose every update was
// rejected leaves the book, including its sequence id, untouched.
func (book *OrderBook) ApplyDiff(diff common.Diff) (bool, error) {
	if diff.FinalUpdateID <= book.lastSequenceID {
		return false, nil
	}

	var errs []error
	for _, update := range diff.Updates {
		if err := book.apply(update); err != nil {
			errs = append(errs, fmt.Errorf("rejected update %v: %w", update, err))
		}
	}
	if len(diff.Updates) > 0 && len(errs) == len(diff.Updates) {
		return false, errors.Join(errs...)
	}
	book.lastSequenceID = diff.FinalUpdateID
	return true, errors.Join(errs...)
}

func (book *OrderBook) apply(update common.Update) error {
	if !update.Side.Valid() {
		return ErrInvalidSide
	}
	if update.Quantity.IsNegative() {
		return ErrNegativeQuantity
	}
	if update.Quantity.IsZero() {
		book.remove(update.Price)
		return nil
	}
	book.upsert(update.Side, update.Price, update.Quantity)
	return nil
}

// upsert writes the level and widens the top of book if needed. A level resting on
// the other side at the same price is replaced.
func (book *OrderBook) upsert(side common.Side, price, quantity decimal.Decimal) {
	previous, replaced := book.set(side, price, quantity)
	if replaced && previous.Side != side {
		book.dropBest(previous)
	}

	switch side {
	case common.Buy:
		if !book.hasBid || price.GreaterThan(book.bestBid) {
			book.bestBid, book.hasBid = price, true
		}
	case common.Sell:
		if !book.hasAsk || price.LessThan(book.bestAsk) {
			book.bestAsk, book.hasAsk = price, true
		}
	}
}

// remove deletes the level at price, if any, and re-derives the top of book when
// the level was at the boundary.
func (book *OrderBook) remove(price decimal.Decimal) {
	removed, ok := book.levels.Delete(&PriceLevel{Price: price})
	if !ok {
		return
	}
	book.untrack(removed)
	book.dropBest(removed)
}

// dropBest re-derives the best price of the side the level was on, if the level
// was that best. The scan walks outward from the level's price, away from the
// spread, until it finds a level on the same side.
func (book *OrderBook) dropBest(level *PriceLevel) {
	pivot := &PriceLevel{Price: level.Price}
	switch level.Side {
	case common.Buy:
		if !book.hasBid || !book.bestBid.Equal(level.Price) {
			return
		}
		book.hasBid = false
		book.levels.Descend(pivot, func(item *PriceLevel) bool {
			if item.Side == common.Buy {
				book.bestBid, book.hasBid = item.Price, true
				return false
			}
			return true
		})
	case common.Sell:
		if !book.hasAsk || !book.bestAsk.Equal(level.Price) {
			return
		}
		book.hasAsk = false
		book.levels.Ascend(pivot, func(item *PriceLevel) bool {
			if item.Side == common.Sell {
				book.bestAsk, book.hasAsk = item.Price, true
				return false
			}
			return true
		})
	}
}

// set writes the level and keeps the per side bookkeeping in step. It returns the
// level it replaced, if any.
func (book *OrderBook) set(side common.Side, price, quantity decimal.Decimal) (*PriceLevel, bool) {
	level := &PriceLevel{Price: price, Side: side, Quantity: quantity}
	previous, replaced := book.levels.Set(level)
	if replaced {
		book.untrack(previous)
	}
	book.track(level)
	return previous, replaced
}

func (book *OrderBook) track(level *PriceLevel) {
	switch level.Side {
	case common.Buy:
		book.nBids++
		book.bidQuantity = book.bidQuantity.Add(level.Quantity)
	case common.Sell:
		book.nAsks++
		book.askQuantity = book.askQuantity.Add(level.Quantity)
	}
}

func (book *OrderBook) untrack(level *PriceLevel) {
	switch level.Side {
	case common.Buy:
		book.nBids--
		book.bidQuantity = book.bidQuantity.Sub(level.Quantity)
	case common.Sell:
		book.nAsks--
		book.askQuantity = book.askQuantity.Sub(level.Quantity)
	}
}

// BestBid returns the highest resting buy price. ok is false when there are no bids.
func (book *OrderBook) BestBid() (price decimal.Decimal, ok bool) {
	return book.bestBid, book.hasBid
}

// BestAsk returns the lowest resting sell price. ok is false when there are no asks.
func (book *OrderBook) BestAsk() (price decimal.Decimal, ok bool) {
	return book.bestAsk, book.hasAsk
}

// Spread is best ask minus best bid. It is negative on a crossed book.
func (book *OrderBook) Spread() (decimal.Decimal, bool) {
	if !book.hasBid || !book.hasAsk {
		return decimal.Zero, false
	}
	return book.bestAsk.Sub(book.bestBid), true
}

// Crossed reports whether the best bid is at or through the best ask. A crossed
// book is tolerated, it usually means the feed is stale.
func (book *OrderBook) Crossed() bool {
	return book.hasBid && book.hasAsk && book.bestBid.GreaterThanOrEqual(book.bestAsk)
}

func (book *OrderBook) LastSequenceID() uint64 {
	return book.lastSequenceID
}

// Len is the number of price levels across both sides.
func (book *OrderBook) Len() int {
	return book.levels.Len()
}

func (book *OrderBook) Depth(side common.Side) Depth {
	switch side {
	case common.Buy:
		return Depth{Levels: book.nBids, Quantity: book.bidQuantity}
	case common.Sell:
		return Depth{Levels: book.nAsks, Quantity: book.askQuantity}
	}
	return Depth{Quantity: decimal.Zero}
}

// Levels returns a copy of every level, least price first.
func (book *OrderBook) Levels() []PriceLevel {
	levels := make([]PriceLevel, 0, book.levels.Len())
	book.levels.Scan(func(level *PriceLevel) bool {
		levels = append(levels, *level)
		return true
	})
	return levels
}

// Walk calls fn for each level on side, best price first, until fn returns false.
// Levels of the other side are skipped, so a crossed book walks correctly.
func (book *OrderBook) Walk(side common.Side, fn func(level PriceLevel) bool) {
	visit := func(level *PriceLevel) bool {
		if level.Side != side {
			return true
		}
		return fn(*level)
	}
	// Nothing on a side rests beyond its best price, so start there.
	switch side {
	case common.Buy:
		if book.hasBid {
			book.levels.Descend(&PriceLevel{Price: book.bestBid}, visit)
		}
	case common.Sell:
		if book.hasAsk {
			book.levels.Ascend(&PriceLevel{Price: book.bestAsk}, visit)
		}
	}
}
