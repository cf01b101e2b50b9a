package book

import (
	"testing"

	"fillwatch/internal/common"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func levels(pairs ...string) []common.Level {
	out := make([]common.Level, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, common.Level{Price: d(pairs[i]), Quantity: d(pairs[i+1])})
	}
	return out
}

// createTestOrderBook seeds bids {100:5, 99:3} and asks {101:4, 102:6} at sequence 10.
func createTestOrderBook() *OrderBook {
	book := New()
	book.ApplySnapshot(common.Snapshot{
		LastUpdateID: 10,
		Bids:         levels("100", "5", "99", "3"),
		Asks:         levels("101", "4", "102", "6"),
	})
	return book
}

func assertBestBid(t *testing.T, book *OrderBook, expected string) {
	t.Helper()
	price, ok := book.BestBid()
	require.True(t, ok, "expected a best bid")
	assert.True(t, price.Equal(d(expected)), "best bid: expected %s, got %s", expected, price)
}

func assertBestAsk(t *testing.T, book *OrderBook, expected string) {
	t.Helper()
	price, ok := book.BestAsk()
	require.True(t, ok, "expected a best ask")
	assert.True(t, price.Equal(d(expected)), "best ask: expected %s, got %s", expected, price)
}

// assertConsistent recomputes everything the book derives and checks it matches.
func assertConsistent(t *testing.T, book *OrderBook) {
	t.Helper()
	var (
		bestBid, bestAsk decimal.Decimal
		hasBid, hasAsk   bool
		nBids, nAsks     int
		bidQty, askQty   = decimal.Zero, decimal.Zero
	)
	for _, level := range book.Levels() {
		switch level.Side {
		case common.Buy:
			nBids++
			bidQty = bidQty.Add(level.Quantity)
			if !hasBid || level.Price.GreaterThan(bestBid) {
				bestBid, hasBid = level.Price, true
			}
		case common.Sell:
			nAsks++
			askQty = askQty.Add(level.Quantity)
			if !hasAsk || level.Price.LessThan(bestAsk) {
				bestAsk, hasAsk = level.Price, true
			}
		}
	}

	gotBid, gotHasBid := book.BestBid()
	gotAsk, gotHasAsk := book.BestAsk()
	assert.Equal(t, hasBid, gotHasBid, "bid presence")
	assert.Equal(t, hasAsk, gotHasAsk, "ask presence")
	if hasBid && gotHasBid {
		assert.True(t, bestBid.Equal(gotBid), "best bid: expected %s, got %s", bestBid, gotBid)
	}
	if hasAsk && gotHasAsk {
		assert.True(t, bestAsk.Equal(gotAsk), "best ask: expected %s, got %s", bestAsk, gotAsk)
	}
	assert.Equal(t, nBids, book.Depth(common.Buy).Levels)
	assert.Equal(t, nAsks, book.Depth(common.Sell).Levels)
	assert.True(t, bidQty.Equal(book.Depth(common.Buy).Quantity), "bid quantity")
	assert.True(t, askQty.Equal(book.Depth(common.Sell).Quantity), "ask quantity")
}

func walk(book *OrderBook, side common.Side) []string {
	var prices []string
	book.Walk(side, func(level PriceLevel) bool {
		prices = append(prices, level.Price.String())
		return true
	})
	return prices
}

// --- Tests ------------------------------------------------------------------

func TestApplySnapshot(t *testing.T) {
	book := createTestOrderBook()

	assertBestBid(t, book, "100")
	assertBestAsk(t, book, "101")
	assert.Equal(t, uint64(10), book.LastSequenceID())
	assert.Equal(t, 4, book.Len())
	assertConsistent(t, book)
}

func TestApplySnapshot_SkipsEmptyLevelsAndClears(t *testing.T) {
	book := createTestOrderBook()

	// 1. Re-seed with zero quantities and an empty ask side.
	book.ApplySnapshot(common.Snapshot{
		LastUpdateID: 3,
		Bids:         levels("50", "0", "49", "2"),
	})

	// 2. Old levels are gone, zero levels never made it in.
	assert.Equal(t, 1, book.Len())
	assertBestBid(t, book, "49")
	_, ok := book.BestAsk()
	assert.False(t, ok, "no asks expected")
	assert.Equal(t, uint64(3), book.LastSequenceID())
	assertConsistent(t, book)
}

func TestApplyUpdate_DeleteBestBid(t *testing.T) {
	book := createTestOrderBook()

	// 1. Remove the top bid, the next one down takes over.
	applied, err := book.ApplyUpdate(11, common.Buy, d("100"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, applied)
	assertBestBid(t, book, "99")

	// 2. Remove the last bid, the side resets to empty.
	applied, err = book.ApplyUpdate(12, common.Buy, d("99"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, applied)
	_, ok := book.BestBid()
	assert.False(t, ok, "no bids expected")
	assertBestAsk(t, book, "101")
	assertConsistent(t, book)
}

func TestApplyUpdate_DeleteBestAsk(t *testing.T) {
	book := createTestOrderBook()

	_, err := book.ApplyUpdate(11, common.Sell, d("101"), decimal.Zero)
	require.NoError(t, err)
	assertBestAsk(t, book, "102")

	_, err = book.ApplyUpdate(12, common.Sell, d("102"), decimal.Zero)
	require.NoError(t, err)
	_, ok := book.BestAsk()
	assert.False(t, ok, "no asks expected")
	assertConsistent(t, book)
}

func TestApplyUpdate_DeleteNeverRaisesBestBid(t *testing.T) {
	book := New()
	book.ApplySnapshot(common.Snapshot{
		LastUpdateID: 1,
		Bids:         levels("10", "1", "9", "1", "8", "1", "7", "1"),
		Asks:         levels("11", "1", "12", "1"),
	})

	seq := uint64(1)
	for range 4 {
		before, _ := book.BestBid()
		seq++
		_, err := book.ApplyUpdate(seq, common.Buy, before, decimal.Zero)
		require.NoError(t, err)

		after, ok := book.BestBid()
		if ok {
			assert.True(t, after.LessThan(before), "best bid went from %s to %s", before, after)
		}
		assertConsistent(t, book)
	}
	_, ok := book.BestBid()
	assert.False(t, ok, "all bids removed")
}

func TestApplyUpdate_DeleteBelowTopKeepsBest(t *testing.T) {
	book := createTestOrderBook()

	_, err := book.ApplyUpdate(11, common.Buy, d("99"), decimal.Zero)
	require.NoError(t, err)
	assertBestBid(t, book, "100")
	assert.Equal(t, []string{"100"}, walk(book, common.Buy))
	assertConsistent(t, book)
}

func TestApplyUpdate_DeleteMissingLevelIsNoop(t *testing.T) {
	book := createTestOrderBook()
	before := book.Levels()

	applied, err := book.ApplyUpdate(11, common.Buy, d("98.5"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, applied, "the sequence id still advances")

	assert.Equal(t, before, book.Levels())
	assertBestBid(t, book, "100")
	assertBestAsk(t, book, "101")
	assert.Equal(t, uint64(11), book.LastSequenceID())
}

func TestApplyUpdate_Upsert(t *testing.T) {
	book := createTestOrderBook()

	// 1. Improve both sides.
	_, err := book.ApplyUpdate(11, common.Buy, d("100.5"), d("1"))
	require.NoError(t, err)
	_, err = book.ApplyUpdate(12, common.Sell, d("100.75"), d("2"))
	require.NoError(t, err)
	assertBestBid(t, book, "100.5")
	assertBestAsk(t, book, "100.75")

	// 2. Resize an existing level, the top of book does not move.
	_, err = book.ApplyUpdate(13, common.Buy, d("99"), d("30"))
	require.NoError(t, err)
	assertBestBid(t, book, "100.5")
	assert.True(t, d("36").Equal(book.Depth(common.Buy).Quantity))

	assert.Equal(t, []string{"100.5", "100", "99"}, walk(book, common.Buy), "bids should walk High -> Low")
	assert.Equal(t, []string{"100.75", "101", "102"}, walk(book, common.Sell), "asks should walk Low -> High")
	assertConsistent(t, book)
}

func TestApplyUpdate_StaleSequenceIsNoop(t *testing.T) {
	book := createTestOrderBook()
	_, err := book.ApplyUpdate(11, common.Buy, d("100"), d("7"))
	require.NoError(t, err)

	levelsBefore := book.Levels()
	bidBefore, _ := book.BestBid()
	askBefore, _ := book.BestAsk()

	// Replay of 11 and anything older must not touch the book.
	for _, seq := range []uint64{11, 10, 2} {
		applied, err := book.ApplyUpdate(seq, common.Sell, d("100"), decimal.Zero)
		require.NoError(t, err)
		assert.False(t, applied, "sequence %d should be ignored", seq)
	}
	applied, err := book.ApplyUpdate(11, common.Sell, d("95"), d("1"))
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, levelsBefore, book.Levels())
	bidAfter, _ := book.BestBid()
	askAfter, _ := book.BestAsk()
	assert.Equal(t, bidBefore, bidAfter)
	assert.Equal(t, askBefore, askAfter)
	assert.Equal(t, uint64(11), book.LastSequenceID())
}

func TestApplyUpdate_SideReplacement(t *testing.T) {
	book := createTestOrderBook()

	// 1. The best bid price flips to the ask side.
	_, err := book.ApplyUpdate(11, common.Sell, d("100"), d("2"))
	require.NoError(t, err)

	// 2. Exactly one level remains at 100, on the sell side.
	var at100 []PriceLevel
	for _, level := range book.Levels() {
		if level.Price.Equal(d("100")) {
			at100 = append(at100, level)
		}
	}
	require.Len(t, at100, 1)
	assert.Equal(t, common.Sell, at100[0].Side)
	assert.True(t, d("2").Equal(at100[0].Quantity))

	// 3. Both bests follow.
	assertBestBid(t, book, "99")
	assertBestAsk(t, book, "100")
	assertConsistent(t, book)

	// 4. And back again.
	_, err = book.ApplyUpdate(12, common.Buy, d("100"), d("1"))
	require.NoError(t, err)
	assertBestBid(t, book, "100")
	assertBestAsk(t, book, "101")
	assertConsistent(t, book)
}

func TestApplyDiff_RejectsMalformedUpdates(t *testing.T) {
	book := createTestOrderBook()

	applied, err := book.ApplyDiff(common.Diff{
		FinalUpdateID: 11,
		Updates: []common.Update{
			{Side: common.Side(7), Price: d("100"), Quantity: decimal.Zero},
			{Side: common.Buy, Price: d("98"), Quantity: d("-1")},
			{Side: common.Buy, Price: d("98"), Quantity: d("4")},
		},
	})

	// 1. The well formed update still applied.
	assert.True(t, applied)
	assert.Equal(t, uint64(11), book.LastSequenceID())
	assert.Equal(t, []string{"100", "99", "98"}, walk(book, common.Buy))

	// 2. Both rejections are surfaced.
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSide)
	assert.ErrorIs(t, err, ErrNegativeQuantity)
	assertBestBid(t, book, "100")
	assertConsistent(t, book)
}

func TestApplyUpdate_RejectedUpdateKeepsSequence(t *testing.T) {
	book := createTestOrderBook()
	levelsBefore := book.Levels()

	// 1. A malformed update is rejected and the book, sequence id included, is unchanged.
	applied, err := book.ApplyUpdate(11, common.Side(7), d("98"), d("4"))
	assert.False(t, applied)
	assert.ErrorIs(t, err, ErrInvalidSide)
	assert.Equal(t, uint64(10), book.LastSequenceID())
	assert.Equal(t, levelsBefore, book.Levels())

	applied, err = book.ApplyUpdate(11, common.Buy, d("98"), d("-4"))
	assert.False(t, applied)
	assert.ErrorIs(t, err, ErrNegativeQuantity)
	assert.Equal(t, uint64(10), book.LastSequenceID())

	// 2. A well formed update at the same id still lands.
	applied, err = book.ApplyUpdate(11, common.Buy, d("98"), d("4"))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(11), book.LastSequenceID())
	assert.Equal(t, []string{"100", "99", "98"}, walk(book, common.Buy))
	assertConsistent(t, book)
}

func TestApplyDiff_EmptyDiffAdvancesSequence(t *testing.T) {
	book := createTestOrderBook()

	applied, err := book.ApplyDiff(common.Diff{FirstUpdateID: 11, FinalUpdateID: 11})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(11), book.LastSequenceID())
}

func TestApplyDiff_MultipleUpdatesShareSequence(t *testing.T) {
	book := createTestOrderBook()

	applied, err := book.ApplyDiff(common.Diff{
		FirstUpdateID: 11,
		FinalUpdateID: 14,
		Updates: []common.Update{
			{Side: common.Buy, Price: d("100"), Quantity: decimal.Zero},
			{Side: common.Buy, Price: d("98"), Quantity: d("1")},
			{Side: common.Sell, Price: d("101"), Quantity: decimal.Zero},
			{Side: common.Sell, Price: d("103"), Quantity: d("1")},
		},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	assertBestBid(t, book, "99")
	assertBestAsk(t, book, "102")
	assert.Equal(t, uint64(14), book.LastSequenceID())
	assertConsistent(t, book)
}

func TestCrossedBook(t *testing.T) {
	book := createTestOrderBook()
	assert.False(t, book.Crossed())
	spread, ok := book.Spread()
	require.True(t, ok)
	assert.True(t, d("1").Equal(spread))

	// A late bid through the ask is kept as is.
	_, err := book.ApplyUpdate(11, common.Buy, d("101.5"), d("1"))
	require.NoError(t, err)
	assert.True(t, book.Crossed())
	assertBestBid(t, book, "101.5")
	assertBestAsk(t, book, "101")
	assert.Equal(t, []string{"101.5", "100", "99"}, walk(book, common.Buy))
	assert.Equal(t, []string{"101", "102"}, walk(book, common.Sell))

	// Removing the crossing bid scans back past the interleaved ask.
	_, err = book.ApplyUpdate(12, common.Buy, d("101.5"), decimal.Zero)
	require.NoError(t, err)
	assertBestBid(t, book, "100")
	assert.False(t, book.Crossed())
	assertConsistent(t, book)
}

func TestWalk_StopsEarly(t *testing.T) {
	book := createTestOrderBook()

	var seen []string
	book.Walk(common.Sell, func(level PriceLevel) bool {
		seen = append(seen, level.Price.String())
		return false
	})
	assert.Equal(t, []string{"101"}, seen)

	assert.Empty(t, walk(New(), common.Buy))
}
