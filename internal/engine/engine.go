package engine

import (
	"sync"
	"time"

	"fillwatch/internal/book"
	"fillwatch/internal/common"
	"fillwatch/internal/estimate"
	"fillwatch/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reporter receives the estimate computed after every applied diff.
type Reporter interface {
	ReportFill(sequenceID uint64, fill estimate.Fill) error
}

// This is the main book engine. It owns one order book and serialises every
// mutation and read of it behind a single lock, so no estimate observes a
// half-applied diff.
type Engine struct {
	mu       sync.Mutex
	book     *book.OrderBook
	reporter Reporter

	// Size of the hypothetical market order priced after each diff. Zero disables
	// reporting.
	orderSize decimal.Decimal
}

func New(orderSize decimal.Decimal) *Engine {
	return &Engine{
		book:      book.New(),
		orderSize: orderSize,
	}
}

func (engine *Engine) SetReporter(reporter Reporter) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.reporter = reporter
}

func (engine *Engine) OrderSize() decimal.Decimal {
	return engine.orderSize
}

// ApplySnapshot seeds (or re-seeds) the book.
func (engine *Engine) ApplySnapshot(snapshot common.Snapshot) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	engine.book.ApplySnapshot(snapshot)
	engine.observe()
	log.Info().
		Uint64("sequence", snapshot.LastUpdateID).
		Int("bids", engine.book.Depth(common.Buy).Levels).
		Int("asks", engine.book.Depth(common.Sell).Levels).
		Msg("book seeded from snapshot")
}

// ApplyDiff applies one diff event and, when it advanced the book, reports the
// estimate for the configured order size. Rejected updates are logged and
// returned but never stop the rest of the diff from applying.
func (engine *Engine) ApplyDiff(diff common.Diff) (bool, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	applied, err := engine.book.ApplyDiff(diff)
	if err != nil {
		metrics.UpdatesRejected.Add(float64(countJoined(err)))
		log.Warn().Err(err).Uint64("sequence", diff.FinalUpdateID).Msg("rejected updates in diff")
	}
	if !applied {
		metrics.DiffsIgnored.Inc()
		log.Debug().
			Uint64("sequence", diff.FinalUpdateID).
			Uint64("last", engine.book.LastSequenceID()).
			Msg("diff did not advance the book")
		return false, err
	}
	metrics.DiffsApplied.Inc()

	if engine.book.Crossed() {
		metrics.CrossedBooks.Inc()
		bid, _ := engine.book.BestBid()
		ask, _ := engine.book.BestAsk()
		log.Warn().
			Stringer("bid", bid).
			Stringer("ask", ask).
			Uint64("sequence", diff.FinalUpdateID).
			Msg("book is crossed")
	}
	engine.observe()
	engine.report()
	return true, err
}

// Estimate prices a market order of size against the current book.
func (engine *Engine) Estimate(size decimal.Decimal) (estimate.Fill, uint64, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.estimate(size)
}

func (engine *Engine) estimate(size decimal.Decimal) (estimate.Fill, uint64, error) {
	start := time.Now()
	fill, err := estimate.Estimate(engine.book, size)
	metrics.EstimateLatency.Observe(time.Since(start).Seconds())
	return fill, engine.book.LastSequenceID(), err
}

func (engine *Engine) LastSequenceID() uint64 {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.book.LastSequenceID()
}

// Top returns the best bid and ask. A missing side has its ok flag false.
func (engine *Engine) Top() (bid decimal.Decimal, bidOk bool, ask decimal.Decimal, askOk bool) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	bid, bidOk = engine.book.BestBid()
	ask, askOk = engine.book.BestAsk()
	return bid, bidOk, ask, askOk
}

// Levels returns a copy of the book, least price first.
func (engine *Engine) Levels() []book.PriceLevel {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.book.Levels()
}

// report must be called with the lock held.
func (engine *Engine) report() {
	if engine.reporter == nil || !engine.orderSize.IsPositive() {
		return
	}
	fill, sequenceID, err := engine.estimate(engine.orderSize)
	if err != nil {
		log.Error().Err(err).Msg("unable to estimate fill")
		return
	}
	if err := engine.reporter.ReportFill(sequenceID, fill); err != nil {
		log.Error().Err(err).Uint64("sequence", sequenceID).Msg("unable to report fill")
	}
}

func (engine *Engine) observe() {
	metrics.BookLevels.WithLabelValues(common.Buy.String()).Set(float64(engine.book.Depth(common.Buy).Levels))
	metrics.BookLevels.WithLabelValues(common.Sell.String()).Set(float64(engine.book.Depth(common.Sell).Levels))
	metrics.LastSequenceID.Set(float64(engine.book.LastSequenceID()))
}

func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
