package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Level is a price/quantity pair as listed by a depth snapshot.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is a point in time listing of every resting level.
type Snapshot struct {
	LastUpdateID uint64  // Baseline sequence identifier
	Bids         []Level // Resting buy levels
	Asks         []Level // Resting sell levels
}

// Update is the new quantity at one price level. A zero quantity removes the level.
type Update struct {
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (u Update) String() string {
	return fmt.Sprintf("%v %s@%s", u.Side, u.Quantity, u.Price)
}

// Diff is one incremental event off the feed. FinalUpdateID is the sequence
// identifier used to order and de-duplicate events.
type Diff struct {
	Symbol        string    // Symbol the event was published for
	EventTime     time.Time // Exchange event time
	FirstUpdateID uint64    // First update id covered by the event
	FinalUpdateID uint64    // Last update id covered by the event
	Updates       []Update  // Level changes, bids first
}
