package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fillwatch/internal/common"

	"github.com/shopspring/decimal"
)

var (
	ErrUnexpectedEvent = errors.New("unexpected event type")
	ErrMalformedEvent  = errors.New("malformed event")
)

const depthUpdateEvent = "depthUpdate"

// depthSnapshot is the REST depth response:
// {"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[...]}
type depthSnapshot struct {
	LastUpdateID uint64               `json:"lastUpdateId"`
	Bids         [][2]decimal.Decimal `json:"bids"`
	Asks         [][2]decimal.Decimal `json:"asks"`
}

// depthUpdate is one diff stream event:
// {"e":"depthUpdate","E":123456789,"s":"BNBBTC","U":157,"u":160,"b":[["0.0024","10"]],"a":[...]}
type depthUpdate struct {
	Event         string               `json:"e"`
	EventTime     int64                `json:"E"`
	Symbol        string               `json:"s"`
	FirstUpdateID uint64               `json:"U"`
	FinalUpdateID uint64               `json:"u"`
	Bids          [][2]decimal.Decimal `json:"b"`
	Asks          [][2]decimal.Decimal `json:"a"`
}

func parseSnapshot(msg []byte) (common.Snapshot, error) {
	var raw depthSnapshot
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return common.Snapshot{
		LastUpdateID: raw.LastUpdateID,
		Bids:         toLevels(raw.Bids),
		Asks:         toLevels(raw.Asks),
	}, nil
}

func parseDiff(msg []byte) (common.Diff, error) {
	var raw depthUpdate
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Diff{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if raw.Event != depthUpdateEvent {
		return common.Diff{}, fmt.Errorf("%w: %q", ErrUnexpectedEvent, raw.Event)
	}
	if raw.FinalUpdateID < raw.FirstUpdateID {
		return common.Diff{}, fmt.Errorf("%w: final update id %d before first %d",
			ErrMalformedEvent, raw.FinalUpdateID, raw.FirstUpdateID)
	}

	updates := make([]common.Update, 0, len(raw.Bids)+len(raw.Asks))
	for _, pair := range raw.Bids {
		updates = append(updates, common.Update{Side: common.Buy, Price: pair[0], Quantity: pair[1]})
	}
	for _, pair := range raw.Asks {
		updates = append(updates, common.Update{Side: common.Sell, Price: pair[0], Quantity: pair[1]})
	}

	return common.Diff{
		Symbol:        raw.Symbol,
		EventTime:     time.UnixMilli(raw.EventTime),
		FirstUpdateID: raw.FirstUpdateID,
		FinalUpdateID: raw.FinalUpdateID,
		Updates:       updates,
	}, nil
}

func toLevels(pairs [][2]decimal.Decimal) []common.Level {
	levels := make([]common.Level, len(pairs))
	for i, pair := range pairs {
		levels[i] = common.Level{Price: pair[0], Quantity: pair[1]}
	}
	return levels
}
