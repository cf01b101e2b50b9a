package common

import (
	"errors"
	"strings"
)

var ErrInvalidSide = errors.New("invalid side")

type Side int

const (
	// Buy levels are resting bids. Selling into the book consumes them.
	Buy Side = iota
	// Sell levels are resting asks. Buying from the book consumes them.
	Sell
)

var sideName = map[Side]string{
	Buy:  "buy",
	Sell: "sell",
}

func (s Side) String() string {
	if name, ok := sideName[s]; ok {
		return name
	}
	return "unknown"
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// ParseSide maps a feed side label onto a Side.
func ParseSide(label string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "buy", "bid", "b":
		return Buy, nil
	case "sell", "ask", "a":
		return Sell, nil
	}
	return Side(-1), ErrInvalidSide
}
