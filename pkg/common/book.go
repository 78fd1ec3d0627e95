package common

import (
	"slices"
	"time"

	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

type Level struct {
	Price fixed.Point `json:"price"`
	Size  fixed.Point `json:"size"`
}

// Book is a snapshot of one symbol's order book. Bids are sorted by
// descending price, asks by ascending price. A published Book is never
// mutated.
type Book struct {
	Bids      []Level     `json:"bids"`
	Asks      []Level     `json:"asks"`
	MarkPrice fixed.Point `json:"mark_price"`

	Source    string    `json:"src,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	TimeStamp time.Time `json:"ts"`
}

func (b Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Opposing returns the side an order of the given side executes against.
func (b Book) Opposing(side OrderSide) []Level {
	if side == OrderSideBuy {
		return b.Asks
	}
	return b.Bids
}

// Mark returns the mark price, falling back to the mid price and then to
// whichever side is present.
func (b Book) Mark() (fixed.Point, bool) {
	if b.MarkPrice.IsPos() {
		return b.MarkPrice, true
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).DivInt(2), true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	default:
		return fixed.Zero, false
	}
}

// Normalize returns a deep copy with bids sorted by descending and asks by
// ascending price. Levels without a positive price and size are dropped.
func (b Book) Normalize() Book {
	c := b
	c.Bids = normalizeLevels(b.Bids, func(x, y Level) int { return comparePrice(y, x) })
	c.Asks = normalizeLevels(b.Asks, comparePrice)
	return c
}

func normalizeLevels(levels []Level, cmp func(x, y Level) int) []Level {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Price.IsPos() && lvl.Size.IsPos() {
			out = append(out, lvl)
		}
	}
	slices.SortStableFunc(out, cmp)
	return out
}

func comparePrice(x, y Level) int {
	switch {
	case x.Price.Lt(y.Price):
		return -1
	case x.Price.Gt(y.Price):
		return 1
	default:
		return 0
	}
}
