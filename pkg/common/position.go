package common

import (
	"time"

	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

// Position is the net exposure of one account in one symbol. Size is signed,
// positive for long. A flat position has a zero entry price.
type Position struct {
	Symbol     string      `json:"symbol"`
	Size       fixed.Point `json:"size"`
	EntryPrice fixed.Point `json:"entry_price"`

	Account   string    `json:"account,omitempty"`
	TimeStamp time.Time `json:"ts"`
}

func (p Position) IsFlat() bool  { return p.Size.IsZero() }
func (p Position) IsLong() bool  { return p.Size.IsPos() }
func (p Position) IsShort() bool { return p.Size.IsNeg() }

// UnrealizedPnL values the position at the given mark.
func (p Position) UnrealizedPnL(mark fixed.Point) fixed.Point {
	if p.IsFlat() {
		return fixed.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(p.Size)
}

// Notional is |size| * price.
func (p Position) Notional(price fixed.Point) fixed.Point {
	return p.Size.Abs().Mul(price)
}
