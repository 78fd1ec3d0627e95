package common

import (
	"time"

	"github.com/peter-kozarec/paperperp/pkg/utility"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

// Fill is one execution against the book. It is immutable once created.
type Fill struct {
	OrderId OrderId     `json:"order_id"`
	Symbol  string      `json:"symbol"`
	Side    OrderSide   `json:"side"`
	Type    OrderType   `json:"type"`
	Price   fixed.Point `json:"price"`
	Size    fixed.Point `json:"size"`
	Fee     fixed.Point `json:"fee"`
	IsMaker bool        `json:"is_maker"`

	Source    string            `json:"src,omitempty"`
	Account   string            `json:"account,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts"`
}

func (f Fill) Notional() fixed.Point {
	return f.Size.Mul(f.Price)
}

// FillReport is a fill together with the ledger state right after it was
// booked.
type FillReport struct {
	Fill         Fill        `json:"fill"`
	RealizedPnL  fixed.Point `json:"realized_pnl"`
	Balance      fixed.Point `json:"balance"`
	PositionSize fixed.Point `json:"position_size"`
	EntryPrice   fixed.Point `json:"entry_price"`
}
