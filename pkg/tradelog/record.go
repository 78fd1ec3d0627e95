package tradelog

import (
	"context"
	"time"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const (
	timeLayout = "2006-01-02 15:04:05.000"

	priceScale = 6
	sizeScale  = 4
	moneyScale = 6
)

// Header is the column order of the persisted trade record. Consumers of
// historical logs depend on it, so it must not change.
var Header = []string{
	"timestamp", "side", "type", "price", "size", "fee",
	"realized_pnl", "balance", "position_size", "is_maker",
}

// Sink receives every booked fill. A write error never undoes the fill.
type Sink interface {
	Write(ctx context.Context, record Record) error
	Close() error
}

// Record is one immutable line of the trade log.
type Record struct {
	TimeStamp    time.Time        `json:"timestamp"`
	Account      string           `json:"account,omitempty"`
	Symbol       string           `json:"symbol"`
	OrderId      common.OrderId   `json:"order_id"`
	Side         common.OrderSide `json:"-"`
	Type         common.OrderType `json:"-"`
	Price        fixed.Point      `json:"price"`
	Size         fixed.Point      `json:"size"`
	Fee          fixed.Point      `json:"fee"`
	RealizedPnL  fixed.Point      `json:"realized_pnl"`
	Balance      fixed.Point      `json:"balance"`
	PositionSize fixed.Point      `json:"position_size"`
	IsMaker      bool             `json:"is_maker"`
}

func NewRecord(report common.FillReport) Record {
	return Record{
		TimeStamp:    report.Fill.TimeStamp,
		Account:      report.Fill.Account,
		Symbol:       report.Fill.Symbol,
		OrderId:      report.Fill.OrderId,
		Side:         report.Fill.Side,
		Type:         report.Fill.Type,
		Price:        report.Fill.Price,
		Size:         report.Fill.Size,
		Fee:          report.Fill.Fee,
		RealizedPnL:  report.RealizedPnL,
		Balance:      report.Balance,
		PositionSize: report.PositionSize,
		IsMaker:      report.Fill.IsMaker,
	}
}

// Fields renders the record in Header order with the fixed precision of
// each column.
func (r Record) Fields() []string {
	isMaker := "False"
	if r.IsMaker {
		isMaker = "True"
	}
	return []string{
		r.TimeStamp.Format(timeLayout),
		r.Side.String(),
		r.Type.String(),
		r.Price.StringFixed(priceScale),
		r.Size.StringFixed(sizeScale),
		r.Fee.StringFixed(moneyScale),
		r.RealizedPnL.StringFixed(moneyScale),
		r.Balance.StringFixed(moneyScale),
		r.PositionSize.StringFixed(sizeScale),
		isMaker,
	}
}
