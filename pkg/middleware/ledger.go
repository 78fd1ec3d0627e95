package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
)

// Ledger copies every fill seen on the bus into a secondary sink, such as
// the DuckDB store or the NATS publisher. It runs on the router goroutine,
// so records keep their bus order.
type Ledger struct {
	logger *zap.Logger
	sink   tradelog.Sink
}

func NewLedger(logger *zap.Logger, sink tradelog.Sink) *Ledger {
	return &Ledger{
		logger: logger,
		sink:   sink,
	}
}

func (l *Ledger) WithFill(handler bus.FillEventHandler) bus.FillEventHandler {
	return func(ctx context.Context, report common.FillReport) {
		if err := l.sink.Write(ctx, tradelog.NewRecord(report)); err != nil {
			l.logger.Warn("unable to write fill to secondary ledger",
				zap.String("order_id", report.Fill.OrderId), zap.Error(err))
		}
		handler(ctx, report)
	}
}
