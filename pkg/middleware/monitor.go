package middleware

import (
	"context"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
)

type MonitorFlags uint16

//goland:noinspection GoUnusedConst
const (
	MonitorNone MonitorFlags = 1 << iota
	MonitorAll
	MonitorBooks
	MonitorAccountState
	MonitorOrdersAccepted
	MonitorOrdersRejected
	MonitorOrdersCancelled
	MonitorFills
)

// Monitor logs the events selected by its flags before passing them on.
type Monitor struct {
	logger *zap.Logger
	flags  MonitorFlags
}

func NewMonitor(logger *zap.Logger, flags MonitorFlags) *Monitor {
	return &Monitor{
		logger: logger,
		flags:  flags,
	}
}

func (m *Monitor) enabled(flag MonitorFlags) bool {
	return m.flags&flag != 0 || m.flags&MonitorAll != 0
}

func (m *Monitor) WithBook(handler bus.BookEventHandler) bus.BookEventHandler {
	return func(ctx context.Context, book common.Book) {
		if m.enabled(MonitorBooks) {
			bid, _ := book.BestBid()
			ask, _ := book.BestAsk()
			m.logger.Info("event",
				zap.String("book", book.Symbol),
				zap.Stringer("bid", bid.Price),
				zap.Stringer("ask", ask.Price),
				zap.Stringer("mark", book.MarkPrice),
				zap.Time("ts", book.TimeStamp))
		}
		handler(ctx, book)
	}
}

func (m *Monitor) WithAccountState(handler bus.AccountStateEventHandler) bus.AccountStateEventHandler {
	return func(ctx context.Context, state common.AccountState) {
		if m.enabled(MonitorAccountState) {
			m.logger.Info("event",
				zap.String("account_state", state.Account),
				zap.Stringer("balance", state.Balance),
				zap.Stringer("equity", state.Equity),
				zap.Stringer("unrealized_pnl", state.UnrealizedPnL),
				zap.Stringer("drawdown", state.Drawdown))
		}
		handler(ctx, state)
	}
}

func (m *Monitor) WithOrderAccepted(handler bus.OrderAcceptanceEventHandler) bus.OrderAcceptanceEventHandler {
	return func(ctx context.Context, accepted common.OrderAccepted) {
		if m.enabled(MonitorOrdersAccepted) {
			m.logger.Info("event", zap.Any("order_accepted", accepted))
		}
		handler(ctx, accepted)
	}
}

func (m *Monitor) WithOrderRejected(handler bus.OrderRejectionEventHandler) bus.OrderRejectionEventHandler {
	return func(ctx context.Context, rejected common.OrderRejected) {
		if m.enabled(MonitorOrdersRejected) {
			m.logger.Info("event", zap.Any("order_rejected", rejected))
		}
		handler(ctx, rejected)
	}
}

func (m *Monitor) WithOrderCancelled(handler bus.OrderCancelledEventHandler) bus.OrderCancelledEventHandler {
	return func(ctx context.Context, cancelled common.OrderCancelled) {
		if m.enabled(MonitorOrdersCancelled) {
			m.logger.Info("event", zap.Any("order_cancelled", cancelled))
		}
		handler(ctx, cancelled)
	}
}

func (m *Monitor) WithFill(handler bus.FillEventHandler) bus.FillEventHandler {
	return func(ctx context.Context, report common.FillReport) {
		if m.enabled(MonitorFills) {
			m.logger.Info("event", zap.Any("fill", report))
		}
		handler(ctx, report)
	}
}
