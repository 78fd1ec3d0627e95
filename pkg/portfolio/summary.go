package portfolio

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

type Summary struct {
	Account        string
	InitialBalance fixed.Point
	FinalBalance   fixed.Point
	TotalPnL       fixed.Point
	TotalReturn    fixed.Point // percent
	TotalTrades    int
	WinningTrades  int
	WinRate        fixed.Point // percent
	TotalFees      fixed.Point
	RealizedPnL    fixed.Point
	MaxDrawdown    fixed.Point // percent
	OpenPositions  int
	OpenOrders     int
}

// Summary derives the session statistics from the current ledger. Open
// orders live in the engine, so their count is passed in.
func (t *Tracker) Summary(openOrders int) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Account:        t.account,
		InitialBalance: t.initialBalance,
		FinalBalance:   t.balance,
		TotalPnL:       t.balance.Sub(t.initialBalance),
		TotalTrades:    t.tradeCount,
		WinningTrades:  t.winCount,
		TotalFees:      t.fees,
		RealizedPnL:    t.realizedPnL,
		MaxDrawdown:    t.maxDrawdown.Mul(fixed.Hundred),
		OpenOrders:     openOrders,
	}

	s.TotalReturn = s.TotalPnL.Div(t.initialBalance).Mul(fixed.Hundred)
	if t.tradeCount > 0 {
		s.WinRate = fixed.FromInt(t.winCount, 0).Mul(fixed.Hundred).DivInt(t.tradeCount)
	}
	for _, pos := range t.positions {
		if !pos.IsFlat() {
			s.OpenPositions++
		}
	}
	return s
}

func (s Summary) Print(logger *zap.Logger) {
	logger.Info("paper trading summary",
		zap.String("account", s.Account),
		zap.String("initial_balance", s.InitialBalance.StringFixed(2)),
		zap.String("final_balance", s.FinalBalance.StringFixed(2)),
		zap.String("total_pnl", s.TotalPnL.StringFixed(2)),
		zap.String("total_return", fmt.Sprintf("%s%%", s.TotalReturn.StringFixed(2))),
		zap.Int("total_trades", s.TotalTrades),
		zap.String("win_rate", fmt.Sprintf("%s%%", s.WinRate.StringFixed(1))),
		zap.String("total_fees", s.TotalFees.StringFixed(4)),
		zap.String("max_drawdown", fmt.Sprintf("%s%%", s.MaxDrawdown.StringFixed(2))),
		zap.Int("open_positions", s.OpenPositions),
		zap.Int("open_orders", s.OpenOrders))
}
