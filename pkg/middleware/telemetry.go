package middleware

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
)

// Telemetry exports bus traffic as Prometheus metrics.
type Telemetry struct {
	logger *zap.Logger

	books          *prometheus.CounterVec
	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	fills          *prometheus.CounterVec
	filledVolume   *prometheus.CounterVec
	fees           *prometheus.GaugeVec
	realizedPnL    *prometheus.GaugeVec
	balance        *prometheus.GaugeVec
	equity         *prometheus.GaugeVec
	drawdown       *prometheus.GaugeVec
	maxDrawdown    *prometheus.GaugeVec
	positionSize   *prometheus.GaugeVec
}

// NewTelemetry registers the metrics with reg, which is usually
// prometheus.DefaultRegisterer.
func NewTelemetry(logger *zap.Logger, reg prometheus.Registerer) *Telemetry {
	f := promauto.With(reg)
	return &Telemetry{
		logger: logger,
		books: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_book_updates_total",
			Help: "Order book snapshots received per symbol",
		}, []string{"symbol"}),
		ordersAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_orders_accepted_total",
			Help: "Orders accepted by the paper engine",
		}, []string{"account", "type"}),
		ordersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_orders_rejected_total",
			Help: "Orders rejected at submission, by reason",
		}, []string{"account", "reason"}),
		ordersCanceled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_orders_cancelled_total",
			Help: "Orders cancelled, including discarded market order remainders",
		}, []string{"account"}),
		fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_fills_total",
			Help: "Fills booked, by liquidity side",
		}, []string{"account", "symbol", "liquidity"}),
		filledVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paper_filled_notional_total",
			Help: "Notional value of booked fills",
		}, []string{"account", "symbol"}),
		fees: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_fees",
			Help: "Net fees paid, negative when rebates dominate",
		}, []string{"account"}),
		realizedPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_realized_pnl",
			Help: "Realized PnL accumulated over the session",
		}, []string{"account"}),
		balance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_balance",
			Help: "Account balance",
		}, []string{"account"}),
		equity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_equity",
			Help: "Balance plus unrealized PnL at mark",
		}, []string{"account"}),
		drawdown: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_drawdown_ratio",
			Help: "Current decline of equity from its peak",
		}, []string{"account"}),
		maxDrawdown: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_max_drawdown_ratio",
			Help: "Largest drawdown of the session",
		}, []string{"account"}),
		positionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paper_position_size",
			Help: "Signed position size per symbol",
		}, []string{"account", "symbol"}),
	}
}

func (t *Telemetry) WithBook(handler bus.BookEventHandler) bus.BookEventHandler {
	return func(ctx context.Context, book common.Book) {
		t.books.WithLabelValues(book.Symbol).Inc()
		handler(ctx, book)
	}
}

func (t *Telemetry) WithAccountState(handler bus.AccountStateEventHandler) bus.AccountStateEventHandler {
	return func(ctx context.Context, state common.AccountState) {
		t.balance.WithLabelValues(state.Account).Set(toFloat(state.Balance))
		t.equity.WithLabelValues(state.Account).Set(toFloat(state.Equity))
		t.drawdown.WithLabelValues(state.Account).Set(toFloat(state.Drawdown))
		t.maxDrawdown.WithLabelValues(state.Account).Set(toFloat(state.MaxDrawdown))
		handler(ctx, state)
	}
}

func (t *Telemetry) WithOrderAccepted(handler bus.OrderAcceptanceEventHandler) bus.OrderAcceptanceEventHandler {
	return func(ctx context.Context, accepted common.OrderAccepted) {
		t.ordersAccepted.WithLabelValues(accepted.Account, accepted.Order.Type.String()).Inc()
		handler(ctx, accepted)
	}
}

func (t *Telemetry) WithOrderRejected(handler bus.OrderRejectionEventHandler) bus.OrderRejectionEventHandler {
	return func(ctx context.Context, rejected common.OrderRejected) {
		reason := rejectionReason(rejected.Err)
		if reason == "other" {
			t.logger.Debug("unclassified order rejection", zap.String("reason", rejected.Reason), zap.Error(rejected.Err))
		}
		t.ordersRejected.WithLabelValues(rejected.Account, reason).Inc()
		handler(ctx, rejected)
	}
}

func (t *Telemetry) WithOrderCancelled(handler bus.OrderCancelledEventHandler) bus.OrderCancelledEventHandler {
	return func(ctx context.Context, cancelled common.OrderCancelled) {
		t.ordersCanceled.WithLabelValues(cancelled.Account).Inc()
		handler(ctx, cancelled)
	}
}

func (t *Telemetry) WithFill(handler bus.FillEventHandler) bus.FillEventHandler {
	return func(ctx context.Context, report common.FillReport) {
		fill := report.Fill
		liquidity := "taker"
		if fill.IsMaker {
			liquidity = "maker"
		}
		t.fills.WithLabelValues(fill.Account, fill.Symbol, liquidity).Inc()
		t.filledVolume.WithLabelValues(fill.Account, fill.Symbol).Add(toFloat(fill.Notional()))
		t.fees.WithLabelValues(fill.Account).Add(toFloat(fill.Fee))
		t.realizedPnL.WithLabelValues(fill.Account).Add(toFloat(report.RealizedPnL))
		t.balance.WithLabelValues(fill.Account).Set(toFloat(report.Balance))
		t.positionSize.WithLabelValues(fill.Account, fill.Symbol).Set(toFloat(report.PositionSize))
		handler(ctx, report)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, common.ErrPostOnlyWouldCross):
		return "post_only"
	case errors.Is(err, common.ErrInsufficientMargin):
		return "margin"
	case errors.Is(err, common.ErrStaleBook):
		return "stale_book"
	case errors.Is(err, common.ErrInvalidOrder):
		return "invalid"
	default:
		return "other"
	}
}

func toFloat(p interface{ Float64() (float64, bool) }) float64 {
	f, _ := p.Float64()
	return f
}
