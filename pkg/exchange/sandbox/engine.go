package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/exchange"
	"github.com/peter-kozarec/paperperp/pkg/portfolio"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
	"github.com/peter-kozarec/paperperp/pkg/utility"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const (
	engineComponentName = "exchange.sandbox.engine"

	defaultConcurrency  = 8
	defaultPollInterval = 10 * time.Millisecond
)

var ErrEngineClosed = errors.New("engine is shut down")

var _ exchange.Exchange = (*Engine)(nil)

// Engine is a paper exchange for one account. It holds the latest book per
// symbol, owns every open order and books fills into the account ledger.
//
// Evaluation passes are serialized; within a pass orders are evaluated
// concurrently and their fills applied one by one in submission order.
type Engine struct {
	cfg          Configuration
	logger       *zap.Logger
	router       *bus.Router
	tradeLog     tradelog.Sink
	clock        Clock
	evaluator    Evaluator
	latency      LatencyModel
	fees         FeeSchedule
	concurrency  int
	pollInterval time.Duration

	tracker *portfolio.Tracker

	booksMu  sync.RWMutex
	books    map[string]*common.Book
	sequence map[string]uint64

	passMu sync.Mutex

	ordersMu sync.Mutex
	open     []*common.Order
	// seen holds the book sequence each open order was last evaluated
	// against. An order sees every snapshot at most once.
	seen map[common.OrderId]uint64

	closed          atomic.Bool
	persistFailures atomic.Uint64
}

func NewEngine(cfg Configuration, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracker, err := portfolio.NewTracker(portfolio.Configuration{
		Account:        cfg.Account,
		InitialBalance: cfg.InitialBalance,
		MaxLeverage:    cfg.MaxLeverage,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		logger:       zap.NewNop(),
		clock:        systemClock{},
		evaluator:    NewBookEvaluator(cfg.BookDepth),
		latency:      NewLatencyModel(cfg.FillDelay),
		fees:         FeeSchedule{Maker: cfg.MakerFeeRate, Taker: cfg.TakerFeeRate},
		concurrency:  defaultConcurrency,
		pollInterval: defaultPollInterval,
		tracker:      tracker,
		books:        make(map[string]*common.Book),
		sequence:     make(map[string]uint64),
		seen:         make(map[common.OrderId]uint64),
	}

	for _, option := range options {
		option(e)
	}

	e.logger = e.logger.With(zap.String("account", cfg.Account))
	e.logger.Info("paper engine initialized",
		zap.Stringer("initial_balance", cfg.InitialBalance),
		zap.Stringer("max_leverage", cfg.MaxLeverage),
		zap.Duration("fill_delay", cfg.FillDelay),
		zap.Int("book_depth", cfg.BookDepth))

	return e, nil
}

func (e *Engine) Account() string { return e.cfg.Account }
func (e *Engine) Tracker() *portfolio.Tracker { return e.tracker }
func (e *Engine) Balance() fixed.Point { return e.tracker.Balance() }
func (e *Engine) Equity() fixed.Point { return e.tracker.Equity() }
func (e *Engine) UnrealizedPnL() fixed.Point { return e.tracker.UnrealizedPnL() }

// PersistenceFailures counts fills that were booked but not written to the
// trade log.
func (e *Engine) PersistenceFailures() uint64 { return e.persistFailures.Load() }

func (e *Engine) Position(symbol string) common.Position {
	return e.tracker.Position(symbol)
}

func (e *Engine) Book(symbol string) (common.Book, bool) {
	book, _, ok := e.snapshot(symbol)
	return book, ok
}

// snapshot returns the held book of the symbol with its sequence number,
// which grows by one with every book the engine receives.
func (e *Engine) snapshot(symbol string) (common.Book, uint64, bool) {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()

	book, ok := e.books[symbol]
	if !ok {
		return common.Book{}, 0, false
	}
	return *book, e.sequence[symbol], true
}

// Order returns a copy of an open order.
func (e *Engine) Order(id common.OrderId) (common.Order, bool) {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()

	if idx := e.indexOf(id); idx >= 0 {
		return *e.open[idx], true
	}
	return common.Order{}, false
}

// OpenOrders returns copies of all open orders in submission order.
func (e *Engine) OpenOrders() []common.Order {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()

	orders := make([]common.Order, 0, len(e.open))
	for _, o := range e.open {
		orders = append(orders, *o)
	}
	return orders
}

// Submit validates the request, runs the post-only and margin checks and
// queues the order. The returned order reflects its state when Submit
// returns, which is terminal already for immediately eligible MARKET orders.
func (e *Engine) Submit(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	return e.submit(ctx, req, e.latency.Delay())
}

func (e *Engine) submit(ctx context.Context, req common.OrderRequest, delay time.Duration) (common.Order, error) {
	if e.closed.Load() {
		return common.Order{}, ErrEngineClosed
	}

	id := utility.NewOrderID()
	now := e.clock.Now()

	if err := req.Validate(); err != nil {
		return common.Order{}, e.reject(req, id, now, err)
	}

	book, hasBook := e.Book(req.Symbol)
	if req.Type == common.OrderTypeLimit {
		if !hasBook {
			return common.Order{}, e.reject(req, id, now, fmt.Errorf("%w: no book to check post-only %s order", common.ErrStaleBook, req.Symbol))
		}
		if wouldCross(req.Side, req.Price, book) {
			return common.Order{}, e.reject(req, id, now, fmt.Errorf("%w: %w", common.ErrInvalidOrder, common.ErrPostOnlyWouldCross))
		}
	}

	if req.ReduceOnly {
		if err := e.checkReduceOnly(req); err != nil {
			return common.Order{}, e.reject(req, id, now, err)
		}
	} else {
		price := req.Price
		if req.Type == common.OrderTypeMarket {
			levels := book.Opposing(req.Side)
			if !hasBook || len(levels) == 0 {
				return common.Order{}, e.reject(req, id, now, fmt.Errorf("%w: cannot price market order on %s", common.ErrStaleBook, req.Symbol))
			}
			price = levels[0].Price
		}
		if err := e.tracker.Reserve(id, req.Size.Mul(price)); err != nil {
			return common.Order{}, e.reject(req, id, now, err)
		}
	}

	order := &common.Order{
		Id:            id,
		Account:       e.cfg.Account,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Size:          req.Size,
		RemainingSize: req.Size,
		FilledSize:    fixed.Zero,
		ReduceOnly:    req.ReduceOnly,
		State:         common.OrderStateCreated,
		SubmittedAt:   now,
		EligibleAt:    now.Add(delay),
		Source:        engineComponentName,
		SessionId:     utility.GetSessionID(),
		TimeStamp:     now,
	}
	if err := order.Transition(common.OrderStateDelayed); err != nil {
		e.tracker.Release(id)
		return common.Order{}, e.reject(req, id, now, err)
	}

	e.ordersMu.Lock()
	e.open = append(e.open, order)
	accepted := *order
	e.ordersMu.Unlock()

	e.logger.Info("order accepted",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.Stringer("side", req.Side),
		zap.Stringer("type", req.Type),
		zap.Stringer("size", req.Size),
		zap.Stringer("price", req.Price),
		zap.Bool("reduce_only", req.ReduceOnly))
	e.post(bus.OrderAcceptanceEvent, common.OrderAccepted{
		Order:     accepted,
		Source:    engineComponentName,
		Account:   e.cfg.Account,
		SessionId: utility.GetSessionID(),
		TimeStamp: now,
	})

	if hasBook && e.latency.Eligible(accepted, e.clock.Now()) {
		e.evaluate(ctx, req.Symbol)
	}

	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()
	return *order, nil
}

func (e *Engine) checkReduceOnly(req common.OrderRequest) error {
	pos := e.tracker.Position(req.Symbol)
	if pos.IsFlat() || pos.Size.Sign() == req.Side.Direction().Sign() {
		return fmt.Errorf("%w: reduce-only %s has no %s position to reduce", common.ErrInvalidOrder, req.Side, req.Symbol)
	}
	if req.Size.Gt(pos.Size.Abs()) {
		return fmt.Errorf("%w: reduce-only size %s exceeds position %s", common.ErrInvalidOrder, req.Size, pos.Size.Abs())
	}
	return nil
}

func (e *Engine) reject(req common.OrderRequest, id common.OrderId, now time.Time, err error) error {
	e.logger.Warn("order rejected",
		zap.String("order_id", id),
		zap.String("symbol", req.Symbol),
		zap.Stringer("side", req.Side),
		zap.Stringer("type", req.Type),
		zap.Error(err))
	e.post(bus.OrderRejectionEvent, common.OrderRejected{
		Request:   req,
		OrderId:   id,
		Reason:    err.Error(),
		Err:       err,
		Source:    engineComponentName,
		Account:   e.cfg.Account,
		SessionId: utility.GetSessionID(),
		TimeStamp: now,
	})
	return err
}

// Cancel moves a non-terminal order to Cancelled. It never waits for an
// evaluation in progress; a fill already decided for the order is still
// booked, and the order stays cancelled.
func (e *Engine) Cancel(_ context.Context, id common.OrderId) error {
	if !e.cancel(id, "cancelled by caller") {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}
	return nil
}

// CancelAll cancels every open order of the symbol, or of all symbols when
// symbol is empty, and returns how many were cancelled.
func (e *Engine) CancelAll(_ context.Context, symbol string) int {
	e.ordersMu.Lock()
	ids := make([]common.OrderId, 0, len(e.open))
	for _, o := range e.open {
		if symbol == "" || o.Symbol == symbol {
			ids = append(ids, o.Id)
		}
	}
	e.ordersMu.Unlock()

	count := 0
	for _, id := range ids {
		if e.cancel(id, "cancel all") {
			count++
		}
	}
	e.logger.Info("cancelled open orders", zap.Int("count", count), zap.String("symbol", symbol))
	return count
}

// Amend replaces a resting LIMIT order with a new price and size. A zero
// price or size keeps the current value. The replacement is a new order and
// goes through every submission check.
func (e *Engine) Amend(ctx context.Context, id common.OrderId, price, size fixed.Point) (common.Order, error) {
	current, ok := e.Order(id)
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}
	if current.Type != common.OrderTypeLimit {
		return common.Order{}, fmt.Errorf("%w: only limit orders can be amended", common.ErrInvalidOrder)
	}

	req := common.OrderRequest{
		Symbol:     current.Symbol,
		Side:       current.Side,
		Type:       current.Type,
		Size:       current.RemainingSize,
		Price:      current.Price,
		ReduceOnly: current.ReduceOnly,
	}
	if price.IsPos() {
		req.Price = price
	}
	if size.IsPos() {
		req.Size = size
	}

	if !e.cancel(id, "amended") {
		return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, id)
	}
	return e.Submit(ctx, req)
}

// ClosePositions flattens every open position with reduce-only MARKET
// orders. The orders skip the fill delay and execute against the held book.
func (e *Engine) ClosePositions(ctx context.Context) error {
	var errs []error
	for _, pos := range e.tracker.Positions() {
		req := common.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       common.OrderSideSell,
			Type:       common.OrderTypeMarket,
			Size:       pos.Size.Abs(),
			ReduceOnly: true,
		}
		if pos.IsShort() {
			req.Side = common.OrderSideBuy
		}
		if _, ok := e.Book(pos.Symbol); !ok {
			errs = append(errs, fmt.Errorf("close %s: %w", pos.Symbol, common.ErrStaleBook))
			continue
		}
		if _, err := e.submit(ctx, req, 0); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pos.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown cancels all orders, flattens positions, closes the trade log and
// logs the session summary. The engine accepts no orders afterwards.
func (e *Engine) Shutdown(ctx context.Context) portfolio.Summary {
	e.logger.Warn("shutting down paper engine, cancelling all orders and closing positions")

	e.CancelAll(ctx, "")
	if err := e.ClosePositions(ctx); err != nil {
		e.logger.Error("unable to close all positions", zap.Error(err))
	}
	e.closed.Store(true)

	if e.tradeLog != nil {
		if err := e.tradeLog.Close(); err != nil {
			e.logger.Warn("unable to close trade log", zap.Error(err))
		}
	}

	summary := e.Summary()
	summary.Print(e.logger)
	return summary
}

func (e *Engine) Summary() portfolio.Summary {
	e.ordersMu.Lock()
	openOrders := len(e.open)
	e.ordersMu.Unlock()
	return e.tracker.Summary(openOrders)
}

// OnBook replaces the held snapshot of the book's symbol, revalues the
// account and evaluates the symbol's eligible orders. It satisfies
// bus.BookEventHandler.
func (e *Engine) OnBook(ctx context.Context, book common.Book) {
	if book.Symbol == "" {
		e.logger.Warn("dropping book without symbol")
		return
	}

	snapshot := book.Normalize()
	e.booksMu.Lock()
	e.books[book.Symbol] = &snapshot
	e.sequence[book.Symbol]++
	e.booksMu.Unlock()

	if mark, ok := snapshot.Mark(); ok {
		state := e.tracker.UpdateMark(snapshot.Symbol, mark, e.clock.Now())
		e.post(bus.AccountStateEvent, state)
	}

	e.evaluate(ctx, book.Symbol)
}

// Run re-evaluates delayed orders whose fill delay has elapsed, so they fill
// against the held book without waiting for the next update. It returns when
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Poll(ctx)
		}
	}
}

// Poll runs one evaluation pass over every symbol with open orders. Only
// orders that have not yet been evaluated against the held book take part.
func (e *Engine) Poll(ctx context.Context) {
	e.ordersMu.Lock()
	symbols := make([]string, 0, len(e.open))
	for _, o := range e.open {
		if !slices.Contains(symbols, o.Symbol) {
			symbols = append(symbols, o.Symbol)
		}
	}
	e.ordersMu.Unlock()

	sort.Strings(symbols)
	for _, symbol := range symbols {
		e.evaluate(ctx, symbol)
	}
}

type candidate struct {
	order    *common.Order
	snapshot common.Order
}

func (e *Engine) evaluate(ctx context.Context, symbol string) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	book, seq, ok := e.snapshot(symbol)
	if !ok {
		return
	}

	now := e.clock.Now()
	candidates := e.eligible(symbol, seq, now)
	if len(candidates) == 0 {
		return
	}

	outcomes := make([]Outcome, len(candidates))
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			outcomes[i] = e.evaluator.Evaluate(c.snapshot, book)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range candidates {
		e.settle(ctx, c.order, outcomes[i], now)
	}
}

// eligible collects the orders of the symbol whose fill delay elapsed and
// that have not been evaluated against book seq yet, and marks them as seen.
func (e *Engine) eligible(symbol string, seq uint64, now time.Time) []candidate {
	e.ordersMu.Lock()
	defer e.ordersMu.Unlock()

	var candidates []candidate
	for _, o := range e.open {
		if o.Symbol != symbol || o.State.IsTerminal() || !e.latency.Eligible(*o, now) {
			continue
		}
		if last, ok := e.seen[o.Id]; ok && last >= seq {
			continue
		}
		e.seen[o.Id] = seq
		candidates = append(candidates, candidate{order: o, snapshot: *o})
	}
	return candidates
}

func (e *Engine) settle(ctx context.Context, order *common.Order, outcome Outcome, now time.Time) {
	e.ordersMu.Lock()
	snapshot := *order
	if outcome.Kind == NoFill && snapshot.Type == common.OrderTypeLimit {
		if order.State == common.OrderStateDelayed || order.State == common.OrderStatePartiallyFilled {
			_ = order.Transition(common.OrderStateResting)
		}
		e.ordersMu.Unlock()
		return
	}
	e.ordersMu.Unlock()

	size := fixed.Min(outcome.Size, snapshot.RemainingSize)
	if snapshot.ReduceOnly {
		size = fixed.Min(size, e.reducible(snapshot))
	}
	if outcome.Kind == NoFill || !size.IsPos() {
		if snapshot.Type == common.OrderTypeMarket || snapshot.ReduceOnly {
			e.cancel(snapshot.Id, "no fillable liquidity")
		}
		return
	}

	fill := common.Fill{
		OrderId:   snapshot.Id,
		Symbol:    snapshot.Symbol,
		Side:      snapshot.Side,
		Type:      snapshot.Type,
		Price:     outcome.Price,
		Size:      size,
		IsMaker:   outcome.IsMaker,
		Source:    engineComponentName,
		Account:   e.cfg.Account,
		SessionId: utility.GetSessionID(),
		TimeStamp: now,
	}
	fill.Fee = e.fees.Fee(fill.Notional(), fill.IsMaker)

	if !snapshot.ReduceOnly {
		if err := e.tracker.CheckFill(snapshot.Id, fill); err != nil {
			e.logger.Warn("fill exceeds available margin, cancelling remainder",
				zap.String("order_id", snapshot.Id), zap.Error(err))
			e.cancel(snapshot.Id, err.Error())
			return
		}
	}

	result := e.tracker.Apply(fill)

	e.ordersMu.Lock()
	if err := order.ApplyFill(size); err != nil {
		e.logger.Error("unable to record fill on order", zap.String("order_id", order.Id), zap.Error(err))
	}
	if order.State.IsTerminal() {
		e.remove(order.Id)
		e.tracker.Release(order.Id)
	} else if order.Type == common.OrderTypeLimit {
		e.tracker.Rereserve(order.Id, order.RemainingSize.Mul(order.Price))
	}
	e.ordersMu.Unlock()

	report := common.FillReport{
		Fill:         fill,
		RealizedPnL:  result.RealizedPnL,
		Balance:      result.Balance,
		PositionSize: result.Position.Size,
		EntryPrice:   result.Position.EntryPrice,
	}

	e.logger.Info("order filled",
		zap.String("order_id", fill.OrderId),
		zap.String("symbol", fill.Symbol),
		zap.Stringer("side", fill.Side),
		zap.Stringer("type", fill.Type),
		zap.Stringer("size", fill.Size),
		zap.Stringer("price", fill.Price),
		zap.Stringer("fee", fill.Fee),
		zap.Bool("is_maker", fill.IsMaker),
		zap.Stringer("realized_pnl", result.RealizedPnL),
		zap.Stringer("balance", result.Balance))

	e.persist(ctx, report)
	e.post(bus.FillEvent, report)
	e.post(bus.AccountStateEvent, e.tracker.State(now))

	if snapshot.Type == common.OrderTypeMarket {
		e.cancel(snapshot.Id, "immediate-or-cancel remainder")
	}
}

// reducible is how much of the order may still execute without growing or
// flipping the position.
func (e *Engine) reducible(order common.Order) fixed.Point {
	pos := e.tracker.Position(order.Symbol)
	if pos.IsFlat() || pos.Size.Sign() == order.Side.Direction().Sign() {
		return fixed.Zero
	}
	return pos.Size.Abs()
}

func (e *Engine) persist(ctx context.Context, report common.FillReport) {
	if e.tradeLog == nil {
		return
	}
	if err := e.tradeLog.Write(ctx, tradelog.NewRecord(report)); err != nil {
		e.persistFailures.Add(1)
		e.logger.Warn("fill booked but not persisted",
			zap.String("order_id", report.Fill.OrderId),
			zap.Error(fmt.Errorf("%w: %w", common.ErrPersistence, err)))
	}
}

// cancel moves a non-terminal order to Cancelled, drops its margin
// reservation and reports the unfilled size. It returns false when the order
// is unknown or already terminal.
func (e *Engine) cancel(id common.OrderId, reason string) bool {
	e.ordersMu.Lock()
	idx := e.indexOf(id)
	if idx < 0 {
		e.ordersMu.Unlock()
		return false
	}
	order := e.open[idx]
	if err := order.Transition(common.OrderStateCancelled); err != nil {
		e.ordersMu.Unlock()
		return false
	}
	e.remove(id)
	e.tracker.Release(id)
	cancelled := *order
	e.ordersMu.Unlock()

	now := e.clock.Now()
	e.logger.Info("order cancelled",
		zap.String("order_id", id),
		zap.Stringer("filled", cancelled.FilledSize),
		zap.Stringer("cancelled", cancelled.RemainingSize),
		zap.String("reason", reason))
	e.post(bus.OrderCancelledEvent, common.OrderCancelled{
		Order:         cancelled,
		CancelledSize: cancelled.RemainingSize,
		Reason:        reason,
		Source:        engineComponentName,
		Account:       e.cfg.Account,
		SessionId:     utility.GetSessionID(),
		TimeStamp:     now,
	})
	return true
}

// indexOf and remove expect ordersMu to be held.
func (e *Engine) indexOf(id common.OrderId) int {
	return slices.IndexFunc(e.open, func(o *common.Order) bool { return o.Id == id })
}

func (e *Engine) remove(id common.OrderId) {
	e.open = slices.DeleteFunc(e.open, func(o *common.Order) bool { return o.Id == id })
	delete(e.seen, id)
}

func (e *Engine) post(id bus.EventId, data any) {
	if e.router == nil {
		return
	}
	if err := e.router.Post(id, data); err != nil {
		e.logger.Warn("unable to post event", zap.Stringer("event", id), zap.Error(err))
	}
}
