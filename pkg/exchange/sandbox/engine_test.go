package sandbox

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const testSymbol = "ETH-USD-PERP"

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memorySink struct {
	mu      sync.Mutex
	records []tradelog.Record
	err     error
	closed  bool
}

func (s *memorySink) Write(_ context.Context, r tradelog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) Records() []tradelog.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tradelog.Record(nil), s.records...)
}

type testEngine struct {
	*Engine
	clock *fakeClock
	sink  *memorySink
}

func newTestEngine(t *testing.T, delay time.Duration, options ...Option) *testEngine {
	t.Helper()

	cfg := DefaultConfiguration()
	cfg.Account = "primary"
	cfg.FillDelay = delay

	clock := &fakeClock{now: testEpoch}
	sink := &memorySink{}
	options = append([]Option{WithLogger(zap.NewNop()), WithClock(clock), WithTradeLog(sink)}, options...)

	e, err := NewEngine(cfg, options...)
	require.NoError(t, err)
	return &testEngine{Engine: e, clock: clock, sink: sink}
}

func testBook(bids, asks []common.Level) common.Book {
	return common.Book{Symbol: testSymbol, Bids: bids, Asks: asks, TimeStamp: testEpoch}
}

func limit(side common.OrderSide, size, price string) common.OrderRequest {
	return common.OrderRequest{
		Symbol: testSymbol,
		Side:   side,
		Type:   common.OrderTypeLimit,
		Size:   fixed.MustFromString(size),
		Price:  fixed.MustFromString(price),
	}
}

func market(side common.OrderSide, size string) common.OrderRequest {
	return common.OrderRequest{
		Symbol: testSymbol,
		Side:   side,
		Type:   common.OrderTypeMarket,
		Size:   fixed.MustFromString(size),
	}
}

func requirePoint(t *testing.T, expected string, actual fixed.Point) {
	t.Helper()
	require.True(t, actual.Eq(fixed.MustFromString(expected)), "expected %s, got %s", expected, actual)
}

func TestNewEngine_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Configuration)
	}{
		{"zero balance", func(c *Configuration) { c.InitialBalance = fixed.Zero }},
		{"negative leverage", func(c *Configuration) { c.MaxLeverage = fixed.NegOne }},
		{"negative delay", func(c *Configuration) { c.FillDelay = -time.Millisecond }},
		{"zero depth", func(c *Configuration) { c.BookDepth = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfiguration()
			tt.modify(&cfg)
			_, err := NewEngine(cfg)
			assert.ErrorIs(t, err, common.ErrInvalidConfiguration)
		})
	}
}

func TestEngine_MakerRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultFillDelay)

	e.OnBook(ctx, testBook(levels("100.40", "20"), levels("100.60", "20")))

	buy, err := e.Submit(ctx, limit(common.OrderSideBuy, "15", "100.50"))
	require.NoError(t, err)
	assert.Equal(t, common.OrderStateDelayed, buy.State)
	assert.Equal(t, testEpoch.Add(DefaultFillDelay), buy.EligibleAt)

	// The book reaches the order before its fill delay elapsed.
	e.OnBook(ctx, testBook(levels("100.30", "20"), levels("100.50", "20")))
	o, ok := e.Order(buy.Id)
	require.True(t, ok)
	assert.Equal(t, common.OrderStateDelayed, o.State)

	e.clock.Advance(DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("100.30", "20"), levels("100.50", "20")))

	_, ok = e.Order(buy.Id)
	assert.False(t, ok)
	requirePoint(t, "1000.3015", e.Balance())
	requirePoint(t, "15", e.Position(testSymbol).Size)
	requirePoint(t, "100.50", e.Position(testSymbol).EntryPrice)

	e.OnBook(ctx, testBook(levels("100.60", "20"), levels("100.70", "20")))
	sell, err := e.Submit(ctx, limit(common.OrderSideSell, "15", "100.65"))
	require.NoError(t, err)

	e.clock.Advance(DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("100.65", "15"), levels("100.70", "20")))

	_, ok = e.Order(sell.Id)
	assert.False(t, ok)
	requirePoint(t, "1002.85345", e.Balance())
	assert.True(t, e.Position(testSymbol).IsFlat())

	records := e.sink.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].IsMaker)
	requirePoint(t, "-0.3015", records[0].Fee)
	requirePoint(t, "15", records[0].PositionSize)
	requirePoint(t, "2.25", records[1].RealizedPnL)
	requirePoint(t, "-0.30195", records[1].Fee)
	requirePoint(t, "0", records[1].PositionSize)
	assert.Equal(t, testEpoch.Add(2*DefaultFillDelay), records[1].TimeStamp)
}

func TestEngine_PartialFillConservation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)

	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))
	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "10", "100"))
	require.NoError(t, err)
	assert.Equal(t, common.OrderStateResting, order.State)

	first := testBook(levels("99", "10"), levels("100", "3", "101", "10"))
	first.MarkPrice = fixed.FromInt(100, 0)
	second := testBook(levels("99", "10"), levels("100", "4", "101", "10"))
	second.MarkPrice = fixed.FromInt(100, 0)
	e.OnBook(ctx, first)
	e.OnBook(ctx, second)

	o, ok := e.Order(order.Id)
	require.True(t, ok)
	requirePoint(t, "3", o.RemainingSize)
	requirePoint(t, "7", o.FilledSize)
	assert.Equal(t, common.OrderStatePartiallyFilled, o.State)

	records := e.sink.Records()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.True(t, r.IsMaker)
		assert.Equal(t, order.Id, r.OrderId)
	}
	requirePoint(t, "3", records[0].Size)
	requirePoint(t, "4", records[1].Size)

	// 7 filled at mark 100 plus 3 still resting at 100, over leverage 5.
	requirePoint(t, "200", e.Tracker().UsedMargin())

	// Without liquidity at its price the remainder rests again.
	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))
	o, ok = e.Order(order.Id)
	require.True(t, ok)
	assert.Equal(t, common.OrderStateResting, o.State)
	requirePoint(t, "7", o.FilledSize)
	requirePoint(t, "3", o.RemainingSize)
}

func TestEngine_BookLiquidityIsTakenOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)

	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))
	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "20", "100"))
	require.NoError(t, err)

	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "5", "101", "10")))
	for i := 0; i < 3; i++ {
		e.Poll(ctx)
	}
	for i := 0; i < 3; i++ {
		_, err := e.Submit(ctx, limit(common.OrderSideSell, "1", "105"))
		require.NoError(t, err)
	}

	requirePoint(t, "5", e.Position(testSymbol).Size)
	require.Len(t, e.sink.Records(), 1)
	o, ok := e.Order(order.Id)
	require.True(t, ok)
	requirePoint(t, "15", o.RemainingSize)

	// A new book may offer the same level again.
	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "5", "101", "10")))
	requirePoint(t, "10", e.Position(testSymbol).Size)
	require.Len(t, e.sink.Records(), 2)
}

func TestEngine_LimitWithoutBook(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)

	_, err := e.Submit(ctx, limit(common.OrderSideBuy, "1", "110"))
	assert.ErrorIs(t, err, common.ErrStaleBook)
	assert.Empty(t, e.OpenOrders())
	requirePoint(t, "1000", e.Tracker().Available())

	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "10")))
	assert.Empty(t, e.sink.Records())
	assert.True(t, e.Position(testSymbol).IsFlat())
}

func TestEngine_MarketPartialCancelsRemainder(t *testing.T) {
	ctx := context.Background()
	router := bus.NewRouter(zap.NewNop(), 100)
	var cancelled []common.OrderCancelled
	router.OnOrderCancel = func(_ context.Context, oc common.OrderCancelled) { cancelled = append(cancelled, oc) }

	e := newTestEngine(t, 0, WithRouter(router))
	e.OnBook(ctx, testBook(nil, levels("100", "10", "101", "10", "102", "10")))

	order, err := e.Submit(ctx, market(common.OrderSideBuy, "50"))
	require.NoError(t, err)
	assert.Equal(t, common.OrderStateCancelled, order.State)
	requirePoint(t, "30", order.FilledSize)
	requirePoint(t, "20", order.RemainingSize)

	records := e.sink.Records()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsMaker)
	requirePoint(t, "101", records[0].Price)
	requirePoint(t, "1.515", records[0].Fee)
	requirePoint(t, "30", e.Position(testSymbol).Size)

	router.Drain(ctx)
	require.Len(t, cancelled, 1)
	requirePoint(t, "20", cancelled[0].CancelledSize)
	assert.Empty(t, e.OpenOrders())
}

func TestEngine_MarketWithoutLiquidity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)

	_, err := e.Submit(ctx, market(common.OrderSideBuy, "1"))
	assert.ErrorIs(t, err, common.ErrStaleBook)

	e.OnBook(ctx, testBook(levels("99", "1"), nil))
	_, err = e.Submit(ctx, market(common.OrderSideBuy, "1"))
	assert.ErrorIs(t, err, common.ErrStaleBook)
	assert.Empty(t, e.sink.Records())
}

func TestEngine_Rejections(t *testing.T) {
	ctx := context.Background()
	router := bus.NewRouter(zap.NewNop(), 100)
	var rejected []common.OrderRejected
	router.OnOrderRejection = func(_ context.Context, or common.OrderRejected) { rejected = append(rejected, or) }

	e := newTestEngine(t, DefaultFillDelay, WithRouter(router))
	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "10")))

	tests := []struct {
		name string
		req  common.OrderRequest
		err  error
	}{
		{"zero size", limit(common.OrderSideBuy, "0", "99"), common.ErrInvalidOrder},
		{"negative price", limit(common.OrderSideBuy, "1", "-1"), common.ErrInvalidOrder},
		{"post-only buy crosses", limit(common.OrderSideBuy, "1", "100"), common.ErrPostOnlyWouldCross},
		{"post-only sell crosses", limit(common.OrderSideSell, "1", "98.5"), common.ErrPostOnlyWouldCross},
		{"crossing is an invalid order", limit(common.OrderSideBuy, "1", "100.5"), common.ErrInvalidOrder},
		{"insufficient margin", limit(common.OrderSideBuy, "60", "90"), common.ErrInsufficientMargin},
		{"reduce-only without position", common.OrderRequest{
			Symbol: testSymbol, Side: common.OrderSideSell, Type: common.OrderTypeLimit,
			Size: fixed.One, Price: fixed.FromInt(101, 0), ReduceOnly: true,
		}, common.ErrInvalidOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	requirePoint(t, "1000", e.Balance())
	requirePoint(t, "1000", e.Tracker().Available())
	assert.Empty(t, e.OpenOrders())
	assert.Empty(t, e.sink.Records())

	router.Drain(ctx)
	assert.Len(t, rejected, len(tests))
}

func TestEngine_DelayedOrderFillsOnPoll(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultFillDelay)

	e.OnBook(ctx, testBook(levels("99.5", "10"), levels("100.5", "10")))
	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "5", "100"))
	require.NoError(t, err)

	e.OnBook(ctx, testBook(levels("99.5", "10"), levels("100", "10")))
	e.Poll(ctx)
	o, ok := e.Order(order.Id)
	require.True(t, ok)
	assert.Equal(t, common.OrderStateDelayed, o.State)

	e.clock.Advance(DefaultFillDelay)
	e.Poll(ctx)

	_, ok = e.Order(order.Id)
	assert.False(t, ok)
	requirePoint(t, "5", e.Position(testSymbol).Size)
}

func TestEngine_Run(t *testing.T) {
	e := newTestEngine(t, DefaultFillDelay, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.OnBook(ctx, testBook(levels("99.5", "10"), levels("100.5", "10")))
	_, err := e.Submit(ctx, limit(common.OrderSideBuy, "5", "100"))
	require.NoError(t, err)
	e.OnBook(ctx, testBook(levels("99.5", "10"), levels("100", "10")))
	e.clock.Advance(DefaultFillDelay)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Position(testSymbol).IsLong() }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))

	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "20", "100"))
	require.NoError(t, err)
	requirePoint(t, "600", e.Tracker().Available())

	require.NoError(t, e.Cancel(ctx, order.Id))
	requirePoint(t, "1000", e.Tracker().Available())
	assert.ErrorIs(t, e.Cancel(ctx, order.Id), common.ErrOrderNotFound)

	// The book reaching the price no longer fills a cancelled order.
	e.clock.Advance(DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "10")))
	assert.True(t, e.Position(testSymbol).IsFlat())
	assert.Empty(t, e.sink.Records())
}

func TestEngine_CancelAllAndAmend(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))

	first, err := e.Submit(ctx, limit(common.OrderSideBuy, "2", "98"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, limit(common.OrderSideSell, "2", "102"))
	require.NoError(t, err)

	amended, err := e.Amend(ctx, first.Id, fixed.FromInt(97, 0), fixed.Zero)
	require.NoError(t, err)
	assert.NotEqual(t, first.Id, amended.Id)
	requirePoint(t, "97", amended.Price)
	requirePoint(t, "2", amended.Size)
	_, ok := e.Order(first.Id)
	assert.False(t, ok)

	// The original is gone even when its replacement is rejected.
	_, err = e.Amend(ctx, amended.Id, fixed.FromInt(101, 0), fixed.Zero)
	assert.ErrorIs(t, err, common.ErrPostOnlyWouldCross)
	_, ok = e.Order(amended.Id)
	assert.False(t, ok)

	_, err = e.Amend(ctx, "paper_missing", fixed.One, fixed.One)
	assert.ErrorIs(t, err, common.ErrOrderNotFound)

	assert.Equal(t, 1, e.CancelAll(ctx, "BTC-USD-PERP")+len(e.OpenOrders()))
	assert.Equal(t, 1, e.CancelAll(ctx, ""))
	assert.Empty(t, e.OpenOrders())
	requirePoint(t, "1000", e.Tracker().Available())
}

type blockingEvaluator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEvaluator) Evaluate(order common.Order, _ common.Book) Outcome {
	close(b.started)
	<-b.release
	return Outcome{Kind: FullFill, Size: order.RemainingSize, Price: order.Price, IsMaker: true}
}

func TestEngine_FillInFlightSurvivesCancel(t *testing.T) {
	ctx := context.Background()
	ev := &blockingEvaluator{started: make(chan struct{}), release: make(chan struct{})}
	e := newTestEngine(t, DefaultFillDelay, WithEvaluator(ev))

	e.OnBook(ctx, testBook(levels("99", "10"), levels("101", "10")))
	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "5", "100"))
	require.NoError(t, err)
	e.clock.Advance(DefaultFillDelay)

	polled := make(chan struct{})
	go func() {
		e.Poll(ctx)
		close(polled)
	}()

	<-ev.started
	require.NoError(t, e.Cancel(ctx, order.Id))
	close(ev.release)
	<-polled

	requirePoint(t, "5", e.Position(testSymbol).Size)
	require.Len(t, e.sink.Records(), 1)
	assert.Empty(t, e.OpenOrders())
	requirePoint(t, "100", e.Tracker().UsedMargin())
}

func TestEngine_FillBeyondMarginCancelsRemainder(t *testing.T) {
	ctx := context.Background()
	router := bus.NewRouter(zap.NewNop(), 100)
	var cancelled []common.OrderCancelled
	router.OnOrderCancel = func(_ context.Context, oc common.OrderCancelled) { cancelled = append(cancelled, oc) }
	e := newTestEngine(t, 0, WithRouter(router))

	e.OnBook(ctx, testBook(levels("99", "100"), levels("100", "100")))
	_, err := e.Submit(ctx, market(common.OrderSideBuy, "5"))
	require.NoError(t, err)
	requirePoint(t, "5", e.Position(testSymbol).Size)

	order, err := e.Submit(ctx, limit(common.OrderSideBuy, "40", "95"))
	require.NoError(t, err)
	assert.Equal(t, common.OrderStateResting, order.State)
	balance := e.Balance()

	crash := testBook(levels("19", "10"), levels("95", "100"))
	crash.MarkPrice = fixed.FromInt(20, 0)
	e.OnBook(ctx, crash)

	_, ok := e.Order(order.Id)
	assert.False(t, ok)
	assert.True(t, balance.Eq(e.Balance()))
	requirePoint(t, "5", e.Position(testSymbol).Size)
	assert.Len(t, e.sink.Records(), 1)

	router.Drain(ctx)
	var last common.OrderCancelled
	for _, oc := range cancelled {
		if oc.Order.Id == order.Id {
			last = oc
		}
	}
	assert.Contains(t, last.Reason, common.ErrInsufficientMargin.Error())
	requirePoint(t, "40", last.CancelledSize)
}

func TestEngine_PersistenceFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	e.sink.err = errors.New("disk full")

	e.OnBook(ctx, testBook(levels("99", "10"), levels("100", "10")))
	order, err := e.Submit(ctx, market(common.OrderSideBuy, "2"))
	require.NoError(t, err)
	assert.Equal(t, common.OrderStateFilled, order.State)

	requirePoint(t, "2", e.Position(testSymbol).Size)
	requirePoint(t, "999.9", e.Balance())
	assert.Equal(t, uint64(1), e.PersistenceFailures())
}

func TestEngine_ReduceOnly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	e.OnBook(ctx, testBook(levels("99", "100"), levels("100", "100")))

	_, err := e.Submit(ctx, market(common.OrderSideBuy, "4"))
	require.NoError(t, err)

	tooBig := market(common.OrderSideSell, "5")
	tooBig.ReduceOnly = true
	_, err = e.Submit(ctx, tooBig)
	assert.ErrorIs(t, err, common.ErrInvalidOrder)

	sameSide := market(common.OrderSideBuy, "1")
	sameSide.ReduceOnly = true
	_, err = e.Submit(ctx, sameSide)
	assert.ErrorIs(t, err, common.ErrInvalidOrder)

	reduce := market(common.OrderSideSell, "3")
	reduce.ReduceOnly = true
	_, err = e.Submit(ctx, reduce)
	require.NoError(t, err)
	requirePoint(t, "1", e.Position(testSymbol).Size)
}

func TestEngine_Shutdown(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, DefaultFillDelay)
	e.OnBook(ctx, testBook(levels("99", "100"), levels("100", "100")))

	_, err := e.Submit(ctx, market(common.OrderSideSell, "3"))
	require.NoError(t, err)
	e.clock.Advance(DefaultFillDelay)
	e.Poll(ctx)
	requirePoint(t, "-3", e.Position(testSymbol).Size)

	_, err = e.Submit(ctx, limit(common.OrderSideBuy, "1", "98"))
	require.NoError(t, err)

	summary := e.Shutdown(ctx)
	assert.True(t, e.Position(testSymbol).IsFlat())
	assert.Equal(t, 0, summary.OpenPositions)
	assert.Equal(t, 0, summary.OpenOrders)
	assert.Equal(t, 2, summary.TotalTrades)
	assert.True(t, e.sink.closed)

	_, err = e.Submit(ctx, limit(common.OrderSideBuy, "1", "98"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

// Accepted orders and booked fills never commit more margin than was
// available, whether the fills are maker or taker.
func TestEngine_RandomOrdersNeverOverdrawMargin(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	e := newTestEngine(t, 0)

	markedBook := func(bids, asks []common.Level) common.Book {
		b := testBook(bids, asks)
		b.MarkPrice = fixed.FromInt(100, 0)
		return b
	}
	quiet := markedBook(levels("99", "100"), levels("101", "100"))
	books := []common.Book{
		quiet,
		markedBook(levels("99", "100"), levels("99.5", "2", "101", "100")),
		markedBook(levels("100.5", "2", "99", "100"), levels("101", "100")),
	}
	e.OnBook(ctx, quiet)

	for i := 0; i < 400; i++ {
		switch rng.Intn(6) {
		case 0:
			orders := e.OpenOrders()
			if len(orders) > 0 {
				_ = e.Cancel(ctx, orders[rng.Intn(len(orders))].Id)
			}
		case 1, 2:
			e.OnBook(ctx, books[rng.Intn(len(books))])
		case 3:
			side := common.OrderSideBuy
			if rng.Intn(2) == 0 {
				side = common.OrderSideSell
			}
			req := common.OrderRequest{Symbol: testSymbol, Side: side, Type: common.OrderTypeMarket, Size: fixed.FromInt(1+rng.Intn(30), 1)}
			if _, err := e.Submit(ctx, req); err != nil {
				assert.ErrorIs(t, err, common.ErrInsufficientMargin)
			}
		default:
			side := common.OrderSideBuy
			price := fixed.FromInt(9900+rng.Intn(10)*10, 2)
			if rng.Intn(2) == 0 {
				side = common.OrderSideSell
				price = fixed.FromInt(10010+rng.Intn(10)*10, 2)
			}
			req := common.OrderRequest{
				Symbol: testSymbol,
				Side:   side,
				Type:   common.OrderTypeLimit,
				Size:   fixed.FromInt(1+rng.Intn(30), 1),
				Price:  price,
			}

			available := e.Tracker().Available()
			_, err := e.Submit(ctx, req)
			if err == nil {
				required := req.Size.Mul(req.Price).Div(DefaultMaxLeverage)
				assert.True(t, required.Lte(available), "step %d: accepted %s with %s available", i, required, available)
			} else if !errors.Is(err, common.ErrPostOnlyWouldCross) {
				assert.ErrorIs(t, err, common.ErrInsufficientMargin)
			}
		}
		assert.False(t, e.Tracker().Available().IsNeg(), "step %d: available %s", i, e.Tracker().Available())
	}

	var maker, taker int
	for _, r := range e.sink.Records() {
		if r.IsMaker {
			maker++
		} else {
			taker++
		}
	}
	assert.Positive(t, maker)
	assert.Positive(t, taker)
}

func TestEngine_ConcurrentSubmitAndBooks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0, WithConcurrency(4))
	e.OnBook(ctx, testBook(levels("99", "1000"), levels("101", "1000")))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				// Rejected as post-only whenever the held book already offers at 100.
				if _, err := e.Submit(ctx, limit(common.OrderSideBuy, "0.1", "100")); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			e.OnBook(ctx, testBook(levels("99", "1000"), levels("100", "0.3", "101", "1000")))
		}
	}()
	wg.Wait()

	e.OnBook(ctx, testBook(levels("99", "1000"), levels("100", "1000")))

	filled := fixed.Zero
	for _, r := range e.sink.Records() {
		filled = filled.Add(r.Size)
	}
	assert.True(t, filled.Eq(e.Position(testSymbol).Size), "filled %s, position %s", filled, e.Position(testSymbol).Size)
	assert.True(t, filled.Eq(fixed.FromInt(accepted, 1)), "filled %s of %d orders", filled, accepted)
	assert.Empty(t, e.OpenOrders())
}

func TestEngine_AccountsAreIndependent(t *testing.T) {
	ctx := context.Background()
	a := newTestEngine(t, 0)
	b := newTestEngine(t, 0)
	book := testBook(levels("99", "100"), levels("100", "100"))

	var wg sync.WaitGroup
	for _, e := range []*testEngine{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.OnBook(ctx, book)
			_, _ = e.Submit(ctx, market(common.OrderSideBuy, "1"))
		}()
	}
	wg.Wait()

	_, err := b.Submit(ctx, market(common.OrderSideSell, "3"))
	require.NoError(t, err)

	requirePoint(t, "1", a.Position(testSymbol).Size)
	requirePoint(t, "-2", b.Position(testSymbol).Size)
}
