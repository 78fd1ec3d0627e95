package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const trackerComponentName = "portfolio.tracker"

type Configuration struct {
	Account        string
	InitialBalance fixed.Point
	MaxLeverage    fixed.Point
}

func (c Configuration) Validate() error {
	if !c.InitialBalance.IsPos() {
		return fmt.Errorf("%w: initial balance must be positive, got %s", common.ErrInvalidConfiguration, c.InitialBalance)
	}
	if !c.MaxLeverage.IsPos() {
		return fmt.Errorf("%w: max leverage must be positive, got %s", common.ErrInvalidConfiguration, c.MaxLeverage)
	}
	return nil
}

// ApplyResult is the ledger state right after one fill was booked.
type ApplyResult struct {
	Position    common.Position
	RealizedPnL fixed.Point
	Fee         fixed.Point
	Balance     fixed.Point
	Equity      fixed.Point
	Closing     bool
}

type reservation struct {
	notional fixed.Point
}

// Tracker is the ledger of a single account. Every exported method takes the
// account mutex, so fills and margin checks of one account are applied one at
// a time. Accounts never share a Tracker.
type Tracker struct {
	mu sync.Mutex

	account        string
	initialBalance fixed.Point
	maxLeverage    fixed.Point

	balance       fixed.Point
	realizedPnL   fixed.Point
	fees          fixed.Point
	highWaterMark fixed.Point
	drawdown      fixed.Point
	maxDrawdown   fixed.Point
	tradeCount    int
	winCount      int

	positions    map[string]*common.Position
	marks        map[string]fixed.Point
	reservations map[common.OrderId]reservation
}

func NewTracker(cfg Configuration) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Tracker{
		account:        cfg.Account,
		initialBalance: cfg.InitialBalance,
		maxLeverage:    cfg.MaxLeverage,
		balance:        cfg.InitialBalance,
		highWaterMark:  cfg.InitialBalance,
		positions:      make(map[string]*common.Position),
		marks:          make(map[string]fixed.Point),
		reservations:   make(map[common.OrderId]reservation),
	}, nil
}

func (t *Tracker) Account() string { return t.account }

// Apply books one fill: fee, position netting, realized PnL and running
// statistics.
func (t *Tracker) Apply(fill common.Fill) ApplyResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.position(fill.Symbol)
	if !fill.Size.IsPos() {
		return ApplyResult{Position: *pos, Balance: t.balance, Equity: t.balance.Add(t.unrealizedPnL())}
	}

	delta := fill.Size.Mul(fill.Side.Direction())
	realized := fixed.Zero
	closing := false

	if pos.IsFlat() || pos.Size.Sign() == delta.Sign() {
		oldSize := pos.Size.Abs()
		newSize := oldSize.Add(fill.Size)
		pos.EntryPrice = oldSize.Mul(pos.EntryPrice).Add(fill.Notional()).Div(newSize)
		pos.Size = pos.Size.Add(delta)
	} else {
		closing = true
		closed := fixed.Min(pos.Size.Abs(), fill.Size)
		realized = closed.Mul(fill.Price.Sub(pos.EntryPrice)).MulInt(pos.Size.Sign())
		opened := fill.Size.Sub(closed)

		pos.Size = pos.Size.Add(delta)
		switch {
		case pos.Size.IsZero():
			pos.EntryPrice = fixed.Zero
		case opened.IsPos():
			pos.EntryPrice = fill.Price
		}
	}
	pos.TimeStamp = fill.TimeStamp

	if _, ok := t.marks[fill.Symbol]; !ok {
		t.marks[fill.Symbol] = fill.Price
	}

	t.balance = t.balance.Add(realized).Sub(fill.Fee)
	t.realizedPnL = t.realizedPnL.Add(realized)
	t.fees = t.fees.Add(fill.Fee)
	t.tradeCount++
	if closing && realized.IsPos() {
		t.winCount++
	}

	equity := t.updateDrawdown()

	return ApplyResult{
		Position:    *pos,
		RealizedPnL: realized,
		Fee:         fill.Fee,
		Balance:     t.balance,
		Equity:      equity,
		Closing:     closing,
	}
}

// UpdateMark revalues open positions of the symbol and advances the drawdown
// statistics.
func (t *Tracker) UpdateMark(symbol string, mark fixed.Point, ts time.Time) common.AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mark.IsPos() {
		t.marks[symbol] = mark
	}
	t.updateDrawdown()
	return t.state(ts)
}

func (t *Tracker) Position(symbol string) common.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos, ok := t.positions[symbol]; ok {
		return *pos
	}
	return common.Position{Symbol: symbol, Account: t.account}
}

// Positions returns every non-flat position sorted by symbol.
func (t *Tracker) Positions() []common.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	positions := make([]common.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		if !pos.IsFlat() {
			positions = append(positions, *pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

func (t *Tracker) Balance() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

func (t *Tracker) Equity() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance.Add(t.unrealizedPnL())
}

func (t *Tracker) UnrealizedPnL() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unrealizedPnL()
}

// TotalPositionValue is the notional of all open positions at their marks.
func (t *Tracker) TotalPositionValue() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := fixed.Zero
	for symbol, pos := range t.positions {
		total = total.Add(pos.Notional(t.mark(symbol)))
	}
	return total
}

func (t *Tracker) MaxDrawdown() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxDrawdown
}

func (t *Tracker) State(ts time.Time) common.AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(ts)
}

func (t *Tracker) position(symbol string) *common.Position {
	pos, ok := t.positions[symbol]
	if !ok {
		pos = &common.Position{Symbol: symbol, Account: t.account}
		t.positions[symbol] = pos
	}
	return pos
}

func (t *Tracker) mark(symbol string) fixed.Point {
	if mark, ok := t.marks[symbol]; ok {
		return mark
	}
	if pos, ok := t.positions[symbol]; ok {
		return pos.EntryPrice
	}
	return fixed.Zero
}

func (t *Tracker) unrealizedPnL() fixed.Point {
	total := fixed.Zero
	for symbol, pos := range t.positions {
		total = total.Add(pos.UnrealizedPnL(t.mark(symbol)))
	}
	return total
}

func (t *Tracker) updateDrawdown() fixed.Point {
	equity := t.balance.Add(t.unrealizedPnL())
	if equity.Gt(t.highWaterMark) {
		t.highWaterMark = equity
	}
	t.drawdown = fixed.Zero
	if t.highWaterMark.IsPos() {
		t.drawdown = t.highWaterMark.Sub(equity).Div(t.highWaterMark)
	}
	if t.drawdown.Gt(t.maxDrawdown) {
		t.maxDrawdown = t.drawdown
	}
	return equity
}

func (t *Tracker) state(ts time.Time) common.AccountState {
	unrealized := t.unrealizedPnL()
	return common.AccountState{
		Balance:       t.balance,
		Equity:        t.balance.Add(unrealized),
		UnrealizedPnL: unrealized,
		Drawdown:      t.drawdown,
		MaxDrawdown:   t.maxDrawdown,
		Source:        trackerComponentName,
		Account:       t.account,
		SessionId:     utility.GetSessionID(),
		TimeStamp:     ts,
	}
}
