package portfolio

import (
	"fmt"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

// Reserve runs the margin check for a new order and, when it passes, commits
// the order's notional so later checks see it. A rejected order leaves the
// ledger untouched.
func (t *Tracker) Reserve(id common.OrderId, notional fixed.Point) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	required := notional.Div(t.maxLeverage)
	available := t.available(id)
	if required.Gt(available) {
		return fmt.Errorf("%w: need %s, available %s", common.ErrInsufficientMargin,
			required.StringFixed(2), available.StringFixed(2))
	}

	t.reservations[id] = reservation{notional: notional}
	return nil
}

// Rereserve shrinks the committed notional of an order after a partial fill.
// It never runs a margin check.
func (t *Tracker) Rereserve(id common.OrderId, notional fixed.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.reservations[id]
	if !ok {
		return
	}
	if !notional.IsPos() {
		delete(t.reservations, id)
		return
	}
	r.notional = notional
	t.reservations[id] = r
}

func (t *Tracker) Release(id common.OrderId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reservations, id)
}

// CheckFill verifies that the account still has margin available once the
// fill is booked. The projection values the new exposure at the symbol's mark,
// charges the fee, and releases the part of the order's own reservation the
// fill consumes. Fills that only close an existing position always pass.
func (t *Tracker) CheckFill(id common.OrderId, fill common.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mark, ok := t.marks[fill.Symbol]
	if !ok {
		mark = fill.Price
	}

	opening := fill.Size
	closed := fixed.Zero
	if pos, ok := t.positions[fill.Symbol]; ok && !pos.IsFlat() && pos.Size.Sign() != fill.Side.Direction().Sign() {
		closed = fixed.Min(pos.Size.Abs(), fill.Size)
		opening = fill.Size.Sub(closed)
	}
	if !opening.IsPos() {
		return nil
	}

	released := fixed.Zero
	if r, ok := t.reservations[id]; ok {
		released = fixed.Min(r.notional, fill.Notional())
	}

	projected := t.available("").
		Sub(fill.Fee).
		Add(fill.Size.Mul(mark.Sub(fill.Price)).Mul(fill.Side.Direction())).
		Sub(opening.Sub(closed).Mul(mark).Div(t.maxLeverage)).
		Add(released.Div(t.maxLeverage))
	if projected.IsNeg() {
		return fmt.Errorf("%w: fill of %s at %s leaves %s available", common.ErrInsufficientMargin,
			fill.Size, fill.Price.StringFixed(2), projected.StringFixed(2))
	}
	return nil
}

// Available is equity minus the margin of open positions and of open orders.
func (t *Tracker) Available() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available("")
}

// UsedMargin is the margin committed to positions and open orders.
func (t *Tracker) UsedMargin() fixed.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionMargin().Add(t.orderMargin(""))
}

func (t *Tracker) available(exclude common.OrderId) fixed.Point {
	equity := t.balance.Add(t.unrealizedPnL())
	return equity.Sub(t.positionMargin()).Sub(t.orderMargin(exclude))
}

func (t *Tracker) positionMargin() fixed.Point {
	total := fixed.Zero
	for symbol, pos := range t.positions {
		if pos.IsFlat() {
			continue
		}
		total = total.Add(pos.Notional(t.mark(symbol)))
	}
	return total.Div(t.maxLeverage)
}

func (t *Tracker) orderMargin(exclude common.OrderId) fixed.Point {
	total := fixed.Zero
	for id, r := range t.reservations {
		if id == exclude {
			continue
		}
		total = total.Add(r.notional)
	}
	return total.Div(t.maxLeverage)
}
