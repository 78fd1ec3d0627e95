package sandbox

import (
	"fmt"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

type OutcomeKind int

const (
	NoFill OutcomeKind = iota
	PartialFill
	FullFill
)

func (k OutcomeKind) String() string {
	switch k {
	case NoFill:
		return "no-fill"
	case PartialFill:
		return "partial-fill"
	case FullFill:
		return "full-fill"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the fill decision for one order against one book. Size and
// Price are zero for NoFill. A PartialFill of zero size ends a MARKET order.
type Outcome struct {
	Kind    OutcomeKind
	Size    fixed.Point
	Price   fixed.Point
	IsMaker bool
}

// Evaluator decides how an order fills against a book. Implementations must
// not mutate either argument; the engine calls Evaluate from several
// goroutines at once.
type Evaluator interface {
	Evaluate(order common.Order, book common.Book) Outcome
}

// BookEvaluator fills against displayed liquidity within a bounded number of
// levels. LIMIT orders are post-only makers, MARKET orders are
// immediate-or-cancel takers that walk the book.
type BookEvaluator struct {
	depth int
}

func NewBookEvaluator(depth int) *BookEvaluator {
	return &BookEvaluator{depth: depth}
}

func (e *BookEvaluator) Evaluate(order common.Order, book common.Book) Outcome {
	if !order.RemainingSize.IsPos() {
		return Outcome{Kind: NoFill}
	}

	levels := book.Opposing(order.Side)
	if len(levels) > e.depth {
		levels = levels[:e.depth]
	}

	switch order.Type {
	case common.OrderTypeLimit:
		return e.evaluateLimit(order, levels)
	case common.OrderTypeMarket:
		return e.evaluateMarket(order, levels)
	default:
		return Outcome{Kind: NoFill}
	}
}

func (e *BookEvaluator) evaluateLimit(order common.Order, levels []common.Level) Outcome {
	if len(levels) == 0 || !reaches(order.Side, levels[0].Price, order.Price) {
		return Outcome{Kind: NoFill}
	}

	available := fixed.Zero
	for _, lvl := range levels {
		if !reaches(order.Side, lvl.Price, order.Price) {
			break
		}
		available = available.Add(lvl.Size)
	}
	if !available.IsPos() {
		return Outcome{Kind: NoFill}
	}

	if available.Lt(order.RemainingSize) {
		return Outcome{Kind: PartialFill, Size: available, Price: order.Price, IsMaker: true}
	}
	return Outcome{Kind: FullFill, Size: order.RemainingSize, Price: order.Price, IsMaker: true}
}

func (e *BookEvaluator) evaluateMarket(order common.Order, levels []common.Level) Outcome {
	remaining := order.RemainingSize
	filled := fixed.Zero
	cost := fixed.Zero

	for _, lvl := range levels {
		if !remaining.IsPos() {
			break
		}
		take := fixed.Min(remaining, lvl.Size)
		if !take.IsPos() {
			continue
		}
		filled = filled.Add(take)
		cost = cost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
	}

	if !filled.IsPos() {
		return Outcome{Kind: PartialFill, Size: fixed.Zero}
	}

	outcome := Outcome{Kind: FullFill, Size: filled, Price: cost.Div(filled)}
	if remaining.IsPos() {
		outcome.Kind = PartialFill
	}
	return outcome
}

// reaches reports whether an opposing price is at or better than the limit.
func reaches(side common.OrderSide, opposing, limit fixed.Point) bool {
	if side == common.OrderSideBuy {
		return opposing.Lte(limit)
	}
	return opposing.Gte(limit)
}

// wouldCross reports whether a post-only order priced at limit would take
// liquidity on entry.
func wouldCross(side common.OrderSide, limit fixed.Point, book common.Book) bool {
	levels := book.Opposing(side)
	if len(levels) == 0 {
		return false
	}
	return reaches(side, levels[0].Price, limit)
}

// FeeSchedule holds signed fee rates. A negative rate is a rebate.
type FeeSchedule struct {
	Maker fixed.Point
	Taker fixed.Point
}

func (f FeeSchedule) Fee(notional fixed.Point, isMaker bool) fixed.Point {
	if isMaker {
		return notional.Mul(f.Maker)
	}
	return notional.Mul(f.Taker)
}
