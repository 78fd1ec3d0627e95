package common

import (
	"fmt"
	"time"

	"github.com/peter-kozarec/paperperp/pkg/utility"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

type OrderId = string
type OrderType int
type OrderSide int
type OrderState int

const (
	OrderTypeLimit OrderType = iota
	OrderTypeMarket
)

const (
	OrderSideBuy OrderSide = iota
	OrderSideSell
)

const (
	OrderStateCreated OrderState = iota
	OrderStateDelayed
	OrderStateResting
	OrderStatePartiallyFilled
	OrderStateFilled
	OrderStateCancelled
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return fmt.Sprintf("OrderType(%d)", int(t))
	}
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return fmt.Sprintf("OrderSide(%d)", int(s))
	}
}

// Opposite returns the side a position of this side is closed with.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Direction is +1 for buys and -1 for sells.
func (s OrderSide) Direction() fixed.Point {
	if s == OrderSideBuy {
		return fixed.One
	}
	return fixed.NegOne
}

func (s OrderState) String() string {
	switch s {
	case OrderStateCreated:
		return "created"
	case OrderStateDelayed:
		return "delayed"
	case OrderStateResting:
		return "resting"
	case OrderStatePartiallyFilled:
		return "partially-filled"
	case OrderStateFilled:
		return "filled"
	case OrderStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OrderState(%d)", int(s))
	}
}

func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled
}

var orderTransitions = map[OrderState][]OrderState{
	OrderStateCreated:         {OrderStateDelayed, OrderStateCancelled},
	OrderStateDelayed:         {OrderStateResting, OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled},
	OrderStateResting:         {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled},
	OrderStatePartiallyFilled: {OrderStateResting, OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled},
}

// CanTransition reports whether the order state machine allows from -> to.
func CanTransition(from, to OrderState) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// OrderRequest is what a strategy submits.
type OrderRequest struct {
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Type       OrderType   `json:"type"`
	Size       fixed.Point `json:"size"`
	Price      fixed.Point `json:"price,omitempty"`
	ReduceOnly bool        `json:"reduce_only,omitempty"`
}

// Validate checks the preconditions every order must meet before it may enter
// the state machine.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalidOrder)
	}
	if r.Side != OrderSideBuy && r.Side != OrderSideSell {
		return fmt.Errorf("%w: unknown side %v", ErrInvalidOrder, r.Side)
	}
	if !r.Size.IsPos() {
		return fmt.Errorf("%w: size must be positive, got %s", ErrInvalidOrder, r.Size)
	}
	switch r.Type {
	case OrderTypeLimit:
		if !r.Price.IsPos() {
			return fmt.Errorf("%w: limit price must be positive, got %s", ErrInvalidOrder, r.Price)
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("%w: unknown type %v", ErrInvalidOrder, r.Type)
	}
	return nil
}

type Order struct {
	Id            OrderId     `json:"id"`
	Account       string      `json:"account,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         fixed.Point `json:"price,omitempty"`
	Size          fixed.Point `json:"size"`
	RemainingSize fixed.Point `json:"remaining_size"`
	FilledSize    fixed.Point `json:"filled_size"`
	ReduceOnly    bool        `json:"reduce_only,omitempty"`
	State         OrderState  `json:"state"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	EligibleAt    time.Time   `json:"eligible_at"`

	Source    string            `json:"src,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts"`
}

// Transition moves the order to the next state or fails when the state
// machine forbids it.
func (o *Order) Transition(to OrderState) error {
	if !CanTransition(o.State, to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.Id, o.State, to)
	}
	o.State = to
	return nil
}

// ApplyFill records an executed quantity against the order and moves it to
// PartiallyFilled or Filled.
func (o *Order) ApplyFill(size fixed.Point) error {
	if o.State.IsTerminal() && o.State != OrderStateCancelled {
		return fmt.Errorf("order %s: cannot fill in state %s", o.Id, o.State)
	}
	if size.Gt(o.RemainingSize) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.Id, size, o.RemainingSize)
	}

	o.RemainingSize = o.RemainingSize.Sub(size)
	o.FilledSize = o.FilledSize.Add(size)

	// A fill that was in flight when the order got cancelled is still booked
	// but the order stays cancelled.
	if o.State == OrderStateCancelled {
		return nil
	}
	if o.RemainingSize.IsZero() {
		return o.Transition(OrderStateFilled)
	}
	return o.Transition(OrderStatePartiallyFilled)
}

type OrderRejected struct {
	Request OrderRequest `json:"request"`
	OrderId OrderId      `json:"order_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Err     error        `json:"-"`

	Source    string            `json:"src,omitempty"`
	Account   string            `json:"account,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts"`
}

type OrderAccepted struct {
	Order Order `json:"order"`

	Source    string            `json:"src,omitempty"`
	Account   string            `json:"account,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts"`
}

type OrderCancelled struct {
	Order         Order       `json:"order"`
	CancelledSize fixed.Point `json:"cancelled_size"`
	Reason        string      `json:"reason,omitempty"`

	Source    string            `json:"src,omitempty"`
	Account   string            `json:"account,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts"`
}
