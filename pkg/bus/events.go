package bus

type EventId uint8

const (
	BookEvent EventId = iota
	AccountStateEvent
	OrderAcceptanceEvent
	OrderRejectionEvent
	OrderCancelledEvent
	FillEvent
)

func (id EventId) String() string {
	switch id {
	case BookEvent:
		return "book"
	case AccountStateEvent:
		return "account_state"
	case OrderAcceptanceEvent:
		return "order_acceptance"
	case OrderRejectionEvent:
		return "order_rejection"
	case OrderCancelledEvent:
		return "order_cancelled"
	case FillEvent:
		return "fill"
	default:
		return "unknown"
	}
}
