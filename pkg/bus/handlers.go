package bus

import (
	"context"

	"github.com/peter-kozarec/paperperp/pkg/common"
)

type EventHandler[T any] = func(context.Context, T)

type BookEventHandler EventHandler[common.Book]
type AccountStateEventHandler EventHandler[common.AccountState]
type OrderAcceptanceEventHandler EventHandler[common.OrderAccepted]
type OrderRejectionEventHandler EventHandler[common.OrderRejected]
type OrderCancelledEventHandler EventHandler[common.OrderCancelled]
type FillEventHandler EventHandler[common.FillReport]

func MergeHandlers[T any](handlers ...EventHandler[T]) EventHandler[T] {
	return func(ctx context.Context, event T) {
		for _, handler := range handlers {
			if handler != nil {
				handler(ctx, event)
			}
		}
	}
}
