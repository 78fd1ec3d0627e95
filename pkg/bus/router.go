package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/common"
)

var ErrCapacityReached = errors.New("event capacity reached")

type event struct {
	id   EventId
	data any
}

// Router decouples the engine from its consumers. Post never blocks; events
// are dispatched in post order from the goroutine running Exec.
type Router struct {
	logger *zap.Logger
	events chan event

	OnBook            BookEventHandler
	OnAccountState    AccountStateEventHandler
	OnOrderAcceptance OrderAcceptanceEventHandler
	OnOrderRejection  OrderRejectionEventHandler
	OnOrderCancel     OrderCancelledEventHandler
	OnFill            FillEventHandler

	runTime       atomic.Int64
	postCount     atomic.Uint64
	postFails     atomic.Uint64
	dispatchCount atomic.Uint64
	dispatchFails atomic.Uint64
}

func NewRouter(logger *zap.Logger, eventCapacity int) *Router {
	return &Router{
		logger: logger,
		events: make(chan event, eventCapacity),
	}
}

func (r *Router) Post(id EventId, data any) error {
	select {
	case r.events <- event{id, data}:
		r.postCount.Add(1)
		return nil
	default:
		r.postFails.Add(1)
		return ErrCapacityReached
	}
}

func (r *Router) Exec(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	go func() {
		start := time.Now()
		defer func() {
			r.runTime.Add(int64(time.Since(start)))
		}()

		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case ev := <-r.events:
				r.handle(ctx, ev)
			}
		}
	}()

	return done
}

// Drain dispatches everything already queued and returns. Used at shutdown
// after the engine has posted its final events.
func (r *Router) Drain(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.handle(ctx, ev)
		default:
			return
		}
	}
}

func (r *Router) Statistics() Statistics {
	runTime := time.Duration(r.runTime.Load())
	stats := Statistics{
		RunTime:       runTime,
		PostCount:     r.postCount.Load(),
		PostFails:     r.postFails.Load(),
		DispatchCount: r.dispatchCount.Load(),
		DispatchFails: r.dispatchFails.Load(),
	}
	if runTime > 0 {
		stats.Throughput = float64(stats.DispatchCount) / runTime.Seconds()
	}
	return stats
}

func (r *Router) handle(ctx context.Context, ev event) {
	r.dispatchCount.Add(1)
	if err := r.dispatch(ctx, ev); err != nil {
		r.dispatchFails.Add(1)
		r.logger.Warn("dispatch failed", zap.Error(err), zap.Stringer("event", ev.id))
	}
}

func (r *Router) dispatch(ctx context.Context, ev event) error {
	switch ev.id {
	case BookEvent:
		return dispatchAs[common.Book](ctx, ev, r.OnBook)
	case AccountStateEvent:
		return dispatchAs[common.AccountState](ctx, ev, r.OnAccountState)
	case OrderAcceptanceEvent:
		return dispatchAs[common.OrderAccepted](ctx, ev, r.OnOrderAcceptance)
	case OrderRejectionEvent:
		return dispatchAs[common.OrderRejected](ctx, ev, r.OnOrderRejection)
	case OrderCancelledEvent:
		return dispatchAs[common.OrderCancelled](ctx, ev, r.OnOrderCancel)
	case FillEvent:
		return dispatchAs[common.FillReport](ctx, ev, r.OnFill)
	default:
		return fmt.Errorf("unsupported event id: %v", ev.id)
	}
}

func dispatchAs[T any, H ~func(context.Context, T)](ctx context.Context, ev event, handler H) error {
	data, ok := ev.data.(T)
	if !ok {
		return fmt.Errorf("invalid type assertion for %s event", ev.id)
	}
	if fn := (func(context.Context, T))(handler); fn != nil {
		fn(ctx, data)
	}
	return nil
}
