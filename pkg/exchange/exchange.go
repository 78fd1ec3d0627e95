package exchange

import (
	"context"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

// Exchange is the capability strategies trade through. Live venue connectors
// and the sandbox engine both implement it, so a strategy never knows which
// one it is wired to.
type Exchange interface {
	Submit(ctx context.Context, req common.OrderRequest) (common.Order, error)
	Cancel(ctx context.Context, id common.OrderId) error
	CancelAll(ctx context.Context, symbol string) int
	Amend(ctx context.Context, id common.OrderId, price, size fixed.Point) (common.Order, error)
	ClosePositions(ctx context.Context) error

	Book(symbol string) (common.Book, bool)
	Position(symbol string) common.Position
	Balance() fixed.Point
}
