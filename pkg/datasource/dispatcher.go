package datasource

import (
	"context"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/common"
)

type BookDataSource interface {
	Next(ctx context.Context) (common.Book, error)
}

// CreateBookDispatcher returns a step function that reads the next book from
// the source and posts it on the router.
func CreateBookDispatcher(r *bus.Router, ds BookDataSource) func(context.Context) error {
	return func(ctx context.Context) error {
		book, err := ds.Next(ctx)
		if err != nil {
			return err
		}
		return r.Post(bus.BookEvent, book)
	}
}
