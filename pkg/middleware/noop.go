package middleware

import (
	"context"

	"github.com/peter-kozarec/paperperp/pkg/common"
)

//goland:noinspection ALL
var (
	NoopBookHdl        = func(context.Context, common.Book) {}
	NoopAccountHdl     = func(context.Context, common.AccountState) {}
	NoopOrderAccHdl    = func(context.Context, common.OrderAccepted) {}
	NoopOrderRjctHdl   = func(context.Context, common.OrderRejected) {}
	NoopOrderCancelHdl = func(context.Context, common.OrderCancelled) {}
	NoopFillHdl        = func(context.Context, common.FillReport) {}
)
