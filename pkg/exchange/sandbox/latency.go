package sandbox

import (
	"time"

	"github.com/peter-kozarec/paperperp/pkg/common"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// LatencyModel turns a submission time into the earliest time the order may
// be evaluated against the book. Nothing sleeps; orders are simply skipped
// until they become eligible.
type LatencyModel struct {
	delay time.Duration
}

func NewLatencyModel(delay time.Duration) LatencyModel {
	return LatencyModel{delay: delay}
}

func (m LatencyModel) Delay() time.Duration { return m.delay }

func (m LatencyModel) EligibleAt(submittedAt time.Time) time.Time {
	return submittedAt.Add(m.delay)
}

func (m LatencyModel) Eligible(order common.Order, now time.Time) bool {
	return !now.Before(order.EligibleAt)
}
