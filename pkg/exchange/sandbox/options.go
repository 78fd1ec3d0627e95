package sandbox

import (
	"time"

	"go.uber.org/zap"

	"github.com/peter-kozarec/paperperp/pkg/bus"
	"github.com/peter-kozarec/paperperp/pkg/tradelog"
)

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRouter makes the engine post order, fill and account events.
func WithRouter(router *bus.Router) Option {
	return func(e *Engine) {
		e.router = router
	}
}

func WithTradeLog(sink tradelog.Sink) Option {
	return func(e *Engine) {
		e.tradeLog = sink
	}
}

func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func WithEvaluator(evaluator Evaluator) Option {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

// WithConcurrency bounds how many orders are evaluated in parallel per pass.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithPollInterval sets how often Run re-evaluates delayed orders between
// book updates.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}
