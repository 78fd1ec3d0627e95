package sandbox

import (
	"fmt"
	"time"

	"github.com/peter-kozarec/paperperp/pkg/common"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

const (
	DefaultFillDelay = 100 * time.Millisecond
	DefaultBookDepth = 10
)

var (
	DefaultInitialBalance = fixed.FromInt(1000, 0)
	DefaultMaxLeverage    = fixed.FromInt(5, 0)
	DefaultMakerFeeRate   = fixed.MustFromString("-0.0002")
	DefaultTakerFeeRate   = fixed.MustFromString("0.0005")
)

// Configuration is fixed at construction. There is no runtime
// reconfiguration.
type Configuration struct {
	Account        string
	InitialBalance fixed.Point
	MaxLeverage    fixed.Point
	FillDelay      time.Duration
	MakerFeeRate   fixed.Point
	TakerFeeRate   fixed.Point
	BookDepth      int
}

func DefaultConfiguration() Configuration {
	return Configuration{
		Account:        "default",
		InitialBalance: DefaultInitialBalance,
		MaxLeverage:    DefaultMaxLeverage,
		FillDelay:      DefaultFillDelay,
		MakerFeeRate:   DefaultMakerFeeRate,
		TakerFeeRate:   DefaultTakerFeeRate,
		BookDepth:      DefaultBookDepth,
	}
}

func (c Configuration) Validate() error {
	if !c.InitialBalance.IsPos() {
		return fmt.Errorf("%w: initial balance must be positive, got %s", common.ErrInvalidConfiguration, c.InitialBalance)
	}
	if !c.MaxLeverage.IsPos() {
		return fmt.Errorf("%w: max leverage must be positive, got %s", common.ErrInvalidConfiguration, c.MaxLeverage)
	}
	if c.FillDelay < 0 {
		return fmt.Errorf("%w: fill delay must not be negative, got %s", common.ErrInvalidConfiguration, c.FillDelay)
	}
	if c.BookDepth <= 0 {
		return fmt.Errorf("%w: book depth must be positive, got %d", common.ErrInvalidConfiguration, c.BookDepth)
	}
	return nil
}
