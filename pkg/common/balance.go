package common

import (
	"time"

	"github.com/peter-kozarec/paperperp/pkg/utility"
	"github.com/peter-kozarec/paperperp/pkg/utility/fixed"
)

// AccountState is posted whenever a tick or a fill changed the ledger.
type AccountState struct {
	Balance       fixed.Point `json:"balance"`
	Equity        fixed.Point `json:"equity"`
	UnrealizedPnL fixed.Point `json:"unrealized_pnl"`
	Drawdown      fixed.Point `json:"drawdown"`
	MaxDrawdown   fixed.Point `json:"max_drawdown"`

	Source    string            `json:"src,omitempty"`
	Account   string            `json:"account,omitempty"`
	SessionId utility.SessionID `json:"sid,omitempty"`
	TimeStamp time.Time         `json:"ts,omitempty"`
}
