package utility

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// SessionID identifies one paper trading run. Every event emitted during the
// run carries it so trade logs of several runs can share one sink.
type SessionID = uuid.UUID

var (
	sessionID     SessionID
	sessionIDOnce sync.Once
	sessionIDMu   sync.RWMutex
)

func GetSessionID() SessionID {
	sessionIDOnce.Do(func() {
		sessionID = uuid.Must(uuid.NewV7())
	})

	sessionIDMu.RLock()
	defer sessionIDMu.RUnlock()
	return sessionID
}

func ResetSessionID() SessionID {
	sessionIDOnce.Do(func() {})

	sessionIDMu.Lock()
	defer sessionIDMu.Unlock()

	sessionID = uuid.Must(uuid.NewV7())
	return sessionID
}

// NewOrderID returns a venue-style identifier for a virtual order.
func NewOrderID() string {
	id := uuid.New()
	return "paper_" + hex.EncodeToString(id[:8])
}
