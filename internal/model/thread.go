package model

import (
	"time"

	"github.com/google/uuid"
)

// Thread groups everything the engine does for one analysis: the decision
// lifecycle, the event stream, and any background stage-2 work. Threads are
// reused when the same txn_id is re-analyzed before ExpiresAt.
type Thread struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	TxnID     string    `json:"txn_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the thread's TTL has lapsed at now.
func (t Thread) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
