package model

import "time"

// Clarification is a pending question raised by a pipeline stage that blocks
// until a human answers or the broker times out. ItemID identifies the work
// item the question is about and is the key answers are routed by. Priority
// orders the pending list; lower values surface first.
type Clarification struct {
	ItemID   string         `json:"item_id"`
	Question string         `json:"question"`
	Priority int            `json:"priority"`
	AskedAt  time.Time      `json:"asked_at"`
	Context  map[string]any `json:"context,omitempty"`
}
