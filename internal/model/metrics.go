package model

import "time"

// Metrics is the counter document the daemon flushes to
// .baton/state/metrics.json on an interval and at shutdown.
type Metrics struct {
	SchemaVersion int    `json:"schema_version"`
	FileType      string `json:"file_type"`

	StartedAt time.Time `json:"started_at"`
	FlushedAt time.Time `json:"flushed_at"`

	Sessions SessionCounters `json:"sessions"`
	Stages   StageCounters   `json:"stages"`
	Clarify  ClarifyCounters `json:"clarify"`
}

// SessionCounters tracks run lifecycle totals since daemon start.
type SessionCounters struct {
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	// Stale counts mutations dropped because they arrived for a session
	// that was no longer current.
	Stale uint64 `json:"stale"`
}

// StageCounters tracks stage reporting totals since daemon start.
type StageCounters struct {
	Updates   uint64 `json:"updates"`
	Completed uint64 `json:"completed"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
}

// ClarifyCounters tracks clarification broker totals since daemon start.
type ClarifyCounters struct {
	Asked    uint64 `json:"asked"`
	Answered uint64 `json:"answered"`
	TimedOut uint64 `json:"timed_out"`
	Rejected uint64 `json:"rejected"`
}

// NewMetrics returns a zeroed metrics document stamped with startedAt.
func NewMetrics(startedAt time.Time) *Metrics {
	return &Metrics{
		SchemaVersion: SchemaVersion,
		FileType:      FileTypeMetrics,
		StartedAt:     startedAt,
		FlushedAt:     startedAt,
	}
}
