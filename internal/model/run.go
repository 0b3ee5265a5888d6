package model

import "time"

// Schema identity for the persisted session document. LoadRun rejects files
// whose header does not match, so stale or foreign files are never
// deserialized into a live run.
const (
	SchemaVersion   = 1
	FileTypeSession = "state_session"
	FileTypeMetrics = "state_metrics"
)

// MaxEvents caps the embedded event feed. Older entries are trimmed so the
// document stays bounded no matter how long a run lasts.
const MaxEvents = 200

// Run is the whole-run state document. It is persisted as a single JSON file
// and rewritten atomically on every mutation, so a reader always sees a
// complete, internally consistent snapshot.
type Run struct {
	SchemaVersion int    `json:"schema_version"`
	FileType      string `json:"file_type"`

	SessionID  string    `json:"session_id"`
	Processing bool      `json:"processing"`
	Status     RunStatus `json:"status"`

	// CurrentStageID is the lowest-numbered stage currently running, nil when
	// no stage is active.
	CurrentStageID *int `json:"current_stage_id"`

	SkipFlags map[string]bool `json:"skip_flags,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`

	Stages []Stage `json:"stages"`
	Events []Event `json:"events"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Stage is the per-stage record inside a Run.
type Stage struct {
	ID              int            `json:"id"`
	Key             string         `json:"key"`
	Name            string         `json:"name"`
	State           StageState     `json:"state"`
	Message         string         `json:"message,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	StartedAt       *time.Time     `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at"`
	DurationSeconds *float64       `json:"duration_seconds"`
}

// Event is one entry in the run's bounded event feed. StageID 0 marks
// run-level events (session_started and friends).
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	StageID   int       `json:"stage_id"`
	StageName string    `json:"stage_name"`
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
}

// NewRun builds a fresh run document for sessionID with every pipeline stage
// pending. Callers apply skip flags afterwards.
func NewRun(sessionID string, now time.Time) *Run {
	defs := Stages()
	stages := make([]Stage, 0, len(defs))
	for _, d := range defs {
		stages = append(stages, Stage{
			ID:    d.ID,
			Key:   d.Key,
			Name:  d.Name,
			State: StagePending,
		})
	}
	return &Run{
		SchemaVersion: SchemaVersion,
		FileType:      FileTypeSession,
		SessionID:     sessionID,
		Processing:    true,
		Status:        RunStatusRunning,
		Stages:        stages,
		Events:        []Event{},
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// StageByID returns a pointer into the run's stage slice, or nil when the id
// is not part of this run.
func (r *Run) StageByID(id int) *Stage {
	for i := range r.Stages {
		if r.Stages[i].ID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// AppendEvent adds an event to the feed, trimming the oldest entries beyond
// MaxEvents.
func (r *Run) AppendEvent(ev Event) {
	r.Events = append(r.Events, ev)
	if len(r.Events) > MaxEvents {
		r.Events = r.Events[len(r.Events)-MaxEvents:]
	}
}

// Clone returns a deep copy. Mutating the copy, including nested maps and
// slices, never touches the original.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.CurrentStageID = cloneIntPtr(r.CurrentStageID)
	out.SkipFlags = cloneBoolMap(r.SkipFlags)
	out.Options = cloneAnyMap(r.Options)
	out.CompletedAt = cloneTimePtr(r.CompletedAt)
	out.DurationSeconds = cloneFloatPtr(r.DurationSeconds)

	out.Stages = make([]Stage, len(r.Stages))
	for i, s := range r.Stages {
		cs := s
		cs.Details = cloneAnyMap(s.Details)
		cs.StartedAt = cloneTimePtr(s.StartedAt)
		cs.EndedAt = cloneTimePtr(s.EndedAt)
		cs.DurationSeconds = cloneFloatPtr(s.DurationSeconds)
		out.Stages[i] = cs
	}

	out.Events = make([]Event, len(r.Events))
	copy(out.Events, r.Events)
	return &out
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
