// Package runstate owns the persisted state of the active pipeline run. The
// Store is the single writer; observers receive deep-copy snapshots and never
// references into live state.
package runstate

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/baton-dev/baton/internal/events"
	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/statefile"
)

// SkipMessage is the message recorded on stages disabled by skip flags at
// session start.
const SkipMessage = "Skipped by configuration"

// SessionFileName is the session document file under the state directory.
const SessionFileName = "session.json"

// Store is the persisted stage state machine for one active run at a time.
// Every mutation rewrites the whole session document atomically, so readers
// of the file never observe a torn write. All mutators absorb their own
// failures: a persistence hiccup is logged, never returned, because a status
// write must not crash the pipeline worker.
type Store struct {
	mu  sync.Mutex
	run *model.Run

	batonDir string
	path     string
	bus      *events.Bus

	sessions model.SessionCounters
	stages   model.StageCounters
}

// Option configures a Store.
type Option func(*Store)

// WithBus attaches a notification bus; every mutation publishes its
// transition after the document is persisted.
func WithBus(bus *events.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// New opens the store rooted at batonDir (the .baton directory). An existing
// session document is loaded so a daemon restart does not lose the active
// run; a corrupt document is quarantined and recovered rather than aborting.
func New(batonDir string, opts ...Option) (*Store, error) {
	stateDir := filepath.Join(batonDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		batonDir: batonDir,
		path:     filepath.Join(stateDir, SessionFileName),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.run = s.loadExisting()
	return s, nil
}

// Path returns the session document location.
func (s *Store) Path() string {
	return s.path
}

// loadExisting reads the persisted session document. Any read or validation
// failure degrades to "no active run": the file is quarantined and restored
// from backup or regenerated, and nil is returned when nothing usable
// remains.
func (s *Store) loadExisting() *model.Run {
	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		log.Printf("runstate: read %s: %v", s.path, err)
		return nil
	}

	run, err := decodeRun(content)
	if err == nil {
		return run
	}

	log.Printf("runstate: corrupt session document: %v", err)
	if err := statefile.RecoverCorruptedFile(s.batonDir, s.path, model.FileTypeSession); err != nil {
		log.Printf("runstate: recover session document: %v", err)
		return nil
	}

	// A restored backup may hold the previous good run; the skeleton
	// fallback decodes to an empty terminal run which reads as no active
	// run.
	content, err = os.ReadFile(s.path)
	if err != nil {
		log.Printf("runstate: read recovered document: %v", err)
		return nil
	}
	run, err = decodeRun(content)
	if err != nil {
		log.Printf("runstate: recovered document still unreadable: %v", err)
		return nil
	}
	if run.SessionID == "" {
		return nil
	}
	return run
}

func decodeRun(content []byte) (*model.Run, error) {
	if err := statefile.ValidateSchemaHeaderFromBytes(content, model.FileTypeSession); err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(content, &run); err != nil {
		return nil, fmt.Errorf("unmarshal session document: %w", err)
	}
	return &run, nil
}

// StartSession replaces any existing run with a fresh one. Stages whose skip
// flag is set initialize directly to skipped. Always succeeds.
func (s *Store) StartSession(sessionID string, skipFlags map[string]bool, options map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run := model.NewRun(sessionID, now)

	if len(skipFlags) > 0 {
		run.SkipFlags = make(map[string]bool, len(skipFlags))
		for k, v := range skipFlags {
			run.SkipFlags[k] = v
		}
		for i := range run.Stages {
			if run.SkipFlags[run.Stages[i].Key] {
				run.Stages[i].State = model.StageSkipped
				run.Stages[i].Message = SkipMessage
			}
		}
	}
	if len(options) > 0 {
		run.Options = make(map[string]any, len(options))
		for k, v := range options {
			run.Options[k] = v
		}
	}

	msg := "Session started"
	if summary := summarizeOptions(options); summary != "" {
		msg += " (" + summary + ")"
	}
	run.AppendEvent(model.Event{
		Timestamp: now,
		StageID:   0,
		StageName: "session",
		Type:      model.EventSessionStarted,
		Message:   msg,
	})

	s.run = run
	s.sessions.Started++
	s.persistLocked()
	s.publishLocked(model.EventSessionStarted, 0, "session", msg, nil)
}

// UpdateStage applies one stage transition. Calls referencing a session other
// than the current one, or arriving after the run reached a terminal status,
// are dropped; a straggling worker cannot corrupt a newer or finished run.
// Unknown stage ids and states are dropped the same way.
func (s *Store) UpdateStage(sessionID string, stageID int, state model.StageState, message string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(sessionID) {
		s.sessions.Stale++
		log.Printf("runstate: stale write for session %s ignored", sessionID)
		return
	}
	stage := s.run.StageByID(stageID)
	if stage == nil {
		log.Printf("runstate: update for unknown stage %d ignored", stageID)
		return
	}
	if !model.ValidStageState(state) {
		log.Printf("runstate: unknown stage state %q ignored", state)
		return
	}

	now := time.Now().UTC()
	from := stage.State
	if err := model.ValidateStageTransition(from, state); err != nil {
		// Out-of-order reporting is the caller's bug; the write still
		// applies because the store only guards cross-session writes.
		log.Printf("runstate: stage %d: %v", stageID, err)
	}
	eventType := model.StageEventType(from, state)

	stage.State = state
	stage.Message = message
	if details != nil {
		stage.Details = make(map[string]any, len(details))
		for k, v := range details {
			stage.Details[k] = v
		}
	}

	eventMsg := message
	switch {
	case state == model.StageRunning:
		if stage.StartedAt == nil {
			t := now
			stage.StartedAt = &t
		}
		stage.EndedAt = nil
		stage.DurationSeconds = nil
		id := stageID
		s.run.CurrentStageID = &id

	case model.IsStageTerminal(state):
		t := now
		stage.EndedAt = &t
		if stage.StartedAt != nil {
			d := t.Sub(*stage.StartedAt).Seconds()
			stage.DurationSeconds = &d
		}
		if state == model.StageCompleted || state == model.StageFailed {
			if s.run.CurrentStageID != nil && *s.run.CurrentStageID == stageID {
				s.run.CurrentStageID = nil
			}
		}
		if state == model.StageCompleted || state == model.StageSkipped {
			if next := s.nextAfterLocked(stageID); next != "" {
				if eventMsg == "" {
					eventMsg = "Next: " + next
				} else {
					eventMsg += " | Next: " + next
				}
			}
		}
	}

	s.run.AppendEvent(model.Event{
		Timestamp: now,
		StageID:   stageID,
		StageName: stage.Name,
		Type:      eventType,
		Message:   eventMsg,
	})
	s.run.UpdatedAt = now

	s.stages.Updates++
	switch state {
	case model.StageCompleted:
		s.stages.Completed++
	case model.StageSkipped:
		s.stages.Skipped++
	case model.StageFailed:
		s.stages.Failed++
	}

	s.persistLocked()
	s.publishLocked(eventType, stageID, stage.Name, eventMsg, details)
}

// CompleteSession marks the run completed. Stale or repeated calls are
// dropped.
func (s *Store) CompleteSession(sessionID string) {
	s.finishSession(sessionID, model.RunStatusCompleted, "")
}

// FailSession marks the run failed with errMsg. External "stop" requests are
// an ordinary FailSession; the stale guard makes it safe to race against
// in-flight stage updates.
func (s *Store) FailSession(sessionID string, errMsg string) {
	s.finishSession(sessionID, model.RunStatusFailed, errMsg)
}

func (s *Store) finishSession(sessionID string, status model.RunStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(sessionID) {
		s.sessions.Stale++
		log.Printf("runstate: stale %s for session %s ignored", status, sessionID)
		return
	}

	now := time.Now().UTC()
	s.run.Status = status
	s.run.Processing = false
	s.run.CurrentStageID = nil
	t := now
	s.run.CompletedAt = &t
	d := now.Sub(s.run.StartedAt).Seconds()
	s.run.DurationSeconds = &d
	s.run.UpdatedAt = now

	eventType := model.EventSessionCompleted
	msg := "Session completed"
	if status == model.RunStatusFailed {
		eventType = model.EventSessionFailed
		s.run.Error = errMsg
		msg = "Session failed"
		if errMsg != "" {
			msg += ": " + errMsg
		}
		s.sessions.Failed++
	} else {
		s.sessions.Completed++
	}

	s.run.AppendEvent(model.Event{
		Timestamp: now,
		StageID:   0,
		StageName: "session",
		Type:      eventType,
		Message:   msg,
	})

	s.persistLocked()
	s.publishLocked(eventType, 0, "session", msg, nil)
}

// Snapshot returns a deep copy of the current run, or nil when no run is
// active. Never fails; observers polling during a mutation see either the
// previous or the new state, never a half-updated one.
func (s *Store) Snapshot() *model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run.Clone()
}

// Reassert rewrites the session document from the in-memory run. The
// daemon's state watcher calls it after detecting an external edit so the
// on-disk copy returns to the authoritative state. No-op when no run is
// active.
func (s *Store) Reassert() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	s.persistLocked()
}

// Counters returns the session and stage counters accumulated since the
// store was opened.
func (s *Store) Counters() (model.SessionCounters, model.StageCounters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, s.stages
}

// currentLocked reports whether sessionID addresses the live run. A terminal
// run no longer accepts writes even under its own id.
func (s *Store) currentLocked(sessionID string) bool {
	return s.run != nil && s.run.Processing && s.run.SessionID == sessionID
}

// nextAfterLocked finds the name of the first stage after stageID that is
// neither skipped nor completed. Empty when the pipeline has nothing left.
func (s *Store) nextAfterLocked(stageID int) string {
	for i := range s.run.Stages {
		st := &s.run.Stages[i]
		if st.ID <= stageID {
			continue
		}
		if st.State == model.StageSkipped || st.State == model.StageCompleted {
			continue
		}
		return st.Name
	}
	return ""
}

func (s *Store) persistLocked() {
	if err := statefile.AtomicWrite(s.path, s.run); err != nil {
		log.Printf("runstate: persist session document: %v", err)
	}
}

func (s *Store) publishLocked(eventType model.EventType, stageID int, stageName, message string, details map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Notification{
		Type:      eventType,
		SessionID: s.run.SessionID,
		StageID:   stageID,
		StageName: stageName,
		Message:   message,
		Details:   details,
	})
}

func summarizeOptions(options map[string]any) string {
	if len(options) == 0 {
		return ""
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, options[k]))
	}
	return strings.Join(parts, ", ")
}

// ReadRunFile loads a session document without opening a store. Used by
// read-only consumers (the status command when the daemon is down). Unlike
// Snapshot it reports errors, and it never mutates or recovers the file.
func ReadRunFile(path string) (*model.Run, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session document: %w", err)
	}
	return decodeRun(content)
}
