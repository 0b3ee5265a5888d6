// Package pipeline drives the fixed stage sequence of a transcription run
// and reports every transition to the run state store, locally or through
// the daemon socket.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/baton-dev/baton/internal/model"
)

// StatusReporter receives run and stage transitions. *runstate.Store
// satisfies it directly; RemoteReporter forwards over the daemon socket.
// Implementations absorb their own failures, so reporting can never abort
// the pipeline.
type StatusReporter interface {
	StartSession(sessionID string, skipFlags map[string]bool, options map[string]any)
	UpdateStage(sessionID string, stageID int, state model.StageState, message string, details map[string]any)
	CompleteSession(sessionID string)
	FailSession(sessionID string, errMsg string)
}

// Asker lets a stage block on a human clarification. *clarify.Broker
// satisfies it directly; RemoteAsker forwards over the daemon socket.
type Asker interface {
	Ask(question string, priority int, itemID string, context map[string]any) (string, bool)
}

// StageContext carries per-stage execution inputs into a StageFunc.
type StageContext struct {
	SessionID string
	Stage     model.StageDef
	// WorkDir is where stage commands run. Empty means the current
	// directory.
	WorkDir string
	Options map[string]any
	// Asker is nil when no clarification channel is attached.
	Asker Asker
	// Report emits a mid-stage progress refresh (state stays running).
	Report func(message string, details map[string]any)
}

// StageFunc executes one pipeline stage. The returned message becomes the
// stage's completion message; an error fails the stage and the session.
type StageFunc func(ctx context.Context, sc StageContext) (string, error)

// Runner executes the pipeline stage table in order against a set of stage
// implementations.
type Runner struct {
	reporter StatusReporter
	stages   map[string]StageFunc
	asker    Asker
	workDir  string
}

// Option configures a Runner.
type Option func(*Runner)

// WithStage registers the implementation for one stage key.
func WithStage(key string, fn StageFunc) Option {
	return func(r *Runner) { r.stages[key] = fn }
}

// WithStages registers a full stage map, keyed by stage key.
func WithStages(stages map[string]StageFunc) Option {
	return func(r *Runner) {
		for k, fn := range stages {
			r.stages[k] = fn
		}
	}
}

// WithAsker attaches a clarification channel passed to every stage.
func WithAsker(a Asker) Option {
	return func(r *Runner) { r.asker = a }
}

// WithWorkDir sets the working directory stage commands run in.
func WithWorkDir(dir string) Option {
	return func(r *Runner) { r.workDir = dir }
}

// NewRunner creates a runner reporting to reporter.
func NewRunner(reporter StatusReporter, opts ...Option) *Runner {
	r := &Runner{
		reporter: reporter,
		stages:   make(map[string]StageFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the pipeline under sessionID. Stages flagged in skipFlags
// never execute; stages with no registered implementation are recorded as
// skipped. The first stage error fails the session and stops the run, as
// does context cancellation between or during stages.
func (r *Runner) Run(ctx context.Context, sessionID string, skipFlags map[string]bool, options map[string]any) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	r.reporter.StartSession(sessionID, skipFlags, options)
	log.Printf("pipeline: session %s started", sessionID)

	for _, def := range model.Stages() {
		if skipFlags[def.Key] {
			// Marked skipped at session start.
			continue
		}
		if err := ctx.Err(); err != nil {
			r.reporter.FailSession(sessionID, "cancelled before "+def.Name)
			return fmt.Errorf("pipeline cancelled: %w", err)
		}

		fn, ok := r.stages[def.Key]
		if !ok {
			r.reporter.UpdateStage(sessionID, def.ID, model.StageSkipped, "No command configured", nil)
			continue
		}

		r.reporter.UpdateStage(sessionID, def.ID, model.StageRunning, def.Name+" started", nil)
		sc := StageContext{
			SessionID: sessionID,
			Stage:     def,
			WorkDir:   r.workDir,
			Options:   options,
			Asker:     r.asker,
			Report: func(message string, details map[string]any) {
				r.reporter.UpdateStage(sessionID, def.ID, model.StageRunning, message, details)
			},
		}

		msg, err := fn(ctx, sc)
		if err != nil {
			r.reporter.UpdateStage(sessionID, def.ID, model.StageFailed, err.Error(), nil)
			reason := fmt.Sprintf("%s failed: %v", def.Name, err)
			if ctx.Err() != nil {
				reason = fmt.Sprintf("%s cancelled: %v", def.Name, ctx.Err())
			}
			r.reporter.FailSession(sessionID, reason)
			log.Printf("pipeline: session %s: stage %s: %v", sessionID, def.Key, err)
			return fmt.Errorf("stage %s: %w", def.Key, err)
		}

		if msg == "" {
			msg = def.Name + " completed"
		}
		r.reporter.UpdateStage(sessionID, def.ID, model.StageCompleted, msg, nil)
	}

	r.reporter.CompleteSession(sessionID)
	log.Printf("pipeline: session %s completed", sessionID)
	return nil
}

// SkipFlags merges the config skip list with per-run overrides. Overrides
// win: a stage skipped in config can be re-enabled with an explicit false.
func SkipFlags(cfg *model.Config, overrides map[string]bool) map[string]bool {
	flags := make(map[string]bool)
	for _, key := range cfg.Pipeline.Skip {
		flags[key] = true
	}
	for key, v := range overrides {
		flags[key] = v
	}
	// Drop explicit false entries so skip_flags only carries real skips.
	for key, v := range flags {
		if !v {
			delete(flags, key)
		}
	}
	if len(flags) == 0 {
		return nil
	}
	return flags
}
