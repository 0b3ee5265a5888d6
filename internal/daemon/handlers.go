package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baton-dev/baton/internal/events"
	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/runstate"
	"github.com/baton-dev/baton/internal/uds"
)

// SessionStartParams is the request payload for the session_start command.
type SessionStartParams struct {
	SessionID string          `json:"session_id,omitempty"`
	SkipFlags map[string]bool `json:"skip_flags,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
}

// StageUpdateParams is the request payload for the stage_update command.
type StageUpdateParams struct {
	SessionID string         `json:"session_id"`
	StageID   int            `json:"stage_id"`
	State     string         `json:"state"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SessionFinishParams is the request payload for session_complete and
// session_fail.
type SessionFinishParams struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// AskParams is the request payload for the blocking ask command.
type AskParams struct {
	Question string         `json:"question"`
	Priority int            `json:"priority"`
	ItemID   string         `json:"item_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// AnswerParams is the request payload for the answer command.
type AnswerParams struct {
	ItemID   string `json:"item_id"`
	Response string `json:"response"`
}

// EventsParams is the request payload for the events command.
type EventsParams struct {
	Limit int `json:"limit,omitempty"`
}

// StatusData is the response payload for the status command.
type StatusData struct {
	DaemonPID        int             `json:"daemon_pid"`
	DaemonStartedAt  time.Time       `json:"daemon_started_at"`
	Project          string          `json:"project,omitempty"`
	Run              *model.Run      `json:"run"`
	Progress         *model.Progress `json:"progress"`
	PendingQuestions int             `json:"pending_questions"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdSessionStart, d.handleSessionStart)
	d.server.Handle(uds.CmdStageUpdate, d.handleStageUpdate)
	d.server.Handle(uds.CmdSessionComplete, d.handleSessionComplete)
	d.server.Handle(uds.CmdSessionFail, d.handleSessionFail)
	d.server.Handle(uds.CmdQuestions, d.handleQuestions)
	d.server.Handle(uds.CmdAsk, d.handleAsk)
	d.server.Handle(uds.CmdAnswer, d.handleAnswer)
	d.server.Handle(uds.CmdEvents, d.handleEvents)
	d.server.Handle(uds.CmdMetrics, d.handleMetrics)
	d.server.Handle(uds.CmdShutdown, d.handleShutdown)
}

func (d *Daemon) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	data := StatusData{
		DaemonPID:        os.Getpid(),
		DaemonStartedAt:  d.startedAt,
		Project:          d.config.Project.Name,
		PendingQuestions: d.broker.PendingCount(),
	}
	if run := d.store.Snapshot(); run != nil {
		p := runstate.ComputeProgress(run, model.StageCount(), time.Now())
		data.Run = run
		data.Progress = &p
	}
	return uds.SuccessResponse(data)
}

func (d *Daemon) handleSessionStart(req *uds.Request) *uds.Response {
	var params SessionStartParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	for key := range params.SkipFlags {
		if _, ok := model.StageDefByKey(key); !ok {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown stage key in skip_flags: %q", key))
		}
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = model.NewSessionID()
	}

	if prev := d.store.Snapshot(); prev != nil && prev.Processing {
		d.log(LogLevelWarn, "session %s superseded by %s while still processing", prev.SessionID, sessionID)
	}

	d.store.StartSession(sessionID, params.SkipFlags, params.Options)
	d.log(LogLevelInfo, "session started id=%s skip=%d", sessionID, len(params.SkipFlags))

	return uds.SuccessResponse(map[string]string{"session_id": sessionID})
}

func (d *Daemon) handleStageUpdate(req *uds.Request) *uds.Response {
	var params StageUpdateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}
	if _, ok := model.StageDefByID(params.StageID); !ok {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown stage_id: %d", params.StageID))
	}
	state := model.StageState(params.State)
	if !model.ValidStageState(state) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown state: %q", params.State))
	}

	// The store's guard is authoritative and counts dropped writes; the
	// snapshot check only picks the error code the caller sees.
	snap := d.store.Snapshot()
	d.store.UpdateStage(params.SessionID, params.StageID, state, params.Message, params.Details)

	if snap == nil {
		return uds.ErrorResponse(uds.ErrCodeNoActiveRun, "no active session")
	}
	if !snap.Processing || snap.SessionID != params.SessionID {
		return uds.ErrorResponse(uds.ErrCodeStaleSession,
			fmt.Sprintf("session %s is not current (active: %s)", params.SessionID, snap.SessionID))
	}
	return uds.SuccessResponse(map[string]string{"status": "accepted"})
}

func (d *Daemon) handleSessionComplete(req *uds.Request) *uds.Response {
	return d.finishSession(req, false)
}

func (d *Daemon) handleSessionFail(req *uds.Request) *uds.Response {
	return d.finishSession(req, true)
}

func (d *Daemon) finishSession(req *uds.Request, failed bool) *uds.Response {
	var params SessionFinishParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.SessionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "session_id is required")
	}

	snap := d.store.Snapshot()
	if failed {
		errMsg := params.Error
		if errMsg == "" {
			errMsg = "unspecified error"
		}
		d.store.FailSession(params.SessionID, errMsg)
	} else {
		d.store.CompleteSession(params.SessionID)
	}

	if snap == nil {
		return uds.ErrorResponse(uds.ErrCodeNoActiveRun, "no active session")
	}
	if !snap.Processing || snap.SessionID != params.SessionID {
		return uds.ErrorResponse(uds.ErrCodeStaleSession,
			fmt.Sprintf("session %s is not current (active: %s)", params.SessionID, snap.SessionID))
	}

	status := "completed"
	if failed {
		status = "failed"
	}
	d.log(LogLevelInfo, "session %s %s", params.SessionID, status)
	return uds.SuccessResponse(map[string]string{"status": status})
}

func (d *Daemon) handleQuestions(req *uds.Request) *uds.Response {
	pending := d.broker.Pending()
	return uds.SuccessResponse(map[string]any{
		"questions": pending,
		"count":     len(pending),
	})
}

// handleAsk blocks the calling connection until the question is answered or
// the broker times out. The server's connection deadline is sized above the
// clarification timeout so the socket stays open for the whole wait.
func (d *Daemon) handleAsk(req *uds.Request) *uds.Response {
	var params AskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Question == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "question is required")
	}

	itemID := params.ItemID
	if itemID == "" {
		itemID = model.NewClarificationID()
	}

	// Fast-path rejection for a precise error code; the broker enforces
	// the real bound.
	if d.broker.PendingCount() >= d.broker.MaxPending() {
		return uds.ErrorResponse(uds.ErrCodeCapacity,
			fmt.Sprintf("%d questions already pending, try again later", d.broker.PendingCount()))
	}

	d.log(LogLevelInfo, "question asked item=%s priority=%d", itemID, params.Priority)
	answer, ok := d.broker.Ask(params.Question, params.Priority, itemID, params.Context)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeAskTimeout,
			fmt.Sprintf("no answer for %s within %s (the question may also have been rejected as a duplicate or at capacity)",
				itemID, d.broker.Timeout()))
	}

	d.log(LogLevelInfo, "question answered item=%s", itemID)
	return uds.SuccessResponse(map[string]string{
		"item_id":  itemID,
		"response": answer,
	})
}

func (d *Daemon) handleAnswer(req *uds.Request) *uds.Response {
	var params AnswerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.ItemID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "item_id is required")
	}

	if !d.broker.SubmitResponse(params.ItemID, params.Response) {
		return uds.ErrorResponse(uds.ErrCodeUnknownTarget,
			fmt.Sprintf("no pending question for item %s", params.ItemID))
	}
	return uds.SuccessResponse(map[string]string{"status": "delivered"})
}

func (d *Daemon) handleEvents(req *uds.Request) *uds.Response {
	var params EventsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := events.ReadLast(filepath.Join(d.batonDir, "logs", JournalFileName), limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("read journal: %v", err))
	}
	return uds.SuccessResponse(map[string]any{
		"events": entries,
		"count":  len(entries),
	})
}

func (d *Daemon) handleMetrics(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.collectMetrics())
}

func (d *Daemon) handleShutdown(req *uds.Request) *uds.Response {
	d.log(LogLevelInfo, "shutdown requested via UDS")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}
