package pipeline

import (
	"encoding/json"
	"log"
	"time"

	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/uds"
)

// RemoteReporter forwards run and stage transitions to the daemon over its
// unix socket. Like the store it fronts, it absorbs failures: a dropped
// status report is logged, never returned, so the pipeline keeps moving
// while the daemon restarts.
type RemoteReporter struct {
	client *uds.Client
}

// NewRemoteReporter creates a reporter talking to socketPath.
func NewRemoteReporter(socketPath string) *RemoteReporter {
	return &RemoteReporter{client: uds.NewClient(socketPath)}
}

func (r *RemoteReporter) StartSession(sessionID string, skipFlags map[string]bool, options map[string]any) {
	r.send(uds.CmdSessionStart, map[string]any{
		"session_id": sessionID,
		"skip_flags": skipFlags,
		"options":    options,
	})
}

func (r *RemoteReporter) UpdateStage(sessionID string, stageID int, state model.StageState, message string, details map[string]any) {
	r.send(uds.CmdStageUpdate, map[string]any{
		"session_id": sessionID,
		"stage_id":   stageID,
		"state":      string(state),
		"message":    message,
		"details":    details,
	})
}

func (r *RemoteReporter) CompleteSession(sessionID string) {
	r.send(uds.CmdSessionComplete, map[string]any{
		"session_id": sessionID,
	})
}

func (r *RemoteReporter) FailSession(sessionID string, errMsg string) {
	r.send(uds.CmdSessionFail, map[string]any{
		"session_id": sessionID,
		"error":      errMsg,
	})
}

func (r *RemoteReporter) send(command string, params map[string]any) {
	resp, err := r.client.SendCommand(command, params)
	if err != nil {
		log.Printf("pipeline: %s: %v", command, err)
		return
	}
	if !resp.Success && resp.Error != nil {
		log.Printf("pipeline: %s rejected: %s (%s)", command, resp.Error.Message, resp.Error.Code)
	}
}

// RemoteAsker raises clarification questions through the daemon. Ask blocks
// until the question is answered or rejected by the broker on the other
// side.
type RemoteAsker struct {
	client *uds.Client
}

// NewRemoteAsker creates an asker talking to socketPath. brokerTimeout is
// the daemon's clarification timeout; the connection deadline sits above it
// so the socket outlives the longest possible wait.
func NewRemoteAsker(socketPath string, brokerTimeout time.Duration) *RemoteAsker {
	c := uds.NewClient(socketPath)
	c.SetTimeout(brokerTimeout + 30*time.Second)
	return &RemoteAsker{client: c}
}

func (a *RemoteAsker) Ask(question string, priority int, itemID string, context map[string]any) (string, bool) {
	resp, err := a.client.SendCommand(uds.CmdAsk, map[string]any{
		"question": question,
		"priority": priority,
		"item_id":  itemID,
		"context":  context,
	})
	if err != nil {
		log.Printf("pipeline: ask %s: %v", itemID, err)
		return "", false
	}
	if !resp.Success {
		if resp.Error != nil {
			log.Printf("pipeline: ask %s: %s (%s)", itemID, resp.Error.Message, resp.Error.Code)
		}
		return "", false
	}

	var data struct {
		ItemID   string `json:"item_id"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		log.Printf("pipeline: ask %s: decode response: %v", itemID, err)
		return "", false
	}
	return data.Response, true
}
