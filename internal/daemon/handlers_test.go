package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/runstate"
	"github.com/baton-dev/baton/internal/uds"
)

func newTestDaemon(t *testing.T, mutate ...func(*model.Config)) *Daemon {
	t.Helper()
	dir := shortTempDir(t)

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	d, err := newDaemon(dir, cfg, os.Stderr, nil)
	require.NoError(t, err)
	require.NoError(t, d.initComponents())
	t.Cleanup(d.Shutdown)
	return d
}

func mustRequest(t *testing.T, command string, params any) *uds.Request {
	t.Helper()
	req, err := uds.NewRequest(command, params)
	require.NoError(t, err)
	return req
}

func decodeData(t *testing.T, resp *uds.Response, out any) {
	t.Helper()
	require.True(t, resp.Success, "expected success, got error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

// waitBrokerPending polls until n questions are pending.
func waitBrokerPending(t *testing.T, d *Daemon, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.broker.PendingCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending questions (have %d)", n, d.broker.PendingCount())
}

func TestHandlePing(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handlePing(mustRequest(t, uds.CmdPing, nil))

	var data map[string]string
	decodeData(t, resp, &data)
	assert.Equal(t, "ok", data["status"])
}

func TestHandleSessionStart_GeneratesID(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{}))

	var data map[string]string
	decodeData(t, resp, &data)
	assert.Contains(t, data["session_id"], "ses_")

	run := d.store.Snapshot()
	require.NotNil(t, run)
	assert.Equal(t, data["session_id"], run.SessionID)
	assert.True(t, run.Processing)
	assert.Len(t, run.Stages, model.StageCount())
}

func TestHandleSessionStart_SkipFlagsApplied(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{
		SessionID: "ses_skip",
		SkipFlags: map[string]bool{"diarization": true, "classification": true},
	}))
	require.True(t, resp.Success)

	run := d.store.Snapshot()
	require.NotNil(t, run)
	for _, st := range run.Stages {
		switch st.Key {
		case "diarization", "classification":
			assert.Equal(t, model.StageSkipped, st.State, "stage %s", st.Key)
			assert.Equal(t, runstate.SkipMessage, st.Message)
		default:
			assert.Equal(t, model.StagePending, st.State, "stage %s", st.Key)
		}
	}
}

func TestHandleSessionStart_UnknownSkipKey(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{
		SkipFlags: map[string]bool{"bogus": true},
	}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestHandleStageUpdate_Flow(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_flow"}))

	resp := d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_flow",
		StageID:   1,
		State:     string(model.StageRunning),
	}))
	require.True(t, resp.Success)

	resp = d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_flow",
		StageID:   1,
		State:     string(model.StageCompleted),
		Message:   "Converted 3 files",
		Details:   map[string]any{"files": 3},
	}))
	require.True(t, resp.Success)

	run := d.store.Snapshot()
	require.NotNil(t, run)
	stage := run.StageByID(1)
	require.NotNil(t, stage)
	assert.Equal(t, model.StageCompleted, stage.State)
	assert.Contains(t, stage.Message, "Converted 3 files")
	require.NotNil(t, stage.StartedAt)
	require.NotNil(t, stage.EndedAt)
}

func TestHandleStageUpdate_Validation(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_v"}))

	tests := []struct {
		name   string
		params StageUpdateParams
	}{
		{"missing session", StageUpdateParams{StageID: 1, State: "running"}},
		{"unknown stage", StageUpdateParams{SessionID: "ses_v", StageID: 99, State: "running"}},
		{"unknown state", StageUpdateParams{SessionID: "ses_v", StageID: 1, State: "bogus"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, tc.params))
			require.False(t, resp.Success)
			assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
		})
	}
}

func TestHandleStageUpdate_NoActiveRun(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_none",
		StageID:   1,
		State:     "running",
	}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeNoActiveRun, resp.Error.Code)
}

func TestHandleStageUpdate_StaleSession(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_old"}))
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_new"}))

	resp := d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_old",
		StageID:   1,
		State:     "running",
	}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeStaleSession, resp.Error.Code)

	// The new run must be untouched and the drop counted.
	run := d.store.Snapshot()
	require.NotNil(t, run)
	assert.Equal(t, "ses_new", run.SessionID)
	assert.Equal(t, model.StagePending, run.StageByID(1).State)
	sessions, _ := d.store.Counters()
	assert.GreaterOrEqual(t, sessions.Stale, uint64(1))
}

func TestHandleSessionComplete(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_done"}))

	resp := d.handleSessionComplete(mustRequest(t, uds.CmdSessionComplete, SessionFinishParams{SessionID: "ses_done"}))
	require.True(t, resp.Success)

	run := d.store.Snapshot()
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.False(t, run.Processing)
	require.NotNil(t, run.CompletedAt)

	// Finishing again is stale: the run is terminal.
	resp = d.handleSessionComplete(mustRequest(t, uds.CmdSessionComplete, SessionFinishParams{SessionID: "ses_done"}))
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeStaleSession, resp.Error.Code)
}

func TestHandleSessionFail(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_bad"}))

	resp := d.handleSessionFail(mustRequest(t, uds.CmdSessionFail, SessionFinishParams{
		SessionID: "ses_bad",
		Error:     "transcription backend unreachable",
	}))
	require.True(t, resp.Success)

	run := d.store.Snapshot()
	require.NotNil(t, run)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.False(t, run.Processing)
	assert.Equal(t, "transcription backend unreachable", run.Error)
}

func TestHandleStatus_NoRun(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleStatus(mustRequest(t, uds.CmdStatus, nil))

	var data StatusData
	decodeData(t, resp, &data)
	assert.Equal(t, os.Getpid(), data.DaemonPID)
	assert.Nil(t, data.Run)
	assert.Nil(t, data.Progress)
	assert.Zero(t, data.PendingQuestions)
}

func TestHandleStatus_WithRun(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_st"}))
	d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_st", StageID: 1, State: "running",
	}))
	d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_st", StageID: 1, State: "completed",
	}))

	resp := d.handleStatus(mustRequest(t, uds.CmdStatus, nil))

	var data StatusData
	decodeData(t, resp, &data)
	require.NotNil(t, data.Run)
	assert.Equal(t, "ses_st", data.Run.SessionID)
	require.NotNil(t, data.Progress)
	assert.Equal(t, 1, data.Progress.DoneStages)
	assert.Equal(t, model.StageCount(), data.Progress.TotalStages)
}

func TestHandleAsk_Answered(t *testing.T) {
	d := newTestDaemon(t, func(cfg *model.Config) {
		cfg.Clarify.TimeoutSeconds = 5
	})

	answerReq := mustRequest(t, uds.CmdAnswer, AnswerParams{
		ItemID:   "chunk-42",
		Response: "speaker A",
	})
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if d.broker.PendingCount() == 1 {
				d.handleAnswer(answerReq)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := d.handleAsk(mustRequest(t, uds.CmdAsk, AskParams{
		Question: "Who is speaking at 03:12?",
		Priority: 1,
		ItemID:   "chunk-42",
	}))

	var data map[string]string
	decodeData(t, resp, &data)
	assert.Equal(t, "chunk-42", data["item_id"])
	assert.Equal(t, "speaker A", data["response"])
}

func TestHandleAsk_GeneratesItemID(t *testing.T) {
	d := newTestDaemon(t, func(cfg *model.Config) {
		cfg.Clarify.TimeoutSeconds = 5
	})

	answered := make(chan string, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending := d.broker.Pending()
			if len(pending) == 1 {
				d.broker.SubmitResponse(pending[0].ItemID, "ok")
				answered <- pending[0].ItemID
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		answered <- ""
	}()

	resp := d.handleAsk(mustRequest(t, uds.CmdAsk, AskParams{Question: "Proceed?"}))

	var data map[string]string
	decodeData(t, resp, &data)
	assert.Contains(t, data["item_id"], "qst_")
	assert.Equal(t, <-answered, data["item_id"])
}

func TestHandleAsk_Timeout(t *testing.T) {
	d := newTestDaemon(t) // 1s clarify timeout

	start := time.Now()
	resp := d.handleAsk(mustRequest(t, uds.CmdAsk, AskParams{
		Question: "Anyone there?",
		ItemID:   "lonely",
	}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeAskTimeout, resp.Error.Code)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Zero(t, d.broker.PendingCount())
}

func TestHandleAsk_CapacityRejection(t *testing.T) {
	d := newTestDaemon(t, func(cfg *model.Config) {
		cfg.Clarify.MaxPending = 1
		cfg.Clarify.TimeoutSeconds = 5
	})

	hogReq := mustRequest(t, uds.CmdAsk, AskParams{
		Question: "blocking question",
		ItemID:   "hog",
	})
	first := make(chan *uds.Response, 1)
	go func() {
		first <- d.handleAsk(hogReq)
	}()
	waitBrokerPending(t, d, 1)

	resp := d.handleAsk(mustRequest(t, uds.CmdAsk, AskParams{
		Question: "one too many",
		ItemID:   "extra",
	}))
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeCapacity, resp.Error.Code)

	d.handleAnswer(mustRequest(t, uds.CmdAnswer, AnswerParams{ItemID: "hog", Response: "done"}))
	require.True(t, (<-first).Success)
}

func TestHandleAsk_MissingQuestion(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleAsk(mustRequest(t, uds.CmdAsk, AskParams{}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestHandleAnswer_UnknownTarget(t *testing.T) {
	d := newTestDaemon(t)

	resp := d.handleAnswer(mustRequest(t, uds.CmdAnswer, AnswerParams{
		ItemID:   "ghost",
		Response: "hello?",
	}))

	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeUnknownTarget, resp.Error.Code)
}

func TestHandleQuestions_PriorityOrder(t *testing.T) {
	d := newTestDaemon(t, func(cfg *model.Config) {
		cfg.Clarify.TimeoutSeconds = 5
	})

	lowReq := mustRequest(t, uds.CmdAsk, AskParams{Question: "low", Priority: 5, ItemID: "low"})
	highReq := mustRequest(t, uds.CmdAsk, AskParams{Question: "high", Priority: 1, ItemID: "high"})
	go d.handleAsk(lowReq)
	waitBrokerPending(t, d, 1)
	go d.handleAsk(highReq)
	waitBrokerPending(t, d, 2)

	resp := d.handleQuestions(mustRequest(t, uds.CmdQuestions, nil))

	var data struct {
		Questions []model.Clarification `json:"questions"`
		Count     int                   `json:"count"`
	}
	decodeData(t, resp, &data)
	require.Equal(t, 2, data.Count)
	assert.Equal(t, "high", data.Questions[0].ItemID)
	assert.Equal(t, "low", data.Questions[1].ItemID)

	d.handleAnswer(mustRequest(t, uds.CmdAnswer, AnswerParams{ItemID: "low", Response: "x"}))
	d.handleAnswer(mustRequest(t, uds.CmdAnswer, AnswerParams{ItemID: "high", Response: "y"}))
}

func TestHandleEvents(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_ev"}))
	d.handleStageUpdate(mustRequest(t, uds.CmdStageUpdate, StageUpdateParams{
		SessionID: "ses_ev", StageID: 1, State: "running",
	}))

	// Journal entries arrive through the bus asynchronously.
	var entries []map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := d.handleEvents(mustRequest(t, uds.CmdEvents, EventsParams{Limit: 10}))
		var data struct {
			Events []map[string]any `json:"events"`
			Count  int              `json:"count"`
		}
		decodeData(t, resp, &data)
		if data.Count >= 2 {
			entries = data.Events
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, entries, "journal never received the events")

	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e["event_type"].(string))
	}
	assert.Contains(t, types, string(model.EventSessionStarted))
	assert.Contains(t, types, string(model.EventStageStarted))
}

func TestHandleMetrics(t *testing.T) {
	d := newTestDaemon(t)
	d.handleSessionStart(mustRequest(t, uds.CmdSessionStart, SessionStartParams{SessionID: "ses_mx"}))

	resp := d.handleMetrics(mustRequest(t, uds.CmdMetrics, nil))

	var m model.Metrics
	decodeData(t, resp, &m)
	assert.Equal(t, model.FileTypeMetrics, m.FileType)
	assert.Equal(t, uint64(1), m.Sessions.Started)
}

func TestDaemon_OverSocket(t *testing.T) {
	d := newTestDaemon(t)
	d.registerHandlers()
	require.NoError(t, d.server.Start())

	client := uds.NewClient(filepath.Join(d.batonDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	resp, err := client.SendCommand(uds.CmdPing, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CmdSessionStart, map[string]any{
		"session_id": "ses_sock",
		"options":    map[string]any{"language": "ja"},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CmdStageUpdate, map[string]any{
		"session_id": "ses_sock",
		"stage_id":   1,
		"state":      "running",
		"message":    "Converting input.m4a",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand(uds.CmdStatus, nil)
	require.NoError(t, err)

	var data StatusData
	decodeData(t, resp, &data)
	require.NotNil(t, data.Run)
	assert.Equal(t, "ses_sock", data.Run.SessionID)
	assert.Equal(t, "ja", data.Run.Options["language"])
	require.NotNil(t, data.Run.CurrentStageID)
	assert.Equal(t, 1, *data.Run.CurrentStageID)
}
