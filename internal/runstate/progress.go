package runstate

import (
	"time"

	"github.com/baton-dev/baton/internal/model"
)

// ComputeProgress derives elapsed time, ETA, and the upcoming stage from a
// run snapshot. It is a pure function of its inputs and holds no lock.
//
// The ETA averages the per-stage time of every completed and running stage
// and multiplies by the number of stages not yet in that set. A stalled
// running stage keeps inflating its own contribution, which raises the
// average and with it the estimate, so the ETA degrades instead of freezing.
func ComputeProgress(run *model.Run, totalStages int, now time.Time) model.Progress {
	p := model.Progress{TotalStages: totalStages}
	if run == nil {
		return p
	}

	p.ElapsedSeconds = now.Sub(run.StartedAt).Seconds()
	if p.ElapsedSeconds < 0 {
		p.ElapsedSeconds = 0
	}

	var sum float64
	participants := 0
	for i := range run.Stages {
		st := &run.Stages[i]
		switch st.State {
		case model.StageCompleted:
			if st.DurationSeconds != nil {
				sum += *st.DurationSeconds
			}
			participants++
		case model.StageRunning:
			if st.StartedAt != nil {
				if d := now.Sub(*st.StartedAt).Seconds(); d > 0 {
					sum += d
				}
			}
			participants++
		}

		switch st.State {
		case model.StageCompleted, model.StageSkipped:
			p.DoneStages++
		}
	}

	remaining := totalStages - participants
	if remaining < 0 {
		remaining = 0
	}
	if participants > 0 && remaining > 0 {
		eta := (sum / float64(participants)) * float64(remaining)
		p.ETASeconds = &eta
	}

	if totalStages > 0 {
		p.Percent = float64(p.DoneStages) / float64(totalStages) * 100
	}

	p.NextStage = nextStageName(run)
	return p
}

// nextStageName picks the first stage in pipeline order that is not done and
// not the one currently running.
func nextStageName(run *model.Run) string {
	for i := range run.Stages {
		st := &run.Stages[i]
		switch st.State {
		case model.StageCompleted, model.StageSkipped, model.StageRunning:
			continue
		}
		return st.Name
	}
	return ""
}
