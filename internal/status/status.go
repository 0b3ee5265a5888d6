// Package status renders the current pipeline run for the CLI. It prefers
// the daemon's live view over UDS and falls back to the persisted session
// file when the daemon is down.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/runstate"
	"github.com/baton-dev/baton/internal/uds"
)

// Source values for where a report's run data came from.
const (
	SourceDaemon = "daemon"
	SourceFile   = "file"
)

type Report struct {
	Daemon    DaemonStatus          `json:"daemon"`
	Source    string                `json:"source"`
	Run       *model.Run            `json:"run,omitempty"`
	Progress  *model.Progress       `json:"progress,omitempty"`
	Questions []model.Clarification `json:"questions,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Options controls output format and destination.
type Options struct {
	JSON bool
	// Out defaults to os.Stdout.
	Out io.Writer
}

// daemonStatusData mirrors the daemon's status response payload.
type daemonStatusData struct {
	DaemonPID        int             `json:"daemon_pid"`
	Run              *model.Run      `json:"run"`
	Progress         *model.Progress `json:"progress"`
	PendingQuestions int             `json:"pending_questions"`
}

// Run collects one report and prints it.
func Run(batonDir string, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	report := Collect(batonDir)

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(out, report)
	return nil
}

// Watch re-collects and re-prints the report every interval until ctx is
// cancelled.
func Watch(ctx context.Context, batonDir string, opts Options, interval time.Duration) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := Run(batonDir, opts); err != nil {
			return err
		}
		fmt.Fprintf(out, "\n--- %s (refreshing every %s, Ctrl-C to stop) ---\n\n",
			time.Now().Format("15:04:05"), interval)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Collect builds a report, asking the daemon first and reading the session
// file directly when it is unreachable.
func Collect(batonDir string) Report {
	if report, ok := collectFromDaemon(batonDir); ok {
		return report
	}

	report := Report{
		Daemon: DaemonStatus{Running: false},
		Source: SourceFile,
	}
	run, err := runstate.ReadRunFile(filepath.Join(batonDir, "state", runstate.SessionFileName))
	if err != nil {
		// No usable session file reads as no session.
		return report
	}
	report.Run = run
	p := runstate.ComputeProgress(run, model.StageCount(), time.Now())
	report.Progress = &p
	return report
}

func collectFromDaemon(batonDir string) (Report, bool) {
	client := uds.NewClient(filepath.Join(batonDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	resp, err := client.SendCommand(uds.CmdStatus, nil)
	if err != nil || !resp.Success {
		return Report{}, false
	}

	var data daemonStatusData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return Report{}, false
	}

	report := Report{
		Daemon:   DaemonStatus{Running: true, PID: data.DaemonPID},
		Source:   SourceDaemon,
		Run:      data.Run,
		Progress: data.Progress,
	}

	if data.PendingQuestions > 0 {
		if qResp, err := client.SendCommand(uds.CmdQuestions, nil); err == nil && qResp.Success {
			var qData struct {
				Questions []model.Clarification `json:"questions"`
			}
			if err := json.Unmarshal(qResp.Data, &qData); err == nil {
				report.Questions = qData.Questions
			}
		}
	}

	return report, true
}

// recentEventCount bounds the event section of the text report.
const recentEventCount = 5

func printReport(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.PID)
	} else {
		fmt.Fprintln(w, "Daemon: stopped (showing last persisted state)")
	}

	if r.Run == nil {
		fmt.Fprintln(w, "\nNo session found.")
		return
	}

	run := r.Run
	fmt.Fprintf(w, "\nSession: %s (%s)\n", run.SessionID, run.Status)
	fmt.Fprintf(w, "Started: %s\n", run.StartedAt.Local().Format(time.RFC3339))

	if p := r.Progress; p != nil {
		fmt.Fprintf(w, "Elapsed: %s\n", formatSeconds(p.ElapsedSeconds))
		fmt.Fprintf(w, "Progress: %d/%d stages (%.0f%%)", p.DoneStages, p.TotalStages, p.Percent)
		if run.Status == model.RunStatusRunning {
			if p.ETASeconds != nil {
				fmt.Fprintf(w, "  ETA: ~%s", formatSeconds(*p.ETASeconds))
			} else {
				fmt.Fprint(w, "  ETA: unknown")
			}
			if p.NextStage != "" {
				fmt.Fprintf(w, "  Next: %s", p.NextStage)
			}
		}
		fmt.Fprintln(w)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}

	fmt.Fprintln(w, "\nStages:")
	fmt.Fprintf(w, "  %2s  %-22s  %-9s  %8s  %s\n", "#", "STAGE", "STATE", "DURATION", "MESSAGE")
	for _, st := range run.Stages {
		fmt.Fprintf(w, "  %2d  %-22s  %-9s  %8s  %s\n",
			st.ID, st.Name, st.State, stageDuration(st), truncate(st.Message, 60))
	}

	if n := len(run.Events); n > 0 {
		fmt.Fprintln(w, "\nRecent events:")
		start := n - recentEventCount
		if start < 0 {
			start = 0
		}
		for _, ev := range run.Events[start:] {
			name := ev.StageName
			if name == "" {
				name = "session"
			}
			fmt.Fprintf(w, "  %s  %-22s  %s\n",
				ev.Timestamp.Local().Format("15:04:05"), name, truncate(ev.Message, 70))
		}
	}

	if len(r.Questions) > 0 {
		fmt.Fprintln(w, "\nPending questions:")
		for _, q := range r.Questions {
			fmt.Fprintf(w, "  %s (priority %d, asked %s)\n    %s\n",
				q.ItemID, q.Priority, q.AskedAt.Local().Format("15:04:05"), q.Question)
		}
		fmt.Fprintln(w, "\nAnswer with: baton answer --item <id> --response <text>")
	}
}

func stageDuration(st model.Stage) string {
	if st.DurationSeconds != nil {
		return formatSeconds(*st.DurationSeconds)
	}
	if st.State == model.StageRunning && st.StartedAt != nil {
		return formatSeconds(time.Since(*st.StartedAt).Seconds())
	}
	return "-"
}

func formatSeconds(s float64) string {
	d := time.Duration(s * float64(time.Second))
	if d < time.Second {
		return d.Round(10 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
