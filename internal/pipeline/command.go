package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/baton-dev/baton/internal/model"
)

// lastLineMaxDisplay caps how much command output lands in a stage message.
const lastLineMaxDisplay = 160

// CommandStage wraps a configured external command as a StageFunc. The
// command runs in the stage's working directory with the session identity
// exported through BATON_* variables, so delegated tools can report
// progress and raise questions through the baton CLI.
func CommandStage(cmdCfg model.StageCommandConfig, batonDir string) StageFunc {
	return func(ctx context.Context, sc StageContext) (string, error) {
		if cmdCfg.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cmdCfg.TimeoutSeconds)*time.Second)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cmdCfg.Command, cmdCfg.Args...)
		if sc.WorkDir != "" {
			cmd.Dir = sc.WorkDir
		}
		cmd.Env = append(os.Environ(),
			"BATON_DIR="+batonDir,
			"BATON_SESSION_ID="+sc.SessionID,
			fmt.Sprintf("BATON_STAGE_ID=%d", sc.Stage.ID),
			"BATON_STAGE_KEY="+sc.Stage.Key,
		)

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return "", fmt.Errorf("%s timed out after %ds (last output: %s)",
				cmdCfg.Command, cmdCfg.TimeoutSeconds, lastOutputLine(out.String()))
		case ctx.Err() != nil:
			return "", fmt.Errorf("%s interrupted: %w", cmdCfg.Command, ctx.Err())
		case err != nil:
			return "", fmt.Errorf("%s: %w (last output: %s)", cmdCfg.Command, err, lastOutputLine(out.String()))
		}

		if line := lastOutputLine(out.String()); line != "<empty>" {
			return line, nil
		}
		return "", nil
	}
}

// ConfiguredStages builds the stage map from the pipeline config. Stage keys
// absent from the config get no entry and are recorded as skipped at run
// time.
func ConfiguredStages(cfg *model.Config, batonDir string) map[string]StageFunc {
	stages := make(map[string]StageFunc, len(cfg.Pipeline.Stages))
	for key, sc := range cfg.Pipeline.Stages {
		stages[key] = CommandStage(sc, batonDir)
	}
	return stages
}

// lastOutputLine returns the last non-blank line of command output,
// truncated for display.
func lastOutputLine(content string) string {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if len(trimmed) > lastLineMaxDisplay {
			return trimmed[:lastLineMaxDisplay] + "..."
		}
		return trimmed
	}
	return "<empty>"
}
