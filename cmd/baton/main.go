package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/baton-dev/baton/internal/daemon"
	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/pipeline"
	"github.com/baton-dev/baton/internal/setup"
	"github.com/baton-dev/baton/internal/status"
	"github.com/baton-dev/baton/internal/uds"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "run":
		runPipeline(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "session":
		runSession(os.Args[2:])
	case "ask":
		runAsk(os.Args[2:])
	case "answer":
		runAnswer(os.Args[2:])
	case "questions":
		runQuestions(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "metrics":
		runMetrics(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("baton %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: baton setup <project_dir> [--name <project>]")
		os.Exit(1)
	}
	projectDir := args[0]
	var projectName string

	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton setup <project_dir> [--name <project>]\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .baton/ in %s\n", absDir)
}

func runDaemon(_ []string) {
	batonDir := mustBatonDir()

	cfg, err := setup.LoadConfig(batonDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(batonDir, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runPipeline(args []string) {
	var sessionID, workDir string
	var skips, withs []string
	options := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			i++
			sessionID = args[i]
		case "--skip":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--skip requires a stage key")
				os.Exit(1)
			}
			i++
			skips = append(skips, args[i])
		case "--with":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--with requires a stage key")
				os.Exit(1)
			}
			i++
			withs = append(withs, args[i])
		case "--workdir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--workdir requires a value")
				os.Exit(1)
			}
			i++
			workDir = args[i]
		case "--option":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--option requires key=value")
				os.Exit(1)
			}
			i++
			parseKV("--option", args[i], options)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton run [--session <id>] [--skip <stage>]... [--with <stage>]... [--workdir <dir>] [--option k=v]...\n", args[i])
			os.Exit(1)
		}
	}

	for _, key := range append(append([]string{}, skips...), withs...) {
		if _, ok := model.StageDefByKey(key); !ok {
			fmt.Fprintf(os.Stderr, "unknown stage key: %s\n", key)
			os.Exit(1)
		}
	}

	batonDir := mustBatonDir()
	cfg, err := setup.LoadConfig(batonDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// The daemon owns session state; refuse to start without it.
	socketPath := filepath.Join(batonDir, uds.DefaultSocketName)
	if _, err := uds.NewClient(socketPath).SendCommand(uds.CmdPing, nil); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	if sessionID == "" {
		sessionID = model.NewSessionID()
	}

	overrides := map[string]bool{}
	for _, key := range skips {
		overrides[key] = true
	}
	for _, key := range withs {
		overrides[key] = false
	}
	skipFlags := pipeline.SkipFlags(cfg, overrides)

	if workDir == "" {
		workDir = cfg.Pipeline.WorkDir
	}
	projectRoot := filepath.Dir(batonDir)
	if workDir == "" {
		workDir = projectRoot
	} else if !filepath.IsAbs(workDir) {
		workDir = filepath.Join(projectRoot, workDir)
	}

	if len(options) == 0 {
		options = nil
	}

	runner := pipeline.NewRunner(
		pipeline.NewRemoteReporter(socketPath),
		pipeline.WithStages(pipeline.ConfiguredStages(cfg, batonDir)),
		pipeline.WithAsker(pipeline.NewRemoteAsker(socketPath, cfg.ClarifyTimeout())),
		pipeline.WithWorkDir(workDir),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("session %s\n", sessionID)
	if err := runner.Run(ctx, sessionID, skipFlags, options); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("pipeline completed")
}

func runStatus(args []string) {
	var jsonOutput, watch bool
	interval := 2 * time.Second

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--watch":
			watch = true
		case "--interval":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--interval requires seconds")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --interval value: %s\n", args[i])
				os.Exit(1)
			}
			interval = time.Duration(n) * time.Second
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton status [--json] [--watch] [--interval <seconds>]\n", args[i])
			os.Exit(1)
		}
	}

	batonDir := mustBatonDir()
	opts := status.Options{JSON: jsonOutput}

	if watch {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := status.Watch(ctx, batonDir, opts, interval); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := status.Run(batonDir, opts); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runSession(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: baton session <start|update|complete|fail> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "start":
		runSessionStart(args[1:])
	case "update":
		runSessionUpdate(args[1:])
	case "complete":
		runSessionComplete(args[1:])
	case "fail":
		runSessionFail(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown session subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: baton session <start|update|complete|fail> [options]")
		os.Exit(1)
	}
}

func runSessionStart(args []string) {
	var sessionID string
	skipFlags := map[string]bool{}
	options := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			i++
			sessionID = args[i]
		case "--skip":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--skip requires a stage key")
				os.Exit(1)
			}
			i++
			skipFlags[args[i]] = true
		case "--option":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--option requires key=value")
				os.Exit(1)
			}
			i++
			parseKV("--option", args[i], options)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton session start [--session <id>] [--skip <stage>]... [--option k=v]...\n", args[i])
			os.Exit(1)
		}
	}

	params := map[string]any{}
	if sessionID != "" {
		params["session_id"] = sessionID
	}
	if len(skipFlags) > 0 {
		params["skip_flags"] = skipFlags
	}
	if len(options) > 0 {
		params["options"] = options
	}

	resp := send(mustBatonDir(), "session start", uds.CmdSessionStart, params)
	printData(resp.Data)
}

func runSessionUpdate(args []string) {
	var sessionID, state, message string
	stageID := -1
	details := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			i++
			sessionID = args[i]
		case "--stage":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--stage requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --stage value: %s\n", args[i])
				os.Exit(1)
			}
			stageID = n
		case "--state":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--state requires a value")
				os.Exit(1)
			}
			i++
			state = args[i]
		case "--message":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--message requires a value")
				os.Exit(1)
			}
			i++
			message = args[i]
		case "--detail":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--detail requires key=value")
				os.Exit(1)
			}
			i++
			parseKV("--detail", args[i], details)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton session update --session <id> --stage <n> --state <state> [--message <text>] [--detail k=v]...\n", args[i])
			os.Exit(1)
		}
	}

	if sessionID == "" || stageID < 0 || state == "" {
		fmt.Fprintln(os.Stderr, "usage: baton session update --session <id> --stage <n> --state <state> [--message <text>] [--detail k=v]...")
		os.Exit(1)
	}

	params := map[string]any{
		"session_id": sessionID,
		"stage_id":   stageID,
		"state":      state,
	}
	if message != "" {
		params["message"] = message
	}
	if len(details) > 0 {
		params["details"] = details
	}

	resp := send(mustBatonDir(), "session update", uds.CmdStageUpdate, params)
	printData(resp.Data)
}

func runSessionComplete(args []string) {
	sessionID := requireSessionFlag(args, "baton session complete --session <id>")
	resp := send(mustBatonDir(), "session complete", uds.CmdSessionComplete,
		map[string]any{"session_id": sessionID})
	printData(resp.Data)
}

func runSessionFail(args []string) {
	var sessionID, errText string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			i++
			sessionID = args[i]
		case "--error":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--error requires a value")
				os.Exit(1)
			}
			i++
			errText = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton session fail --session <id> [--error <text>]\n", args[i])
			os.Exit(1)
		}
	}

	if sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: baton session fail --session <id> [--error <text>]")
		os.Exit(1)
	}

	params := map[string]any{"session_id": sessionID}
	if errText != "" {
		params["error"] = errText
	}
	resp := send(mustBatonDir(), "session fail", uds.CmdSessionFail, params)
	printData(resp.Data)
}

// runAsk blocks until the question is answered or the daemon's clarification
// timeout fires. The answer text goes to stdout so scripts can capture it.
func runAsk(args []string) {
	var question, itemID string
	var priority int
	contextMap := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--question":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--question requires a value")
				os.Exit(1)
			}
			i++
			question = args[i]
		case "--priority":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--priority requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority value: %s\n", args[i])
				os.Exit(1)
			}
			priority = n
		case "--item":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--item requires a value")
				os.Exit(1)
			}
			i++
			itemID = args[i]
		case "--context":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--context requires key=value")
				os.Exit(1)
			}
			i++
			parseKV("--context", args[i], contextMap)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton ask --question <text> [--priority <n>] [--item <id>] [--context k=v]...\n", args[i])
			os.Exit(1)
		}
	}

	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: baton ask --question <text> [--priority <n>] [--item <id>] [--context k=v]...")
		os.Exit(1)
	}

	batonDir := mustBatonDir()
	cfg, err := setup.LoadConfig(batonDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	params := map[string]any{
		"question": question,
		"priority": priority,
	}
	if itemID != "" {
		params["item_id"] = itemID
	}
	if len(contextMap) > 0 {
		params["context"] = contextMap
	}

	// The connection stays open for the whole wait.
	client := uds.NewClient(filepath.Join(batonDir, uds.DefaultSocketName))
	client.SetTimeout(cfg.ClarifyTimeout() + 30*time.Second)

	resp, err := client.SendCommand(uds.CmdAsk, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ask: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		exitResponseError("ask", resp)
	}

	var data struct {
		ItemID   string `json:"item_id"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "ask: decode response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(data.Response)
}

func runAnswer(args []string) {
	var itemID, response string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--item":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--item requires a value")
				os.Exit(1)
			}
			i++
			itemID = args[i]
		case "--response":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--response requires a value")
				os.Exit(1)
			}
			i++
			response = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton answer --item <id> --response <text>\n", args[i])
			os.Exit(1)
		}
	}

	if itemID == "" || response == "" {
		fmt.Fprintln(os.Stderr, "usage: baton answer --item <id> --response <text>")
		os.Exit(1)
	}

	send(mustBatonDir(), "answer", uds.CmdAnswer,
		map[string]any{"item_id": itemID, "response": response})
	fmt.Printf("answer delivered for %s\n", itemID)
}

func runQuestions(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton questions [--json]\n", a)
			os.Exit(1)
		}
	}

	resp := send(mustBatonDir(), "questions", uds.CmdQuestions, nil)

	if jsonOutput {
		printData(resp.Data)
		return
	}

	var data struct {
		Questions []model.Clarification `json:"questions"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "questions: decode response: %v\n", err)
		os.Exit(1)
	}
	if len(data.Questions) == 0 {
		fmt.Println("No pending questions.")
		return
	}
	for _, q := range data.Questions {
		fmt.Printf("%s (priority %d, asked %s)\n  %s\n",
			q.ItemID, q.Priority, q.AskedAt.Local().Format("15:04:05"), q.Question)
	}
	fmt.Println("\nAnswer with: baton answer --item <id> --response <text>")
}

func runEvents(args []string) {
	var jsonOutput bool
	limit := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--limit":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--limit requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --limit value: %s\n", args[i])
				os.Exit(1)
			}
			limit = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: baton events [--limit <n>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	params := map[string]any{}
	if limit > 0 {
		params["limit"] = limit
	}
	resp := send(mustBatonDir(), "events", uds.CmdEvents, params)

	if jsonOutput {
		printData(resp.Data)
		return
	}

	var data struct {
		Events []struct {
			Timestamp time.Time `json:"timestamp"`
			EventType string    `json:"event_type"`
			StageName string    `json:"stage_name"`
			Message   string    `json:"message"`
		} `json:"events"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "events: decode response: %v\n", err)
		os.Exit(1)
	}
	if len(data.Events) == 0 {
		fmt.Println("No events recorded.")
		return
	}
	for _, ev := range data.Events {
		name := ev.StageName
		if name == "" {
			name = "session"
		}
		fmt.Printf("%s  %-17s  %-22s  %s\n",
			ev.Timestamp.Local().Format("15:04:05"), ev.EventType, name, ev.Message)
	}
}

func runMetrics(_ []string) {
	resp := send(mustBatonDir(), "metrics", uds.CmdMetrics, nil)
	printData(resp.Data)
}

// runStop fails the active session so stage commands stop reporting into it.
// The daemon itself keeps running; use shutdown to stop it.
func runStop(_ []string) {
	batonDir := mustBatonDir()

	resp := send(batonDir, "stop", uds.CmdStatus, nil)
	var data struct {
		Run *model.Run `json:"run"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		fmt.Fprintf(os.Stderr, "stop: decode status: %v\n", err)
		os.Exit(1)
	}
	if data.Run == nil || !data.Run.Processing {
		fmt.Println("No active session.")
		return
	}

	send(batonDir, "stop", uds.CmdSessionFail, map[string]any{
		"session_id": data.Run.SessionID,
		"error":      "Stopped by operator",
	})
	fmt.Printf("session %s stopped\n", data.Run.SessionID)
}

func runShutdown(_ []string) {
	send(mustBatonDir(), "shutdown", uds.CmdShutdown, nil)
	fmt.Println("daemon shutting down")
}

// mustBatonDir resolves the .baton/ directory or exits.
func mustBatonDir() string {
	dir := findBatonDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .baton/ directory not found. Run 'baton setup <dir>' first.")
		os.Exit(1)
	}
	return dir
}

// findBatonDir searches for .baton/ in the current directory and ancestors.
// BATON_DIR overrides the search; stage commands inherit it so they reach the
// daemon from any working directory.
func findBatonDir() string {
	if env := os.Getenv("BATON_DIR"); env != "" {
		if info, err := os.Stat(env); err == nil && info.IsDir() {
			return env
		}
		return ""
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".baton")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// send issues one command and exits on transport or response failure.
// Contention codes (stale session, capacity, ask timeout) exit 2 so callers
// can tell them from hard failures.
func send(batonDir, label, command string, params any) *uds.Response {
	client := uds.NewClient(filepath.Join(batonDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		os.Exit(1)
	}
	if !resp.Success {
		exitResponseError(label, resp)
	}
	return resp
}

func exitResponseError(label string, resp *uds.Response) {
	code := ""
	msg := "unknown error"
	if resp.Error != nil {
		code = resp.Error.Code
		msg = resp.Error.Message
	}
	fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", label, code, msg)
	switch code {
	case uds.ErrCodeStaleSession, uds.ErrCodeCapacity, uds.ErrCodeAskTimeout:
		os.Exit(2)
	}
	os.Exit(1)
}

func printData(data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	out, _ := json.MarshalIndent(json.RawMessage(data), "", "  ")
	fmt.Println(string(out))
}

func parseKV(flag, s string, into map[string]any) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		fmt.Fprintf(os.Stderr, "%s expects key=value, got %q\n", flag, s)
		os.Exit(1)
	}
	into[key] = value
}

func requireSessionFlag(args []string, usage string) string {
	var sessionID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--session":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--session requires a value")
				os.Exit(1)
			}
			i++
			sessionID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: %s\n", args[i], usage)
			os.Exit(1)
		}
	}
	if sessionID == "" {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
	return sessionID
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `baton %s — transcription pipeline coordinator

Usage: baton <command> [options]

Project:
  setup <dir> [--name <project>]    Initialize .baton/ directory
  daemon                            Run the coordinator daemon
  run [flags]                       Execute the configured pipeline stages
  status [--json] [--watch]         Show session status
  stop                              Fail the active session
  shutdown                          Stop the daemon

Stage tools (CLI → daemon):
  session start [options]           Begin a session
  session update [options]          Report a stage transition
  session complete --session <id>   Mark the session completed
  session fail --session <id>       Mark the session failed
  ask --question <text> [options]   Ask a clarification (blocks for answer)
  answer --item <id> --response <text>
  questions [--json]                List pending questions
  events [--limit <n>] [--json]     Show recent events
  metrics                           Show counter snapshot

Utilities:
  version           Show version
  help              Show this help

`, version)
}
