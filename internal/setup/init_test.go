package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/baton-dev/baton/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".baton")

	expectedDirs := []string{
		"state",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(base, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".baton", "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Errorf("daemon.log_level: got %q", cfg.Daemon.LogLevel)
	}
	if cfg.Daemon.MetricsIntervalSeconds != 30 {
		t.Errorf("daemon.metrics_interval_seconds: got %d", cfg.Daemon.MetricsIntervalSeconds)
	}
	if !cfg.Watcher.Enabled {
		t.Error("watcher.enabled: got false")
	}
	if cfg.Clarify.MaxPending != 3 {
		t.Errorf("clarify.max_pending: got %d", cfg.Clarify.MaxPending)
	}
	if cfg.Clarify.TimeoutSeconds != 300 {
		t.Errorf("clarify.timeout_seconds: got %d", cfg.Clarify.TimeoutSeconds)
	}
}

func TestRun_ProjectNameOverride(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, "voicejobs"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := LoadConfig(filepath.Join(projectDir, ".baton"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "voicejobs" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "voicejobs")
	}
}

func TestRun_CreatesDaemonLock(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lockPath := filepath.Join(projectDir, ".baton", "locks", "daemon.lock")
	info, err := os.Stat(lockPath)
	if err != nil {
		t.Fatalf("daemon.lock does not exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("daemon.lock permissions: got %04o, want 0600", info.Mode().Perm())
	}
}

func TestRun_RejectsExistingDir(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)
	os.Mkdir(filepath.Join(projectDir, ".baton"), 0755)

	err := Run(projectDir, "")
	if err == nil {
		t.Fatal("expected error for existing .baton/")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Clarify.MaxPending != 3 {
		t.Errorf("clarify.max_pending: got %d, want 3", cfg.Clarify.MaxPending)
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Errorf("daemon.log_level: got %q, want info", cfg.Daemon.LogLevel)
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := "daemon:\n  log_level: \"debug\"\npipeline:\n  skip: [\"diarization\"]\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("daemon.log_level: got %q, want debug", cfg.Daemon.LogLevel)
	}
	if len(cfg.Pipeline.Skip) != 1 || cfg.Pipeline.Skip[0] != "diarization" {
		t.Errorf("pipeline.skip: got %v", cfg.Pipeline.Skip)
	}
	// Untouched sections keep their defaults
	if cfg.Clarify.TimeoutSeconds != 300 {
		t.Errorf("clarify.timeout_seconds: got %d, want 300", cfg.Clarify.TimeoutSeconds)
	}
	if !cfg.Watcher.Enabled {
		t.Error("watcher.enabled: got false, want default true")
	}
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "daemon:\n  log_level: \"loud\"\n"},
		{"zero max pending", "clarify:\n  max_pending: 0\n"},
		{"unknown stage key", "pipeline:\n  stages:\n    mixing:\n      command: \"mix\"\n"},
		{"empty stage command", "pipeline:\n  stages:\n    conversion:\n      command: \"\"\n"},
		{"malformed yaml", ":::not yaml:::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.content), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := LoadConfig(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfig_StageCommands(t *testing.T) {
	dir := t.TempDir()
	content := `pipeline:
  work_dir: "audio"
  stages:
    transcription:
      command: "whisper-batch"
      args: ["--model", "large-v3"]
      timeout_seconds: 3600
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	sc, ok := cfg.Pipeline.Stages["transcription"]
	if !ok {
		t.Fatal("transcription stage missing")
	}
	if sc.Command != "whisper-batch" {
		t.Errorf("command: got %q", sc.Command)
	}
	if len(sc.Args) != 2 || sc.Args[1] != "large-v3" {
		t.Errorf("args: got %v", sc.Args)
	}
	if sc.TimeoutSeconds != 3600 {
		t.Errorf("timeout_seconds: got %d", sc.TimeoutSeconds)
	}
	if cfg.Pipeline.WorkDir != "audio" {
		t.Errorf("work_dir: got %q", cfg.Pipeline.WorkDir)
	}
}
