// Package daemon hosts the long-running baton coordinator: the run state
// store, the clarification broker, the event journal, and the Unix socket
// surface the CLI and pipeline workers talk to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/baton-dev/baton/internal/clarify"
	"github.com/baton-dev/baton/internal/events"
	"github.com/baton-dev/baton/internal/lock"
	"github.com/baton-dev/baton/internal/model"
	"github.com/baton-dev/baton/internal/runstate"
	"github.com/baton-dev/baton/internal/statefile"
	"github.com/baton-dev/baton/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// MetricsFileName is the counter document under the state directory.
const MetricsFileName = "metrics.json"

// JournalFileName is the append-only event journal under logs/.
const JournalFileName = "events.jsonl"

// Daemon is the main baton coordinator process.
type Daemon struct {
	batonDir string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	bus     *events.Bus
	journal *events.Journal
	store   *runstate.Store
	broker  *clarify.Broker

	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to .baton/logs/daemon.log.
func New(batonDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(batonDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(batonDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(batonDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(batonDir, uds.DefaultSocketName)
	server := uds.NewServer(socketPath)

	// A blocking ask holds its connection for up to the clarification
	// timeout; give the deadline headroom beyond that.
	server.SetConnTimeout(cfg.ClarifyTimeout() + 30*time.Second)

	metricsInterval := cfg.MetricsInterval()
	if metricsInterval <= 0 {
		metricsInterval = 30 * time.Second
	}

	d := &Daemon{
		batonDir:  batonDir,
		config:    cfg,
		logLevel:  parseLogLevel(cfg.Daemon.LogLevel),
		logger:    log.New(w, "", 0),
		logFile:   closer,
		fileLock:  lock.NewFileLock(filepath.Join(batonDir, "locks", "daemon.lock")),
		server:    server,
		ticker:    time.NewTicker(metricsInterval),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d project=%q", os.Getpid(), d.config.Project.Name)

	// Step 2: Init bus, journal, store, broker
	if err := d.initComponents(); err != nil {
		d.cleanup()
		return err
	}

	// Step 3: Watch the state directory for external edits
	if d.config.Watcher.Enabled {
		if err := d.startWatcher(); err != nil {
			d.cleanup()
			return err
		}
	}

	// Step 4: Register UDS handlers
	d.registerHandlers()

	// Step 5: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.batonDir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.wg.Add(1)
	go d.metricsLoop()
	if d.watcher != nil {
		d.wg.Add(1)
		go d.watchLoop()
	}

	// Step 7: Write an initial metrics document
	d.flushMetrics()

	if run := d.store.Snapshot(); run != nil && run.Processing {
		d.log(LogLevelInfo, "resumed active session %s started %s", run.SessionID, run.StartedAt.Format(time.RFC3339))
	}
	d.log(LogLevelInfo, "daemon ready")

	// Step 8: Wait for signals
	d.waitSignals()

	return nil
}

// initComponents builds the bus, journal, store, and broker. Split out of
// Run so tests can exercise handlers without locks, sockets, or signals.
func (d *Daemon) initComponents() error {
	d.bus = events.NewBus(0)

	journalPath := filepath.Join(d.batonDir, "logs", JournalFileName)
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	journal, err := events.NewJournal(journalPath, 0)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	d.journal = journal

	d.bus.SubscribeAll(func(n events.Notification) {
		if err := d.journal.Record(n); err != nil {
			d.log(LogLevelError, "journal write: %v", err)
		}
		d.log(LogLevelDebug, "event type=%s session=%s stage=%d msg=%q", n.Type, n.SessionID, n.StageID, n.Message)
	})

	store, err := runstate.New(d.batonDir, runstate.WithBus(d.bus))
	if err != nil {
		return fmt.Errorf("open run state store: %w", err)
	}
	d.store = store

	d.broker = clarify.New(d.config.Clarify.MaxPending, d.config.ClarifyTimeout())
	return nil
}

// startWatcher begins watching the state directory so edits made behind the
// daemon's back are detected and corrected.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	stateDir := filepath.Dir(d.store.Path())
	if err := watcher.Add(stateDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", stateDir, err)
	}
	d.watcher = watcher
	d.log(LogLevelInfo, "watching %s", stateDir)
	return nil
}

// watchLoop debounces state-directory events and verifies the session
// document after each burst. The store's own atomic writes also land here;
// verification tells them apart from foreign edits.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()

	debounce := d.config.WatchDebounce()
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.store.Path() {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			d.verifySessionFile()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				d.log(LogLevelWarn, "fsnotify event overflow")
				if d.config.Watcher.RescanOnOverflow {
					d.verifySessionFile()
				}
				continue
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// verifySessionFile compares the on-disk session document against the live
// run and restores the authoritative copy when they diverge. The document is
// daemon-owned state; nothing else is supposed to write it.
func (d *Daemon) verifySessionFile() {
	snap := d.store.Snapshot()

	onDisk, err := runstate.ReadRunFile(d.store.Path())
	if err != nil {
		if snap == nil {
			return
		}
		d.log(LogLevelWarn, "session document unreadable after external change: %v", err)
		d.store.Reassert()
		return
	}
	if snap == nil {
		d.log(LogLevelWarn, "session document appeared on disk without a live session (session=%s)", onDisk.SessionID)
		return
	}
	if onDisk.SessionID == snap.SessionID && onDisk.Status == snap.Status && onDisk.UpdatedAt.Equal(snap.UpdatedAt) {
		return
	}

	d.log(LogLevelWarn, "session document modified outside the daemon (disk session=%s status=%s), restoring authoritative state",
		onDisk.SessionID, onDisk.Status)
	d.store.Reassert()
}

// metricsLoop flushes counters on the configured interval.
func (d *Daemon) metricsLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.flushMetrics()
		}
	}
}

// flushMetrics assembles the counter document and writes it atomically to
// state/metrics.json.
func (d *Daemon) flushMetrics() {
	m := d.collectMetrics()
	path := filepath.Join(d.batonDir, "state", MetricsFileName)
	if err := statefile.AtomicWrite(path, m); err != nil {
		d.log(LogLevelError, "flush metrics: %v", err)
		return
	}
	d.log(LogLevelDebug, "metrics flushed sessions=%d stages=%d asked=%d",
		m.Sessions.Started, m.Stages.Updates, m.Clarify.Asked)
}

func (d *Daemon) collectMetrics() *model.Metrics {
	m := model.NewMetrics(d.startedAt)
	m.Sessions, m.Stages = d.store.Counters()
	m.Clarify = d.broker.Counters()
	m.FlushedAt = time.Now()
	return m
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		grace := d.config.ShutdownGrace()
		if grace <= 0 {
			grace = 30 * time.Second
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(grace):
			d.log(LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", grace)
		}

		// 4. Final counter flush
		if d.store != nil && d.broker != nil {
			d.flushMetrics()
		}

		// 5. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	socketPath := filepath.Join(d.batonDir, uds.DefaultSocketName)
	os.Remove(socketPath)
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
