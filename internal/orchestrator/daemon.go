// Package orchestrator implements the conductor core: the scheduler that
// owns task records, the agent that dispatches them to instrument
// controllers, the supervisor that watches for stale activities, timeouts
// and repeated failures, and the daemon that wires all three together.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lablink-io/conductor/internal/config"
	"github.com/lablink-io/conductor/internal/correlation"
	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/fileio"
	"github.com/lablink-io/conductor/internal/gateway"
	"github.com/lablink-io/conductor/internal/httpapi"
	"github.com/lablink-io/conductor/internal/lock"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/internal/notify"
	"github.com/lablink-io/conductor/internal/store"
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

// Daemon is the main conductor daemon process.
type Daemon struct {
	dataDir    string
	config     model.Config
	configPath string
	level      atomic.Int32
	logger     *log.Logger
	logFile    io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher

	store        store.TaskStore
	correlations correlation.Store
	bus          *events.Bus
	audit        *events.AuditLogger
	auditUnsub   func()

	gateway         gateway.Gateway
	gatewayOverride gateway.Gateway

	scheduler  *Scheduler
	agent      *Agent
	supervisor *Supervisor
	httpServer *http.Server
	httpAddr   string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to <dataDir>/logs/conductor.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "conductor.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dataDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	lockPath := cfg.Daemon.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(dataDir, "locks", "conductor.lock")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	d := &Daemon{
		dataDir:    dataDir,
		config:     cfg,
		configPath: filepath.Join(dataDir, config.FileName),
		logger:     log.New(w, "", 0),
		logFile:    closer,
		fileLock:   lock.NewFileLock(lockPath),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.level.Store(int32(parseLogLevel(cfg.Logging.Level)))

	return d, nil
}

// SetGateway overrides the built-in simulator gateway. Must be called before
// Run().
func (d *Daemon) SetGateway(gw gateway.Gateway) {
	d.gatewayOverride = gw
}

// Scheduler returns the daemon's scheduler. Nil before Run.
func (d *Daemon) Scheduler() *Scheduler {
	return d.scheduler
}

// Agent returns the daemon's agent. Nil before Run.
func (d *Daemon) Agent() *Agent {
	return d.agent
}

// Supervisor returns the daemon's supervisor. Nil before Run.
func (d *Daemon) Supervisor() *Supervisor {
	return d.supervisor
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// start brings up all daemon components. Tests call start and Shutdown
// directly instead of Run.
func (d *Daemon) start() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d data_dir=%s", os.Getpid(), d.dataDir)

	// Step 2: Event bus
	d.bus = events.NewBus(d.config.Events.BufferSize)
	d.bus.Start()

	// Step 3: Audit trail
	if d.config.Audit.Enabled {
		auditPath := d.config.Audit.Path
		if auditPath == "" {
			auditPath = filepath.Join(d.dataDir, "audit", "events"+events.LogFileExtension)
		}
		audit, err := events.NewAuditLogger(auditPath, d.config.Audit.MaxSizeBytes)
		if err != nil {
			d.bus.Close()
			d.cleanup()
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		d.auditUnsub = audit.SubscribeAll(d.bus)
		d.log(LogLevelInfo, "audit trail enabled path=%s", audit.CurrentLogPath())
	}

	// Step 4: Stores and gateway
	d.store = store.NewMemoryStore()
	d.correlations = correlation.NewMemoryStore()
	if d.gatewayOverride != nil {
		d.gateway = d.gatewayOverride
	} else {
		d.gateway = gateway.NewSimulator(d.config.Simulator, d.bus)
	}

	// Step 5: Core components
	level := LogLevel(d.level.Load())
	d.scheduler = NewScheduler(d.store, d.config.Scheduler, d.logger, level)
	d.scheduler.SetEventBus(d.bus)
	d.agent = NewAgent(d.scheduler, d.gateway, d.correlations, d.bus, d.config.Agent, d.logger, level)
	d.supervisor = NewSupervisor(d.scheduler, d.gateway, d.correlations, d.bus, d.config.Supervisor, d.logger, level)
	d.supervisor.OnEscalation(func(e model.Escalation) error {
		d.log(LogLevelWarn, "escalation id=%s type=%s task=%s controller=%s", e.ID, e.Type, e.TaskID, e.ControllerID)
		return nil
	})
	if url := d.config.Notify.WebhookURL; url != "" {
		notifier := notify.NewNotifier(url, time.Duration(d.config.Notify.TimeoutMs)*time.Millisecond)
		d.supervisor.OnEscalation(notifier.Send)
		d.log(LogLevelInfo, "escalation webhook enabled url=%s", url)
	}

	d.agent.Start()
	d.supervisor.Start()

	// Step 6: Config reload watcher
	if err := d.startConfigWatcher(); err != nil {
		d.log(LogLevelWarn, "config watcher disabled error=%v", err)
	}

	// Step 7: Retention sweep
	if d.config.Retention.Enabled {
		d.verifyArchives()
		d.wg.Add(1)
		go d.retentionLoop()
	}

	// Step 8: Operations API
	if d.config.HTTP.Enabled {
		if err := d.startHTTP(); err != nil {
			d.Shutdown()
			return fmt.Errorf("start http: %w", err)
		}
	}

	d.log(LogLevelInfo, "daemon ready")
	return nil
}

// startConfigWatcher watches the data directory for config file changes and
// applies reloadable settings in place.
func (d *Daemon) startConfigWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.watchLoop()
	return nil
}

// watchLoop processes filesystem change events for the config file.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != d.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig re-reads the config file and applies the settings that can
// change at runtime: log level, auto retry and escalation toggles.
func (d *Daemon) reloadConfig() {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		d.log(LogLevelWarn, "config reload rejected error=%v", err)
		return
	}

	level := parseLogLevel(cfg.Logging.Level)
	d.level.Store(int32(level))
	d.scheduler.SetLogLevel(level)
	d.agent.SetLogLevel(level)
	d.supervisor.SetLogLevel(level)
	d.supervisor.SetAutoRetry(cfg.Supervisor.AutoRetryEnabled)
	d.supervisor.SetEscalationEnabled(cfg.Supervisor.EscalationEnabled)

	d.log(LogLevelInfo, "config_reloaded level=%s auto_retry=%t escalation=%t",
		cfg.Logging.Level, cfg.Supervisor.AutoRetryEnabled, cfg.Supervisor.EscalationEnabled)
}

// retentionLoop periodically archives old terminal tasks.
func (d *Daemon) retentionLoop() {
	defer d.wg.Done()

	interval := time.Duration(d.config.Retention.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			count, err := d.scheduler.ArchiveTerminal(d.archiveDir(), d.retentionAge())
			if err != nil {
				d.log(LogLevelError, "retention sweep error=%v", err)
				continue
			}
			if count > 0 {
				d.log(LogLevelInfo, "retention sweep archived=%d", count)
			}
		}
	}
}

func (d *Daemon) archiveDir() string {
	if d.config.Retention.ArchiveDir != "" {
		return d.config.Retention.ArchiveDir
	}
	return filepath.Join(d.dataDir, "archive")
}

func (d *Daemon) retentionAge() time.Duration {
	hours := d.config.Retention.MaxAgeHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// verifyArchives checks the schema header of every archive file at startup
// and quarantines unreadable ones, so a torn write from a crashed sweep is
// never mistaken for archived history.
func (d *Daemon) verifyArchives() {
	dir := d.archiveDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log(LogLevelWarn, "archive scan error=%v", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if fileio.ValidateSchemaHeader(path, fileio.FileTypeTaskArchive) == nil {
			continue
		}
		d.log(LogLevelWarn, "archive_corrupt file=%s", entry.Name())
		if err := fileio.Quarantine(d.dataDir, path); err != nil {
			d.log(LogLevelError, "archive_quarantine file=%s error=%v", entry.Name(), err)
		}
	}
}

// startHTTP binds the operations API listener. Binding synchronously makes
// address conflicts a startup error instead of a background log line.
func (d *Daemon) startHTTP() error {
	addr := d.config.HTTP.ListenAddr
	if addr == "" {
		addr = ":8600"
	}

	router := httpapi.NewRouter(d.scheduler, d.agent, d.supervisor, d.gateway, httpapi.Config{
		ArchiveDir:  d.archiveDir(),
		MaxAgeHours: d.config.Retention.MaxAgeHours,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	d.httpServer = &http.Server{Handler: router}
	d.httpAddr = ln.Addr().String()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log(LogLevelError, "http server error=%v", err)
		}
	}()

	d.log(LogLevelInfo, "operations API listening on %s", ln.Addr())
	return nil
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
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.log(LogLevelWarn, "http shutdown error=%v", err)
			}
			cancel()
		}
		if d.agent != nil {
			d.agent.Stop()
		}
		if d.supervisor != nil {
			d.supervisor.Stop()
		}
		if closer, ok := d.gateway.(interface{ Close() }); ok {
			closer.Close()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		if d.auditUnsub != nil {
			d.auditUnsub()
		}
		if d.bus != nil {
			d.bus.Close()
		}
		if d.audit != nil {
			d.audit.Close()
		}
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < LogLevel(d.level.Load()) {
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
