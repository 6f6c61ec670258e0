package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kooo/evcam/internal/bot"
	"github.com/kooo/evcam/internal/capture"
	"github.com/kooo/evcam/internal/config"
	"github.com/kooo/evcam/internal/diaglog"
	"github.com/kooo/evcam/internal/dispatch"
	"github.com/kooo/evcam/internal/encoder"
	"github.com/kooo/evcam/internal/ipc"
	"github.com/kooo/evcam/internal/pidfile"
	"github.com/kooo/evcam/internal/storage"
)

const logPrefix = "[evcam-core]"

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

// daemon bundles everything the command handlers operate on.
type daemon struct {
	cfg      *config.Config
	sessions []*capture.Session
	botCli   *bot.Client

	mu         sync.Mutex
	lastAction string
	lastError  string
}

func main() {
	// --export-diag subcommand: read log, write bundle, exit.
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		logPath := os.Getenv("EVCAM_LOG_PATH")
		if logPath == "" {
			logPath = "/tmp/evcam-debug.log"
		}
		diaglog.Version = Version
		path, n, err := diaglog.Export(logPath, ".")
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			if os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "hint: run with EVCAM_DEBUG_RECORDING=true to enable logging")
				os.Exit(1)
			}
			os.Exit(2)
		}
		fmt.Printf("Wrote: %s (%d lines)\n", path, n)
		os.Exit(0)
	}

	// Recover from any panics and log them
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in evcam-core: %v\n", r)
			if errLog != nil {
				errLog.Printf("PANIC: %v", r)
			}
			os.Exit(1)
		}
	}()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	outLog.Println("===========================================")
	outLog.Println("Starting Evcam Core v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Printf("Timestamp: %s", time.Now().Format(time.RFC3339))
	outLog.Println("===========================================")

	// Check for duplicate instances
	pidFilePath := pidfile.GetPIDFilePath("evcam-core")
	pf, err := pidfile.New(pidFilePath)
	if err != nil {
		errLog.Printf("Failed to create PID file: %v", err)
		errLog.Println("Another instance of evcam-core may already be running.")
		errLog.Printf("If you're sure no other instance is running, remove: %s", pidFilePath)
		os.Exit(1)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()
	outLog.Printf("PID file created: %s (PID %d)", pidFilePath, os.Getpid())

	// Load configuration
	outLog.Println("[STARTUP] Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		errLog.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	outLog.Printf("[STARTUP] Loaded config: %d camera(s), save_dir=%s, segment=%ds, quota=%dMB",
		len(cfg.Cameras), cfg.SaveDirectory, cfg.SegmentDurationSeconds, cfg.StorageQuotaMB)

	if err := os.MkdirAll(cfg.SaveDirectory, 0755); err != nil {
		errLog.Printf("Failed to create save directory: %v", err)
		os.Exit(1)
	}

	// Diagnostic NDJSON logger (env-gated)
	logPath := os.Getenv("EVCAM_LOG_PATH")
	if logPath == "" {
		logPath = "/tmp/evcam-debug.log"
	}
	diagLogger, diagErr := diaglog.New(logPath)
	if diagErr != nil {
		errLog.Printf("[STARTUP] WARNING: could not open diagnostic log at %s: %v (continuing)", logPath, diagErr)
		diagLogger = diaglog.NewNoOp()
	}
	defer func() { _ = diagLogger.Close() }()
	diaglog.Version = Version

	// Encoder factory: one ffmpeg process per segment.
	outLog.Println("[STARTUP] Locating encoder binary...")
	factory, err := encoder.NewFFmpegFactory(encoder.FFmpegOptions{})
	if err != nil {
		errLog.Printf("Failed to set up encoder: %v", err)
		os.Exit(1)
	}

	d := &daemon{cfg: cfg}

	// One control queue and session per camera.
	outLog.Println("[STARTUP] Opening camera sources...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var queues []*dispatch.Queue
	for _, cam := range cfg.Cameras {
		source := capture.NewDeviceSource(cam.Device, cam.Width, cam.Height, cam.FPS)
		queue := dispatch.NewQueue()
		queues = append(queues, queue)

		session := capture.NewSession(capture.SessionConfig{
			CameraID:        cam.ID,
			Position:        cam.Position,
			SaveDirectory:   cfg.SaveDirectory,
			Width:           cam.Width,
			Height:          cam.Height,
			SegmentDuration: time.Duration(cfg.SegmentDurationSeconds) * time.Second,
		}, source, factory, queue)
		session.SetLogger(diagLogger)
		session.SetNotify(func() { d.writeStatus() })

		if err := session.Open(ctx); err != nil {
			errLog.Printf("Failed to open camera %s (%s): %v", cam.ID, cam.Device, err)
			os.Exit(1)
		}
		outLog.Printf("[STARTUP] Camera %s open (%s, %dx%d@%d, position=%s)",
			cam.ID, cam.Device, cam.Width, cam.Height, cam.FPS, cam.Position)
		d.sessions = append(d.sessions, session)
	}
	defer func() {
		for _, s := range d.sessions {
			s.Close()
		}
		for _, q := range queues {
			q.Close()
		}
	}()

	// Storage retention
	pruner := storage.NewPruner(cfg.SaveDirectory, cfg.StorageQuotaMB*1024*1024)
	pruner.SetLogger(diagLogger)
	pruner.SetInUse(d.segmentInUse)
	if err := pruner.Start(); err != nil {
		errLog.Printf("[STARTUP] WARNING: retention pruner disabled: %v", err)
	} else if cfg.StorageQuotaMB > 0 {
		outLog.Printf("[STARTUP] Retention pruner watching %s (quota %dMB)", cfg.SaveDirectory, cfg.StorageQuotaMB)
		defer pruner.Stop()
	}

	// Bot command gateway
	if cfg.Bot.Enabled {
		outLog.Printf("[STARTUP] Connecting to bot gateway at %s...", cfg.Bot.GatewayURL)
		botCli := bot.NewClient(cfg.Bot.GatewayURL, cfg.Bot.ClientID, cfg.Bot.ClientSecret)
		botCli.SetLogger(diagLogger)
		botCli.OnRecordCommand(d.handleRecord)
		botCli.OnStopCommand(d.handleStop)
		botCli.OnStatusCommand(d.statusText)
		botCli.OnDisconnected(func() {
			errLog.Println("[EVENT] Bot gateway disconnected - will attempt reconnection")
			d.writeStatus()
		})
		if err := botCli.Connect(); err != nil {
			// The reconnect loop inside the client does not cover the very
			// first dial, so keep retrying here in the background.
			errLog.Printf("[STARTUP] Bot gateway unavailable: %v (retrying in background)", err)
			go func() {
				for {
					time.Sleep(10 * time.Second)
					if err := botCli.Connect(); err == nil {
						outLog.Println("[EVENT] Connected to bot gateway")
						d.writeStatus()
						return
					}
				}
			}()
		} else {
			outLog.Println("[STARTUP] Connected to bot gateway")
		}
		defer func() {
			outLog.Println("[SHUTDOWN] Disconnecting from bot gateway...")
			botCli.Disconnect()
		}()
		d.botCli = botCli
	} else {
		outLog.Println("[STARTUP] Bot gateway disabled")
	}

	// Initial status snapshot
	d.writeStatus()

	// Local command mailbox watcher
	outLog.Println("[STARTUP] Starting command file watcher...")
	quitChan := make(chan struct{}, 1)
	watcherStop := make(chan struct{})
	defer close(watcherStop)
	go d.watchCommands(quitChan, watcherStop)

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	outLog.Println("[STARTUP] Signal handlers registered (SIGINT, SIGTERM)")

	// Periodic status refresh keeps timestamps and connectivity current.
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	outLog.Println("===========================================")
	outLog.Println("[RUNNING] Evcam Core is running")

	for {
		select {
		case <-statusTicker.C:
			d.writeStatus()

		case <-quitChan:
			outLog.Println("[SHUTDOWN] Quit command received")
			d.shutdown()
			return

		case <-sigChan:
			outLog.Println("===========================================")
			outLog.Printf("[SHUTDOWN] Received shutdown signal at %s", time.Now().Format(time.RFC3339))
			d.shutdown()
			return
		}
	}
}

// shutdown stops any active recording so final segments are finalized
// before the deferred teardown runs.
func (d *daemon) shutdown() {
	for _, s := range d.sessions {
		if s.Snapshot().Recording || s.Snapshot().AwaitingReconfiguration {
			outLog.Printf("[SHUTDOWN] Stopping recording on camera %s...", s.Snapshot().CameraID)
		}
		s.StopRecording()
	}
	d.writeStatus()
	outLog.Println("[SHUTDOWN] Shutting down gracefully")
	outLog.Println("===========================================")
}

// handleRecord starts segmented recording on every camera.
func (d *daemon) handleRecord() (string, error) {
	outLog.Println("[EVENT] Record command received")
	var started []string
	var firstErr error
	for _, s := range d.sessions {
		snap := s.Snapshot()
		if snap.Recording {
			continue
		}
		if err := s.StartRecording(); err != nil {
			errLog.Printf("Failed to start recording on %s: %v", snap.CameraID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started = append(started, snap.CameraID)
	}

	d.mu.Lock()
	d.lastAction = "record"
	if firstErr != nil {
		d.lastError = firstErr.Error()
	}
	d.mu.Unlock()
	d.writeStatus()

	if len(started) == 0 {
		if firstErr != nil {
			return "", firstErr
		}
		return "already recording", nil
	}
	return fmt.Sprintf("recording started on %s", strings.Join(started, ", ")), nil
}

// handleStop stops recording on every camera.
func (d *daemon) handleStop() (string, error) {
	outLog.Println("[EVENT] Stop command received")
	anyActive := false
	for _, s := range d.sessions {
		snap := s.Snapshot()
		if snap.Recording || snap.AwaitingReconfiguration {
			anyActive = true
		}
		s.StopRecording()
	}

	d.mu.Lock()
	d.lastAction = "stop"
	d.mu.Unlock()
	d.writeStatus()

	if !anyActive {
		return "not recording", nil
	}
	return "recording stopped", nil
}

// statusText renders a one-line-per-camera status for the bot reply.
func (d *daemon) statusText() string {
	var b strings.Builder
	for _, s := range d.sessions {
		snap := s.Snapshot()
		switch {
		case snap.Recording:
			fmt.Fprintf(&b, "%s (%s): recording segment %d -> %s\n",
				snap.CameraID, snap.Position, snap.SegmentIndex, filepath.Base(snap.CurrentFile))
		case snap.AwaitingReconfiguration:
			fmt.Fprintf(&b, "%s (%s): switching segments\n", snap.CameraID, snap.Position)
		default:
			fmt.Fprintf(&b, "%s (%s): idle\n", snap.CameraID, snap.Position)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// segmentInUse protects files the encoders are still writing from the
// retention pruner.
func (d *daemon) segmentInUse(path string) bool {
	for _, s := range d.sessions {
		if s.Snapshot().CurrentFile == path {
			return true
		}
	}
	return false
}

// writeStatus updates the status.json snapshot.
func (d *daemon) writeStatus() {
	d.mu.Lock()
	lastAction, lastError := d.lastAction, d.lastError
	d.mu.Unlock()

	status := ipc.StatusSnapshot{
		BotConnected: d.botCli != nil && d.botCli.IsConnected(),
		LastAction:   lastAction,
		LastError:    lastError,
		Timestamp:    time.Now(),
		Version:      Version,
	}
	for _, s := range d.sessions {
		snap := s.Snapshot()
		if status.LastError == "" && snap.LastError != "" {
			status.LastError = snap.LastError
		}
		status.Cameras = append(status.Cameras, snap)
	}

	if err := ipc.WriteStatus(&status); err != nil {
		errLog.Printf("Failed to write status: %v", err)
	}
}

// watchCommands monitors cmd.txt for local control commands until stop
// is closed.
func (d *daemon) watchCommands(quitChan chan<- struct{}, stop <-chan struct{}) {
	cmdPath := ipc.CommandPath()
	cmdDir := filepath.Dir(cmdPath)
	if err := os.MkdirAll(cmdDir, 0755); err != nil {
		errLog.Printf("Failed to create command directory: %v", err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errLog.Printf("fsnotify not available, falling back to polling: %v", err)
		d.watchCommandsWithPolling(cmdPath, quitChan, stop)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(cmdDir); err != nil {
		errLog.Printf("Failed to watch command directory, falling back to polling: %v", err)
		d.watchCommandsWithPolling(cmdPath, quitChan, stop)
		return
	}

	outLog.Println("Command watcher started (using fsnotify)")

	// Fallback polling ticker in case fsnotify events are lost
	pollTicker := time.NewTicker(1 * time.Second)
	defer pollTicker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				outLog.Println("fsnotify watcher closed, switching to polling")
				d.watchCommandsWithPolling(cmdPath, quitChan, stop)
				return
			}
			if event.Name == cmdPath && (event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create)) {
				// Small delay to ensure write is complete
				time.Sleep(50 * time.Millisecond)

				cmd, err := ipc.ReadCommand()
				if err != nil || cmd == "" {
					continue
				}
				d.handleCommand(cmd, quitChan)
				lastCheckTime = time.Now()
			}

		case <-pollTicker.C:
			if fileInfo, err := os.Stat(cmdPath); err == nil {
				if fileInfo.ModTime().After(lastCheckTime) {
					time.Sleep(50 * time.Millisecond)

					cmd, err := ipc.ReadCommand()
					if err == nil && cmd != "" {
						d.handleCommand(cmd, quitChan)
					}
					lastCheckTime = time.Now()
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				outLog.Println("fsnotify error channel closed, switching to polling")
				d.watchCommandsWithPolling(cmdPath, quitChan, stop)
				return
			}
			errLog.Printf("File watcher error: %v", err)
		}
	}
}

// watchCommandsWithPolling is a pure polling fallback for command monitoring.
func (d *daemon) watchCommandsWithPolling(cmdPath string, quitChan chan<- struct{}, stop <-chan struct{}) {
	outLog.Println("Command watcher started (using polling fallback, 1s interval)")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fileInfo, err := os.Stat(cmdPath)
			if err != nil {
				continue // File doesn't exist yet, keep polling
			}
			if fileInfo.ModTime().After(lastCheckTime) {
				time.Sleep(50 * time.Millisecond)

				cmd, err := ipc.ReadCommand()
				if err == nil && cmd != "" {
					d.handleCommand(cmd, quitChan)
				}
				lastCheckTime = time.Now()
			}
		}
	}
}

// handleCommand processes local control commands.
func (d *daemon) handleCommand(cmd ipc.Command, quitChan chan<- struct{}) {
	outLog.Printf("Received command: %s", cmd)

	switch cmd {
	case ipc.CmdRecord:
		if _, err := d.handleRecord(); err != nil {
			errLog.Printf("Record command failed: %v", err)
		}

	case ipc.CmdStop:
		if _, err := d.handleStop(); err != nil {
			errLog.Printf("Stop command failed: %v", err)
		}

	case ipc.CmdStatus:
		d.writeStatus()

	case ipc.CmdQuit:
		select {
		case quitChan <- struct{}{}:
		default:
		}

	default:
		errLog.Printf("Unknown command: %s", cmd)
	}
}

// initLogging sets up log files with rotation support
func initLogging() error {
	logDir := "/tmp"

	outLogPath := filepath.Join(logDir, "evcam-core.out.log")
	errLogPath := filepath.Join(logDir, "evcam-core.err.log")

	if err := rotateLogIfNeeded(outLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}
	if err := rotateLogIfNeeded(errLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)
	return nil
}

// rotateLogIfNeeded rotates a log file if it exceeds maxSize bytes
func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < maxSize {
		return nil
	}

	// Rotate: rename current log to .old, removing previous .old
	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}
	return os.Rename(logPath, oldPath)
}
