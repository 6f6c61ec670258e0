package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kooo/evcam/internal/diaglog"
	"github.com/kooo/evcam/internal/dispatch"
	"github.com/kooo/evcam/internal/encoder"
	"github.com/kooo/evcam/internal/fileutil"
	"github.com/kooo/evcam/internal/recording"
)

// SessionConfig describes one camera.
type SessionConfig struct {
	CameraID        string
	Position        string // front / rear / left / right
	SaveDirectory   string
	Width           int
	Height          int
	SegmentDuration time.Duration // 0 means recording.DefaultSegmentDuration
}

// Session is the owning layer around one camera's recording controller.
// It binds the controller's current encoder surface to the frame source
// and re-binds it on every segment switch, which is the reconfiguration
// handshake the controller waits for.
type Session struct {
	cfg    SessionConfig
	source Source
	ctrl   *recording.Controller
	queue  *dispatch.Queue

	mu           sync.Mutex
	pumpStop     chan struct{}
	pumpDone     chan struct{}
	segmentPath  string
	segmentIndex int
	segmentStart time.Time
	lastError    string
	notify       func()

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewSession wires a controller for cfg with the session as its event
// sink. factory allocates one encoder per segment.
func NewSession(cfg SessionConfig, source Source, factory encoder.Factory, queue *dispatch.Queue) *Session {
	s := &Session{
		cfg:    cfg,
		source: source,
		queue:  queue,
	}
	opts := []recording.Option{}
	if cfg.SegmentDuration > 0 {
		opts = append(opts, recording.WithSegmentDuration(cfg.SegmentDuration))
	}
	s.ctrl = recording.New(cfg.CameraID, factory, s, queue, opts...)
	return s
}

// SetLogger injects a diaglog.Logger. Nil disables structured logging.
func (s *Session) SetLogger(l *diaglog.Logger) {
	s.loggerMu.Lock()
	s.logger = l
	s.loggerMu.Unlock()
}

// SetNotify registers a callback invoked after every lifecycle event,
// used by the daemon to refresh the status snapshot.
func (s *Session) SetNotify(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Open starts the camera's frame source.
func (s *Session) Open(ctx context.Context) error {
	return s.source.Open(ctx)
}

// Controller exposes the underlying recording controller.
func (s *Session) Controller() *recording.Controller { return s.ctrl }

// StartRecording prepares segment 0, binds its surface, and starts
// recording.
func (s *Session) StartRecording() error {
	if s.ctrl.IsRecording() {
		return fmt.Errorf("camera %s already recording", s.cfg.CameraID)
	}

	path := recording.SegmentPath(s.cfg.SaveDirectory, s.cfg.Position, time.Now())
	if err := s.ctrl.Prepare(path, s.cfg.Width, s.cfg.Height); err != nil {
		return err
	}
	s.bindSurface(s.ctrl.Surface())
	if err := s.ctrl.Start(); err != nil {
		s.unbindSurface()
		return err
	}

	s.mu.Lock()
	s.segmentPath = path
	s.segmentIndex = 0
	s.segmentStart = time.Now()
	s.mu.Unlock()
	return nil
}

// StopRecording stops the controller and the surface pump.
func (s *Session) StopRecording() {
	s.ctrl.Stop()
	s.unbindSurface()
}

// Close tears everything down: controller, pump, source.
func (s *Session) Close() {
	s.ctrl.Close()
	s.unbindSurface()
	if err := s.source.Close(); err != nil {
		log.Printf("camera %s source close: %v", s.cfg.CameraID, err)
	}
}

// Snapshot is the session state reported through ipc status.
type Snapshot struct {
	CameraID                string `json:"camera_id"`
	Position                string `json:"position"`
	Recording               bool   `json:"recording"`
	AwaitingReconfiguration bool   `json:"awaiting_reconfiguration"`
	SegmentIndex            int    `json:"segment_index"`
	CurrentFile             string `json:"current_file,omitempty"`
	LastError               string `json:"last_error,omitempty"`
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	lastErr := s.lastError
	s.mu.Unlock()
	return Snapshot{
		CameraID:                s.cfg.CameraID,
		Position:                s.cfg.Position,
		Recording:               s.ctrl.IsRecording(),
		AwaitingReconfiguration: s.ctrl.AwaitingReconfiguration(),
		SegmentIndex:            s.ctrl.SegmentIndex(),
		CurrentFile:             s.ctrl.CurrentFilePath(),
		LastError:               lastErr,
	}
}

// ── recording.EventSink ─────────────────────────────────────────────────

// OnRecordStart logs the session start.
func (s *Session) OnRecordStart(cameraID string) {
	log.Printf("[EVENT] camera %s recording started", cameraID)
	s.diag(diaglog.EventRecordingStart, map[string]interface{}{"camera": cameraID})
	s.fireNotify()
}

// OnSegmentSwitch finalizes the completed segment's sidecar metadata,
// rebinds the pump to the freshly prepared surface, and resumes
// recording. This is the only place the controller's
// AwaitingReconfiguration state is resolved.
func (s *Session) OnSegmentSwitch(cameraID string, segmentIndex int) {
	s.mu.Lock()
	finishedPath := s.segmentPath
	startedAt := s.segmentStart
	s.mu.Unlock()

	s.writeSidecar(finishedPath, segmentIndex-1, startedAt)

	s.unbindSurface()
	s.bindSurface(s.ctrl.Surface())
	if err := s.ctrl.Start(); err != nil {
		s.unbindSurface()
		if errors.Is(err, recording.ErrNotPrepared) {
			// A user stop landed between the rotation and this event and
			// already released the prepared encoder. Nothing to resume.
			log.Printf("[EVENT] camera %s segment switch superseded by stop", cameraID)
			return
		}
		log.Printf("[EVENT] camera %s failed to resume after segment switch: %v", cameraID, err)
		s.setError(fmt.Sprintf("resume segment %d: %v", segmentIndex, err))
		return
	}

	s.mu.Lock()
	s.segmentPath = s.ctrl.CurrentFilePath()
	s.segmentIndex = segmentIndex
	s.segmentStart = time.Now()
	s.mu.Unlock()

	log.Printf("[EVENT] camera %s switched to segment %d", cameraID, segmentIndex)
	s.diag(diaglog.EventSegmentSwitch, map[string]interface{}{
		"camera":  cameraID,
		"segment": segmentIndex,
	})
	s.fireNotify()
}

// OnRecordStop finalizes the last segment's sidecar metadata.
func (s *Session) OnRecordStop(cameraID string) {
	// The controller has already reset to Idle by the time this event is
	// delivered, so the final index comes from the session's own counter.
	s.mu.Lock()
	finishedPath := s.segmentPath
	finishedIndex := s.segmentIndex
	startedAt := s.segmentStart
	s.segmentPath = ""
	s.mu.Unlock()

	s.writeSidecar(finishedPath, finishedIndex, startedAt)
	s.unbindSurface()

	log.Printf("[EVENT] camera %s recording stopped", cameraID)
	s.diag(diaglog.EventRecordingStop, map[string]interface{}{"camera": cameraID})
	s.fireNotify()
}

// OnRecordError records the failure for status reporting.
func (s *Session) OnRecordError(cameraID, message string) {
	log.Printf("[EVENT] camera %s recording error: %s", cameraID, message)
	s.setError(message)
	s.diag(diaglog.EventRecordingError, map[string]interface{}{
		"camera": cameraID,
		"error":  message,
	})
	s.fireNotify()
}

// ── surface pump ────────────────────────────────────────────────────────

// bindSurface starts a pump goroutine copying source frames into the
// surface path. Opening the pipe's write side completes only once the
// encoder has the read side open, so binding before Start is safe.
func (s *Session) bindSurface(surface *encoder.Surface) {
	if surface == nil {
		return
	}
	s.unbindSurface()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.pumpStop = stop
	s.pumpDone = done
	s.mu.Unlock()

	s.diag(diaglog.EventSurfaceBind, map[string]interface{}{
		"camera":  s.cfg.CameraID,
		"surface": surface.Path(),
	})
	go s.pump(surface.Path(), stop, done)
}

func (s *Session) unbindSurface() {
	s.mu.Lock()
	stop, done := s.pumpStop, s.pumpDone
	s.pumpStop, s.pumpDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Printf("camera %s surface pump did not stop in time", s.cfg.CameraID)
	}
}

func (s *Session) pump(path string, stop, done chan struct{}) {
	defer close(done)

	// Non-blocking open loop: ENXIO until the encoder opens the read side.
	var f *os.File
	for {
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		if errors.Is(err, syscall.ENXIO) {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				continue
			}
		}
		s.setError(fmt.Sprintf("bind surface %s: %v", path, err))
		return
	}
	_ = syscall.SetNonblock(int(f.Fd()), false)
	defer f.Close()

	frames := s.source.Frames()
	for {
		select {
		case <-stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if _, err := f.Write(frame); err != nil {
				// Encoder side closed; rotation or stop will rebind.
				return
			}
		}
	}
}

// ── helpers ─────────────────────────────────────────────────────────────

func (s *Session) writeSidecar(path string, segmentIndex int, startedAt time.Time) {
	if path == "" {
		return
	}
	stoppedAt := time.Now()
	meta := &fileutil.SegmentMetadata{
		CameraID:     s.cfg.CameraID,
		Position:     s.cfg.Position,
		SegmentIndex: segmentIndex,
		StartedAt:    startedAt,
		StoppedAt:    stoppedAt,
		Duration:     stoppedAt.Sub(startedAt).Round(time.Millisecond).String(),
		DurationMs:   stoppedAt.Sub(startedAt).Milliseconds(),
		OutputFile:   path,
	}
	if err := fileutil.WriteMetadata(path, meta); err != nil {
		log.Printf("camera %s sidecar metadata for %s: %v", s.cfg.CameraID, path, err)
	}
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Session) fireNotify() {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Session) diag(event string, payload map[string]interface{}) {
	s.loggerMu.RLock()
	l := s.logger
	s.loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.Log(diaglog.LogEntry{
		Component: diaglog.ComponentSession,
		Event:     event,
		Payload:   payload,
	})
}
