// Package recording implements the segmented recording controller: a
// state machine that drives one camera's encoder through an unbounded
// sequence of fixed-duration output files while coordinating surface
// rebinds with the owning capture session.
package recording

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/kooo/evcam/internal/dispatch"
	"github.com/kooo/evcam/internal/encoder"
)

// DefaultSegmentDuration bounds each output file. Fixed for the core;
// parameterize the constructor for a different duration.
const DefaultSegmentDuration = 60 * time.Second

var (
	// ErrAlreadyRecording is returned by Prepare and Start while the
	// session is actively recording.
	ErrAlreadyRecording = errors.New("already recording")

	// ErrAlreadyPrepared is returned by Prepare while an encoder is
	// already held (Prepared or AwaitingReconfiguration). Stop or
	// Release first.
	ErrAlreadyPrepared = errors.New("an encoder is already prepared")

	// ErrNotPrepared is returned by Start when no encoder is prepared.
	ErrNotPrepared = errors.New("no encoder prepared")
)

// Controller owns the encoder lifecycle for one camera.
//
// States: Idle (no encoder), Prepared (encoder prepared, not started),
// Recording (encoder writing, rotation timer armed), and
// AwaitingReconfiguration (rotation stopped the old encoder and prepared
// the next one; the owner must rebind the new surface and call Start).
//
// All transitions execute on the injected dispatch.Queue; the rotation
// timer fires on the same queue, so a transition never overlaps a user
// call. Accessors are safe from any goroutine.
type Controller struct {
	cameraID        string
	factory         encoder.Factory
	sink            EventSink
	queue           *dispatch.Queue
	segmentDuration time.Duration

	// pendingTimer is touched only on the queue goroutine.
	pendingTimer *dispatch.Timer

	mu              sync.RWMutex
	backend         encoder.Backend
	recording       bool
	awaitingReconf  bool
	segmentIndex    int
	currentFilePath string
	saveDirectory   string
	cameraPosition  string
	width, height   int

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once
	eventsWG  sync.WaitGroup
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSegmentDuration overrides DefaultSegmentDuration.
func WithSegmentDuration(d time.Duration) Option {
	return func(c *Controller) { c.segmentDuration = d }
}

// New creates a controller for cameraID. factory allocates one encoder
// per segment; sink receives lifecycle events and may be nil; queue is
// the serialized control context shared with the owner.
func New(cameraID string, factory encoder.Factory, sink EventSink, queue *dispatch.Queue, opts ...Option) *Controller {
	c := &Controller{
		cameraID:        cameraID,
		factory:         factory,
		sink:            sink,
		queue:           queue,
		segmentDuration: DefaultSegmentDuration,
		events:          make(chan func(), 64),
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.eventsWG.Add(1)
	go c.deliverEvents()
	return c
}

// Prepare allocates and prepares segment 0's encoder bound to path at
// the given dimensions. Valid from Idle only. The camera-position tag
// and save directory are derived from path and fixed for the session.
func (c *Controller) Prepare(path string, width, height int) error {
	var err error
	c.queue.Sync(func() { err = c.prepare(path, width, height) })
	return err
}

// Start begins recording the prepared segment and arms the rotation
// timer. Valid from Prepared or AwaitingReconfiguration.
func (c *Controller) Start() error {
	var err error
	c.queue.Sync(func() { err = c.start() })
	return err
}

// Stop ends the session. A no-op (no event) when neither recording nor
// awaiting reconfiguration.
func (c *Controller) Stop() {
	c.queue.Sync(func() { c.stop() })
}

// Release is the idempotent teardown, usable from any state including
// mid-failure. Delegates to Stop while actively recording; otherwise
// force-clears state and releases any held encoder without a callback.
func (c *Controller) Release() {
	c.queue.Sync(func() { c.release() })
}

// Close releases the session and stops event delivery. The controller
// must not be used afterwards.
func (c *Controller) Close() {
	c.Release()
	c.closeOnce.Do(func() { close(c.closed) })
	c.eventsWG.Wait()
}

// CameraID returns the immutable camera identifier.
func (c *Controller) CameraID() string { return c.cameraID }

// IsRecording reports whether the owned encoder is actively writing.
func (c *Controller) IsRecording() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recording
}

// AwaitingReconfiguration reports whether a rotation has prepared the
// next segment and is waiting for the owner to rebind and Start.
func (c *Controller) AwaitingReconfiguration() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.awaitingReconf
}

// SegmentIndex returns the current segment counter.
func (c *Controller) SegmentIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.segmentIndex
}

// CurrentFilePath returns the output path of the current segment, or ""
// when Idle.
func (c *Controller) CurrentFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentFilePath
}

// Surface returns the input surface of the currently held encoder, or
// nil when Idle. A new pointer after a segment switch means the capture
// pipeline must be rebound.
func (c *Controller) Surface() *encoder.Surface {
	c.mu.RLock()
	b := c.backend
	c.mu.RUnlock()
	if b == nil {
		return nil
	}
	return b.Surface()
}

// ── transitions (queue goroutine only) ──────────────────────────────────

func (c *Controller) prepare(path string, width, height int) error {
	if c.IsRecording() {
		log.Printf("camera %s is already recording", c.cameraID)
		return ErrAlreadyRecording
	}
	c.mu.RLock()
	held := c.backend != nil
	c.mu.RUnlock()
	if held {
		log.Printf("camera %s already holds a prepared encoder", c.cameraID)
		return ErrAlreadyPrepared
	}

	b := c.factory()
	if err := b.Prepare(path, width, height); err != nil {
		b.Release()
		c.resetToIdle()
		c.emit(func(s EventSink) { s.OnRecordError(c.cameraID, err.Error()) })
		return fmt.Errorf("prepare encoder: %w", err)
	}

	c.mu.Lock()
	c.backend = b
	c.saveDirectory = filepath.Dir(path)
	c.cameraPosition = CameraPosition(path)
	c.width = width
	c.height = height
	c.segmentIndex = 0
	c.currentFilePath = path
	c.awaitingReconf = false
	c.mu.Unlock()

	log.Printf("camera %s prepared recording to: %s", c.cameraID, path)
	return nil
}

func (c *Controller) start() error {
	c.mu.RLock()
	b := c.backend
	recording := c.recording
	c.mu.RUnlock()

	if b == nil {
		log.Printf("camera %s encoder not prepared", c.cameraID)
		return ErrNotPrepared
	}
	if recording {
		log.Printf("camera %s is already recording", c.cameraID)
		return ErrAlreadyRecording
	}

	if err := b.Start(); err != nil {
		b.Release()
		c.mu.Lock()
		c.backend = nil
		c.mu.Unlock()
		c.resetToIdle()
		c.emit(func(s EventSink) { s.OnRecordError(c.cameraID, err.Error()) })
		return fmt.Errorf("start encoder: %w", err)
	}

	c.mu.Lock()
	c.recording = true
	c.awaitingReconf = false
	first := c.segmentIndex == 0
	idx := c.segmentIndex
	c.mu.Unlock()

	c.scheduleRotation()

	log.Printf("camera %s started recording segment %d", c.cameraID, idx)
	if first {
		// Only the first segment announces the session start.
		c.emit(func(s EventSink) { s.OnRecordStart(c.cameraID) })
	}
	return nil
}

func (c *Controller) scheduleRotation() {
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
	}
	c.pendingTimer = c.queue.AfterFunc(c.segmentDuration, c.rotate)
}

// rotate ends the current segment and prepares the next one. It does not
// start the new encoder: the new surface must first be rebound by the
// owning capture session, which then calls Start again.
func (c *Controller) rotate() {
	if !c.IsRecording() {
		return
	}
	c.pendingTimer = nil

	c.mu.RLock()
	b := c.backend
	idx := c.segmentIndex
	path := c.currentFilePath
	c.mu.RUnlock()

	if err := b.Stop(); err != nil {
		// Treated as stopped regardless; the resource is released below.
		log.Printf("camera %s error stopping segment %d: %v", c.cameraID, idx, err)
	}
	b.Release()
	c.mu.Lock()
	c.backend = nil
	c.recording = false
	c.mu.Unlock()
	log.Printf("camera %s stopped segment %d: %s", c.cameraID, idx, path)

	c.mu.RLock()
	nextPath := SegmentPath(c.saveDirectory, c.cameraPosition, time.Now())
	width, height := c.width, c.height
	c.mu.RUnlock()

	nb := c.factory()
	if err := nb.Prepare(nextPath, width, height); err != nil {
		nb.Release()
		c.resetToIdle()
		log.Printf("camera %s failed to switch segment: %v", c.cameraID, err)
		c.emit(func(s EventSink) {
			s.OnRecordError(c.cameraID, fmt.Sprintf("failed to switch segment: %v", err))
		})
		return
	}

	c.mu.Lock()
	c.backend = nb
	c.segmentIndex++
	c.currentFilePath = nextPath
	c.awaitingReconf = true
	newIdx := c.segmentIndex
	c.mu.Unlock()

	log.Printf("camera %s prepared segment %d: %s, waiting for session reconfiguration",
		c.cameraID, newIdx, nextPath)
	c.emit(func(s EventSink) { s.OnSegmentSwitch(c.cameraID, newIdx) })
}

func (c *Controller) stop() {
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}

	c.mu.RLock()
	b := c.backend
	recording := c.recording
	awaiting := c.awaitingReconf
	idx := c.segmentIndex
	path := c.currentFilePath
	c.mu.RUnlock()

	// Rotation already stopped the encoder; only the prepared-but-unstarted
	// one needs releasing.
	if awaiting {
		log.Printf("camera %s is waiting for session reconfiguration, skipping encoder stop", c.cameraID)
		if b != nil {
			b.Release()
		}
		c.mu.Lock()
		c.backend = nil
		c.mu.Unlock()
		c.resetToIdle()
		c.emit(func(s EventSink) { s.OnRecordStop(c.cameraID) })
		return
	}

	if !recording {
		log.Printf("camera %s is not recording", c.cameraID)
		return
	}

	if err := b.Stop(); err != nil {
		log.Printf("camera %s failed to stop recording: %v", c.cameraID, err)
	} else {
		log.Printf("camera %s stopped recording: %s (total segments: %d)", c.cameraID, path, idx+1)
	}
	b.Release()
	c.mu.Lock()
	c.backend = nil
	c.mu.Unlock()
	c.resetToIdle()
	c.emit(func(s EventSink) { s.OnRecordStop(c.cameraID) })
}

func (c *Controller) release() {
	if c.IsRecording() {
		c.stop()
		return
	}
	if c.pendingTimer != nil {
		c.pendingTimer.Stop()
		c.pendingTimer = nil
	}
	c.mu.Lock()
	b := c.backend
	c.backend = nil
	c.mu.Unlock()
	if b != nil {
		b.Release()
	}
	c.resetToIdle()
}

// resetToIdle clears all per-session fields. The backend must already be
// nil; an encoder handle is never abandoned without Release.
func (c *Controller) resetToIdle() {
	c.mu.Lock()
	c.recording = false
	c.awaitingReconf = false
	c.segmentIndex = 0
	c.currentFilePath = ""
	c.mu.Unlock()
}

// ── event delivery ──────────────────────────────────────────────────────

func (c *Controller) emit(fn func(EventSink)) {
	if c.sink == nil {
		return
	}
	select {
	case c.events <- func() { fn(c.sink) }:
	case <-c.closed:
	}
}

func (c *Controller) deliverEvents() {
	defer c.eventsWG.Done()
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.closed:
			for {
				select {
				case fn := <-c.events:
					fn()
				default:
					return
				}
			}
		}
	}
}
