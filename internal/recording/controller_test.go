package recording

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kooo/evcam/internal/dispatch"
	"github.com/kooo/evcam/internal/encoder"
)

// fakeBackend is a scriptable in-memory encoder.
type fakeBackend struct {
	mu           sync.Mutex
	id           int
	surface      *encoder.Surface
	preparedPath string
	prepared     bool
	started      bool
	stopCalls    int
	released     bool

	prepareErr error
	startErr   error
	stopErr    error
}

func (f *fakeBackend) Prepare(path string, width, height int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return f.prepareErr
	}
	f.surface = encoder.NewSurface(fmt.Sprintf("fake-pipe-%d", f.id))
	f.preparedPath = path
	f.prepared = true
	return nil
}

func (f *fakeBackend) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeBackend) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.started = false
	return f.stopErr
}

func (f *fakeBackend) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeBackend) Surface() *encoder.Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.surface
}

func (f *fakeBackend) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeBackend) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

// fakeFactory hands out fakeBackends and records them in allocation order.
// failPrepareAt / failStartAt script the n-th allocated backend (0-based)
// to fail that call.
type fakeFactory struct {
	mu            sync.Mutex
	backends      []*fakeBackend
	failPrepareAt int
	failStartAt   int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failPrepareAt: -1, failStartAt: -1}
}

func (ff *fakeFactory) factory() encoder.Factory {
	return func() encoder.Backend {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		fb := &fakeBackend{id: len(ff.backends)}
		if len(ff.backends) == ff.failPrepareAt {
			fb.prepareErr = errors.New("scripted prepare failure")
		}
		if len(ff.backends) == ff.failStartAt {
			fb.startErr = errors.New("scripted start failure")
		}
		ff.backends = append(ff.backends, fb)
		return fb
	}
}

func (ff *fakeFactory) backend(i int) *fakeBackend {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.backends) {
		return nil
	}
	return ff.backends[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.backends)
}

// sinkEvent is one delivered lifecycle event.
type sinkEvent struct {
	kind   string // "start" | "switch" | "stop" | "error"
	index  int
	camera string
	msg    string
}

type eventRecorder struct {
	ch chan sinkEvent
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan sinkEvent, 32)}
}

func (r *eventRecorder) OnRecordStart(cameraID string) {
	r.ch <- sinkEvent{kind: "start", camera: cameraID}
}

func (r *eventRecorder) OnSegmentSwitch(cameraID string, segmentIndex int) {
	r.ch <- sinkEvent{kind: "switch", camera: cameraID, index: segmentIndex}
}

func (r *eventRecorder) OnRecordStop(cameraID string) {
	r.ch <- sinkEvent{kind: "stop", camera: cameraID}
}

func (r *eventRecorder) OnRecordError(cameraID, message string) {
	r.ch <- sinkEvent{kind: "error", camera: cameraID, msg: message}
}

func (r *eventRecorder) expect(t *testing.T, kind string) sinkEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		if ev.kind != kind {
			t.Fatalf("expected %q event, got %+v", kind, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q event", kind)
		return sinkEvent{}
	}
}

func (r *eventRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func newTestController(t *testing.T, ff *fakeFactory, rec *eventRecorder, opts ...Option) *Controller {
	t.Helper()
	q := dispatch.NewQueue()
	t.Cleanup(q.Close)
	c := New("cam0", ff.factory(), rec, q, opts...)
	t.Cleanup(c.Close)
	return c
}

func TestController_PrepareThenStart(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if c.IsRecording() {
		t.Fatal("prepared session must not be recording yet")
	}
	if got := c.CurrentFilePath(); got != "/sd/20240101_120000_front.mp4" {
		t.Fatalf("currentFilePath = %q", got)
	}
	if c.SegmentIndex() != 0 {
		t.Fatalf("segmentIndex = %d, want 0", c.SegmentIndex())
	}
	if c.Surface() == nil {
		t.Fatal("prepared session must expose a surface")
	}

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !c.IsRecording() {
		t.Fatal("isRecording should be true after start")
	}

	ev := rec.expect(t, "start")
	if ev.camera != "cam0" {
		t.Fatalf("onRecordStart camera = %q", ev.camera)
	}
}

func TestController_StartWithoutPrepareFails(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	if err := c.Start(); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("want ErrNotPrepared, got %v", err)
	}
	rec.expectNone(t, 50*time.Millisecond)
}

func TestController_PrepareWhilePreparedFailsWithoutMutating(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	surface := c.Surface()

	if err := c.Prepare("/sd/20240101_120001_rear.mp4", 640, 480); !errors.Is(err, ErrAlreadyPrepared) {
		t.Fatalf("want ErrAlreadyPrepared, got %v", err)
	}
	if got := c.CurrentFilePath(); got != "/sd/20240101_120000_front.mp4" {
		t.Fatalf("rejected prepare mutated currentFilePath: %q", got)
	}
	if c.Surface() != surface {
		t.Fatal("rejected prepare must not touch the held encoder")
	}
	if ff.count() != 1 {
		t.Fatalf("rejected prepare allocated a backend: %d", ff.count())
	}
}

func TestController_PrepareWhileRecordingFails(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	mustPrepareStart(t, c, rec)

	if err := c.Prepare("/sd/other_front.mp4", 1280, 720); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("want ErrAlreadyRecording, got %v", err)
	}
	if !c.IsRecording() {
		t.Fatal("rejected prepare must leave the session recording")
	}
}

// Scenario A: full rotation handshake across two segments.
func TestController_RotationHandshake(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(40*time.Millisecond))

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	firstSurface := c.Surface()
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.expect(t, "start")

	ev := rec.expect(t, "switch")
	if ev.index != 1 {
		t.Fatalf("onSegmentSwitch index = %d, want 1", ev.index)
	}
	if !c.AwaitingReconfiguration() {
		t.Fatal("awaitingReconfiguration should be true after rotation")
	}
	if c.IsRecording() {
		t.Fatal("isRecording should be false while awaiting reconfiguration")
	}
	if c.SegmentIndex() != 1 {
		t.Fatalf("segmentIndex = %d, want 1", c.SegmentIndex())
	}

	path := c.CurrentFilePath()
	if !strings.HasSuffix(path, "_front.mp4") {
		t.Fatalf("next segment path %q must keep the position tag", path)
	}
	if path == "/sd/20240101_120000_front.mp4" {
		t.Fatal("next segment must have a fresh timestamped path")
	}
	if c.Surface() == firstSurface {
		t.Fatal("rotation must expose a new surface identity")
	}
	if b0 := ff.backend(0); b0.stopCount() != 1 || !b0.isReleased() {
		t.Fatalf("segment 0 backend not stopped+released: stops=%d released=%v",
			b0.stopCount(), b0.isReleased())
	}

	// Owner rebinds and resumes; no second onRecordStart.
	if err := c.Start(); err != nil {
		t.Fatalf("restart after rotation: %v", err)
	}
	if !c.IsRecording() || c.AwaitingReconfiguration() {
		t.Fatal("restart should resume recording and clear the reconfiguration flag")
	}

	ev = rec.expect(t, "switch")
	if ev.index != 2 {
		t.Fatalf("second rotation index = %d, want 2", ev.index)
	}
}

// Scenario B: explicit stop mid-segment.
func TestController_StopMidSegment(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(10*time.Second))

	mustPrepareStart(t, c, rec)
	c.Stop()

	rec.expect(t, "stop")
	if c.IsRecording() {
		t.Fatal("isRecording should be false after stop")
	}
	if c.SegmentIndex() != 0 || c.CurrentFilePath() != "" {
		t.Fatalf("stop must reset counters: idx=%d path=%q", c.SegmentIndex(), c.CurrentFilePath())
	}
	if b0 := ff.backend(0); b0.stopCount() != 1 || !b0.isReleased() {
		t.Fatal("stop must stop and release the encoder")
	}

	// The cancelled rotation timer must never fire.
	rec.expectNone(t, 100*time.Millisecond)
}

// Scenario C: backend prepare failure.
func TestController_PrepareFailure(t *testing.T) {
	ff := newFakeFactory()
	ff.failPrepareAt = 0
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err == nil {
		t.Fatal("prepare should surface the backend failure")
	}
	ev := rec.expect(t, "error")
	if !strings.Contains(ev.msg, "scripted prepare failure") {
		t.Fatalf("error message %q should carry the backend message", ev.msg)
	}
	if c.IsRecording() || c.CurrentFilePath() != "" || c.Surface() != nil {
		t.Fatal("failed prepare must leave the session Idle")
	}
	if !ff.backend(0).isReleased() {
		t.Fatal("failed prepare must release the partial encoder")
	}

	// Session is reusable after the failure.
	if err := c.Prepare("/sd/20240101_120001_front.mp4", 1280, 720); err != nil {
		t.Fatalf("re-prepare after failure: %v", err)
	}
}

func TestController_StartFailure(t *testing.T) {
	ff := newFakeFactory()
	ff.failStartAt = 0
	rec := newEventRecorder()
	c := newTestController(t, ff, rec)

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Fatal("start should surface the backend failure")
	}
	ev := rec.expect(t, "error")
	if !strings.Contains(ev.msg, "scripted start failure") {
		t.Fatalf("error message %q should carry the backend message", ev.msg)
	}
	if c.IsRecording() {
		t.Fatal("failed start must leave isRecording false")
	}
	if !ff.backend(0).isReleased() {
		t.Fatal("failed start must release the encoder")
	}
}

// Scenario D: double stop.
func TestController_DoubleStopIsNoOp(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(10*time.Second))

	mustPrepareStart(t, c, rec)
	c.Stop()
	rec.expect(t, "stop")

	c.Stop()
	rec.expectNone(t, 80*time.Millisecond)
}

func TestController_StopWhileAwaitingReconfiguration(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(30*time.Millisecond))

	mustPrepareStart(t, c, rec)
	rec.expect(t, "switch")

	c.Stop()
	rec.expect(t, "stop")

	if c.AwaitingReconfiguration() || c.SegmentIndex() != 0 || c.CurrentFilePath() != "" {
		t.Fatal("stop while awaiting must fully reset the session")
	}
	// The rotated-away backend was stopped by rotation; the prepared
	// next-segment backend is only released, never stopped.
	if b1 := ff.backend(1); b1.stopCount() != 0 || !b1.isReleased() {
		t.Fatalf("awaiting backend: stops=%d released=%v, want 0/true",
			b1.stopCount(), b1.isReleased())
	}
}

func TestController_RotationPrepareFailure(t *testing.T) {
	ff := newFakeFactory()
	ff.failPrepareAt = 1 // segment 1's encoder fails to prepare
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(30*time.Millisecond))

	mustPrepareStart(t, c, rec)

	ev := rec.expect(t, "error")
	if !strings.Contains(ev.msg, "failed to switch segment") {
		t.Fatalf("rotation error message = %q", ev.msg)
	}
	// Hardened behavior: rotation failure resolves to full Idle.
	if c.IsRecording() || c.AwaitingReconfiguration() {
		t.Fatal("rotation failure must clear recording and reconfiguration flags")
	}
	if c.SegmentIndex() != 0 || c.CurrentFilePath() != "" || c.Surface() != nil {
		t.Fatal("rotation failure must reset the session to Idle")
	}
	for i := 0; i < ff.count(); i++ {
		if !ff.backend(i).isReleased() {
			t.Fatalf("backend %d leaked after rotation failure", i)
		}
	}

	// Caller may retry from scratch.
	if err := c.Prepare("/sd/20240101_130000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("re-prepare after rotation failure: %v", err)
	}
}

func TestController_ReleaseFromAnyState(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		ff := newFakeFactory()
		rec := newEventRecorder()
		c := newTestController(t, ff, rec)
		c.Release()
		c.Release()
		rec.expectNone(t, 50*time.Millisecond)
	})

	t.Run("prepared", func(t *testing.T) {
		ff := newFakeFactory()
		rec := newEventRecorder()
		c := newTestController(t, ff, rec)
		if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		c.Release()
		if !ff.backend(0).isReleased() {
			t.Fatal("release must release the prepared encoder")
		}
		if c.CurrentFilePath() != "" || c.SegmentIndex() != 0 {
			t.Fatal("release must reset all fields")
		}
		rec.expectNone(t, 50*time.Millisecond)
	})

	t.Run("recording delegates to stop", func(t *testing.T) {
		ff := newFakeFactory()
		rec := newEventRecorder()
		c := newTestController(t, ff, rec, WithSegmentDuration(10*time.Second))
		mustPrepareStart(t, c, rec)
		c.Release()
		rec.expect(t, "stop")
		if c.IsRecording() || c.CurrentFilePath() != "" || c.SegmentIndex() != 0 {
			t.Fatal("release while recording must terminate in Idle")
		}
	})
}

func TestController_SegmentIndexStrictlyIncreases(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(25*time.Millisecond))

	mustPrepareStart(t, c, rec)

	for want := 1; want <= 3; want++ {
		ev := rec.expect(t, "switch")
		if ev.index != want {
			t.Fatalf("rotation %d delivered index %d", want, ev.index)
		}
		if err := c.Start(); err != nil {
			t.Fatalf("restart %d: %v", want, err)
		}
	}
	c.Stop()
}

func TestController_RotationSurvivesBackendStopError(t *testing.T) {
	ff := newFakeFactory()
	rec := newEventRecorder()
	c := newTestController(t, ff, rec, WithSegmentDuration(30*time.Millisecond))

	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	ff.backend(0).mu.Lock()
	ff.backend(0).stopErr = errors.New("hardware hiccup")
	ff.backend(0).mu.Unlock()
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.expect(t, "start")

	// A failing backend Stop is treated as stopped; rotation proceeds.
	ev := rec.expect(t, "switch")
	if ev.index != 1 {
		t.Fatalf("rotation index = %d, want 1", ev.index)
	}
	if !ff.backend(0).isReleased() {
		t.Fatal("backend must be released even when its Stop fails")
	}
}

func mustPrepareStart(t *testing.T, c *Controller, rec *eventRecorder) {
	t.Helper()
	if err := c.Prepare("/sd/20240101_120000_front.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.expect(t, "start")
}
