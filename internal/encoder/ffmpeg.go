package encoder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Encoding parameters carried over from the Android build of this app:
// H.264 at 1 Mbps / 30 fps keeps four cameras within the head unit's
// encode budget.
const (
	defaultBitrate   = 1000000
	defaultFrameRate = 30
	defaultPixFmt    = "bgr24"

	stopGracePeriod = 3 * time.Second
)

var fifoSeq atomic.Uint64

// FFmpegOptions configures an FFmpegBackend.
type FFmpegOptions struct {
	BinaryPath string // resolved ffmpeg binary
	FrameRate  int    // input/output frame rate; 0 means defaultFrameRate
	Bitrate    int    // video bitrate in bits/s; 0 means defaultBitrate
	PixFmt     string // raw input pixel format; "" means defaultPixFmt
	FIFODir    string // directory for input FIFOs; "" means os.TempDir()
}

// FFmpegBackend encodes one segment with a dedicated ffmpeg process
// reading raw frames from a named pipe. The pipe is the input surface:
// ffmpeg blocks until a writer opens it, so encoding cannot outrun the
// capture session's rebind.
type FFmpegBackend struct {
	opts FFmpegOptions

	mu         sync.Mutex
	surface    *Surface
	cmd        *exec.Cmd
	outputPath string
	width      int
	height     int
	prepared   bool
	started    bool
	released   bool
}

// NewFFmpegBackend creates an unprepared backend.
func NewFFmpegBackend(opts FFmpegOptions) *FFmpegBackend {
	if opts.FrameRate == 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.Bitrate == 0 {
		opts.Bitrate = defaultBitrate
	}
	if opts.PixFmt == "" {
		opts.PixFmt = defaultPixFmt
	}
	if opts.FIFODir == "" {
		opts.FIFODir = os.TempDir()
	}
	return &FFmpegBackend{opts: opts}
}

// NewFFmpegFactory resolves the ffmpeg binary once and returns a Factory
// producing backends that share the given options.
func NewFFmpegFactory(opts FFmpegOptions) (Factory, error) {
	bin := opts.BinaryPath
	if bin == "" {
		bin = "ffmpeg"
	}
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found: %w", err)
	}
	opts.BinaryPath = resolved
	return func() Backend {
		return NewFFmpegBackend(opts)
	}, nil
}

// Prepare creates the input FIFO and stages the encode command. It does
// not launch ffmpeg; Start does.
func (b *FFmpegBackend) Prepare(outputPath string, width, height int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.prepared {
		return fmt.Errorf("encoder already prepared for %s", b.outputPath)
	}
	if b.released {
		return fmt.Errorf("encoder already released")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", width, height)
	}

	fifoPath := filepath.Join(b.opts.FIFODir,
		fmt.Sprintf("evcam-%d-%d.raw", os.Getpid(), fifoSeq.Add(1)))
	if err := syscall.Mkfifo(fifoPath, 0600); err != nil {
		return fmt.Errorf("create input pipe: %w", err)
	}

	b.surface = &Surface{path: fifoPath}
	b.outputPath = outputPath
	b.width = width
	b.height = height
	b.prepared = true
	return nil
}

// Start launches the ffmpeg process for the prepared segment.
func (b *FFmpegBackend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.prepared {
		return fmt.Errorf("encoder not prepared")
	}
	if b.started {
		return fmt.Errorf("encoder already started")
	}

	cmd := exec.Command(b.opts.BinaryPath, b.buildArgs()...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	b.cmd = cmd
	b.started = true
	return nil
}

// Stop asks ffmpeg to finalize the segment. SIGINT makes ffmpeg flush
// the moov atom; if it does not exit within the grace period it is killed.
// Best-effort per the Backend contract.
func (b *FFmpegBackend) Stop() error {
	b.mu.Lock()
	cmd := b.cmd
	b.started = false
	b.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("encoder not running")
	}

	_ = cmd.Process.Signal(syscall.SIGINT)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg exit: %w", err)
		}
		return nil
	case <-time.After(stopGracePeriod):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("ffmpeg did not exit within %s, killed", stopGracePeriod)
	}
}

// Release kills any running process, removes the FIFO, and clears state.
// Idempotent and never fails observably.
func (b *FFmpegBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil && b.cmd.Process != nil && b.started {
		_ = b.cmd.Process.Kill()
		go func(c *exec.Cmd) { _ = c.Wait() }(b.cmd)
	}
	if b.surface != nil {
		_ = os.Remove(b.surface.path)
	}
	b.cmd = nil
	b.surface = nil
	b.prepared = false
	b.started = false
	b.released = true
}

// Surface returns the input surface, or nil before Prepare.
func (b *FFmpegBackend) Surface() *Surface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.surface
}

// buildArgs assembles the per-segment ffmpeg invocation. Caller holds b.mu.
func (b *FFmpegBackend) buildArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pixel_format", b.opts.PixFmt,
		"-video_size", fmt.Sprintf("%dx%d", b.width, b.height),
		"-framerate", fmt.Sprintf("%d", b.opts.FrameRate),
		"-i", b.surface.path,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%d", b.opts.Bitrate),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		b.outputPath,
	}
}
