// Package capture owns the per-camera session: it feeds frames from a
// physical source into the encoder surface the recording controller
// currently holds, and performs the surface rebind the controller asks
// for on every segment switch.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Source provides raw frames from one camera. Frames are fixed-size
// (width*height*3 bytes, BGR) so the encoder can consume them without
// framing metadata.
type Source interface {
	Open(ctx context.Context) error
	Frames() <-chan []byte
	Errors() <-chan error
	Close() error
}

// DeviceSource captures raw frames from a V4L2 device through an ffmpeg
// child process.
type DeviceSource struct {
	device string
	width  int
	height int
	fps    int

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	errs   chan error
}

// NewDeviceSource creates a source for the given V4L2 device path.
func NewDeviceSource(device string, width, height, fps int) *DeviceSource {
	return &DeviceSource{
		device: device,
		width:  width,
		height: height,
		fps:    fps,
		frames: make(chan []byte, 4),
		errs:   make(chan error, 1),
	}
}

// Open starts the capture process and the frame reader goroutine.
func (d *DeviceSource) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return fmt.Errorf("source already open for %s", d.device)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", d.width, d.height),
		"-framerate", fmt.Sprintf("%d", d.fps),
		"-i", d.device,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start capture for %s: %w", d.device, err)
	}
	d.cmd = cmd
	d.cancel = cancel

	go d.readFrames(stdout)
	return nil
}

func (d *DeviceSource) readFrames(r io.Reader) {
	frameSize := d.width * d.height * 3
	br := bufio.NewReaderSize(r, frameSize)
	for {
		frame := make([]byte, frameSize)
		if _, err := io.ReadFull(br, frame); err != nil {
			if err != io.EOF {
				select {
				case d.errs <- fmt.Errorf("read frame from %s: %w", d.device, err):
				default:
				}
			}
			close(d.frames)
			return
		}
		// Drop the oldest queued frame rather than stall capture.
		select {
		case d.frames <- frame:
		default:
			select {
			case <-d.frames:
			default:
			}
			d.frames <- frame
		}
	}
}

// Frames returns the frame channel. Closed when capture ends.
func (d *DeviceSource) Frames() <-chan []byte { return d.frames }

// Errors returns the error channel.
func (d *DeviceSource) Errors() <-chan error { return d.errs }

// Close stops the capture process.
func (d *DeviceSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return nil
	}
	d.cancel()
	err := d.cmd.Wait()
	d.cmd = nil
	d.cancel = nil
	if err != nil && err.Error() != "signal: killed" {
		return fmt.Errorf("capture process for %s: %w", d.device, err)
	}
	return nil
}
