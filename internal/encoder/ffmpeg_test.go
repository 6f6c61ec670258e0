package encoder

import (
	"os"
	"strings"
	"testing"
)

func TestFFmpegBackend_PrepareCreatesFreshSurface(t *testing.T) {
	dir := t.TempDir()

	b1 := NewFFmpegBackend(FFmpegOptions{BinaryPath: "/usr/bin/ffmpeg", FIFODir: dir})
	b2 := NewFFmpegBackend(FFmpegOptions{BinaryPath: "/usr/bin/ffmpeg", FIFODir: dir})

	if err := b1.Prepare(dir+"/a.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare b1: %v", err)
	}
	if err := b2.Prepare(dir+"/b.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare b2: %v", err)
	}
	defer b1.Release()
	defer b2.Release()

	s1, s2 := b1.Surface(), b2.Surface()
	if s1 == nil || s2 == nil {
		t.Fatal("prepared backends must expose a surface")
	}
	if s1 == s2 || s1.Path() == s2.Path() {
		t.Fatalf("surfaces must be distinct: %q vs %q", s1.Path(), s2.Path())
	}

	// The surface must be a real FIFO on disk.
	info, err := os.Stat(s1.Path())
	if err != nil {
		t.Fatalf("stat surface pipe: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("surface %s is not a named pipe", s1.Path())
	}
}

func TestFFmpegBackend_PrepareTwiceFails(t *testing.T) {
	dir := t.TempDir()
	b := NewFFmpegBackend(FFmpegOptions{BinaryPath: "/usr/bin/ffmpeg", FIFODir: dir})
	defer b.Release()

	if err := b.Prepare(dir+"/a.mp4", 640, 480); err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	if err := b.Prepare(dir+"/b.mp4", 640, 480); err == nil {
		t.Fatal("second prepare should fail")
	}
}

func TestFFmpegBackend_PrepareRejectsBadDimensions(t *testing.T) {
	b := NewFFmpegBackend(FFmpegOptions{FIFODir: t.TempDir()})
	if err := b.Prepare("/tmp/x.mp4", 0, 720); err == nil {
		t.Fatal("zero width should fail")
	}
	if err := b.Prepare("/tmp/x.mp4", 1280, -1); err == nil {
		t.Fatal("negative height should fail")
	}
}

func TestFFmpegBackend_ReleaseRemovesPipeAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	b := NewFFmpegBackend(FFmpegOptions{FIFODir: dir})
	if err := b.Prepare(dir+"/a.mp4", 640, 480); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	pipe := b.Surface().Path()

	b.Release()
	b.Release()

	if _, err := os.Stat(pipe); !os.IsNotExist(err) {
		t.Fatalf("pipe %s should be removed after Release", pipe)
	}
	if b.Surface() != nil {
		t.Fatal("surface must be nil after Release")
	}
	if err := b.Prepare(dir+"/b.mp4", 640, 480); err == nil {
		t.Fatal("prepare after Release should fail")
	}
}

func TestFFmpegBackend_BuildArgs(t *testing.T) {
	dir := t.TempDir()
	b := NewFFmpegBackend(FFmpegOptions{BinaryPath: "/usr/bin/ffmpeg", FIFODir: dir})
	if err := b.Prepare(dir+"/seg.mp4", 1280, 720); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer b.Release()

	args := strings.Join(b.buildArgs(), " ")
	for _, want := range []string{
		"-f rawvideo",
		"-pixel_format bgr24",
		"-video_size 1280x720",
		"-framerate 30",
		"-i " + b.Surface().Path(),
		"-c:v libx264",
		"-b:v 1000000",
		dir + "/seg.mp4",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
}

func TestFFmpegBackend_StartWithoutPrepareFails(t *testing.T) {
	b := NewFFmpegBackend(FFmpegOptions{})
	if err := b.Start(); err == nil {
		t.Fatal("start without prepare should fail")
	}
}
