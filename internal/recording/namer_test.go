package recording

import (
	"testing"
	"time"
)

func TestCameraPosition(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"standard front", "/sd/20240101_120000_front.mp4", "front"},
		{"standard rear", "/sd/dcim/20240101_235959_rear.mp4", "rear"},
		{"multiple underscores keep last", "/sd/a_b_left.mp4", "left"},
		{"no underscore", "/sd/front.mp4", "unknown"},
		{"leading underscore only", "/sd/_front.mp4", "unknown"},
		{"wrong extension", "/sd/20240101_120000_front.mkv", "unknown"},
		{"uppercase extension", "/sd/20240101_120000_front.MP4", "unknown"},
		{"trailing underscore", "/sd/20240101_120000_.mp4", ""},
		{"empty path", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CameraPosition(tt.path); got != tt.want {
				t.Errorf("CameraPosition(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSegmentFilename(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local)
	if got := SegmentFilename(ts, "front"); got != "20240102_150405_front.mp4" {
		t.Fatalf("SegmentFilename = %q", got)
	}
}

func TestSegmentPath(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 59, 59, 0, time.Local)
	got := SegmentPath("/sd/dcim", "rear", ts)
	if got != "/sd/dcim/20241231_235959_rear.mp4" {
		t.Fatalf("SegmentPath = %q", got)
	}
}

// Round-trip: paths the namer produces yield the same position tag the
// controller stored at first prepare.
func TestNamerRoundTrip(t *testing.T) {
	for _, pos := range []string{"front", "rear", "left", "right"} {
		path := SegmentPath("/sd", pos, time.Now())
		if got := CameraPosition(path); got != pos {
			t.Errorf("round trip for %q produced %q (path %s)", pos, got, path)
		}
	}
}
