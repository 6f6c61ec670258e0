package recording

import (
	"path/filepath"
	"strings"
	"time"
)

// Segment file naming contract, relied on by downstream tooling:
// {yyyyMMdd_HHmmss}_{cameraPosition}.mp4
const segmentTimestampLayout = "20060102_150405"

// CameraPosition extracts the camera-position tag from a segment path:
// the substring after the final underscore and before the trailing
// ".mp4". Paths that do not match that shape yield "unknown".
func CameraPosition(path string) string {
	name := filepath.Base(path)
	i := strings.LastIndex(name, "_")
	if i > 0 && strings.HasSuffix(name, ".mp4") {
		return name[i+1 : len(name)-len(".mp4")]
	}
	return "unknown"
}

// SegmentFilename builds the segment file name for the given wall-clock
// timestamp and position tag. Two calls within the same second produce
// the same name; accepted limitation, not handled specially.
func SegmentFilename(ts time.Time, position string) string {
	return ts.Format(segmentTimestampLayout) + "_" + position + ".mp4"
}

// SegmentPath builds the full path of a segment inside dir.
func SegmentPath(dir, position string, ts time.Time) string {
	return filepath.Join(dir, SegmentFilename(ts, position))
}
