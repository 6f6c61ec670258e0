// Package fileutil provides recording file utilities: sidecar metadata
// JSON written alongside each finished segment.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SegmentMetadata is the sidecar written alongside each completed segment.
// Downstream tooling pairs it with the .mp4 by basename.
type SegmentMetadata struct {
	CameraID     string    `json:"camera_id"`
	Position     string    `json:"position"`
	SegmentIndex int       `json:"segment_index"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	Duration     string    `json:"duration"`
	DurationMs   int64     `json:"duration_ms"`
	OutputFile   string    `json:"output_file"`
}

// WriteMetadata writes a <basepath>.meta.json sidecar file alongside the
// segment. Uses atomic write (temp + rename) consistent with ipc patterns.
func WriteMetadata(segmentPath string, meta *SegmentMetadata) error {
	metaPath := MetadataPath(segmentPath)
	dir := filepath.Dir(metaPath)

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on error.
	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	success = true

	if err := os.Rename(tmpPath, metaPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the sidecar for segmentPath.
func ReadMetadata(segmentPath string) (*SegmentMetadata, error) {
	data, err := os.ReadFile(MetadataPath(segmentPath))
	if err != nil {
		return nil, err
	}
	var meta SegmentMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath maps a segment path to its sidecar path:
// /sd/20240101_120000_front.mp4 -> /sd/20240101_120000_front.meta.json
func MetadataPath(segmentPath string) string {
	base := strings.TrimSuffix(segmentPath, filepath.Ext(segmentPath))
	return base + ".meta.json"
}
