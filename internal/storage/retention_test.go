package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kooo/evcam/internal/fileutil"
)

// writeSegment creates a fake recording of the given size with an mtime
// offset into the past.
func writeSegment(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestPruneOnce_DeletesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldest := writeSegment(t, dir, "20250101_120000_front.mp4", 400, 3*time.Hour)
	middle := writeSegment(t, dir, "20250101_130000_front.mp4", 400, 2*time.Hour)
	newest := writeSegment(t, dir, "20250101_140000_front.mp4", 400, 1*time.Hour)

	p := NewPruner(dir, 900)
	removed, freed, err := p.PruneOnce()
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if removed != 1 || freed != 400 {
		t.Fatalf("removed=%d freed=%d, want 1/400", removed, freed)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Fatal("oldest segment should be deleted")
	}
	for _, path := range []string{middle, newest} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("newer segment deleted: %s", path)
		}
	}
}

func TestPruneOnce_UnderQuotaIsNoOp(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "20250101_120000_front.mp4", 100, time.Hour)

	p := NewPruner(dir, 1000)
	removed, _, err := p.PruneOnce()
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}

func TestPruneOnce_ZeroQuotaDisabled(t *testing.T) {
	dir := t.TempDir()
	path := writeSegment(t, dir, "20250101_120000_front.mp4", 4096, time.Hour)

	p := NewPruner(dir, 0)
	removed, _, err := p.PruneOnce()
	if err != nil || removed != 0 {
		t.Fatalf("zero quota should disable pruning, removed=%d err=%v", removed, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("segment should survive with pruning disabled")
	}
}

func TestPruneOnce_SkipsInUseSegments(t *testing.T) {
	dir := t.TempDir()
	active := writeSegment(t, dir, "20250101_120000_front.mp4", 500, 3*time.Hour)
	idle := writeSegment(t, dir, "20250101_130000_front.mp4", 500, 2*time.Hour)

	p := NewPruner(dir, 600)
	p.SetInUse(func(path string) bool { return path == active })

	removed, _, err := p.PruneOnce()
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(active); err != nil {
		t.Fatal("in-use segment must not be pruned")
	}
	if _, err := os.Stat(idle); !os.IsNotExist(err) {
		t.Fatal("idle segment should be pruned instead")
	}
}

func TestPruneOnce_RemovesSidecar(t *testing.T) {
	dir := t.TempDir()
	old := writeSegment(t, dir, "20250101_120000_front.mp4", 800, 2*time.Hour)
	writeSegment(t, dir, "20250101_130000_front.mp4", 800, time.Hour)

	meta := fileutil.MetadataPath(old)
	if err := os.WriteFile(meta, []byte("{}"), 0644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	p := NewPruner(dir, 1000)
	if _, _, err := p.PruneOnce(); err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if _, err := os.Stat(meta); !os.IsNotExist(err) {
		t.Fatal("sidecar should be removed with its segment")
	}
}

func TestPruneOnce_IgnoresNonSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "20250101_120000_front.mp4", 800, 2*time.Hour)
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewPruner(dir, 1000)
	removed, _, err := p.PruneOnce()
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if removed != 0 {
		t.Fatalf("non-mp4 files must not count toward the quota, removed=%d", removed)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatal("non-segment file should be untouched")
	}
}

func TestPruner_WatcherPrunesOnNewSegment(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "20250101_120000_front.mp4", 700, 2*time.Hour)

	p := NewPruner(dir, 1000)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	// Crossing the quota with a fresh segment should trigger a prune of
	// the older one.
	writeSegment(t, dir, "20250101_130000_front.mp4", 700, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "20250101_120000_front.mp4")); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not prune oldest segment")
}

func TestPruner_StartWithZeroQuota(t *testing.T) {
	p := NewPruner(t.TempDir(), 0)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
}
