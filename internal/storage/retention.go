// Package storage enforces the recording disk quota. Oldest segments are
// deleted first until the save directory fits the configured budget,
// mirroring loop-recording behavior on dashcam storage.
package storage

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kooo/evcam/internal/diaglog"
	"github.com/kooo/evcam/internal/fileutil"
)

// fallbackInterval bounds staleness when fsnotify events are lost
// (SD cards over USB bridges are known to drop inotify events).
const fallbackInterval = 60 * time.Second

// segment describes one recorded file eligible for pruning.
type segment struct {
	path    string
	size    int64
	modTime time.Time
}

// Pruner watches the save directory and deletes the oldest segments when
// total size exceeds the quota. Quota 0 disables pruning entirely.
type Pruner struct {
	dir        string
	quotaBytes int64

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	inUse   func(path string) bool
	inUseMu sync.RWMutex

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	started bool
	mu      sync.Mutex
}

// NewPruner creates a pruner for dir with the given quota in bytes.
func NewPruner(dir string, quotaBytes int64) *Pruner {
	return &Pruner{
		dir:        dir,
		quotaBytes: quotaBytes,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetLogger injects a diaglog.Logger. Passing nil disables structured
// logging.
func (p *Pruner) SetLogger(l *diaglog.Logger) {
	p.loggerMu.Lock()
	p.logger = l
	p.loggerMu.Unlock()
}

// SetInUse registers a predicate for segments that must never be pruned,
// such as the file an encoder is currently writing.
func (p *Pruner) SetInUse(fn func(path string) bool) {
	p.inUseMu.Lock()
	p.inUse = fn
	p.inUseMu.Unlock()
}

// Start begins watching the save directory. Prunes run on file creation
// events and on a periodic fallback tick.
func (p *Pruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.quotaBytes <= 0 {
		// Quota disabled; nothing to watch.
		p.started = true
		close(p.done)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return err
	}
	p.watcher = watcher
	p.started = true

	go p.watch()
	return nil
}

// Stop halts the watcher. Safe to call once after Start.
func (p *Pruner) Stop() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	close(p.stop)
	<-p.done
}

func (p *Pruner) watch() {
	defer close(p.done)
	defer p.watcher.Close()

	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) && strings.HasSuffix(event.Name, ".mp4") {
				p.pruneAndLogError()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[EVENT] Retention watcher error: %v", err)
		case <-ticker.C:
			p.pruneAndLogError()
		}
	}
}

func (p *Pruner) pruneAndLogError() {
	if _, _, err := p.PruneOnce(); err != nil {
		log.Printf("[EVENT] Retention prune failed: %v", err)
	}
}

// PruneOnce scans the save directory and deletes oldest segments until
// the quota is satisfied. Returns the number of deleted segments and the
// bytes freed.
func (p *Pruner) PruneOnce() (removed int, freed int64, err error) {
	if p.quotaBytes <= 0 {
		return 0, 0, nil
	}

	segments, total, err := p.scan()
	if err != nil {
		return 0, 0, err
	}
	if total <= p.quotaBytes {
		return 0, 0, nil
	}

	// Oldest first.
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].modTime.Before(segments[j].modTime)
	})

	p.inUseMu.RLock()
	inUse := p.inUse
	p.inUseMu.RUnlock()

	for _, seg := range segments {
		if total <= p.quotaBytes {
			break
		}
		if inUse != nil && inUse(seg.path) {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			log.Printf("[EVENT] Failed to prune %s: %v", seg.path, err)
			continue
		}
		// Drop the sidecar along with the video.
		if err := os.Remove(fileutil.MetadataPath(seg.path)); err != nil && !os.IsNotExist(err) {
			log.Printf("[EVENT] Failed to remove sidecar for %s: %v", seg.path, err)
		}
		total -= seg.size
		freed += seg.size
		removed++
	}

	if removed > 0 {
		p.log(diaglog.LogEntry{
			Event: diaglog.EventRetentionPrune,
			Payload: map[string]interface{}{
				"removed":         removed,
				"freed_bytes":     freed,
				"remaining_bytes": total,
				"quota_bytes":     p.quotaBytes,
			},
		})
		log.Printf("[EVENT] Pruned %d segment(s), freed %d bytes", removed, freed)
	}
	return removed, freed, nil
}

// scan lists recorded segments and their total size.
func (p *Pruner) scan() ([]segment, int64, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, 0, err
	}

	var segments []segment
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".mp4") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segment{
			path:    filepath.Join(p.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return segments, total, nil
}

func (p *Pruner) log(entry diaglog.LogEntry) {
	p.loggerMu.RLock()
	l := p.logger
	p.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentRetention
	}
	l.Log(entry)
}
