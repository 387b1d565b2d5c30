/**
 * Still-image source - watches a directory for dropped frames
 *
 * New or rewritten image files are debounced until their size stops
 * changing, then read and handed to the frame processor in arrival order.
 */

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/processor"
)

// WatcherConfig holds watcher configuration
type WatcherConfig struct {
	Dir       string
	Processor processor.FrameProcessorInterface
	// Settle is how long a file must go without events before it is read
	Settle time.Duration
	// ScanExisting processes images already in Dir at start, in name order
	ScanExisting bool
	Timeout      time.Duration
	Logger       *logging.Logger
}

// Watcher feeds still images from a directory into the processor
type Watcher struct {
	config  *WatcherConfig
	fsw     *fsnotify.Watcher
	logger  *logging.Logger
	pending map[string]time.Time
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher on cfg.Dir
func NewWatcher(cfg *WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 300 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("watcher")
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", cfg.Dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		config:  cfg,
		fsw:     fsw,
		logger:  logger,
		pending: make(map[string]time.Time),
	}, nil
}

// Start runs the watch loop until ctx is done
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("Watching directory for frames", "dir", w.config.Dir, "settle", w.config.Settle)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if w.config.ScanExisting {
			for _, name := range listImageFiles(w.config.Dir) {
				w.processFile(ctx, filepath.Join(w.config.Dir, name))
			}
		}
		w.loop(ctx)
	}()
}

// Stop closes the underlying watcher and waits for the loop to exit
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	tick := w.config.Settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isCandidate(filepath.Base(ev.Name)) {
				continue
			}
			w.pending[ev.Name] = time.Now()
		case <-ticker.C:
			for _, path := range w.stable(time.Now()) {
				w.processFile(ctx, path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watch error", "error", err)
		}
	}
}

// stable removes and returns pending paths that have settled, oldest first
func (w *Watcher) stable(now time.Time) []string {
	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.config.Settle {
			ready = append(ready, path)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return w.pending[ready[i]].Before(w.pending[ready[j]])
	})
	for _, path := range ready {
		delete(w.pending, path)
	}
	return ready
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Failed to read frame", "path", path, "error", err)
		return
	}

	frameCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	result, err := w.config.Processor.ProcessFrame(frameCtx, &processor.FrameRequest{
		FrameID: filepath.Base(path),
		Source:  "watch",
		Image:   data,
	})
	if err != nil {
		w.logger.Warn("Frame processing failed", "path", path, "error", err)
		return
	}
	w.logger.Debug("Frame processed", "path", path, "found", result.Found, "date", result.Value)
}

// isCandidate skips hidden and editor temp files
func isCandidate(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return processor.IsImageFilename(name)
}

func listImageFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isCandidate(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}
