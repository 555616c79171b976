package service

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fleetvisor/internal/models"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Directories never watched.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
}

type watchTarget struct {
	worker string
	roots  []string
	ignore []string
}

// Watcher turns filesystem changes under watch-mode workers' paths into
// debounced FileChanged events, one per worker.
type Watcher struct {
	fs       *fsnotify.Watcher
	targets  []watchTarget
	debounce time.Duration
	exclude  []string
	onChange func(worker string)
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher registers the watch paths of every watch-mode worker. Paths
// under exclude are never reported. It returns nil when no worker asks for
// watch mode.
func NewWatcher(specs []models.WorkerSpec, debounce time.Duration, exclude []string, onChange func(string), logger *zap.Logger) (*Watcher, error) {
	var targets []watchTarget
	for _, spec := range specs {
		if !spec.WatchFilesystem {
			continue
		}
		roots := spec.WatchPaths
		if len(roots) == 0 {
			dir := spec.Directory
			if dir == "" {
				dir = "."
			}
			roots = []string{dir}
		}
		t := watchTarget{worker: spec.Name, ignore: spec.IgnoreWatch}
		for _, root := range roots {
			if !filepath.IsAbs(root) && spec.Directory != "" {
				root = filepath.Join(spec.Directory, root)
			}
			abs, err := filepath.Abs(root)
			if err != nil {
				return nil, fmt.Errorf("resolve watch path %s: %w", root, err)
			}
			t.roots = append(t.roots, abs)
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		targets:  targets,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.Named("watcher"),
		pending:  make(map[string]*time.Timer),
	}
	for _, p := range exclude {
		if abs, err := filepath.Abs(p); err == nil {
			w.exclude = append(w.exclude, abs)
		}
	}
	for _, t := range targets {
		for _, root := range t.roots {
			if err := w.addRecursive(root); err != nil {
				w.logger.Warn("failed to watch path", zap.String("worker", t.worker), zap.String("path", root), zap.Error(err))
				continue
			}
			w.logger.Info("watching path", zap.String("worker", t.worker), zap.String("path", root))
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fs.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (skippedDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
			return filepath.SkipDir
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// Run delivers events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			w.handle(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if w.excluded(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Debug("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	}

	for _, t := range w.targets {
		if !t.matches(event.Name) {
			continue
		}
		w.logger.Debug("file changed", zap.String("worker", t.worker), zap.String("file", event.Name), zap.String("op", event.Op.String()))
		w.schedule(t.worker)
	}
}

// schedule (re)arms the worker's debounce timer.
func (w *Watcher) schedule(worker string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[worker]; ok {
		timer.Stop()
	}
	w.pending[worker] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, worker)
		w.mu.Unlock()
		w.onChange(worker)
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for worker, timer := range w.pending {
		timer.Stop()
		delete(w.pending, worker)
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}

func (w *Watcher) excluded(path string) bool {
	for _, dir := range w.exclude {
		if within(dir, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (t watchTarget) matches(path string) bool {
	for _, root := range t.roots {
		if !within(root, path) {
			continue
		}
		rel, _ := filepath.Rel(root, path)
		return !t.ignored(rel)
	}
	return false
}

func (t watchTarget) ignored(rel string) bool {
	base := filepath.Base(rel)
	for _, pattern := range t.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		prefix := strings.TrimSuffix(pattern, "/")
		if rel == prefix || strings.HasPrefix(rel, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Watch runs the filesystem watcher for watch-mode workers until ctx is
// done. It returns immediately when no worker uses watch mode.
func (s *Supervisor) Watch(ctx context.Context) error {
	var specs []models.WorkerSpec
	for _, name := range s.registry.Names() {
		spec, err := s.registry.Spec(name)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	var exclude []string
	if s.cfg.Logs.Dir != "" {
		exclude = append(exclude, s.cfg.Logs.Dir)
	}
	if s.cfg.Log.File != "" {
		exclude = append(exclude, s.cfg.Log.File)
	}

	w, err := NewWatcher(specs, s.cfg.Watch.Debounce, exclude, s.OnFileChanged, s.logger)
	if err != nil || w == nil {
		return err
	}
	return w.Run(ctx)
}
