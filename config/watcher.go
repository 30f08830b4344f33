// 定义文件变更监听器。
//
// 轮询文件修改时间，防抖后回调；单个 goroutine 负责扫描与分发。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp 表示文件变化类型
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

// String 返回操作名
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 是一次文件变化
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounceDelay 设置防抖时间，同一路径在窗口内的多次变化只回调一次
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// FileWatcher 监听一组文件的修改
type FileWatcher struct {
	mu        sync.Mutex
	paths     []string
	interval  time.Duration
	debounce  time.Duration
	callbacks []func(FileEvent)
	modTimes  map[string]time.Time
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileWatcher 创建监听器。不存在的文件会在创建时触发 CREATE。
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		interval: time.Second,
		debounce: 100 * time.Millisecond,
		modTimes: make(map[string]time.Time),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "file_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat path %s: %w", abs, err)
		}
		w.paths = append(w.paths, abs)
	}
	return w, nil
}

// OnChange 注册回调，回调在监听 goroutine 中执行
func (w *FileWatcher) OnChange(cb func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Paths 返回监听的绝对路径
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// IsRunning 报告是否在监听
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Start 开始监听，直到 ctx 结束或 Stop
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already running")
	}
	for _, p := range w.paths {
		if info, err := os.Stat(p); err == nil {
			w.modTimes[p] = info.ModTime()
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("interval", w.interval),
	)
	return nil
}

// Stop 停止监听并等待 goroutine 退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("file watcher stopped")
}

func (w *FileWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make(map[string]FileEvent)
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events := w.scan()
			if len(events) == 0 {
				continue
			}
			for _, ev := range events {
				pending[ev.Path] = ev
			}
			flush = time.After(w.debounce)
		case <-flush:
			flush = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// scan 比较修改时间，返回自上次扫描以来的变化
func (w *FileWatcher) scan() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	var events []FileEvent
	for _, p := range w.paths {
		info, err := os.Stat(p)
		last, seen := w.modTimes[p]
		switch {
		case err != nil:
			if seen && errors.Is(err, os.ErrNotExist) {
				delete(w.modTimes, p)
				events = append(events, FileEvent{Path: p, Op: FileOpRemove, Timestamp: now})
			}
		case !seen:
			w.modTimes[p] = info.ModTime()
			events = append(events, FileEvent{Path: p, Op: FileOpCreate, Timestamp: now})
		case !info.ModTime().Equal(last):
			w.modTimes[p] = info.ModTime()
			events = append(events, FileEvent{Path: p, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

func (w *FileWatcher) dispatch(pending map[string]FileEvent) {
	w.mu.Lock()
	callbacks := append(make([]func(FileEvent), 0, len(w.callbacks)), w.callbacks...)
	w.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ev := pending[p]
		w.logger.Debug("file changed", zap.String("path", p), zap.String("op", ev.Op.String()))
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}
