package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/types"
)

// FileStore 是基于文件的 Store 实现, 每个命名空间一个 JSON 文件。
// 适合单节点生产部署.
type FileStore struct {
	baseDir string
	cache   map[string]map[string]*Entry // namespace -> key -> entry
	mu      sync.RWMutex
	closed  bool
	clock   types.Clock
	stopCh  chan struct{}
}

// NewFileStore 新建文件存储器
func NewFileStore(config StoreConfig) (*FileStore, error) {
	baseDir := filepath.Join(config.BaseDir, "kv")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	store := &FileStore{
		baseDir: baseDir,
		cache:   make(map[string]map[string]*Entry),
		clock:   types.SystemClock,
		stopCh:  make(chan struct{}),
	}

	// 启用后开始清理 goroutine
	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store, nil
}

func (s *FileStore) nsPath(namespace string) string {
	return filepath.Join(s.baseDir, url.PathEscape(namespace)+".json")
}

// load 从磁盘加载命名空间到缓存, 调用方需持有写锁
func (s *FileStore) load(namespace string) (map[string]*Entry, error) {
	if ns, ok := s.cache[namespace]; ok {
		return ns, nil
	}

	ns := make(map[string]*Entry)
	data, err := os.ReadFile(s.nsPath(namespace))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &ns); err != nil {
			return nil, fmt.Errorf("corrupt namespace file %s: %w", namespace, err)
		}
	}

	s.cache[namespace] = ns
	return ns, nil
}

// save 原子写入命名空间文件, 调用方需持有写锁
func (s *FileStore) save(namespace string) error {
	ns := s.cache[namespace]
	path := s.nsPath(namespace)
	if len(ns) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := json.Marshal(ns)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close 关闭存储
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

// Ping 检查存储目录是否可用
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Put 写入值
func (s *FileStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ns, err := s.load(namespace)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	entry := &Entry{
		Namespace: namespace,
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}
	ns[key] = entry

	return s.save(namespace)
}

// Get 读取值
func (s *FileStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ns, err := s.load(namespace)
	if err != nil {
		return nil, err
	}
	entry, ok := ns[key]
	if !ok || entry.expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Value...), nil
}

// Delete 删除值
func (s *FileStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	ns, err := s.load(namespace)
	if err != nil {
		return err
	}
	if _, ok := ns[key]; !ok {
		return nil
	}
	delete(ns, key)
	return s.save(namespace)
}

// List 列出命名空间内未过期的条目
func (s *FileStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	ns, err := s.load(namespace)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	result := make([]Entry, 0, len(ns))
	for _, entry := range ns {
		if entry.expired(now) {
			continue
		}
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Cleanup 清理磁盘上所有命名空间中的过期条目
func (s *FileStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	files, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		namespace, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		ns, err := s.load(namespace)
		if err != nil {
			return removed, err
		}
		dirty := false
		for key, entry := range ns {
			if entry.expired(now) {
				delete(ns, key)
				removed++
				dirty = true
			}
		}
		if dirty {
			if err := s.save(namespace); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (s *FileStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		}
	}
}
