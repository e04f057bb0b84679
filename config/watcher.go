package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 配置文件监控器：检测到修改后重新加载并校验，
// 校验失败时保留当前配置（坏配置不会被应用）。
type Watcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.RWMutex
	current     *Config
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
	errorChan   chan error
}

// NewWatcher 创建配置监控器
func NewWatcher(configPath string, initial *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		configDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取当前目录失败: %w", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &Watcher{
		configPath:  configPath,
		watcher:     watcher,
		current:     initial,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("监控配置目录失败: %w", err)
	}
	w.isWatching = true

	go w.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}

// Current 获取当前配置快照
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Updates 配置更新通道（仅推送校验通过的新配置）
func (w *Watcher) Updates() <-chan *Config {
	return w.updateChan
}

// Errors 重载错误通道
func (w *Watcher) Errors() <-chan error {
	return w.errorChan
}

// watchLoop 监控循环
func (w *Watcher) watchLoop(ctx context.Context) {
	// 去抖：编辑器保存往往触发多个事件
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				w.handleChange()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errorChan <- err:
			default:
			}
		}
	}
}

// handleChange 处理配置变更：重新加载、校验、推送
func (w *Watcher) handleChange() {
	info, err := os.Stat(w.configPath)
	if err != nil {
		return
	}

	w.mu.Lock()
	if !info.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = info.ModTime()
	w.mu.Unlock()

	newCfg, err := LoadConfig(w.configPath)
	if err != nil {
		// 坏配置：报告错误，保留当前配置
		select {
		case w.errorChan <- fmt.Errorf("配置重载失败，保留当前配置: %w", err):
		default:
		}
		return
	}

	w.mu.Lock()
	w.current = newCfg
	w.mu.Unlock()

	// 只保留最新的一份更新
	select {
	case w.updateChan <- newCfg:
	default:
		select {
		case <-w.updateChan:
		default:
		}
		w.updateChan <- newCfg
	}
}
